package channel

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		bind bool
		addr string
	}{
		{">input.txt", KindFile, false, "input.txt"},
		{">/abs/out", KindFile, false, "/abs/out"},
		{"pipe.1", KindPipe, false, "pipe.1"},
		{"<pipe.1", KindPipe, false, "pipe.1"},
		{">{localhost:13500", KindPushSocket, true, "localhost:13500"},
		{"<{localhost:13500", KindPullSocket, false, "localhost:13500"},
		{"<}localhost:13501", KindPullSocket, true, "localhost:13501"},
		{">}localhost:13501", KindPushSocket, false, "localhost:13501"},
		{">}:13501", KindPushSocket, false, "localhost:13501"},
		{"-", KindStdio, false, "-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.name)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.name, err)
			}
			if s.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", s.Kind, tt.kind)
			}
			if s.Bind != tt.bind {
				t.Errorf("bind = %v, want %v", s.Bind, tt.bind)
			}
			if s.Address != tt.addr {
				t.Errorf("address = %q, want %q", s.Address, tt.addr)
			}
			if s.Raw != tt.name {
				t.Errorf("raw = %q, want %q", s.Raw, tt.name)
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, name := range []string{"", ">", "<", ">{", "<}nohost", ">{localhost"} {
		if _, err := Parse(name); !errors.Is(err, ErrBadName) {
			t.Errorf("Parse(%q) = %v, want ErrBadName", name, err)
		}
	}
}

func TestParseForDirection(t *testing.T) {
	if _, err := ParseFor(">{localhost:1", Read); !errors.Is(err, ErrBadName) {
		t.Errorf("reading a push socket should fail, got %v", err)
	}
	if _, err := ParseFor("<}localhost:1", Write); !errors.Is(err, ErrBadName) {
		t.Errorf("writing a pull socket should fail, got %v", err)
	}
	if _, err := ParseFor(">file", Read); err != nil {
		t.Errorf("files read fine: %v", err)
	}
	if _, err := ParseFor("pipe", Write); err != nil {
		t.Errorf("pipes write fine: %v", err)
	}
}

func TestSigilHelpers(t *testing.T) {
	if got := AsFile("x.txt"); got != ">x.txt" {
		t.Errorf("AsFile(x.txt) = %q", got)
	}
	if got := AsFile(">x.txt"); got != ">x.txt" {
		t.Errorf("AsFile(>x.txt) = %q", got)
	}
	if got := AsFile("-"); got != "-" {
		t.Errorf("AsFile(-) = %q", got)
	}
	if got := AsPipe(">p"); got != "p" {
		t.Errorf("AsPipe(>p) = %q", got)
	}
	if got := Sanitize("<}localhost:13501"); got != "localhost_13501" {
		t.Errorf("Sanitize = %q", got)
	}
}
