package stage

import (
	"testing"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	for _, name := range []string{"identity", "tee", "splitter", "joiner", "capacitor", "sh", "cat", "grep", "head", "sort", "tail", "tr", "uniq", "wc"} {
		if _, err := r.Lookup(name); err != nil {
			t.Errorf("Lookup(%q): %v", name, err)
		}
	}
	if _, err := r.Lookup("rm"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	all := r.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Fatalf("not sorted: %q before %q", all[i-1].Name, all[i].Name)
		}
	}
}

func TestRegistryFactories(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, WithShell("bash"))

	s, err := r.New("grep", []string{"-v", "two words", "((<))"})
	if err != nil {
		t.Fatal(err)
	}
	cmd, ok := s.(*Command)
	if !ok {
		t.Fatalf("grep built %T", s)
	}
	if cmd.Line != "grep -v 'two words' ((<))" {
		t.Errorf("line = %q", cmd.Line)
	}
	if cmd.Shell != "bash" || cmd.Name() != "grep" {
		t.Errorf("shell=%q name=%q", cmd.Shell, cmd.Name())
	}

	s, err = r.New("splitter", []string{"broadcast"})
	if err != nil {
		t.Fatal(err)
	}
	if sp := s.(Splitter); !sp.Broadcast {
		t.Error("expected broadcast splitter")
	}

	if _, err := r.New("splitter", []string{"sideways"}); err == nil {
		t.Error("expected error for bad splitter mode")
	}
	if _, err := r.New("tee", []string{"file"}); err == nil {
		t.Error("tee takes no arguments")
	}
	if _, err := r.New("sh", nil); err == nil {
		t.Error("sh needs a command line")
	}

	s, err = r.New("identity", []string{"renamed"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "renamed" {
		t.Errorf("name = %q", s.Name())
	}
}

func TestRegistryCapacitorUsesCommandDir(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, WithDir("/data"))

	s, err := r.New("capacitor", nil)
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := s.(Capacitor); !ok || c.Dir != "/data" {
		t.Errorf("capacitor = %#v", s)
	}
}
