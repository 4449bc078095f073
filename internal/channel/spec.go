package channel

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrBadName is wrapped by every error caused by a malformed channel name.
var ErrBadName = errors.New("bad channel name")

// Kind identifies the transport behind a channel name.
type Kind int

const (
	KindPipe       Kind = iota // named pipe (FIFO); bare name or "<name"
	KindFile                   // regular file; ">name"
	KindPushSocket             // push side of a push/pull socket pair
	KindPullSocket             // pull side of a push/pull socket pair
	KindStdio                  // process stdin (reader) or stdout (writer); "-"
)

func (k Kind) String() string {
	switch k {
	case KindPipe:
		return "pipe"
	case KindFile:
		return "file"
	case KindPushSocket:
		return "push"
	case KindPullSocket:
		return "pull"
	case KindStdio:
		return "stdio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Direction is the role a stage plays on a channel.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Sigils understood by Parse.
const (
	SigilFile   = ">"
	SigilPipe   = "<"
	SigilStdio  = "-"
	sideVent    = '{' // socket bound by the producer side
	sideSink    = '}' // socket bound by the consumer side
	sigilWriter = '>'
	sigilReader = '<'
)

// Spec is a parsed channel name.
type Spec struct {
	Kind    Kind
	Bind    bool   // sockets only: this end listens rather than dials
	Address string // file/pipe path or host:port
	Raw     string // the name as written
}

// Parse turns a symbolic channel name into a Spec.
//
//	>name          file
//	name, <name    named pipe
//	>{host:port    push socket, bound (ventilator)
//	<{host:port    pull socket, dialled (lane input)
//	<}host:port    pull socket, bound (sink)
//	>}host:port    push socket, dialled (lane output)
//	-              stdin/stdout
func Parse(name string) (Spec, error) {
	if name == "" {
		return Spec{}, fmt.Errorf("%w: empty name", ErrBadName)
	}
	if name == SigilStdio {
		return Spec{Kind: KindStdio, Address: SigilStdio, Raw: name}, nil
	}

	if len(name) >= 2 && (name[0] == sigilWriter || name[0] == sigilReader) &&
		(name[1] == sideVent || name[1] == sideSink) {
		return parseSocket(name)
	}

	switch {
	case strings.HasPrefix(name, SigilFile):
		path := name[1:]
		if path == "" {
			return Spec{}, fmt.Errorf("%w: %q has no file path", ErrBadName, name)
		}
		return Spec{Kind: KindFile, Address: path, Raw: name}, nil
	case strings.HasPrefix(name, SigilPipe):
		path := name[1:]
		if path == "" {
			return Spec{}, fmt.Errorf("%w: %q has no pipe name", ErrBadName, name)
		}
		return Spec{Kind: KindPipe, Address: path, Raw: name}, nil
	default:
		return Spec{Kind: KindPipe, Address: name, Raw: name}, nil
	}
}

func parseSocket(name string) (Spec, error) {
	addr := name[2:]
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return Spec{}, fmt.Errorf("%w: %q needs host:port", ErrBadName, name)
	}
	if host == "" {
		addr = net.JoinHostPort("localhost", port)
	}
	s := Spec{Address: addr, Raw: name}
	role, side := name[0], name[1]
	switch {
	case role == sigilWriter && side == sideVent:
		s.Kind, s.Bind = KindPushSocket, true
	case role == sigilReader && side == sideVent:
		s.Kind, s.Bind = KindPullSocket, false
	case role == sigilReader && side == sideSink:
		s.Kind, s.Bind = KindPullSocket, true
	default:
		s.Kind, s.Bind = KindPushSocket, false
	}
	return s, nil
}

// IsSocket reports whether s names a push/pull socket endpoint.
func (s Spec) IsSocket() bool {
	return s.Kind == KindPushSocket || s.Kind == KindPullSocket
}

// Check verifies that the channel can be used in direction d.
// Push sockets only write and pull sockets only read.
func (s Spec) Check(d Direction) error {
	switch {
	case s.Kind == KindPushSocket && d == Read:
		return fmt.Errorf("%w: %q is a push socket and cannot be read", ErrBadName, s.Raw)
	case s.Kind == KindPullSocket && d == Write:
		return fmt.Errorf("%w: %q is a pull socket and cannot be written", ErrBadName, s.Raw)
	}
	return nil
}

// ParseFor parses name and checks it against direction d.
func ParseFor(name string, d Direction) (Spec, error) {
	s, err := Parse(name)
	if err != nil {
		return Spec{}, err
	}
	if err := s.Check(d); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// AsFile returns name with the file sigil forced on, so "x", ">x" both become ">x".
// The stdio name "-" is returned unchanged.
func AsFile(name string) string {
	if name == SigilStdio {
		return name
	}
	return SigilFile + strings.TrimPrefix(name, SigilFile)
}

// AsPipe strips a leading file sigil so the name resolves to a named pipe.
func AsPipe(name string) string {
	return strings.TrimPrefix(name, SigilFile)
}

// Sanitize turns any channel name into a string usable as a file name.
func Sanitize(name string) string {
	name = strings.TrimLeft(name, "<>{}")
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '\\', ' ':
			return '_'
		}
		return r
	}, name)
}
