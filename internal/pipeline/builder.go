package pipeline

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/marcelocantos/conduit/internal/channel"
	"github.com/marcelocantos/conduit/internal/stage"
)

// DefaultBasePort is the first port handed to Parallel.
const DefaultBasePort = 13500

// ErrTeeArgs is returned when Tee gets both or neither of escape and block.
var ErrTeeArgs = errors.New("tee needs exactly one of escape or block")

// Spawner starts a stage on named channels.
type Spawner interface {
	Spawn(s stage.Stage, readers, writers []string) error
}

// Channels is what the builder needs from the channel resolver.
type Channels interface {
	Resolve(name string) (channel.Channel, error)
	ExpectPeers(address string, n int)
}

// BuilderOptions configure a Builder.
type BuilderOptions struct {
	Channels       Channels // optional; without it nothing is pre-created
	Host           string   // socket host for Parallel, default localhost
	BasePort       int      // first Parallel port, default DefaultBasePort
	CommandOptions []stage.CommandOption
}

// Builder is the wiring DSL. It is not safe for concurrent use; stages it
// spawns run concurrently.
type Builder struct {
	sp       Spawner
	chans    Channels
	pipes    *AutoPipe
	host     string
	port     int
	cmdOpts  []stage.CommandOption
	replicas int
	chargers int
}

// NewBuilder returns a builder spawning through sp.
func NewBuilder(sp Spawner, opts BuilderOptions) *Builder {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.BasePort == 0 {
		opts.BasePort = DefaultBasePort
	}
	return &Builder{
		sp:      sp,
		chans:   opts.Channels,
		pipes:   NewAutoPipe(),
		host:    opts.Host,
		port:    opts.BasePort,
		cmdOpts: opts.CommandOptions,
	}
}

// Option overrides the default wiring of a single DSL call.
type Option func(*wiring)

type wiring struct {
	reader, writer, name string
	hasReader, hasWriter bool
}

// Reader sets the channel the stage reads instead of the last pipe.
func Reader(name string) Option {
	return func(w *wiring) { w.reader, w.hasReader = name, true }
}

// Writer sets the channel the stage writes instead of a fresh pipe.
func Writer(name string) Option {
	return func(w *wiring) { w.writer, w.hasWriter = name, true }
}

// Named sets the stage name.
func Named(name string) Option {
	return func(w *wiring) { w.name = name }
}

// wire applies opts and fills the gaps from the auto-pipe cursor, reader
// first, so an explicit writer never consumes a name.
func (b *Builder) wire(opts []Option) wiring {
	var w wiring
	for _, opt := range opts {
		opt(&w)
	}
	if !w.hasReader {
		w.reader = b.pipes.Last()
	}
	if !w.hasWriter {
		w.writer = b.pipes.Next()
	}
	return w
}

// NextPipe allocates a fresh pipe name.
func (b *Builder) NextPipe() string { return b.pipes.Next() }

// LastPipe returns the current reader source.
func (b *Builder) LastPipe() string { return b.pipes.Last() }

// Cursor exposes the current naming state.
func (b *Builder) Cursor() Cursor { return b.pipes.Snapshot() }

// OnSubnet runs fn with a private pipe namespace.
func (b *Builder) OnSubnet(fn func() error) error {
	return b.pipes.OnSubnet(fn)
}

// FromFile feeds file into the chain.
func (b *Builder) FromFile(file string, opts ...Option) error {
	w := b.wire(opts)
	return b.spawn(stage.NewIdentity(nameOr(w.name, "FromFile")), []string{channel.AsFile(file)}, []string{w.writer})
}

// ToFile writes the chain into file.
func (b *Builder) ToFile(file string, opts ...Option) error {
	w := b.wire(append(opts, Writer(channel.AsFile(file))))
	return b.spawn(stage.NewIdentity(nameOr(w.name, "ToFile")), []string{w.reader}, []string{w.writer})
}

// FromPipe feeds a named pipe into the chain.
func (b *Builder) FromPipe(pipe string, opts ...Option) error {
	w := b.wire(opts)
	return b.spawn(stage.NewIdentity(nameOr(w.name, "FromPipe")), []string{channel.AsPipe(pipe)}, []string{w.writer})
}

// ToPipe writes the chain into a named pipe.
func (b *Builder) ToPipe(pipe string, opts ...Option) error {
	w := b.wire(append(opts, Writer(channel.AsPipe(pipe))))
	return b.spawn(stage.NewIdentity(nameOr(w.name, "ToPipe")), []string{w.reader}, []string{w.writer})
}

// Spawn connects s to the chain.
func (b *Builder) Spawn(s stage.Stage, opts ...Option) error {
	w := b.wire(opts)
	if w.name != "" {
		s = renamed{Stage: s, name: w.name}
	}
	return b.spawn(s, []string{w.reader}, []string{w.writer})
}

// SpawnCommand connects a shell command line to the chain.
func (b *Builder) SpawnCommand(line string, opts ...Option) error {
	w := b.wire(opts)
	copts := b.cmdOpts
	if w.name != "" {
		copts = append(append([]stage.CommandOption(nil), copts...), stage.WithName(w.name))
	}
	return b.spawn(stage.NewCommand(line, copts...), []string{w.reader}, []string{w.writer})
}

// SpawnLambda connects a function to the chain.
func (b *Builder) SpawnLambda(name string, fn stage.Func, opts ...Option) error {
	w := b.wire(opts)
	return b.spawn(stage.NewLambda(nameOr(w.name, nameOr(name, "Lambda")), fn), []string{w.reader}, []string{w.writer})
}

// Command returns a shell command stage using the builder's command
// options, for callers that spawn it themselves.
func (b *Builder) Command(line string) *stage.Command {
	return stage.NewCommand(line, b.cmdOpts...)
}

var nonWord = regexp.MustCompile(`\W+`)

// Replicate runs n copies of a stage side by side. A splitter deals the
// input across the copies and a joiner merges their output.
func (b *Builder) Replicate(n int, factory func(i int) (stage.Stage, error), opts ...Option) error {
	if n < 1 {
		return fmt.Errorf("replicate: need at least one replica, got %d", n)
	}
	w := b.wire(opts)

	replicas := make([]stage.Stage, n)
	for i := range replicas {
		s, err := factory(i + 1)
		if err != nil {
			return fmt.Errorf("replicate: replica %d: %w", i+1, err)
		}
		replicas[i] = s
	}

	base := w.name
	if base == "" {
		base = replicas[0].Name()
	}
	id := nonWord.ReplaceAllString(strings.ToLower(base), "_")
	b.replicas++

	as := make([]string, n)
	bs := make([]string, n)
	for i := range as {
		as[i] = fmt.Sprintf("%s.%d.%da.splitter", id, b.replicas, i+1)
		bs[i] = fmt.Sprintf("%s.%d.%db.splitter", id, b.replicas, i+1)
	}

	if err := b.spawn(stage.Splitter{}, []string{w.reader}, as); err != nil {
		return err
	}
	for i, s := range replicas {
		if err := b.spawn(s, []string{as[i]}, []string{bs[i]}); err != nil {
			return err
		}
	}
	return b.spawn(stage.Joiner{}, bs, []string{w.writer})
}

// Tee copies the chain to a side channel while it continues. With escape
// the copy goes to that channel; with block the copy feeds a sub-chain
// built by block in its own subnet. Exactly one must be given.
func (b *Builder) Tee(escape string, block func(*Builder) error, opts ...Option) error {
	if (escape == "") == (block == nil) {
		return ErrTeeArgs
	}
	w := b.wire(opts)

	if block == nil {
		return b.spawn(stage.Tee{}, []string{w.reader}, []string{w.writer, escape})
	}
	return b.OnSubnet(func() error {
		side := b.pipes.Next()
		if b.chans != nil {
			ch, err := b.chans.Resolve(side)
			if err != nil {
				return err
			}
			if err := ch.Create(); err != nil {
				return err
			}
		}
		if err := b.spawn(stage.Tee{}, []string{w.reader}, []string{w.writer, side}); err != nil {
			return err
		}
		return block(b)
	})
}

// Capacitor holds back the chain until its input is complete. The input
// is buffered in charger, which must be a file (">name"). The default is
// named after the reader plus a per-build count, since parallel lanes
// share one reader name.
func (b *Builder) Capacitor(charger string, opts ...Option) error {
	if charger != "" && !strings.HasPrefix(charger, channel.SigilFile) {
		return fmt.Errorf("%w: charger %q must be a file", channel.ErrBadName, charger)
	}
	w := b.wire(opts)
	if charger == "" {
		b.chargers++
		charger = fmt.Sprintf("%s%s.%d.charger", channel.SigilFile, channel.Sanitize(w.reader), b.chargers)
	}
	return b.spawn(stage.Capacitor{}, []string{w.reader}, []string{w.writer, charger})
}

// Lane builds one parallel lane between input and output.
type Lane func(b *Builder, input, output string) error

// Parallel fans the chain out to n lanes over push/pull sockets and fans
// their results back in. Each call takes two fresh ports.
func (b *Builder) Parallel(n int, lane Lane, opts ...Option) error {
	if n < 1 {
		return fmt.Errorf("parallel: need at least one lane, got %d", n)
	}
	w := b.wire(opts)

	fan := net.JoinHostPort(b.host, strconv.Itoa(b.port))
	merge := net.JoinHostPort(b.host, strconv.Itoa(b.port+1))
	b.port += 2

	if b.chans != nil {
		b.chans.ExpectPeers(fan, n)
		b.chans.ExpectPeers(merge, n)
	}

	if err := b.spawn(stage.NewIdentity("Ventilator"), []string{w.reader}, []string{">{" + fan}); err != nil {
		return err
	}
	if err := b.spawn(stage.NewIdentity("Sink"), []string{"<}" + merge}, []string{w.writer}); err != nil {
		return err
	}
	return b.OnSubnet(func() error {
		for i := 0; i < n; i++ {
			if err := lane(b, "<{"+fan, ">}"+merge); err != nil {
				return fmt.Errorf("parallel: lane %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// Batch runs fn with spawning held back, then starts everything fn spawned
// in order. If fn fails nothing is started.
func (b *Builder) Batch(fn func() error) error {
	outer := b.sp
	q := &spawnQueue{}
	b.sp = q
	err := fn()
	b.sp = outer
	if err != nil {
		return err
	}
	for _, c := range q.calls {
		if err := outer.Spawn(c.stage, c.readers, c.writers); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) spawn(s stage.Stage, readers, writers []string) error {
	return b.sp.Spawn(s, readers, writers)
}

type queuedSpawn struct {
	stage            stage.Stage
	readers, writers []string
}

type spawnQueue struct {
	calls []queuedSpawn
}

func (q *spawnQueue) Spawn(s stage.Stage, readers, writers []string) error {
	q.calls = append(q.calls, queuedSpawn{stage: s, readers: readers, writers: writers})
	return nil
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

type renamed struct {
	stage.Stage
	name string
}

func (r renamed) Name() string { return r.name }
