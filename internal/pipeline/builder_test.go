package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelocantos/conduit/internal/channel"
	"github.com/marcelocantos/conduit/internal/lazyio"
	"github.com/marcelocantos/conduit/internal/stage"
)

type spawnCall struct {
	name             string
	stage            stage.Stage
	readers, writers []string
}

// recorder is a Spawner that only records what it is asked to start.
type recorder struct {
	calls []spawnCall
	fail  error
}

func (r *recorder) Spawn(s stage.Stage, readers, writers []string) error {
	if r.fail != nil {
		return r.fail
	}
	r.calls = append(r.calls, spawnCall{name: s.Name(), stage: s, readers: readers, writers: writers})
	return nil
}

func (r *recorder) last() spawnCall { return r.calls[len(r.calls)-1] }

type recordingChannels struct {
	*channel.Resolver
	peers map[string]int
}

func (c *recordingChannels) ExpectPeers(addr string, n int) {
	c.peers[addr] = n
	c.Resolver.ExpectPeers(addr, n)
}

func newTestBuilder(t *testing.T) (*Builder, *recorder, *recordingChannels, string) {
	t.Helper()
	dir := t.TempDir()
	chans := &recordingChannels{
		Resolver: channel.NewResolver(channel.Options{DataDir: dir, PipeDir: dir}),
		peers:    make(map[string]int),
	}
	rec := &recorder{}
	return NewBuilder(rec, BuilderOptions{Channels: chans}), rec, chans, dir
}

func nop(context.Context, []*lazyio.Handle, []*lazyio.Handle) error { return nil }

func TestChainContinuity(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)

	require.NoError(t, b.FromFile("in.txt"))
	require.NoError(t, b.SpawnLambda("A", nop))
	require.NoError(t, b.SpawnCommand("sort"))
	require.NoError(t, b.ToFile("out.txt"))

	require.Len(t, rec.calls, 4)
	assert.Equal(t, []string{">in.txt"}, rec.calls[0].readers)
	for i := 1; i < len(rec.calls); i++ {
		assert.Equal(t, rec.calls[i-1].writers, rec.calls[i].readers, "stage %d reads what %d writes", i, i-1)
	}
	assert.Equal(t, []string{">out.txt"}, rec.last().writers)
	assert.Equal(t, []string{"FromFile", "A", "sort", "ToFile"},
		[]string{rec.calls[0].name, rec.calls[1].name, rec.calls[2].name, rec.calls[3].name})
}

func TestFirstStageReadsSeed(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	require.NoError(t, b.SpawnLambda("", nop))
	assert.Equal(t, []string{"pipe.0"}, rec.last().readers)
	assert.Equal(t, []string{"pipe.1"}, rec.last().writers)
	assert.Equal(t, "Lambda", rec.last().name)
}

func TestExplicitWriterDoesNotConsumeName(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	require.NoError(t, b.SpawnLambda("a", nop))
	require.NoError(t, b.SpawnLambda("b", nop, Writer("custom")))
	assert.Equal(t, 1, b.Cursor().Seq)

	require.NoError(t, b.SpawnLambda("c", nop))
	assert.Equal(t, []string{"pipe.1"}, rec.last().readers)
	assert.Equal(t, []string{"pipe.2"}, rec.last().writers)
}

func TestExplicitReaderStillAllocatesWriter(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	require.NoError(t, b.SpawnLambda("a", nop, Reader(">src")))
	assert.Equal(t, []string{">src"}, rec.last().readers)
	assert.Equal(t, []string{"pipe.1"}, rec.last().writers)
}

func TestFileAndPipeSigils(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	require.NoError(t, b.FromFile(">already"))
	assert.Equal(t, []string{">already"}, rec.last().readers)

	require.NoError(t, b.ToPipe(">named"))
	assert.Equal(t, []string{"named"}, rec.last().writers)

	require.NoError(t, b.FromPipe("named"))
	assert.Equal(t, []string{"named"}, rec.last().readers)
	assert.Equal(t, "FromPipe", rec.last().name)
}

func TestSubnetTransparency(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	require.NoError(t, b.FromFile("in"))
	outer := b.LastPipe()

	require.NoError(t, b.OnSubnet(func() error {
		if err := b.SpawnLambda("inner1", nop); err != nil {
			return err
		}
		return b.SpawnLambda("inner2", nop)
	}))
	assert.Equal(t, []string{"s1.pipe.0"}, rec.calls[1].readers)
	assert.Equal(t, []string{"s1.pipe.1"}, rec.calls[1].writers)

	assert.Equal(t, outer, b.LastPipe())
	require.NoError(t, b.SpawnLambda("after", nop))
	assert.Equal(t, []string{outer}, rec.last().readers)
}

func TestNamedRenamesStage(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	require.NoError(t, b.Spawn(stage.NewIdentity("x"), Named("renamed")))
	assert.Equal(t, "renamed", rec.last().name)

	require.NoError(t, b.SpawnCommand("grep foo", Named("finder")))
	assert.Equal(t, "finder", rec.last().name)
}

func TestTeeArgs(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	assert.ErrorIs(t, b.Tee("", nil), ErrTeeArgs)
	assert.ErrorIs(t, b.Tee(">x", func(*Builder) error { return nil }), ErrTeeArgs)
	assert.Empty(t, rec.calls)
	assert.Equal(t, 0, b.Cursor().Seq, "rejected tee allocates nothing")
}

func TestTeeEscape(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	require.NoError(t, b.FromFile("in"))
	require.NoError(t, b.Tee(">archive.txt", nil))

	tee := rec.last()
	assert.Equal(t, "tee", tee.name)
	assert.Equal(t, []string{"pipe.1"}, tee.readers)
	assert.Equal(t, []string{"pipe.2", ">archive.txt"}, tee.writers)
	assert.Equal(t, "pipe.2", b.LastPipe())
}

func TestTeeBlock(t *testing.T) {
	b, rec, _, dir := newTestBuilder(t)
	require.NoError(t, b.FromFile("in"))

	require.NoError(t, b.Tee("", func(b *Builder) error {
		assert.Equal(t, "s1.pipe.1", b.LastPipe())
		return b.ToFile("side.txt")
	}))

	tee := rec.calls[1]
	assert.Equal(t, []string{"pipe.1"}, tee.readers)
	assert.Equal(t, []string{"pipe.2", "s1.pipe.1"}, tee.writers)

	side := rec.calls[2]
	assert.Equal(t, []string{"s1.pipe.1"}, side.readers)
	assert.Equal(t, []string{">side.txt"}, side.writers)

	info, err := os.Stat(filepath.Join(dir, "s1.pipe.1"))
	require.NoError(t, err, "side pipe is created up front")
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)

	assert.Equal(t, "pipe.2", b.LastPipe(), "chain continues from the tee's writer")
}

func TestCapacitorWiring(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	require.NoError(t, b.FromFile("in"))
	require.NoError(t, b.Capacitor(""))
	assert.Equal(t, []string{"pipe.1"}, rec.last().readers)
	assert.Equal(t, []string{"pipe.2", ">pipe.1.1.charger"}, rec.last().writers)

	require.NoError(t, b.Capacitor(">hold.tmp"))
	assert.Equal(t, []string{"pipe.3", ">hold.tmp"}, rec.last().writers)

	require.NoError(t, b.Capacitor("", Reader("<{localhost:13500"), Writer(">}localhost:13501")))
	require.NoError(t, b.Capacitor("", Reader("<{localhost:13500"), Writer(">}localhost:13501")))
	assert.Equal(t, ">localhost_13500.2.charger", rec.calls[len(rec.calls)-2].writers[1])
	assert.Equal(t, ">localhost_13500.3.charger", rec.last().writers[1], "lanes sharing a reader get distinct chargers")

	assert.ErrorIs(t, b.Capacitor("not-a-file"), channel.ErrBadName)
}

func TestParallelPorts(t *testing.T) {
	b, rec, chans, _ := newTestBuilder(t)
	require.NoError(t, b.FromFile("in"))

	var lanes [][2]string
	lane := func(b *Builder, input, output string) error {
		lanes = append(lanes, [2]string{input, output})
		return b.SpawnLambda("work", nop, Reader(input), Writer(output))
	}
	require.NoError(t, b.Parallel(3, lane))

	vent, sink := rec.calls[1], rec.calls[2]
	assert.Equal(t, "Ventilator", vent.name)
	assert.Equal(t, []string{"pipe.1"}, vent.readers)
	assert.Equal(t, []string{">{localhost:13500"}, vent.writers)
	assert.Equal(t, "Sink", sink.name)
	assert.Equal(t, []string{"<}localhost:13501"}, sink.readers)
	assert.Equal(t, []string{"pipe.2"}, sink.writers)

	require.Len(t, lanes, 3)
	for _, l := range lanes {
		assert.Equal(t, [2]string{"<{localhost:13500", ">}localhost:13501"}, l)
	}
	assert.Equal(t, 3, chans.peers["localhost:13500"])
	assert.Equal(t, 3, chans.peers["localhost:13501"])

	require.NoError(t, b.Parallel(1, lane))
	assert.Equal(t, []string{">{localhost:13502"}, rec.calls[6].writers)
	assert.Equal(t, []string{"<}localhost:13503"}, rec.calls[7].readers)

	assert.Error(t, b.Parallel(0, lane))
}

func TestParallelLaneError(t *testing.T) {
	b, _, _, _ := newTestBuilder(t)
	boom := errors.New("boom")
	err := b.Parallel(2, func(*Builder, string, string) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, b.pipes.Depth(), "subnet closed after failure")
}

func TestReplicateNames(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	require.NoError(t, b.FromFile("in"))

	factory := func(i int) (stage.Stage, error) {
		return stage.NewMapLines("Word Count", func(l string) (string, bool) { return l, true }), nil
	}
	require.NoError(t, b.Replicate(2, factory))

	split := rec.calls[1]
	assert.Equal(t, "splitter", split.name)
	assert.Equal(t, []string{"pipe.1"}, split.readers)
	assert.Equal(t, []string{"word_count.1.1a.splitter", "word_count.1.2a.splitter"}, split.writers)

	assert.Equal(t, []string{"word_count.1.1a.splitter"}, rec.calls[2].readers)
	assert.Equal(t, []string{"word_count.1.1b.splitter"}, rec.calls[2].writers)

	join := rec.calls[4]
	assert.Equal(t, "joiner", join.name)
	assert.Equal(t, []string{"word_count.1.1b.splitter", "word_count.1.2b.splitter"}, join.readers)
	assert.Equal(t, []string{"pipe.2"}, join.writers)

	require.NoError(t, b.Replicate(1, factory))
	assert.Equal(t, []string{"word_count.2.1a.splitter"}, rec.calls[5].writers)
}

func TestReplicateFactoryError(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	boom := errors.New("no replica")
	err := b.Replicate(2, func(int) (stage.Stage, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.calls)
}

func TestSpawnErrorPropagates(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{fail: stage.ErrSealed}
	b := NewBuilder(rec, BuilderOptions{Channels: channel.NewResolver(channel.Options{DataDir: dir, PipeDir: dir})})
	assert.ErrorIs(t, b.FromFile("x"), stage.ErrSealed)
}

func TestBatchDefersSpawns(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	err := b.Batch(func() error {
		if err := b.FromFile("in"); err != nil {
			return err
		}
		assert.Empty(t, rec.calls, "nothing starts inside the batch")
		return b.ToFile("out")
	})
	require.NoError(t, err)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "FromFile", rec.calls[0].name)
	assert.Equal(t, "ToFile", rec.calls[1].name)
}

func TestBatchFailureStartsNothing(t *testing.T) {
	b, rec, _, _ := newTestBuilder(t)
	boom := errors.New("boom")
	err := b.Batch(func() error {
		if err := b.FromFile("in"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.calls)

	require.NoError(t, b.SpawnLambda("after", nop))
	assert.Len(t, rec.calls, 1, "spawner restored after a failed batch")
}

func TestCommandUsesBuilderOptions(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(&recorder{}, BuilderOptions{
		CommandOptions: []stage.CommandOption{stage.WithShell("bash"), stage.WithDir(dir)},
	})
	c := b.Command("wc -l")
	assert.Equal(t, "bash", c.Shell)
	assert.Equal(t, dir, c.Dir)
	assert.Equal(t, "wc", c.Name())
}
