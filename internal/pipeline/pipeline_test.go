package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelocantos/conduit/internal/config"
	"github.com/marcelocantos/conduit/internal/metrics"
	"github.com/marcelocantos/conduit/internal/stage"
)

func newRunPipeline(t *testing.T, opts ...RunOption) (*Pipeline, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pipeline.DataDir = t.TempDir()
	cfg.Pipeline.PipeDir = t.TempDir()
	opts = append([]RunOption{WithStdio(strings.NewReader(""), io.Discard, io.Discard)}, opts...)
	return New(cfg, opts...), cfg.Pipeline.DataDir
}

func writeLines(t *testing.T, path string, n int) []string {
	t.Helper()
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %03d", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return lines
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func upper() stage.Stage {
	return stage.NewMapLines("upper", func(l string) (string, bool) { return strings.ToUpper(l), true })
}

func upperAll(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.ToUpper(l)
	}
	return out
}

func sorted(lines []string) []string {
	out := append([]string(nil), lines...)
	sort.Strings(out)
	return out
}

// freePortPair finds a port p such that p and p+1 are both free.
func freePortPair(t *testing.T) int {
	t.Helper()
	for i := 0; i < 50; i++ {
		l1, err := net.Listen("tcp", "localhost:0")
		require.NoError(t, err)
		p := l1.Addr().(*net.TCPAddr).Port
		l2, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", p+1))
		l1.Close()
		if err == nil {
			l2.Close()
			return p
		}
	}
	t.Fatal("no consecutive free ports")
	return 0
}

func TestRunCopiesFileExactly(t *testing.T) {
	p, dir := newRunPipeline(t)
	payload := []byte("no trailing newline\x00\xff binary")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.bin"), payload, 0o644))

	rep, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.bin"); err != nil {
			return err
		}
		return b.ToFile("out.bin")
	})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.ElementsMatch(t, []string{"FromFile", "ToFile"}, rep.Stages)
	assert.NotEmpty(t, rep.ID)
}

func TestRunRemovesPipeDir(t *testing.T) {
	p, dir := newRunPipeline(t)
	writeLines(t, filepath.Join(dir, "in.txt"), 3)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		if err := b.Spawn(upper()); err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(p.cfg.Pipeline.PipeDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunTeeEscapeArchivesInput(t *testing.T) {
	p, dir := newRunPipeline(t)
	lines := writeLines(t, filepath.Join(dir, "in.txt"), 50)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		if err := b.Tee(">archive.txt", nil); err != nil {
			return err
		}
		if err := b.Spawn(upper()); err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	require.NoError(t, err)

	assert.Equal(t, lines, readLines(t, filepath.Join(dir, "archive.txt")))
	assert.Equal(t, upperAll(lines), readLines(t, filepath.Join(dir, "out.txt")))
}

func TestRunTeeBlockFeedsSideChain(t *testing.T) {
	p, dir := newRunPipeline(t)
	lines := writeLines(t, filepath.Join(dir, "in.txt"), 20)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		err := b.Tee("", func(b *Builder) error {
			if err := b.Spawn(upper()); err != nil {
				return err
			}
			return b.ToFile("side.txt")
		})
		if err != nil {
			return err
		}
		return b.ToFile("main.txt")
	})
	require.NoError(t, err)

	assert.Equal(t, lines, readLines(t, filepath.Join(dir, "main.txt")))
	assert.Equal(t, upperAll(lines), readLines(t, filepath.Join(dir, "side.txt")))
}

func TestRunCapacitorIsTransparent(t *testing.T) {
	p, dir := newRunPipeline(t)
	lines := writeLines(t, filepath.Join(dir, "in.txt"), 30)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		if err := b.Capacitor(""); err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	require.NoError(t, err)

	assert.Equal(t, lines, readLines(t, filepath.Join(dir, "out.txt")))
	_, err = os.Stat(filepath.Join(dir, "pipe.1.1.charger"))
	assert.True(t, os.IsNotExist(err), "charger removed after discharge")
}

func TestRunEmptyInputTruncatesOutput(t *testing.T) {
	p, dir := newRunPipeline(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), []byte("stale\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "held.txt"), []byte("stale\n"), 0o644))

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		if err := b.Tee(">held.txt", nil); err != nil {
			return err
		}
		if err := b.Capacitor(""); err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	require.NoError(t, err)

	for _, name := range []string{"out.txt", "held.txt"} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Empty(t, got, name)
	}
}

func TestRunCapacitorInsideLanes(t *testing.T) {
	p, dir := newRunPipeline(t)
	p.cfg.Socket.BasePort = freePortPair(t)
	lines := writeLines(t, filepath.Join(dir, "in.txt"), 200)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		err := b.Parallel(3, func(b *Builder, input, output string) error {
			return b.Capacitor("", Reader(input), Writer(output))
		})
		if err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	require.NoError(t, err)

	assert.Equal(t, sorted(lines), sorted(readLines(t, filepath.Join(dir, "out.txt"))))
	chargers, err := filepath.Glob(filepath.Join(dir, "*.charger"))
	require.NoError(t, err)
	assert.Empty(t, chargers)
}

func TestRunReplicate(t *testing.T) {
	p, dir := newRunPipeline(t)
	lines := writeLines(t, filepath.Join(dir, "in.txt"), 100)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		err := b.Replicate(3, func(int) (stage.Stage, error) { return upper(), nil })
		if err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	require.NoError(t, err)

	assert.Equal(t, sorted(upperAll(lines)), sorted(readLines(t, filepath.Join(dir, "out.txt"))))
}

func TestRunParallelOverSockets(t *testing.T) {
	p, dir := newRunPipeline(t)
	p.cfg.Socket.BasePort = freePortPair(t)
	lines := writeLines(t, filepath.Join(dir, "in.txt"), 200)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		err := b.Parallel(3, func(b *Builder, input, output string) error {
			return b.Spawn(upper(), Reader(input), Writer(output))
		})
		if err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	require.NoError(t, err)

	assert.Equal(t, sorted(upperAll(lines)), sorted(readLines(t, filepath.Join(dir, "out.txt"))))
}

func TestRunShellCommand(t *testing.T) {
	p, dir := newRunPipeline(t)
	lines := writeLines(t, filepath.Join(dir, "in.txt"), 10)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		if err := b.SpawnCommand("tr a-z A-Z"); err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	require.NoError(t, err)
	assert.Equal(t, upperAll(lines), readLines(t, filepath.Join(dir, "out.txt")))
}

func TestRunStageFailure(t *testing.T) {
	m := metrics.New(nil)
	p, dir := newRunPipeline(t, WithMetrics(m))
	writeLines(t, filepath.Join(dir, "in.txt"), 10)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		if err := b.SpawnCommand("cat >/dev/null; exit 3"); err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	var exit *stage.ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("error")))
}

func TestRunBuildErrorStopsStartedStages(t *testing.T) {
	m := metrics.New(nil)
	p, dir := newRunPipeline(t, WithMetrics(m))
	writeLines(t, filepath.Join(dir, "in.txt"), 10)
	boom := errors.New("boom")

	// FromFile blocks opening a pipe nobody will read until the run is killed.
	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("error")))
}

func TestRunRecordsSuccess(t *testing.T) {
	m := metrics.New(nil)
	p, dir := newRunPipeline(t, WithMetrics(m))
	writeLines(t, filepath.Join(dir, "in.txt"), 1)

	_, err := p.Run(context.Background(), func(b *Builder) error {
		if err := b.FromFile("in.txt"); err != nil {
			return err
		}
		return b.ToFile("out.txt")
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StagesStarted.WithLabelValues("FromFile"))+
		testutil.ToFloat64(m.StagesStarted.WithLabelValues("ToFile")))
}
