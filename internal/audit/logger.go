package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger appends runs to a hash-chained JSONL journal.
type Logger struct {
	mu       sync.Mutex
	path     string
	seq      uint64
	prevHash string
}

// NewLogger opens the journal at path, creating its directory, and resumes
// the chain from the last readable entry.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	l := &Logger{path: path, prevHash: genesisHash()}
	err := scan(path, func(_ int, raw []byte) error {
		var e Entry
		if json.Unmarshal(raw, &e) == nil {
			l.seq, l.prevHash = e.Seq, e.Hash
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return l, nil
}

// Log appends r. A run without an ID gets a fresh one. Runs that Verify
// would reject are refused and leave the chain untouched.
func (l *Logger) Log(r Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	entry := Entry{
		Time:     time.Now().UTC(),
		RunID:    r.ID,
		Kind:     r.Kind,
		Source:   r.Source,
		Stages:   r.Stages,
		ExitCode: r.ExitCode,
		Duration: float64(r.Duration.Microseconds()) / 1000.0,
		Cwd:      r.Cwd,
	}
	if r.Err != nil {
		entry.Error = r.Err.Error()
	}
	if err := entry.check(); err != nil {
		return fmt.Errorf("journal run %s: %w", r.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Seq = l.seq + 1
	entry.PrevHash = l.prevHash
	entry.Hash = entry.sum()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}

	l.seq, l.prevHash = entry.Seq, entry.Hash
	return nil
}

// Path returns the journal file path.
func (l *Logger) Path() string { return l.path }
