package audit

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Run kinds, one per frontend.
const (
	KindScript = "script"
	KindPipe   = "pipe"
	KindMCP    = "mcp"
)

// Entry is one line of the run journal.
type Entry struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"ts"`
	PrevHash string    `json:"prev_hash"`
	RunID    string    `json:"run_id"`
	Kind     string    `json:"kind"`
	Source   string    `json:"source"`          // script path, pipe text or MCP script body
	Stages   []string  `json:"stages"`          // stage names in spawn order
	ExitCode int       `json:"exit_code"`       // 0 = success
	Error    string    `json:"error,omitempty"` // set exactly when exit_code is non-zero
	Duration float64   `json:"duration_ms"`
	Cwd      string    `json:"cwd"`
	Hash     string    `json:"hash"` // SHA-256 of this entry with hash empty
}

// Run describes a finished pipeline run to be journaled.
type Run struct {
	ID       string
	Kind     string
	Source   string
	Stages   []string
	ExitCode int
	Err      error
	Duration time.Duration
	Cwd      string
}

// check validates the run fields of e, independent of the chain.
func (e Entry) check() error {
	switch {
	case e.RunID == "":
		return errors.New("missing run_id")
	case e.Kind != KindScript && e.Kind != KindPipe && e.Kind != KindMCP:
		return fmt.Errorf("unknown kind %q", e.Kind)
	case (e.ExitCode == 0) != (e.Error == ""):
		return fmt.Errorf("exit_code %d disagrees with error %q", e.ExitCode, e.Error)
	case e.Duration < 0:
		return fmt.Errorf("negative duration %v", e.Duration)
	}
	return nil
}

func (e Entry) sum() string {
	e.Hash = ""
	data, _ := json.Marshal(e)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func genesisHash() string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte("conduit-genesis")))
}
