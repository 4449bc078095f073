package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// maxLine bounds a single journal line; MCP runs journal whole scripts.
const maxLine = 4 << 20

// ChainError locates the first journal line that breaks the chain.
type ChainError struct {
	Line   int
	Reason string
}

func (e *ChainError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Reason) }

// scan calls fn with every non-blank line of the journal, in order.
func scan(path string, fn func(line int, raw []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for n := 1; sc.Scan(); n++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := fn(n, raw); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return nil
}

// Verify streams the journal and checks the sequence, the hash chain and
// the run fields of every entry. It returns how many entries passed; the
// error is a *ChainError for the first bad line.
func Verify(path string) (int, error) {
	var (
		count int
		seq   uint64
		prev  = genesisHash()
	)
	err := scan(path, func(line int, raw []byte) error {
		bad := func(format string, args ...any) error {
			return &ChainError{Line: line, Reason: fmt.Sprintf(format, args...)}
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return bad("invalid JSON: %v", err)
		}
		if e.Seq != seq+1 {
			return bad("sequence gap: expected %d, got %d", seq+1, e.Seq)
		}
		if e.PrevHash != prev {
			return bad("prev_hash mismatch: expected %s, got %s", short(prev), short(e.PrevHash))
		}
		if sum := e.sum(); e.Hash != sum {
			return bad("hash mismatch: expected %s, got %s", short(sum), short(e.Hash))
		}
		if err := e.check(); err != nil {
			return bad("run %s: %v", e.RunID, err)
		}
		seq, prev = e.Seq, e.Hash
		count++
		return nil
	})
	return count, err
}

// Tail returns the last n entries, or all of them when n is not positive.
// Unreadable lines are skipped. Only n entries are held at a time.
func Tail(path string, n int) ([]Entry, error) {
	var entries []Entry
	err := scan(path, func(_ int, raw []byte) error {
		var e Entry
		if json.Unmarshal(raw, &e) != nil {
			return nil
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
