// Package persist is the engine's append-only JSON-lines session journal:
// one line per clean shutdown, carrying final settings, the active symbol
// set, and the session's closed-position outcomes. Open positions are
// deliberately not part of a record — the engine re-reads those live from
// the exchange on boot.
//
// Grounded on other_examples' jax-trading-assistant replay.TraceStore
// (append-only *.jsonl with os.O_APPEND|os.O_CREATE|os.O_WRONLY writes and a
// newline-delimited json.Unmarshal read-back loop); narrowed here to a
// single record type instead of a growing decision trace, since only the
// most recent session matters for restoring boot state.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"scalpcore/internal/types"
)

// Record is one line of the session journal.
type Record struct {
	ClosedAt time.Time      `json:"closed_at"`
	Settings types.Settings `json:"settings"`
	Symbols  []string       `json:"symbols"`
	Outcomes []types.Outcome `json:"outcomes,omitempty"`
}

// AppendSession appends one Record to path, creating the file if absent.
func AppendSession(path string, settings types.Settings, symbols []string, outcomes []types.Outcome) error {
	rec := Record{
		ClosedAt: time.Now().UTC(),
		Settings: settings,
		Symbols:  symbols,
		Outcomes: outcomes,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persist.AppendSession: marshal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("persist.AppendSession: open: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s\n", data); err != nil {
		return fmt.Errorf("persist.AppendSession: write: %w", err)
	}
	return nil
}

// LoadLastSession reads path and returns the last well-formed Record. A
// missing file is not an error: ok is false and the engine boots with
// defaults. A malformed trailing line is skipped in favour of the last
// line that parses, rather than failing the whole boot sequence.
func LoadLastSession(path string) (rec Record, ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("persist.LoadLastSession: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		return r, true, nil
	}
	return Record{}, false, nil
}
