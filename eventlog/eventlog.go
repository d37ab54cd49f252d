// Package eventlog records the auditable execution trace of a run and
// renders entries as server-sent events.
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	uniagent "github.com/toryoto/uniagent-go"
)

// Log is an append-only execution trace with a monotonic step counter.
// Entries are never reordered or rewritten; ordering is the only guarantee
// made to consumers.
type Log struct {
	mu      sync.Mutex
	step    int
	entries []uniagent.ExecutionLogEntry
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append records one entry and returns it with its assigned step number.
func (l *Log) Append(kind uniagent.LogKind, description string, details map[string]interface{}) uniagent.ExecutionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.step++
	entry := uniagent.ExecutionLogEntry{
		Step:        l.step,
		Kind:        kind,
		Description: description,
		Details:     details,
		Timestamp:   time.Now().UTC(),
	}
	l.entries = append(l.entries, entry)
	return entry
}

// Entries returns a copy of the recorded trace.
func (l *Log) Entries() []uniagent.ExecutionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]uniagent.ExecutionLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of recorded entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// WriteSSE renders one JSON-encoded server-sent event frame to w.
func WriteSSE(w io.Writer, event string, data interface{}) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, encoded); err != nil {
		return err
	}
	return nil
}
