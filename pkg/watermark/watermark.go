// Package watermark records completed sync runs. The log is append-only and
// the most recently appended run bounds the next incremental fetch.
package watermark

import (
	"context"
	"sync"
	"time"
)

// Run is one completed, fully successful sync run
type Run struct {
	// LastRun is the time the run started. Records modified after it are
	// fetched by the next incremental run.
	LastRun  time.Time `json:"lastRun" bson:"lastRun"`
	Finished time.Time `json:"finished" bson:"finished"`
}

// Store persists the run log
type Store interface {
	// Latest returns the most recently appended run, or nil when the log is empty
	Latest(ctx context.Context) (*Run, error)
	// Append adds a run to the log
	Append(ctx context.Context, run Run) error
}

// Memory is an in-process Store
type Memory struct {
	mu   sync.RWMutex
	runs []Run
}

// NewMemory creates an empty in-memory log
func NewMemory() *Memory {
	return &Memory{}
}

// Latest returns the last appended run
func (m *Memory) Latest(context.Context) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.runs) == 0 {
		return nil, nil
	}
	run := m.runs[len(m.runs)-1]
	return &run, nil
}

// Append adds run to the log
func (m *Memory) Append(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// Runs returns a copy of the log in insertion order
func (m *Memory) Runs() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, len(m.runs))
	copy(out, m.runs)
	return out
}
