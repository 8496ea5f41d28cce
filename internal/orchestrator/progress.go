package orchestrator

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of the run for the status endpoint.
type Snapshot struct {
	RunID             string    `json:"run_id"`
	Status            string    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Remaining         int       `json:"remaining"`
	Processed         int       `json:"processed"`
	New               int       `json:"new"`
	SoftFailed        int       `json:"soft_failed"`
	Exhausted         int       `json:"exhausted"`
	Invalid           int       `json:"invalid"`
	CheckpointRecords int       `json:"checkpoint_records"`
	CurrentURL        string    `json:"current_url,omitempty"`
}

// Progress is shared between the pipeline goroutine (writer) and the status
// server (reader). A nil *Progress ignores updates.
type Progress struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewProgress returns an idle progress tracker.
func NewProgress() *Progress {
	return &Progress{snap: Snapshot{Status: "idle"}}
}

// Snapshot returns a copy of the current state.
func (p *Progress) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

func (p *Progress) update(now time.Time, fn func(*Snapshot)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.snap)
	p.snap.UpdatedAt = now
}
