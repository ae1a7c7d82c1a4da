// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"sort"
	"sync"
	"time"
)

// Item results reported to Progress.
const (
	ResultProved  = "proved"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// WorkerStatus is what one worker is doing.
type WorkerStatus struct {
	Worker string    `json:"worker"`
	Item   string    `json:"item,omitempty"`
	Since  time.Time `json:"since"`
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	Mode      string         `json:"mode"`
	Queued    int            `json:"queued"`
	Proved    int            `json:"proved"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Errors    int            `json:"errors"`
	Workers   []WorkerStatus `json:"workers"`
	StartedAt time.Time      `json:"started_at"`
}

// Progress tracks a run for the status endpoint.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Progress struct {
	mu      sync.RWMutex
	snap    Snapshot
	workers map[string]WorkerStatus
}

// NewProgress starts tracking a run in the given mode.
func NewProgress(mode string) *Progress {
	return &Progress{
		snap:    Snapshot{Mode: mode, StartedAt: time.Now().UTC()},
		workers: make(map[string]WorkerStatus),
	}
}

// Queued records n more items waiting for a worker.
func (p *Progress) Queued(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Queued += n
}

// Begin marks worker as busy with item.
func (p *Progress) Begin(worker, item string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.Queued > 0 {
		p.snap.Queued--
	}
	p.workers[worker] = WorkerStatus{Worker: worker, Item: item, Since: time.Now().UTC()}
}

// Finish marks worker idle and counts the item's result.
func (p *Progress) Finish(worker, result string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[worker] = WorkerStatus{Worker: worker, Since: time.Now().UTC()}
	switch result {
	case ResultProved:
		p.snap.Proved++
	case ResultFailed:
		p.snap.Failed++
	case ResultSkipped:
		p.snap.Skipped++
	case ResultError:
		p.snap.Errors++
	}
}

// Snapshot returns a copy of the current state with workers sorted by name.
func (p *Progress) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.snap
	s.Workers = make([]WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		s.Workers = append(s.Workers, w)
	}
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].Worker < s.Workers[j].Worker })
	return s
}
