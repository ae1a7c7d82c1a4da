// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"log/slog"
	"time"
)

// CallRecord is one oracle call as persisted in a proof record.
type CallRecord struct {
	State   string    `json:"state"`
	Tactics []string  `json:"tactics"`
	Scores  []float64 `json:"scores"`
	Error   string    `json:"error,omitempty"`
}

// Recorder wraps an Oracle for a single declaration.
//
// Description:
//
//	Every call is appended to the log, successful or not, and counts toward
//	MaxCalls. Errors are swallowed after logging: a failing oracle
//	contributes zero candidates and the search carries on.
//
// Thread Safety:
//
//	Not safe for concurrent use. A search is single-threaded.
type Recorder struct {
	oracle    Oracle
	maxCalls  int
	statement string
	calls     []CallRecord
	logger    *slog.Logger
}

// NewRecorder creates a recorder with the given call budget. maxCalls <= 0
// means unlimited.
func NewRecorder(o Oracle, maxCalls int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{oracle: o, maxCalls: maxCalls, logger: logger}
}

// Reset clears the log for a new declaration of statement.
func (r *Recorder) Reset(statement string) {
	r.calls = nil
	r.statement = statement
}

// Statement returns the formal statement passed to Reset.
func (r *Recorder) Statement() string {
	return r.statement
}

// Suggest queries the oracle and records the call.
func (r *Recorder) Suggest(ctx context.Context, state string, k int, hint string) ([]string, []float64) {
	start := time.Now()
	tactics, scores, err := r.oracle.Suggest(ctx, state, k, hint)
	observeCall(time.Since(start), err)

	rec := CallRecord{State: state}
	if err != nil {
		r.logger.Warn("oracle call failed",
			slog.Int("call", len(r.calls)+1),
			slog.String("error", err.Error()),
		)
		rec.Error = err.Error()
		tactics, scores = nil, nil
	} else {
		if len(scores) < len(tactics) {
			tactics = tactics[:len(scores)]
		}
		scores = scores[:len(tactics)]
		rec.Tactics = tactics
		rec.Scores = scores
	}
	r.calls = append(r.calls, rec)
	return tactics, scores
}

// HasQuota reports whether another call fits in the budget.
func (r *Recorder) HasQuota() bool {
	return r.maxCalls <= 0 || len(r.calls) < r.maxCalls
}

// Count returns the number of calls made since Reset.
func (r *Recorder) Count() int {
	return len(r.calls)
}

// Successful returns the number of calls that did not fail.
func (r *Recorder) Successful() int {
	n := 0
	for _, c := range r.calls {
		if c.Error == "" {
			n++
		}
	}
	return n
}

// Calls returns a copy of the call log.
func (r *Recorder) Calls() []CallRecord {
	out := make([]CallRecord, len(r.calls))
	copy(out, r.calls)
	return out
}
