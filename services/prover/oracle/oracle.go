// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle is the boundary to the tactic-suggestion model.
//
// The model itself is an external collaborator. This package defines the
// contract a search consumes (Oracle), the per-search call log and quota
// (Recorder), the explicit lifecycle a worker drives (Lifecycle), and an
// implementation against an OpenAI-compatible completion server.
package oracle

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotReady is returned by Suggest before Initialize succeeded or
	// after Release.
	ErrNotReady = errors.New("oracle not initialized")

	// ErrCircuitOpen is returned while the breaker is rejecting calls.
	ErrCircuitOpen = errors.New("oracle circuit breaker is open")

	// ErrMissingAPIKey is returned by Initialize when the configured key
	// variable is unset.
	ErrMissingAPIKey = errors.New("oracle api key not set")
)

// Oracle suggests candidate tactics for a proof state.
//
// Suggest returns at most k tactics with one score per tactic (higher is
// more confident). hint is optional extra context, such as the proof so
// far. An error means "no candidates"; callers never abort a search on it.
type Oracle interface {
	Suggest(ctx context.Context, state string, k int, hint string) ([]string, []float64, error)
}

// Lifecycle is implemented by collaborators with expensive setup.
//
// Description:
//
//	Workers call Initialize once before first use and Release once on
//	shutdown. Nothing is loaded lazily inside Suggest.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Ready() bool
	Release() error
}

// Factory builds the oracle a worker owns for its whole lifetime. device
// identifies the compute slot the worker is bound to.
type Factory func(device string) (Oracle, error)

// InitializeIfNeeded calls Initialize when o implements Lifecycle.
func InitializeIfNeeded(ctx context.Context, o any) error {
	if lc, ok := o.(Lifecycle); ok && !lc.Ready() {
		return lc.Initialize(ctx)
	}
	return nil
}

// ReleaseIfNeeded calls Release when o implements Lifecycle.
func ReleaseIfNeeded(o any) error {
	if lc, ok := o.(Lifecycle); ok {
		return lc.Release()
	}
	return nil
}

// =============================================================================
// Static
// =============================================================================

// Static answers from a fixed table keyed by state text. States without an
// entry get Fallback. It is used by tests and by trail replay.
type Static struct {
	mu       sync.Mutex
	Table    map[string][]Suggestion
	Fallback []Suggestion
	calls    int
}

// Suggestion is one candidate tactic and its score.
type Suggestion struct {
	Tactic string  `json:"tactic"`
	Score  float64 `json:"score"`
}

// Suggest implements Oracle.
func (s *Static) Suggest(_ context.Context, state string, k int, _ string) ([]string, []float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	cands, ok := s.Table[state]
	if !ok {
		cands = s.Fallback
	}
	if k > 0 && len(cands) > k {
		cands = cands[:k]
	}
	tactics := make([]string, len(cands))
	scores := make([]float64, len(cands))
	for i, c := range cands {
		tactics[i] = c.Tactic
		scores[i] = c.Score
	}
	return tactics, scores, nil
}

// Calls returns how many times Suggest ran.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
