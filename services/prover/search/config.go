// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"fmt"

	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
)

// Kind names a search algorithm.
type Kind string

const (
	KindBeam      Kind = "beam"
	KindBestFirst Kind = "best_first"
	KindMCTS      Kind = "mcts"
)

// Config holds the budgets and tuning knobs for every strategy. Fields a
// strategy does not use are ignored.
type Config struct {
	Strategy Kind `json:"strategy" yaml:"strategy" validate:"oneof=beam best_first mcts"`

	NumSamples int `json:"num_samples" yaml:"num_samples" validate:"gt=0"`
	MaxNodes   int `json:"max_nodes" yaml:"max_nodes" validate:"gt=0"`
	MaxDepth   int `json:"max_depth" yaml:"max_depth" validate:"gt=0"`
	MaxCalls   int `json:"max_calls" yaml:"max_calls" validate:"gt=0"`
	Heartbeats int `json:"heartbeats" yaml:"heartbeats" validate:"gt=0"`

	AbandonIfContain []string `json:"abandon_if_contain" yaml:"abandon_if_contain"`

	// Beam.
	BeamWidth int `json:"beam_width" yaml:"beam_width" validate:"gte=0"`

	// Best-first.
	Alpha     float64   `json:"alpha" yaml:"alpha" validate:"gte=0"`
	InContext bool      `json:"in_context" yaml:"in_context"`
	LoopGuard LoopGuard `json:"loop_guard" yaml:"loop_guard"`

	// MCTS.
	SimDepth              int     `json:"sim_depth" yaml:"sim_depth" validate:"gte=0"`
	CPuct                 float64 `json:"c_puct" yaml:"c_puct" validate:"gte=0"`
	CScore                float64 `json:"c_score" yaml:"c_score"`
	CExpansionFailPenalty float64 `json:"c_expansion_fail_penalty" yaml:"c_expansion_fail_penalty" validate:"gte=0"`
	MaxRootExpansion      int     `json:"max_root_expansion" yaml:"max_root_expansion" validate:"gte=0"`
}

// LoopGuard discards best-first nodes whose last Window tactics all contain
// Pattern. The window counts the root's empty tactic, so it only trips at
// depth Window or deeper.
type LoopGuard struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Window  int    `json:"window" yaml:"window"`
}

// DefaultConfig returns the budgets the tactic model was tuned with.
func DefaultConfig() Config {
	return Config{
		Strategy:              KindBestFirst,
		NumSamples:            16,
		MaxNodes:              64,
		MaxDepth:              32,
		MaxCalls:              512,
		Heartbeats:            interactive.DefaultHeartbeats,
		AbandonIfContain:      DefaultBlacklist(),
		BeamWidth:             3,
		Alpha:                 0.5,
		LoopGuard:             LoopGuard{Enabled: true, Pattern: "have", Window: 5},
		SimDepth:              5,
		CPuct:                 1.0,
		CScore:                1.0,
		CExpansionFailPenalty: 30,
		MaxRootExpansion:      5,
	}
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c Config) Validate() error {
	switch c.Strategy {
	case KindBeam, KindBestFirst, KindMCTS:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Strategy)
	}
	if c.NumSamples < 1 {
		return fmt.Errorf("num_samples must be >= 1")
	}
	if c.MaxNodes < 1 || c.MaxDepth < 1 || c.MaxCalls < 1 {
		return fmt.Errorf("max_nodes, max_depth and max_calls must be >= 1")
	}
	if c.Strategy == KindBeam && c.BeamWidth < 1 {
		return fmt.Errorf("beam_width must be >= 1")
	}
	if c.LoopGuard.Enabled && (c.LoopGuard.Pattern == "" || c.LoopGuard.Window < 1) {
		return fmt.Errorf("loop_guard needs a pattern and a window >= 1")
	}
	return nil
}
