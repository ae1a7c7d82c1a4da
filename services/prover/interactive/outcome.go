// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package interactive

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// Environment is the subset of Client a search drives. Tests substitute
// scripted fakes.
type Environment interface {
	RunTactic(ctx context.Context, sid int, tactic string, heartbeats int) (int, error)
	GetState(ctx context.Context, sid int) (proofstate.State, error)
	GiveUp(ctx context.Context, sid int) (int, error)
	Commit(ctx context.Context, sid int) error
}

var _ Environment = (*Client)(nil)

// OutcomeKind tags the result of applying one tactic.
type OutcomeKind int

const (
	// Accepted means the tactic ran and State holds the resulting goals.
	Accepted OutcomeKind = iota

	// Rejected means the environment refused the tactic. The branch does
	// not exist; the session is unaffected.
	Rejected

	// Fatal means the session can no longer be used.
	Fatal
)

// String returns "accepted", "rejected" or "fatal".
func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of Apply.
type Outcome struct {
	Kind OutcomeKind

	// SID and State are set when Kind is Accepted.
	SID   int
	State proofstate.State

	// Reason is set when Kind is Rejected.
	Reason string

	// Err is set when Kind is Fatal.
	Err error
}

// Apply runs tactic on sid and, when accepted, fetches the resulting state.
//
// Description:
//
//	Folds the two round-trips a search needs per candidate into one tagged
//	value so callers branch on Kind instead of error types. A failure of
//	the follow-up getState is Fatal: the environment accepted the tactic
//	but cannot describe the result.
func Apply(ctx context.Context, env Environment, sid int, tactic string, heartbeats int) Outcome {
	next, err := env.RunTactic(ctx, sid, tactic, heartbeats)
	if err != nil {
		var te *TacticError
		if errors.As(err, &te) {
			return Outcome{Kind: Rejected, Reason: te.Message}
		}
		return Outcome{Kind: Fatal, Err: err}
	}
	state, err := env.GetState(ctx, next)
	if err != nil {
		return Outcome{Kind: Fatal, Err: err}
	}
	return Outcome{Kind: Accepted, SID: next, State: state}
}
