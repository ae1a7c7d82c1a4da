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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
	"github.com/AleutianAI/AleutianProver/services/prover/record"
)

// ReplayStep is the outcome of re-submitting one trail entry.
type ReplayStep struct {
	SID      int      `json:"sid"`
	Tactic   string   `json:"tactic"`
	Outcome  string   `json:"outcome"`
	NewSID   int      `json:"new_sid,omitempty"`
	Goals    []string `json:"goals,omitempty"`
	Messages []string `json:"messages,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// messageSource is implemented by environments that expose elaboration
// messages, such as *interactive.Client.
type messageSource interface {
	GetMessages(ctx context.Context, sid int) ([]string, error)
}

// Replay re-runs an error trail against a fresh session.
//
// Description:
//
//	The statement is opened exactly as a worker would open it and each
//	recorded (sid, tactic) pair is submitted in order. Sids are
//	deterministic for a given submission order, so the recorded parents
//	resolve to the same states. Replay stops after the first step that
//	closes every goal, or at the first fatal error, which is returned
//	with the steps that preceded it. The session is released with a
//	give-up and commit on sid 0.
//
// Inputs:
//
//	ctx - Cancellation between round-trips.
//	sessions - Starts the environment.
//	proofRoot - Project directory for the temporary source file.
//	rec - The persisted trail.
//	heartbeats - Per-tactic budget.
//
// Outputs:
//
//	[]ReplayStep - One entry per submitted step.
//	error - Session failure or the fatal error that ended the replay.
func Replay(ctx context.Context, sessions SessionFactory, proofRoot string, rec *record.ErrorRecord, heartbeats int, logger *slog.Logger) ([]ReplayStep, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sess, err := sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer sess.Close()

	source := filepath.Join(proofRoot, fmt.Sprintf("Replay_%d.lean", os.Getpid()))
	if err := os.WriteFile(source, []byte(rec.Statement), 0o644); err != nil {
		return nil, fmt.Errorf("write source file: %w", err)
	}
	defer os.Remove(source)

	env := sess.Env()
	if err := env.OpenFile(ctx, source, []any{nil}); err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	decl, ok, err := env.NextProblem(ctx)
	if err != nil {
		return nil, fmt.Errorf("next declaration: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("statement has no declaration")
	}
	logger = logger.With(slog.String("declaration", decl))

	messages, _ := env.(messageSource)

	var steps []ReplayStep
	for _, st := range rec.Trail {
		out := interactive.Apply(ctx, env, st.SID, st.Tactic, heartbeats)
		step := ReplayStep{SID: st.SID, Tactic: st.Tactic, Outcome: out.Kind.String()}
		switch out.Kind {
		case interactive.Fatal:
			steps = append(steps, step)
			logger.Error("replay hit a fatal error",
				slog.Int("sid", st.SID),
				slog.String("tactic", st.Tactic),
				slog.String("error", out.Err.Error()),
			)
			return steps, out.Err
		case interactive.Rejected:
			step.Reason = out.Reason
		case interactive.Accepted:
			step.NewSID = out.SID
			step.Goals = out.State.Pretties()
			if messages != nil {
				msgs, err := messages.GetMessages(ctx, out.SID)
				if err != nil {
					logger.Warn("cannot read messages", slog.Int("sid", out.SID), slog.String("error", err.Error()))
				}
				step.Messages = msgs
			}
		}
		steps = append(steps, step)
		if out.Kind == interactive.Accepted && out.State.Closed() {
			break
		}
	}

	sid, err := env.GiveUp(ctx, 0)
	if err != nil {
		return steps, fmt.Errorf("give up: %w", err)
	}
	if err := env.Commit(ctx, sid); err != nil {
		return steps, fmt.Errorf("commit: %w", err)
	}
	return steps, nil
}
