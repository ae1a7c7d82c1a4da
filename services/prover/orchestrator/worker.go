// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs proof searches over many statements in
// parallel, one worker per compute device.
//
// Each worker owns an oracle for its whole life and starts a fresh
// environment session per statement. Parallelism exists only across
// items; a single search is always sequential. Two modes feed the workers:
// batch mode reads a fixed input file and persists attempts with retry and
// resume, and streaming mode polls a directory tree for statements written
// by an upstream producer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
	"github.com/AleutianAI/AleutianProver/services/prover/oracle"
	"github.com/AleutianAI/AleutianProver/services/prover/record"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/verifier"
)

// =============================================================================
// Sessions
// =============================================================================

// Declarations is the part of the environment client a worker drives.
// *interactive.Client implements it.
type Declarations interface {
	interactive.Environment
	OpenFile(ctx context.Context, path string, selectors []any) error
	NextProblem(ctx context.Context) (string, bool, error)
}

// Session is one running environment.
type Session interface {
	Env() Declarations
	Close() error
}

// SessionFactory starts a session. Workers call it once per statement.
type SessionFactory func(ctx context.Context) (Session, error)

// launched adapts *interactive.Session.
type launched struct {
	*interactive.Session
}

func (l launched) Env() Declarations {
	return l.Client()
}

// LaunchSessions returns a factory that starts the environment subprocess
// described by cfg.
func LaunchSessions(cfg interactive.SessionConfig, logger *slog.Logger) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		s, err := interactive.Start(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return launched{s}, nil
	}
}

// =============================================================================
// Worker
// =============================================================================

// DeclarationResult is the outcome of searching one declaration.
type DeclarationResult struct {
	Declaration string
	Result      search.Result
	Calls       []oracle.CallRecord
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// ID distinguishes workers in logs and in source file names.
	ID int

	// Device is the compute slot the worker's oracle is bound to.
	Device string

	// ProofRoot is the project directory the environment runs in. Each
	// statement is written there as a worker-unique source file.
	ProofRoot string

	Search search.Config
}

// Worker proves statements one at a time.
//
// Thread Safety:
//
//	Not safe for concurrent use. Each worker goroutine owns one Worker.
type Worker struct {
	config   WorkerConfig
	oracle   oracle.Oracle
	sessions SessionFactory
	verifier verifier.Verifier
	logger   *slog.Logger
	source   string
	now      func() time.Time
}

// NewWorker creates a worker. v may be nil, in which case the
// environment's verdict is trusted.
func NewWorker(config WorkerConfig, o oracle.Oracle, sessions SessionFactory, v verifier.Verifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	name := fmt.Sprintf("TestOne_%s_%d_%d.lean", host, os.Getpid(), config.ID)
	return &Worker{
		config:   config,
		oracle:   o,
		sessions: sessions,
		verifier: v,
		logger: logger.With(
			slog.Int("worker", config.ID),
			slog.String("device", config.Device),
		),
		source: filepath.Join(config.ProofRoot, name),
		now:    time.Now,
	}
}

// Name identifies the worker in persisted attempts.
func (w *Worker) Name() string {
	return fmt.Sprintf("worker-%d@%s", w.config.ID, w.config.Device)
}

// Initialize prepares the worker's oracle.
func (w *Worker) Initialize(ctx context.Context) error {
	return oracle.InitializeIfNeeded(ctx, w.oracle)
}

// Release frees the worker's oracle.
func (w *Worker) Release() error {
	return oracle.ReleaseIfNeeded(w.oracle)
}

// ProcessOne searches every declaration of statement.
//
// Description:
//
//	Starts a session, writes statement to the worker's source file, opens
//	it with every declaration selected and runs one fresh strategy and
//	call recorder per declaration from that declaration's sid 0 state. The
//	source file is removed and the session closed on every path.
//
// Inputs:
//
//	ctx - Cancellation only takes effect between environment round-trips.
//	statement - Complete source text containing the declarations.
//
// Outputs:
//
//	[]DeclarationResult - One entry per declaration searched.
//	error - *search.SearchError when a search aborted, or an environment
//	        startup failure. Results gathered before the failure are
//	        returned with it.
func (w *Worker) ProcessOne(ctx context.Context, statement string) (results []DeclarationResult, err error) {
	ctx, span := tracer.Start(ctx, "Worker.ProcessOne",
		trace.WithAttributes(
			attribute.Int("worker.id", w.config.ID),
			attribute.String("worker.device", w.config.Device),
			attribute.String("search.strategy", string(w.config.Search.Strategy)),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Int("declarations", len(results)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sess, err := w.sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			w.logger.Warn("closing session", slog.String("error", cerr.Error()))
		}
	}()

	if err := os.WriteFile(w.source, []byte(statement), 0o644); err != nil {
		return nil, fmt.Errorf("write source file: %w", err)
	}
	defer os.Remove(w.source)

	env := sess.Env()
	if err := env.OpenFile(ctx, w.source, []any{nil}); err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	for {
		decl, ok, err := env.NextProblem(ctx)
		if err != nil {
			return results, fmt.Errorf("next declaration: %w", err)
		}
		if !ok {
			return results, nil
		}
		res, err := w.searchDeclaration(ctx, env, statement, decl)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
}

func (w *Worker) searchDeclaration(ctx context.Context, env Declarations, statement, decl string) (DeclarationResult, error) {
	logger := w.logger.With(slog.String("declaration", decl))

	rec := oracle.NewRecorder(w.oracle, w.config.Search.MaxCalls, logger)
	rec.Reset(statement)

	opts := []search.Option{search.WithLogger(logger)}
	if w.verifier != nil {
		opts = append(opts, search.WithVerifier(w.verifier))
	}
	strat, err := search.New(w.config.Search, opts...)
	if err != nil {
		return DeclarationResult{}, err
	}

	state, err := env.GetState(ctx, 0)
	if err != nil {
		return DeclarationResult{}, fmt.Errorf("initial state of %s: %w", decl, err)
	}
	if err := strat.Insert(search.NewRoot(state)); err != nil {
		return DeclarationResult{}, fmt.Errorf("seed %s: %w", decl, err)
	}

	start := w.now()
	serr := strat.SearchProof(ctx, rec, env)
	res := strat.Result()
	observeSearch(w.config.Search.Strategy, w.now().Sub(start))

	logger.Info("declaration searched",
		slog.Bool("found", res.Found),
		slog.Int("nodes", len(res.Nodes)),
		slog.Int("calls", res.Calls),
		slog.Int("depth", res.Depth),
	)
	out := DeclarationResult{Declaration: decl, Result: res, Calls: rec.Calls()}
	if serr != nil {
		return out, serr
	}
	return out, nil
}

// Attempt runs statement once and returns the attempt record.
//
// Description:
//
//	Search failures do not surface as errors: they are written into the
//	record's Error field, and the *search.SearchError is returned
//	alongside so the caller can persist the trail. Success is decided by
//	the first declaration alone, since the formal proof is built from it.
//	That proof is verified before the attempt is marked successful unless
//	the search already verified the same script.
func (w *Worker) Attempt(ctx context.Context, statement string) (*record.Attempt, *search.SearchError) {
	started := w.now().UTC()
	results, err := w.ProcessOne(ctx, statement)

	a := Collect(statement, results)
	a.Worker = w.Name()
	a.StartedAt = started

	var serr *search.SearchError
	if err != nil {
		a.Error = err.Error()
		errors.As(err, &serr)
		w.logger.Error("attempt failed", slog.String("error", err.Error()))
	} else {
		w.verifyAttempt(ctx, a, results)
	}
	a.Success = a.Succeeded()
	a.FinishedAt = w.now().UTC()
	return a, serr
}

// verifyAttempt rechecks the formal proof and clears the first
// declaration's success flag when the checker disagrees or fails, or when
// no proof script could be rebuilt from its tree.
func (w *Worker) verifyAttempt(ctx context.Context, a *record.Attempt, results []DeclarationResult) {
	if len(a.CollectResults) == 0 || !a.CollectResults[0].Success {
		return
	}
	if a.FormalProof == "" {
		w.logger.Warn("proved declaration has no proof script")
		a.CollectResults[0].Success = false
		return
	}
	if w.verifier == nil {
		return
	}
	if len(results) > 0 && results[0].Result.Verified {
		recordVerification("skipped")
		return
	}
	ok, err := w.verifier.Verify(ctx, a.FormalProof)
	switch {
	case err != nil:
		recordVerification("error")
		w.logger.Warn("proof verification failed", slog.String("error", err.Error()))
		a.CollectResults[0].Success = false
	case !ok:
		recordVerification("rejected")
		w.logger.Info("proof rejected on verification")
		a.CollectResults[0].Success = false
	default:
		recordVerification("passed")
	}
}
