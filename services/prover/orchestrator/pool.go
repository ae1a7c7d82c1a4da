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
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ErrNoWorkers is returned by Run when the pool is empty.
var ErrNoWorkers = errors.New("pool has no workers")

// WorkItem is one unit of work on the shared queue. A nil *WorkItem tells
// the worker that receives it to stop.
type WorkItem struct {
	// ID names the item. Batch ids come from the input file; streaming
	// ids are the directory names.
	ID string `json:"id"`

	// FormalStatement is the source to prove in batch mode.
	FormalStatement string `json:"formal_statement"`

	// Statements are the candidate sources of a streaming item.
	Statements []string `json:"-"`

	// OutputPath is where a streaming item's result goes.
	OutputPath string `json:"-"`

	// Raw holds the streaming input document, echoed into the output.
	Raw map[string]any `json:"-"`
}

// Handler processes items for one mode.
type Handler interface {
	// Mode names the handler in metrics and status.
	Mode() string

	// Handle processes item on w and returns one of the Result*
	// constants. Failures are recorded by the handler; only conditions
	// that must stop the whole run are returned as errors.
	Handle(ctx context.Context, w *Worker, item *WorkItem) (string, error)
}

// Pool runs one goroutine per worker over a shared queue.
type Pool struct {
	workers  []*Worker
	handler  Handler
	progress *Progress
	logger   *slog.Logger
}

// NewPool creates a pool. progress may be nil.
func NewPool(workers []*Worker, handler Handler, progress *Progress, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if progress == nil {
		progress = NewProgress(handler.Mode())
	}
	return &Pool{workers: workers, handler: handler, progress: progress, logger: logger}
}

// Size returns the number of workers, which is also the number of
// sentinels a producer must send.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Progress returns the pool's progress tracker.
func (p *Pool) Progress() *Progress {
	return p.progress
}

// Run drains queue until every worker has received a nil sentinel.
//
// Description:
//
//	Each worker initializes its oracle once, then loops on the queue. An
//	oracle that cannot be initialized stops the run, as does any error a
//	handler returns. Oracles are released on every exit path.
//
// Inputs:
//
//	ctx - Cancelling stops workers between items.
//	queue - Shared queue. The producer sends one nil per worker at the end.
//
// Outputs:
//
//	error - The first fatal error from any worker.
func (p *Pool) Run(ctx context.Context, queue <-chan *WorkItem) error {
	if len(p.workers) == 0 {
		return ErrNoWorkers
	}
	g, gCtx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return p.runWorker(gCtx, w, queue)
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, w *Worker, queue <-chan *WorkItem) error {
	if err := w.Initialize(ctx); err != nil {
		return fmt.Errorf("%s: initialize oracle: %w", w.Name(), err)
	}
	activeWorkers.Inc()
	defer func() {
		activeWorkers.Dec()
		if err := w.Release(); err != nil {
			w.logger.Warn("releasing oracle", slog.String("error", err.Error()))
		}
	}()
	w.logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-queue:
			if !ok || item == nil {
				w.logger.Info("worker finished")
				return nil
			}
			p.progress.Begin(w.Name(), item.ID)
			result, err := p.handler.Handle(ctx, w, item)
			if err != nil {
				result = ResultError
			}
			p.progress.Finish(w.Name(), result)
			recordItem(p.handler.Mode(), result)
			if err != nil {
				return fmt.Errorf("%s: item %s: %w", w.Name(), item.ID, err)
			}
		}
	}
}

// Enqueue returns a buffered queue holding items followed by n
// sentinels.
func Enqueue(items []*WorkItem, n int) <-chan *WorkItem {
	queue := make(chan *WorkItem, len(items)+n)
	for _, it := range items {
		queue <- it
	}
	for i := 0; i < n; i++ {
		queue <- nil
	}
	return queue
}
