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
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianProver/services/prover/record"
)

// Streaming file names.
const (
	InputFile  = "back_trans.json"
	OutputFile = "prove_info.json"
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Root holds one directory per input: <Root>/<Prefix><i>.
	Root   string
	Prefix string

	// Total is how many inputs the producer will write.
	Total int

	// Interval between scans. fsnotify events wake the poller early.
	Interval time.Duration

	// Rerun re-enqueues inputs that already have an output file.
	Rerun bool

	// Workers is the number of sentinels sent when every input was seen.
	Workers int
}

// DefaultPollerConfig returns the scan settings for root.
func DefaultPollerConfig(root string, total, workers int) PollerConfig {
	return PollerConfig{
		Root:     root,
		Prefix:   "index_",
		Total:    total,
		Interval: 20 * time.Second,
		Workers:  workers,
	}
}

// Poller feeds streaming inputs to the pool as they appear.
//
// Description:
//
//	Each scan checks every expected input directory. An input whose
//	output already exists is marked seen without being enqueued, unless
//	Rerun is set. Every other input is enqueued exactly once. When all
//	Total inputs are seen, one sentinel per worker is sent and Run
//	returns.
//
// Thread Safety:
//
//	Run must be called once.
type Poller struct {
	config  PollerConfig
	logger  *slog.Logger
	seen    map[string]bool
	watched map[string]bool
}

// NewPoller creates a poller.
func NewPoller(config PollerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = 20 * time.Second
	}
	return &Poller{
		config:  config,
		logger:  logger.With(slog.String("root", config.Root)),
		seen:    make(map[string]bool),
		watched: make(map[string]bool),
	}
}

// Run scans until every input is seen or ctx is cancelled. Items go to
// queue, which the caller owns.
func (p *Poller) Run(ctx context.Context, queue chan<- *WorkItem) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("file watcher unavailable, polling only", slog.String("error", err.Error()))
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(p.config.Root); err != nil {
			p.logger.Warn("cannot watch root", slog.String("error", err.Error()))
		}
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if err := p.scan(ctx, queue, watcher); err != nil {
			return err
		}
		p.logger.Info("scan finished", slog.Int("seen", len(p.seen)), slog.Int("total", p.config.Total))
		if len(p.seen) >= p.config.Total {
			for i := 0; i < p.config.Workers; i++ {
				if err := send(ctx, queue, nil); err != nil {
					return err
				}
			}
			return nil
		}
		if err := p.wait(ctx, ticker, watcher); err != nil {
			return err
		}
	}
}

// wait blocks until the next tick or a relevant file event.
func (p *Poller) wait(ctx context.Context, ticker *time.Ticker, watcher *fsnotify.Watcher) error {
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher != nil {
		events, errs = watcher.Events, watcher.Errors
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (p *Poller) scan(ctx context.Context, queue chan<- *WorkItem, watcher *fsnotify.Watcher) error {
	for i := 0; i < p.config.Total; i++ {
		key := p.config.Prefix + strconv.Itoa(i)
		if p.seen[key] {
			continue
		}
		dir := filepath.Join(p.config.Root, key)
		if watcher != nil && !p.watched[dir] {
			if _, err := os.Stat(dir); err == nil {
				if err := watcher.Add(dir); err == nil {
					p.watched[dir] = true
				}
			}
		}

		input := filepath.Join(dir, InputFile)
		output := filepath.Join(dir, OutputFile)
		if !exists(input) {
			continue
		}
		if exists(output) && !p.config.Rerun {
			p.seen[key] = true
			continue
		}

		item, err := loadStreamItem(key, input, output)
		if err != nil {
			// A producer may still be writing the file; try again next scan.
			p.logger.Debug("input not readable yet", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		p.seen[key] = true
		if err := send(ctx, queue, item); err != nil {
			return err
		}
	}
	return nil
}

func loadStreamItem(key, input, output string) (*WorkItem, error) {
	var raw map[string]any
	if err := record.ReadJSON(input, &raw); err != nil {
		return nil, err
	}
	list, ok := raw["back_trans_list"].([]any)
	if !ok {
		return nil, fmt.Errorf("%s: back_trans_list missing", input)
	}
	statements := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: back_trans_list holds a non-string", input)
		}
		statements = append(statements, s)
	}
	id := key
	if uk, ok := raw["unique_key"].(string); ok && uk != "" {
		id = uk
	}
	raw["prove_path"] = output
	return &WorkItem{ID: id, Statements: statements, OutputPath: output, Raw: raw}, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func send(ctx context.Context, queue chan<- *WorkItem, item *WorkItem) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case queue <- item:
		return nil
	}
}

// =============================================================================
// Pipeline handler
// =============================================================================

// ProvedStatement pairs a statement with its verified proof.
type ProvedStatement struct {
	FormalStatement string `json:"formal_statement"`
	FormalProof     string `json:"formal_proof"`
}

// Pipeline proves every candidate statement of a streaming item and
// writes the item's output file.
//
// Thread Safety:
//
//	Safe for concurrent use by pool workers.
type Pipeline struct {
	logger *slog.Logger
}

// NewPipeline creates the streaming handler.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger}
}

// Mode implements Handler.
func (p *Pipeline) Mode() string {
	return "stream"
}

// Handle implements Handler.
//
// Description:
//
//	Each candidate gets one attempt. Attempts go into prove_detail_dict
//	keyed by candidate index; an attempt aborted by the environment is
//	logged and left out. Candidates whose proof survived verification go
//	into result_list. The input document is echoed with both fields added.
func (p *Pipeline) Handle(ctx context.Context, w *Worker, item *WorkItem) (string, error) {
	logger := p.logger.With(slog.String("id", item.ID), slog.String("worker", w.Name()))
	logger.Info("item started", slog.Int("candidates", len(item.Statements)))

	detail := make(map[string]*record.Attempt, len(item.Statements))
	proved := make([]ProvedStatement, 0)
	for i, stmt := range item.Statements {
		if err := ctx.Err(); err != nil {
			return ResultError, err
		}
		a, _ := w.Attempt(ctx, stmt)
		if a.Error != "" {
			logger.Warn("candidate failed", slog.Int("candidate", i), slog.String("error", a.Error))
			recordAttempt("error")
			continue
		}
		a.AttemptID = item.ID + "/" + strconv.Itoa(i)
		detail[strconv.Itoa(i)] = a
		if a.Success && a.FormalProof != "" {
			recordAttempt("proved")
			proved = append(proved, ProvedStatement{FormalStatement: stmt, FormalProof: a.FormalProof})
		} else {
			recordAttempt("failed")
		}
	}

	out := make(map[string]any, len(item.Raw)+2)
	for k, v := range item.Raw {
		out[k] = v
	}
	out["prove_detail_dict"] = detail
	out["result_list"] = proved
	if err := record.WriteJSON(item.OutputPath, out); err != nil {
		return ResultError, fmt.Errorf("write %s: %w", item.OutputPath, err)
	}
	logger.Info("item finished", slog.Int("proved", len(proved)))

	if len(proved) > 0 {
		return ResultProved, nil
	}
	return ResultFailed, nil
}
