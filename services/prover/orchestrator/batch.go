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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianProver/services/prover/record"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
)

// ErrDuplicateID is returned by LoadItems when two items share an id.
var ErrDuplicateID = errors.New("duplicate work item id")

// LoadItems reads batch input: either a JSON array or one JSON object per
// line, each with "id" and "formal_statement". Blank lines are skipped.
func LoadItems(path string) ([]*WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var items []*WorkItem
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 {
				continue
			}
			var it WorkItem
			if err := json.Unmarshal(text, &it); err != nil {
				return nil, fmt.Errorf("decode %s line %d: %w", path, line, err)
			}
			items = append(items, &it)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	seen := make(map[string]bool, len(items))
	for i, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("item %d: %w", i, record.ErrEmptyID)
		}
		if seen[it.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, it.ID)
		}
		seen[it.ID] = true
	}
	return items, nil
}

// Batch persists attempts for a fixed list of items with retry and resume.
//
// Description:
//
//	Before working on an item the attempt files already on disk decide
//	whether it is skipped and how many attempts remain. Attempts run until
//	one succeeds or the remaining budget is used. A search aborted by the
//	environment writes its trail to the error directory; the attempt is
//	still persisted, marked with the error, and does not count against the
//	retry budget.
//
// Thread Safety:
//
//	Safe for concurrent use by pool workers, which never share an item.
type Batch struct {
	store      *record.Store
	journal    *record.Journal
	maxRetries int
	logger     *slog.Logger
}

// NewBatch creates the batch handler. journal may be nil.
func NewBatch(store *record.Store, journal *record.Journal, maxRetries int, logger *slog.Logger) *Batch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{store: store, journal: journal, maxRetries: maxRetries, logger: logger}
}

// Mode implements Handler.
func (b *Batch) Mode() string {
	return "batch"
}

// Handle implements Handler.
func (b *Batch) Handle(ctx context.Context, w *Worker, item *WorkItem) (string, error) {
	logger := b.logger.With(slog.String("id", item.ID), slog.String("worker", w.Name()))

	d, err := b.store.Decide(item.ID, b.maxRetries)
	if err != nil {
		return ResultError, fmt.Errorf("resume decision: %w", err)
	}
	if d.Skip {
		logger.Info("skipping item", slog.String("reason", d.Reason), slog.Int("completed", d.Completed))
		return ResultSkipped, nil
	}

	result := ResultFailed
	for i := 0; i < d.Remaining; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n := d.NextAttempt + i
		logger.Info("attempt started", slog.Int("attempt", n))

		a, serr := w.Attempt(ctx, item.FormalStatement)
		a.AttemptID = uuid.NewString()
		a.Attempt = n
		if serr != nil {
			b.writeTrail(item, serr, logger)
		}
		if err := b.store.WriteAttempt(item.ID, a); err != nil {
			return ResultError, fmt.Errorf("write attempt %d: %w", n, err)
		}
		if b.journal != nil {
			if err := b.journal.Record(ctx, item.ID, a); err != nil {
				logger.Warn("journal update failed", slog.String("error", err.Error()))
			}
		}

		switch {
		case a.Success:
			recordAttempt("proved")
		case a.Error != "":
			recordAttempt("error")
		default:
			recordAttempt("failed")
		}
		logger.Info("attempt finished",
			slog.Int("attempt", n),
			slog.Bool("success", a.Success),
			slog.Duration("elapsed", a.FinishedAt.Sub(a.StartedAt)),
		)
		if a.Success {
			result = ResultProved
			break
		}
	}
	return result, nil
}

func (b *Batch) writeTrail(item *WorkItem, serr *search.SearchError, logger *slog.Logger) {
	rec := &record.ErrorRecord{
		ID:        item.ID,
		Statement: item.FormalStatement,
		Trail:     Trail(serr.Trail),
		Error:     serr.Error(),
		At:        time.Now().UTC(),
	}
	if err := b.store.WriteError(item.ID, rec); err != nil {
		logger.Error("writing error trail failed", slog.String("error", err.Error()))
	}
}
