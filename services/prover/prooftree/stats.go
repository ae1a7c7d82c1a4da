// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prooftree

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/AleutianAI/AleutianProver/services/prover/record"
)

// Report summarizes a results directory.
type Report struct {
	Total    int     `json:"total"`
	Success  int     `json:"success"`
	Accuracy float64 `json:"accuracy"`

	// Corrupt counts items with at least one unreadable attempt file.
	Corrupt int `json:"corrupt"`
}

// solved is the first successful attempt of an item.
type solved struct {
	id      string
	attempt record.Attempt
}

// walk visits every item under dir's generated/ tree.
func walk(dir string, logger *slog.Logger, visit func(id string, attempts []record.Attempt, corrupt bool)) error {
	store, err := record.NewStore(dir)
	if err != nil {
		return err
	}
	ids, err := store.Items()
	if err != nil {
		return err
	}
	for _, id := range ids {
		attempts, err := store.Attempts(id)
		corrupt := false
		if err != nil {
			if !errors.Is(err, record.ErrCorruptAttempt) {
				return fmt.Errorf("item %s: %w", id, err)
			}
			logger.Warn("skipping unreadable attempt", slog.String("id", id), slog.String("error", err.Error()))
			corrupt = true
		}
		visit(id, attempts, corrupt)
	}
	return nil
}

func firstSuccess(attempts []record.Attempt) (record.Attempt, bool) {
	for _, a := range attempts {
		if a.Succeeded() {
			return a, true
		}
	}
	return record.Attempt{}, false
}

// Stats computes the success rate across dir/generated/*. An item counts
// as solved when any of its attempts succeeded.
func Stats(dir string, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var r Report
	err := walk(dir, logger, func(_ string, attempts []record.Attempt, corrupt bool) {
		r.Total++
		if corrupt {
			r.Corrupt++
		}
		if _, ok := firstSuccess(attempts); ok {
			r.Success++
		}
	})
	if err != nil {
		return Report{}, err
	}
	if r.Total > 0 {
		r.Accuracy = float64(r.Success) / float64(r.Total)
	}
	return r, nil
}

// LengthBucket is one bar of the proof length histogram.
type LengthBucket struct {
	Length int `json:"length"`
	Count  int `json:"count"`
}

// LengthDistribution counts solved items by number of tactics in their
// proof path, ascending by length.
func LengthDistribution(dir string, logger *slog.Logger) ([]LengthBucket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	counts := make(map[int]int)
	err := walk(dir, logger, func(id string, attempts []record.Attempt, _ bool) {
		a, ok := firstSuccess(attempts)
		if !ok {
			return
		}
		for _, decl := range a.CollectResults {
			if !decl.Success {
				continue
			}
			path, err := Build(decl.Nodes).ProofPath()
			if err != nil {
				logger.Warn("successful declaration without a closed node", slog.String("id", id))
				continue
			}
			counts[len(path)-1]++
			return
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]LengthBucket, 0, len(counts))
	for l, c := range counts {
		out = append(out, LengthBucket{Length: l, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Length < out[j].Length })
	return out, nil
}

// ExportProofs writes out/<id>.lean for every solved item and returns the
// number written. The stored formal proof is used when present; otherwise
// the proof is rebuilt from the tree.
func ExportProofs(dir, out string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var items []solved
	err := walk(dir, logger, func(id string, attempts []record.Attempt, _ bool) {
		if a, ok := firstSuccess(attempts); ok {
			items = append(items, solved{id: id, attempt: a})
		}
	})
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(out, 0o750); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}

	written := 0
	for _, it := range items {
		proof := it.attempt.FormalProof
		if proof == "" {
			proof, err = Proof(it.attempt)
			if err != nil {
				logger.Warn("cannot rebuild proof", slog.String("id", it.id), slog.String("error", err.Error()))
				continue
			}
		}
		path := filepath.Join(out, it.id+".lean")
		if err := os.WriteFile(path, []byte(proof+"\n"), 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written++
	}
	return written, nil
}
