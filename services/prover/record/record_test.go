// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package record

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/oracle"
)

func answered() []oracle.CallRecord {
	return []oracle.CallRecord{{State: "⊢ p", Tactics: []string{"simp"}, Scores: []float64{-0.1}}}
}

func unanswered() []oracle.CallRecord {
	return []oracle.CallRecord{{State: "⊢ p", Error: "connection refused"}}
}

func completedAttempt(n int, success bool) Attempt {
	return Attempt{
		Attempt:         n,
		FormalStatement: "theorem t : p := by sorry",
		CollectResults:  []Declaration{{Declaration: "t", Success: success, Calls: answered()}},
	}
}

// =============================================================================
// Attempt predicates
// =============================================================================

func TestAttempt_Succeeded(t *testing.T) {
	tests := []struct {
		name    string
		attempt Attempt
		want    bool
	}{
		{"proved", completedAttempt(0, true), true},
		{"unproved", completedAttempt(0, false), false},
		{"error wins", Attempt{Error: "boom", CollectResults: []Declaration{{Success: true}}}, false},
		{"only a later declaration", Attempt{CollectResults: []Declaration{{Success: false}, {Success: true}}}, false},
		{"first declaration", Attempt{CollectResults: []Declaration{{Success: true}, {Success: false}}}, true},
		{"no declarations", Attempt{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.attempt.Succeeded())
		})
	}
}

func TestAttempt_Completed(t *testing.T) {
	tests := []struct {
		name    string
		attempt Attempt
		want    bool
	}{
		{"all answered", completedAttempt(0, false), true},
		{"error", Attempt{Error: "env died", CollectResults: []Declaration{{Calls: answered()}}}, false},
		{"oracle never answered", Attempt{CollectResults: []Declaration{{Calls: unanswered()}}}, false},
		{"one declaration unanswered", Attempt{CollectResults: []Declaration{{Calls: answered()}, {Calls: unanswered()}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.attempt.Completed())
		})
	}
}

// =============================================================================
// Resume decisions
// =============================================================================

func TestDecide(t *testing.T) {
	t.Run("fresh item", func(t *testing.T) {
		d := Decide(nil, 3)
		assert.False(t, d.Skip)
		assert.Equal(t, 3, d.Remaining)
		assert.Equal(t, 0, d.NextAttempt)
	})

	t.Run("success skips", func(t *testing.T) {
		d := Decide([]Attempt{completedAttempt(0, false), completedAttempt(1, true)}, 5)
		assert.True(t, d.Skip)
		assert.Equal(t, ReasonSucceeded, d.Reason)
	})

	t.Run("exhausted", func(t *testing.T) {
		d := Decide([]Attempt{completedAttempt(0, false), completedAttempt(1, false)}, 2)
		assert.True(t, d.Skip)
		assert.Equal(t, ReasonExhausted, d.Reason)
		assert.Equal(t, 2, d.Completed)
	})

	t.Run("outages do not count", func(t *testing.T) {
		attempts := []Attempt{
			completedAttempt(0, false),
			{Attempt: 1, Error: "environment died"},
			{Attempt: 2, CollectResults: []Declaration{{Calls: unanswered()}}},
		}
		d := Decide(attempts, 2)
		assert.False(t, d.Skip)
		assert.Equal(t, 1, d.Completed)
		assert.Equal(t, 1, d.Remaining)
		assert.Equal(t, 3, d.NextAttempt)
	})
}

// =============================================================================
// Store
// =============================================================================

func TestStore_WriteAndReadAttempts(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, n := range []int{2, 0, 10} {
		a := completedAttempt(n, false)
		require.NoError(t, s.WriteAttempt("item_7", &a))
	}

	attempts, err := s.Attempts("item_7")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, 0, attempts[0].Attempt)
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Equal(t, 10, attempts[2].Attempt)

	assert.FileExists(t, filepath.Join(s.Root(), "generated", "item_7", "item_7_10.json"))

	ids, err := s.Items()
	require.NoError(t, err)
	assert.Equal(t, []string{"item_7"}, ids)
}

func TestStore_NoTempFilesLeft(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	a := completedAttempt(0, true)
	require.NoError(t, s.WriteAttempt("x", &a))

	entries, err := os.ReadDir(s.ItemDir("x"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x_0.json", entries[0].Name())
}

func TestStore_EmptyID(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	a := completedAttempt(0, true)
	assert.ErrorIs(t, s.WriteAttempt("", &a), ErrEmptyID)
	assert.ErrorIs(t, s.WriteError("", &ErrorRecord{}), ErrEmptyID)
}

func TestStore_CorruptAttemptRetries(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, n := range []int{0, 1} {
		a := completedAttempt(n, false)
		require.NoError(t, s.WriteAttempt("c", &a))
	}
	require.NoError(t, os.WriteFile(s.AttemptPath("c", 2), []byte("{not json"), 0o644))

	attempts, err := s.Attempts("c")
	assert.True(t, errors.Is(err, ErrCorruptAttempt))
	assert.Len(t, attempts, 2)

	d, err := s.Decide("c", 2)
	require.NoError(t, err)
	assert.False(t, d.Skip)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, 3, d.NextAttempt)
}

func TestStore_DecideSkipsSucceeded(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	a := completedAttempt(0, true)
	require.NoError(t, s.WriteAttempt("ok", &a))

	d, err := s.Decide("ok", 3)
	require.NoError(t, err)
	assert.True(t, d.Skip)
	assert.Equal(t, ReasonSucceeded, d.Reason)
}

func TestStore_ErrorRecord(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	rec := &ErrorRecord{
		ID:        "e1",
		Statement: "theorem t : p := by sorry",
		Trail:     []Step{{SID: 0, Tactic: "intro h"}, {SID: 1, Tactic: "exact h"}},
		Error:     "broken pipe",
		At:        time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, s.WriteError("e1", rec))

	got, err := ReadError(s.ErrorPath("e1"))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

// =============================================================================
// Journal
// =============================================================================

func TestJournal_RecordAndSummary(t *testing.T) {
	j, err := OpenJournal(InMemoryJournalConfig())
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()

	a0 := completedAttempt(0, false)
	a1 := completedAttempt(1, true)
	failed := Attempt{Attempt: 0, Error: "environment died"}

	require.NoError(t, j.Record(ctx, "a", &a0))
	require.NoError(t, j.Record(ctx, "a", &a1))
	require.NoError(t, j.Record(ctx, "b", &failed))

	e, found, err := j.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, 2, e.Completed)
	assert.True(t, e.Success)

	_, found, err = j.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)

	sum, err := j.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Items: 2, Succeeded: 1, Failed: 1, Attempts: 3, Errors: 1}, sum)
}

func TestJournal_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultJournalConfig(dir)
	cfg.GCInterval = time.Hour

	j, err := OpenJournal(cfg)
	require.NoError(t, err)
	a := completedAttempt(0, true)
	require.NoError(t, j.Record(context.Background(), "p", &a))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	j2, err := OpenJournal(cfg)
	require.NoError(t, err)
	defer j2.Close()

	e, found, err := j2.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, e.Success)
}

func TestJournal_Closed(t *testing.T) {
	j, err := OpenJournal(InMemoryJournalConfig())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	a := completedAttempt(0, true)
	assert.ErrorIs(t, j.Record(context.Background(), "x", &a), ErrJournalClosed)
	_, err = j.List(context.Background())
	assert.ErrorIs(t, err, ErrJournalClosed)
}

func TestJournal_RequiresPath(t *testing.T) {
	_, err := OpenJournal(JournalConfig{})
	assert.Error(t, err)
}
