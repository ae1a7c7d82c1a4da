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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrJournalClosed is returned by operations on a closed journal.
var ErrJournalClosed = errors.New("journal is closed")

const itemPrefix = "item/"

// JournalConfig configures the badger-backed journal.
type JournalConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the journal in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives badger's internal logs. Nil silences them.
	Logger *slog.Logger
}

// DefaultJournalConfig returns durable settings rooted at path.
func DefaultJournalConfig(path string) JournalConfig {
	return JournalConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryJournalConfig returns settings for tests.
func InMemoryJournalConfig() JournalConfig {
	return JournalConfig{InMemory: true}
}

// Entry is the journal's view of one work item.
type Entry struct {
	ID        string    `json:"id"`
	Attempts  int       `json:"attempts"`
	Completed int       `json:"completed"`
	Success   bool      `json:"success"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary aggregates the journal.
type Summary struct {
	Items     int `json:"items"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Attempts  int `json:"attempts"`
	Errors    int `json:"errors"`
}

// Journal mirrors attempt outcomes into badger so status queries do not
// have to walk the result tree. The attempt files stay authoritative for
// resume decisions.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	stopGC chan struct{}
	gcDone chan struct{}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenJournal opens or creates the journal.
//
// Description:
//
//	Opens badger at cfg.Path, creating the directory if needed, and starts
//	value log GC when GCInterval is set on a persistent journal.
//
// Inputs:
//
//	cfg - Journal configuration. Path is required unless InMemory.
//
// Outputs:
//
//	*Journal - The open journal. Caller must Close it.
//	error - Non-nil if the database cannot be opened.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio > 1 {
			db.Close()
			return nil, errors.New("gc discard ratio must be in (0, 1]")
		}
		j.stopGC = make(chan struct{})
		j.gcDone = make(chan struct{})
		go j.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return j, nil
}

func (j *Journal) runGC(interval time.Duration, ratio float64) {
	defer close(j.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopGC:
			return
		case <-ticker.C:
			err := j.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				j.logger.Warn("journal value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Record folds attempt a into id's entry.
func (j *Journal) Record(ctx context.Context, id string, a *Attempt) error {
	if id == "" {
		return ErrEmptyID
	}
	return j.update(ctx, func(txn *badger.Txn) error {
		entry, err := getEntry(txn, id)
		if err != nil {
			return err
		}
		entry.ID = id
		entry.Attempts++
		if a.Completed() {
			entry.Completed++
		}
		if a.Succeeded() {
			entry.Success = true
		}
		entry.LastError = a.Error
		entry.UpdatedAt = a.FinishedAt
		if entry.UpdatedAt.IsZero() {
			entry.UpdatedAt = time.Now().UTC()
		}
		return putEntry(txn, entry)
	})
}

// Get returns id's entry. The bool is false when the item is unknown.
func (j *Journal) Get(ctx context.Context, id string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := j.view(ctx, func(txn *badger.Txn) error {
		e, err := getEntry(txn, id)
		if err != nil {
			return err
		}
		found = e.ID != ""
		entry = e
		return nil
	})
	return entry, found, err
}

// List returns every entry in key order.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := j.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(itemPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Summary aggregates all entries.
func (j *Journal) Summary(ctx context.Context) (Summary, error) {
	entries, err := j.List(ctx)
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, e := range entries {
		s.Items++
		s.Attempts += e.Attempts
		if e.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if e.LastError != "" {
			s.Errors++
		}
	}
	return s, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.stopGC != nil {
		close(j.stopGC)
		<-j.gcDone
	}
	return j.db.Close()
}

func (j *Journal) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.db.Update(fn)
}

func (j *Journal) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.db.View(fn)
}

func getEntry(txn *badger.Txn, id string) (Entry, error) {
	item, err := txn.Get([]byte(itemPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	return e, err
}

func putEntry(txn *badger.Txn, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return txn.Set([]byte(itemPrefix+e.ID), data)
}
