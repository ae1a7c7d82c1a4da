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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrCorruptAttempt is returned when an attempt file cannot be decoded.
	ErrCorruptAttempt = errors.New("corrupt attempt file")

	// ErrEmptyID is returned for a work item without an id.
	ErrEmptyID = errors.New("work item id is empty")
)

const (
	generatedDir = "generated"
	errorDir     = "error"
)

// Store reads and writes result files under a root directory.
//
// Thread Safety:
//
//	Safe for concurrent use across distinct item ids. Two workers never
//	hold the same id, so no locking is needed.
type Store struct {
	root string
}

// NewStore creates the directory layout under root.
func NewStore(root string) (*Store, error) {
	for _, dir := range []string{generatedDir, errorDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the results root.
func (s *Store) Root() string {
	return s.root
}

// ItemDir returns the directory holding id's attempts.
func (s *Store) ItemDir(id string) string {
	return filepath.Join(s.root, generatedDir, id)
}

// AttemptPath returns the file for attempt n of id.
func (s *Store) AttemptPath(id string, n int) string {
	return filepath.Join(s.ItemDir(id), fmt.Sprintf("%s_%d.json", id, n))
}

// ErrorPath returns the error trail file for id.
func (s *Store) ErrorPath(id string) string {
	return filepath.Join(s.root, errorDir, id+".json")
}

// WriteAttempt durably writes attempt a for id.
func (s *Store) WriteAttempt(id string, a *Attempt) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := os.MkdirAll(s.ItemDir(id), 0o750); err != nil {
		return fmt.Errorf("create item dir: %w", err)
	}
	return WriteJSON(s.AttemptPath(id, a.Attempt), a)
}

// WriteError durably writes the error trail for id, replacing any earlier
// one.
func (s *Store) WriteError(id string, rec *ErrorRecord) error {
	if id == "" {
		return ErrEmptyID
	}
	return WriteJSON(s.ErrorPath(id), rec)
}

// ReadError loads an error trail file.
func ReadError(path string) (*ErrorRecord, error) {
	var rec ErrorRecord
	if err := ReadJSON(path, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Attempts loads id's attempt files ordered by attempt number. Files that
// fail to decode are reported through ErrCorruptAttempt after the readable
// ones are returned.
func (s *Store) Attempts(id string) ([]Attempt, error) {
	indices, err := s.attemptIndices(id)
	if err != nil {
		return nil, err
	}
	var (
		out     []Attempt
		corrupt []string
	)
	for _, n := range indices {
		var a Attempt
		path := s.AttemptPath(id, n)
		if err := ReadJSON(path, &a); err != nil {
			corrupt = append(corrupt, filepath.Base(path))
			continue
		}
		a.Attempt = n
		out = append(out, a)
	}
	if len(corrupt) > 0 {
		return out, fmt.Errorf("%w: %s", ErrCorruptAttempt, strings.Join(corrupt, ", "))
	}
	return out, nil
}

// attemptIndices lists the attempt numbers present on disk, ascending.
func (s *Store) attemptIndices(id string) ([]int, error) {
	entries, err := os.ReadDir(s.ItemDir(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	prefix := id + "_"
	var indices []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		if err != nil || n < 0 {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}

// Items lists the item ids that have a generated/ directory.
func (s *Store) Items() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, generatedDir))
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// =============================================================================
// JSON file helpers
// =============================================================================

// WriteJSON writes v to path atomically: a temp file in the same directory
// is synced and renamed over path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}

	success = true
	return nil
}

// ReadJSON decodes the file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptAttempt, filepath.Base(path), err)
	}
	return nil
}
