// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRoot is returned by SearchProof when no sid 0 node was inserted.
	ErrNoRoot = errors.New("search has no root node")

	// ErrUnknownStrategy is returned for an unrecognized Kind.
	ErrUnknownStrategy = errors.New("unknown search strategy")

	// ErrAlreadyRun is returned when SearchProof is called twice. A strategy
	// instance serves exactly one declaration.
	ErrAlreadyRun = errors.New("search already run")

	// ErrMultipleRoots is returned by Insert for a second sid 0 node.
	ErrMultipleRoots = errors.New("search already has a root node")
)

// Step is one tactic submitted to the environment.
type Step struct {
	SID    int    `json:"sid"`
	Tactic string `json:"tactic"`
}

// SearchError aborts a search after a fatal environment error. Trail holds
// every submission up to and including the one that failed, which is
// enough to replay the session offline.
type SearchError struct {
	Trail []Step
	Cause error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search aborted after %d submissions: %v", len(e.Trail), e.Cause)
}

func (e *SearchError) Unwrap() error {
	return e.Cause
}
