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

import "errors"

// Skip reasons.
const (
	ReasonSucceeded = "succeeded"
	ReasonExhausted = "retries exhausted"
)

// Decision says what to do with a work item given its attempt files.
type Decision struct {
	// Skip is true when no further attempt should be made.
	Skip   bool
	Reason string

	// Completed counts attempts that ran to the end with a working
	// environment and oracle.
	Completed int

	// Remaining is how many attempts this run may still make.
	Remaining int

	// NextAttempt is the number for the next attempt file. Numbering
	// continues across restarts and never overwrites an earlier file.
	NextAttempt int
}

// Decide applies the resume rules.
//
// Description:
//
//	Any successful attempt short-circuits further work. Otherwise the
//	attempts that completed are counted; once they reach maxRetries the
//	item is exhausted. Attempts lost to environment or oracle failures do
//	not count, so an outage never burns the retry budget.
//
// Inputs:
//
//	attempts - The item's attempts in any order.
//	maxRetries - Retry budget per item.
//
// Outputs:
//
//	Decision - Skip verdict and next attempt number.
func Decide(attempts []Attempt, maxRetries int) Decision {
	d := Decision{}
	for _, a := range attempts {
		if a.Attempt >= d.NextAttempt {
			d.NextAttempt = a.Attempt + 1
		}
		if a.Succeeded() {
			d.Skip = true
			d.Reason = ReasonSucceeded
		}
		if a.Completed() {
			d.Completed++
		}
	}
	if d.Skip {
		return d
	}
	d.Remaining = maxRetries - d.Completed
	if d.Remaining <= 0 {
		d.Remaining = 0
		d.Skip = true
		d.Reason = ReasonExhausted
	}
	return d
}

// Decide loads id's attempts and applies the resume rules. A corrupt
// attempt file never causes a skip, but its number is not reused.
func (s *Store) Decide(id string, maxRetries int) (Decision, error) {
	attempts, err := s.Attempts(id)
	if err != nil && !errors.Is(err, ErrCorruptAttempt) {
		return Decision{}, err
	}
	d := Decide(attempts, maxRetries)
	if err != nil {
		indices, ierr := s.attemptIndices(id)
		if ierr != nil {
			return Decision{}, ierr
		}
		if n := len(indices); n > 0 && indices[n-1] >= d.NextAttempt {
			d.NextAttempt = indices[n-1] + 1
		}
		if d.Skip && d.Reason == ReasonExhausted {
			d.Skip = false
			d.Reason = ""
			d.Remaining = 1
		}
	}
	return d, nil
}
