// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package record defines the persisted result files and the resume rules
// derived from them.
//
// Layout under a results root:
//
//	generated/<id>/<id>_<n>.json   one file per attempt
//	error/<id>.json                trail of the last fatal search error
//	journal/                       badger mirror of attempt outcomes
//
// Retry and skip decisions are made from the attempt files alone, so a
// restarted run reaches the same decisions as the one that crashed.
package record

import (
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/oracle"
)

// Node is one tree node as persisted.
type Node struct {
	ID     int      `json:"id"`
	Parent int      `json:"parent"`
	Depth  int      `json:"depth"`
	Tactic string   `json:"tactic"`
	State  []string `json:"state"`
}

// Closed reports whether the node has no goals left.
func (n Node) Closed() bool {
	return len(n.State) == 0
}

// StopCause records which budgets a search exhausted.
type StopCause struct {
	Nodes bool `json:"nodes"`
	Depth bool `json:"depth"`
	Calls bool `json:"calls"`
}

// Declaration is the outcome of searching one declaration.
type Declaration struct {
	Declaration string              `json:"declaration"`
	Success     bool                `json:"success"`
	Calls       []oracle.CallRecord `json:"calls"`
	Nodes       []Node              `json:"nodes"`
	StopCause   StopCause           `json:"stop_cause"`
}

// SuccessfulCalls counts oracle calls that returned candidates.
func (d Declaration) SuccessfulCalls() int {
	n := 0
	for _, c := range d.Calls {
		if c.Error == "" {
			n++
		}
	}
	return n
}

// Attempt is one try at proving a work item.
type Attempt struct {
	AttemptID       string        `json:"attempt_id"`
	Attempt         int           `json:"attempt"`
	FormalStatement string        `json:"formal_statement"`
	CollectResults  []Declaration `json:"collect_results"`
	FormalProof     string        `json:"formal_proof,omitempty"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	Worker          string        `json:"worker,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
}

// Succeeded reports whether the first declaration, the one the formal
// proof is built from, was proved. Later declarations are auxiliary and
// never make an attempt successful on their own. Verification failures
// are written back into the declaration, so a proof the checker rejected
// does not count.
func (a Attempt) Succeeded() bool {
	if a.Error != "" || len(a.CollectResults) == 0 {
		return false
	}
	return a.CollectResults[0].Success
}

// Completed reports whether the attempt counts against the retry budget.
//
// An attempt that hit an environment error, or in which some declaration
// never got an answer from the oracle, says nothing about the statement:
// it failed to connect and may be retried without limit across restarts.
func (a Attempt) Completed() bool {
	if a.Error != "" {
		return false
	}
	for _, d := range a.CollectResults {
		if d.SuccessfulCalls() == 0 {
			return false
		}
	}
	return true
}

// Step is one submission in an error trail.
type Step struct {
	SID    int    `json:"sid"`
	Tactic string `json:"tactic"`
}

// ErrorRecord is written when a search aborts on a fatal environment
// error. It carries enough to replay the session offline.
type ErrorRecord struct {
	ID        string    `json:"id,omitempty"`
	Statement string    `json:"statement"`
	Trail     []Step    `json:"trail"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}
