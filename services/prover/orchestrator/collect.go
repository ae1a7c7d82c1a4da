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
	"github.com/AleutianAI/AleutianProver/services/prover/prooftree"
	"github.com/AleutianAI/AleutianProver/services/prover/record"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
)

// Declaration converts a search outcome to its persisted form.
func Declaration(r DeclarationResult) record.Declaration {
	nodes := make([]record.Node, len(r.Result.Nodes))
	for i, n := range r.Result.Nodes {
		nodes[i] = record.Node{
			ID:     n.SID,
			Parent: n.ParentSID,
			Depth:  n.Depth,
			Tactic: n.Tactic,
			State:  n.State.Pretties(),
		}
	}
	return record.Declaration{
		Declaration: r.Declaration,
		Success:     r.Result.Found,
		Calls:       r.Calls,
		Nodes:       nodes,
		StopCause: record.StopCause{
			Nodes: r.Result.StopCause.Nodes,
			Depth: r.Result.StopCause.Depth,
			Calls: r.Result.StopCause.Calls,
		},
	}
}

// Collect builds an attempt from per-declaration results. The formal proof
// is only reconstructed when the first declaration succeeded.
func Collect(statement string, results []DeclarationResult) *record.Attempt {
	a := &record.Attempt{
		FormalStatement: statement,
		CollectResults:  make([]record.Declaration, len(results)),
	}
	for i, r := range results {
		a.CollectResults[i] = Declaration(r)
	}
	if len(a.CollectResults) > 0 && a.CollectResults[0].Success {
		tactics, err := prooftree.Build(a.CollectResults[0].Nodes).ProofTactics()
		if err == nil {
			a.FormalProof = prooftree.Script(statement, tactics)
		}
	}
	return a
}

// Trail converts a search trail to its persisted form.
func Trail(steps []search.Step) []record.Step {
	out := make([]record.Step, len(steps))
	for i, s := range steps {
		out[i] = record.Step{SID: s.SID, Tactic: s.Tactic}
	}
	return out
}
