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
	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// Node is one proof state reached during a search.
//
// Description:
//
//	A Node records how it was reached (the parent's session id and the
//	tactic applied to it) and the state the environment reported. Nodes
//	are never mutated after creation. Parent is a read-only back-reference
//	used to rebuild the tactic path; trees keep their own bookkeeping and
//	never walk children through it.
type Node struct {
	// SID is the environment's session id for State. The root has SID 0.
	SID int

	// ParentSID is the parent's session id. The root is its own parent.
	ParentSID int

	// Tactic is the tactic applied to the parent. Empty for the root.
	Tactic string

	// State is the list of open goals. Empty means the branch is proved.
	State proofstate.State

	// Depth is the number of tactics between the root and this node.
	Depth int

	// Score is strategy specific: repeat count for beam search,
	// cumulative log-probability for best-first.
	Score float64

	// Parent is nil for the root.
	Parent *Node

	key string
}

// NewRoot creates the sid 0 node for a declaration's initial state.
func NewRoot(state proofstate.State) *Node {
	return &Node{State: state}
}

// Key returns the node's deduplication key.
func (n *Node) Key() string {
	if n.key == "" {
		n.key = n.State.DedupKey()
	}
	return n.key
}

// IsRoot reports whether n is the declaration's initial state.
func (n *Node) IsRoot() bool {
	return n.Parent == nil && n.SID == 0
}

// Closed reports whether no goals remain.
func (n *Node) Closed() bool {
	return n.State.Closed()
}

// Path returns the nodes from the root to n, inclusive.
func (n *Node) Path() []*Node {
	var path []*Node
	for cur := n; cur != nil; cur = cur.Parent {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Tactics returns the tactics applied from the root to reach n.
func (n *Node) Tactics() []string {
	path := n.Path()
	out := make([]string, 0, len(path))
	for _, p := range path[1:] {
		out = append(out, p.Tactic)
	}
	return out
}

func (n *Node) child(sid int, tactic string, state proofstate.State, score float64) *Node {
	return &Node{
		SID:       sid,
		ParentSID: n.SID,
		Tactic:    tactic,
		State:     state,
		Depth:     n.Depth + 1,
		Score:     score,
		Parent:    n,
	}
}
