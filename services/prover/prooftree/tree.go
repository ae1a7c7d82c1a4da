// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prooftree rebuilds search trees from persisted records and
// derives proofs, statistics and training labels from them.
package prooftree

import (
	"errors"
	"strings"

	"github.com/AleutianAI/AleutianProver/services/prover/record"
)

// ErrNoProof is returned when a tree has no closed node.
var ErrNoProof = errors.New("tree contains no closed node")

// Tree is a directed parent→child graph over persisted nodes.
//
// Description:
//
//	Nodes are keyed by id. A node whose parent equals its own id is a
//	root and contributes no edge. Insertion order is kept so the "first
//	closed node" is well defined.
//
// Thread Safety:
//
//	Immutable after Build; safe for concurrent reads.
type Tree struct {
	nodes    map[int]record.Node
	order    []int
	children map[int][]int
}

// Edge is a parent→child link labelled by the tactic that produced the
// child.
type Edge struct {
	From   int
	To     int
	Tactic string
}

// Build constructs the tree. Later duplicates of an id replace earlier ones
// but keep the original position.
func Build(nodes []record.Node) *Tree {
	t := &Tree{
		nodes:    make(map[int]record.Node, len(nodes)),
		children: make(map[int][]int),
	}
	for _, n := range nodes {
		if _, seen := t.nodes[n.ID]; !seen {
			t.order = append(t.order, n.ID)
			if n.ID != n.Parent {
				t.children[n.Parent] = append(t.children[n.Parent], n.ID)
			}
		}
		t.nodes[n.ID] = n
	}
	return t
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.order)
}

// Node returns the node with the given id.
func (t *Tree) Node(id int) (record.Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Children returns the ids of id's children in insertion order.
func (t *Tree) Children(id int) []int {
	return t.children[id]
}

// Edges returns every edge in node insertion order.
func (t *Tree) Edges() []Edge {
	var out []Edge
	for _, id := range t.order {
		n := t.nodes[id]
		if n.ID == n.Parent {
			continue
		}
		out = append(out, Edge{From: n.Parent, To: n.ID, Tactic: n.Tactic})
	}
	return out
}

// ProofPath returns the ids from the root to the first closed node. The
// walk stops at a self-parented node or at a parent missing from the tree.
func (t *Tree) ProofPath() ([]int, error) {
	target := -1
	for _, id := range t.order {
		if t.nodes[id].Closed() {
			target = id
			break
		}
	}
	if target < 0 {
		return nil, ErrNoProof
	}

	var path []int
	seen := make(map[int]bool)
	for id := target; !seen[id]; {
		n, ok := t.nodes[id]
		if !ok {
			break
		}
		seen[id] = true
		path = append(path, id)
		if n.Parent == n.ID {
			break
		}
		id = n.Parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// ProofTactics returns the tactics along ProofPath, root excluded.
func (t *Tree) ProofTactics() ([]string, error) {
	path, err := t.ProofPath()
	if err != nil {
		return nil, err
	}
	tactics := make([]string, 0, len(path))
	for _, id := range path[1:] {
		tactics = append(tactics, t.nodes[id].Tactic)
	}
	return tactics, nil
}

// =============================================================================
// Preference labels
// =============================================================================

// EdgeLabel is one training example: a tactic taken from a state, marked
// by whether it lies on the proof path.
type EdgeLabel struct {
	ID     int      `json:"id"`
	Parent int      `json:"parent"`
	Tactic string   `json:"tactic"`
	State  []string `json:"state"`
	Prompt string   `json:"prompt"`
	Label  bool     `json:"label"`
}

// EdgeLabels labels every edge of a declaration's tree.
//
// Description:
//
//	The prompt of an edge is the state text the oracle saw when it was
//	queried at the parent, taken from the first recorded call on that
//	state. Edges with no matching call get an empty prompt. When the tree
//	holds no proof every label is false.
//
// Inputs:
//
//	decl - A persisted declaration result.
//
// Outputs:
//
//	[]EdgeLabel - One entry per edge in node order.
func EdgeLabels(decl record.Declaration) []EdgeLabel {
	tree := Build(decl.Nodes)

	onPath := make(map[[2]int]bool)
	if path, err := tree.ProofPath(); err == nil {
		for i := 0; i+1 < len(path); i++ {
			onPath[[2]int{path[i], path[i+1]}] = true
		}
	}

	prompts := make(map[string]string, len(decl.Calls))
	for _, c := range decl.Calls {
		if _, ok := prompts[c.State]; !ok {
			prompts[c.State] = c.State
		}
	}

	var out []EdgeLabel
	for _, e := range tree.Edges() {
		child := tree.nodes[e.To]
		var prompt string
		if parent, ok := tree.nodes[e.From]; ok {
			prompt = prompts[render(parent.State)]
		}
		out = append(out, EdgeLabel{
			ID:     child.ID,
			Parent: child.Parent,
			Tactic: child.Tactic,
			State:  child.State,
			Prompt: prompt,
			Label:  onPath[[2]int{e.From, e.To}],
		})
	}
	return out
}

// render rebuilds the oracle-facing text of a state from its per-goal
// renderings.
func render(goals []string) string {
	switch len(goals) {
	case 0:
		return "no goals"
	case 1:
		return goals[0]
	}
	blocks := make([]string, len(goals))
	for i, g := range goals {
		blocks[i] = "case:\n" + g
	}
	return strings.Join(blocks, "\n\n")
}
