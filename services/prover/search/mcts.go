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
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
)

// puctEpsilon keeps value/visits finite for unvisited children.
const puctEpsilon = 1e-3

// treeNode is an arena entry. Relationships are dedup keys, never pointers.
type treeNode struct {
	node      *Node
	key       string
	parentKey string
	hasParent bool
	children  []edge
	visits    int
	value     float64
	seq       int
}

type edge struct {
	tactic string
	key    string
}

// MCTS grows the tree by PUCT selection, one-call expansion, a single
// rollout and backpropagation.
//
// Description:
//
//	Nodes live in an arena keyed by dedup key. Expanding a node calls the
//	oracle once and submits every distinct surviving tactic; a new state
//	becomes a child, and every accepted tactic adds its repeat count to
//	the popularity of the state it reached. Popularity is per state across
//	the whole tree, not per edge. A node whose expansion yields no
//	accepted tactic is pruned with its subtree and its parent receives a
//	fixed penalty. The root is never pruned.
//
//	Selection from a node with children picks the child maximizing
//
//	    CScore*popularity + value/(visits+ε) + CPuct*sqrt(Σ sibling visits)/(1+visits)
//
//	with ties going to the earliest child.
//
// Thread Safety:
//
//	Not safe for concurrent use.
type MCTS struct {
	tracker
	arena      map[string]*treeNode
	popularity map[string]float64
	seq        int
}

// NewMCTS creates a tree search for one declaration.
func NewMCTS(cfg Config, opts ...Option) *MCTS {
	return &MCTS{
		tracker:    newTracker(KindMCTS, cfg, opts),
		arena:      make(map[string]*treeNode),
		popularity: make(map[string]float64),
	}
}

// Insert implements Strategy. A node whose dedup key is already in the
// arena is ignored.
func (m *MCTS) Insert(node *Node) error {
	if err := m.admit(node); err != nil {
		return err
	}
	m.insert(node, "", false)
	return nil
}

func (m *MCTS) insert(node *Node, parentKey string, hasParent bool) *treeNode {
	key := node.Key()
	if tn, ok := m.arena[key]; ok {
		return tn
	}
	m.seq++
	tn := &treeNode{node: node, key: key, parentKey: parentKey, hasParent: hasParent, seq: m.seq}
	m.arena[key] = tn
	m.popularity[key] = 0
	m.noteInserted(node)
	return tn
}

// Result implements Strategy.
func (m *MCTS) Result() Result {
	tns := make([]*treeNode, 0, len(m.arena))
	for _, tn := range m.arena {
		tns = append(tns, tn)
	}
	sort.Slice(tns, func(i, j int) bool { return tns[i].seq < tns[j].seq })
	nodes := make([]*Node, len(tns))
	for i, tn := range tns {
		nodes[i] = tn.node
	}
	return m.result(nodes)
}

// Len returns the number of nodes in the arena.
func (m *MCTS) Len() int {
	return len(m.arena)
}

// SearchProof implements Strategy.
func (m *MCTS) SearchProof(ctx context.Context, oracle Suggester, env interactive.Environment) (err error) {
	ctx, span := startSearchSpan(ctx, m.kind, m.cfg)
	defer func() { endSearchSpan(span, m.kind, m.Result(), err) }()

	done, err := m.begin(oracle)
	if err != nil {
		return err
	}
	if done {
		return m.commitClosedRoot(ctx, env)
	}
	root := m.arena[m.root.Key()]

	for i := 0; i < m.cfg.MaxRootExpansion && len(root.children) == 0 && m.Going(); i++ {
		if _, err := m.expand(ctx, env, root); err != nil {
			return err
		}
		if m.found {
			return nil
		}
	}
	if len(root.children) == 0 {
		m.logger.Info("no valid tactic at the root",
			slog.Int("attempts", m.cfg.MaxRootExpansion),
			slog.Int("calls", m.calls()),
		)
		return m.finish(ctx, env)
	}

	for m.Going() {
		current := root
		for len(current.children) > 0 {
			current = m.selectChild(current)
		}
		parentKey, hasParent := current.parentKey, current.hasParent

		ok, err := m.expand(ctx, env, current)
		if err != nil {
			return err
		}
		if m.found {
			return nil
		}
		if ok {
			value, err := m.simulate(ctx, env, current)
			if err != nil {
				return err
			}
			m.backpropagate(current, value)
			continue
		}
		if parent, exists := m.arena[parentKey]; hasParent && exists {
			m.backpropagate(parent, -m.cfg.CExpansionFailPenalty)
		}
	}
	return m.finish(ctx, env)
}

// expand calls the oracle once for tn and submits each distinct allowed
// tactic. It returns false, after pruning tn, when nothing was accepted.
// Finding a closed state commits it and returns true.
func (m *MCTS) expand(ctx context.Context, env interactive.Environment, tn *treeNode) (bool, error) {
	if len(tn.children) > 0 {
		return true, nil
	}
	tactics, scores := m.suggest(ctx, tn.node, m.cfg.NumSamples, "")

	accepted := false
	for _, c := range groupByTactic(tactics, scores) {
		if !m.blacklist.Allows(c.tactic) {
			continue
		}
		if !m.canSubmit() {
			break
		}
		out, err := m.apply(ctx, env, tn.node, c.tactic, true)
		if err != nil {
			return false, err
		}
		if out.Kind != interactive.Accepted {
			continue
		}
		accepted = true

		child := tn.node.child(out.SID, c.tactic, out.State, 1)
		key := child.Key()
		if _, exists := m.arena[key]; !exists {
			m.insert(child, tn.key, true)
			tn.children = append(tn.children, edge{tactic: c.tactic, key: key})
			if child.Closed() {
				return true, m.succeed(ctx, env, child)
			}
		}
		m.popularity[key] += float64(c.reps)
	}

	if !accepted {
		m.prune(tn)
		return false, nil
	}
	return true, nil
}

func (m *MCTS) selectChild(tn *treeNode) *treeNode {
	total := 0
	for _, e := range tn.children {
		total += m.arena[e.key].visits
	}
	sqrtTotal := math.Sqrt(float64(total))

	var best *treeNode
	bestScore := math.Inf(-1)
	for _, e := range tn.children {
		child := m.arena[e.key]
		exploit := m.cfg.CScore*m.popularity[e.key] + child.value/(float64(child.visits)+puctEpsilon)
		explore := m.cfg.CPuct * sqrtTotal / float64(1+child.visits)
		if score := exploit + explore; score > bestScore {
			bestScore = score
			best = child
		}
	}
	return best
}

// simulate rolls out up to SimDepth single-sample steps from tn. Reaching
// a closed state scores 1; otherwise the score is tn's popularity. Rollout
// states are not added to the tree.
func (m *MCTS) simulate(ctx context.Context, env interactive.Environment, tn *treeNode) (float64, error) {
	current := tn.node
	for step := 0; step < m.cfg.SimDepth; step++ {
		if current.Closed() {
			return 1, nil
		}
		if m.calls() >= m.cfg.MaxCalls {
			break
		}
		tactics, _ := m.suggest(ctx, current, 1, "")
		if len(tactics) == 0 {
			break
		}
		if !m.blacklist.Allows(tactics[0]) {
			continue
		}
		out, err := m.apply(ctx, env, current, tactics[0], false)
		if err != nil {
			return 0, err
		}
		if out.Kind != interactive.Accepted {
			break
		}
		current = current.child(out.SID, tactics[0], out.State, 1)
	}
	if current.Closed() {
		return 1, nil
	}
	return m.popularity[tn.key], nil
}

// backpropagate adds one visit and value to tn and each ancestor, found by
// parent key.
func (m *MCTS) backpropagate(tn *treeNode, value float64) {
	for cur := tn; cur != nil; {
		cur.visits++
		cur.value += value
		if !cur.hasParent {
			return
		}
		cur = m.arena[cur.parentKey]
	}
}

// prune removes tn and its subtree from the arena, the popularity map and
// its parent's children. The root is left alone.
func (m *MCTS) prune(tn *treeNode) {
	if !tn.hasParent {
		return
	}
	for len(tn.children) > 0 {
		child, ok := m.arena[tn.children[0].key]
		if !ok {
			tn.children = tn.children[1:]
			continue
		}
		m.prune(child)
	}
	if parent, ok := m.arena[tn.parentKey]; ok {
		for i, e := range parent.children {
			if e.key == tn.key {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
	}
	delete(m.arena, tn.key)
	delete(m.popularity, tn.key)
}

var _ Strategy = (*MCTS)(nil)
