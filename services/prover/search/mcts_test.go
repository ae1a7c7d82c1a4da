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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/oracle"
)

// arena builds root → child → grandchild by hand.
func arena(t *testing.T) (*MCTS, *treeNode, *treeNode, *treeNode) {
	t.Helper()
	m := NewMCTS(testConfig(KindMCTS), WithLogger(quietLogger()))
	root := NewRoot(goal("a"))
	require.NoError(t, m.Insert(root))
	rt := m.arena[root.Key()]

	child := root.child(1, "x", goal("b"), 1)
	ct := m.insert(child, rt.key, true)
	rt.children = append(rt.children, edge{tactic: "x", key: ct.key})

	grand := child.child(2, "y", goal("c"), 1)
	gt := m.insert(grand, ct.key, true)
	ct.children = append(ct.children, edge{tactic: "y", key: gt.key})
	return m, rt, ct, gt
}

func TestMCTS_Backpropagate(t *testing.T) {
	m, rt, ct, gt := arena(t)

	m.backpropagate(gt, 0.5)
	m.backpropagate(ct, -1)

	assert.Equal(t, 1, gt.visits)
	assert.Equal(t, 0.5, gt.value)
	assert.Equal(t, 2, ct.visits)
	assert.Equal(t, -0.5, ct.value)
	assert.Equal(t, 2, rt.visits)
	assert.Equal(t, -0.5, rt.value)
}

func TestMCTS_PruneRemovesSubtreeButNeverRoot(t *testing.T) {
	m, rt, ct, gt := arena(t)
	m.popularity[gt.key] = 4

	m.prune(ct)
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, rt.children)
	_, ok := m.popularity[gt.key]
	assert.False(t, ok)

	m.prune(rt)
	assert.Equal(t, 1, m.Len())
	_, ok = m.arena[rt.key]
	assert.True(t, ok)
}

func TestMCTS_SelectChild(t *testing.T) {
	m := NewMCTS(testConfig(KindMCTS), WithLogger(quietLogger()))
	root := NewRoot(goal("a"))
	require.NoError(t, m.Insert(root))
	rt := m.arena[root.Key()]

	var kids []*treeNode
	for i, target := range []string{"b", "c", "d"} {
		n := root.child(i+1, target, goal(target), 1)
		tn := m.insert(n, rt.key, true)
		rt.children = append(rt.children, edge{tactic: target, key: tn.key})
		kids = append(kids, tn)
	}

	assert.Same(t, kids[0], m.selectChild(rt), "ties go to the earliest child")

	m.popularity[kids[2].key] = 2
	assert.Same(t, kids[2], m.selectChild(rt))

	m.popularity[kids[2].key] = 0
	kids[0].visits = 3
	kids[1].visits = 3
	assert.Same(t, kids[2], m.selectChild(rt), "unvisited children get the exploration bonus")
}

func TestMCTS_RootExpansionRetriesThenGivesUp(t *testing.T) {
	a := goal("a")
	cfg := testConfig(KindMCTS)
	cfg.MaxRootExpansion = 3
	env := newFakeEnv(a)
	rec := newRecorder(nil, suggestions("bad"), 100)

	s, err := runSearch(t, cfg, a, rec, env)
	require.NoError(t, err)

	res := s.Result()
	assert.False(t, res.Found)
	assert.Equal(t, 3, res.Calls)
	assert.Len(t, res.Nodes, 1)
	assert.Equal(t, []int{0}, env.giveUps)
	assert.Len(t, env.commits, 1)
}

func TestMCTS_FailedExpansionPenalizesParent(t *testing.T) {
	a, b := goal("a"), goal("b")
	cfg := testConfig(KindMCTS)
	cfg.MaxCalls = 2
	cfg.CExpansionFailPenalty = 7
	env := newFakeEnv(a).on(a, "step", b)
	rec := newRecorder(map[string][]oracle.Suggestion{
		a.Repr(): suggestions("step"),
		b.Repr(): suggestions("dead"),
	}, nil, cfg.MaxCalls)

	m := NewMCTS(cfg, WithLogger(quietLogger()))
	root := NewRoot(a)
	require.NoError(t, m.Insert(root))
	require.NoError(t, m.SearchProof(context.Background(), rec, env))

	rt := m.arena[root.Key()]
	assert.Equal(t, 1, rt.visits)
	assert.Equal(t, -7.0, rt.value)
	assert.Empty(t, rt.children)
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.Result().StopCause.Calls)
}

func TestMCTS_PopularityAccumulatesPerState(t *testing.T) {
	a, b := goal("a"), goal("b")
	cfg := testConfig(KindMCTS)
	cfg.MaxCalls = 1
	env := newFakeEnv(a).
		on(a, "x", b).
		on(a, "y", b)
	rec := newRecorder(map[string][]oracle.Suggestion{
		a.Repr(): {{Tactic: "x"}, {Tactic: "x"}, {Tactic: "y"}},
	}, nil, cfg.MaxCalls)

	m := NewMCTS(cfg, WithLogger(quietLogger()))
	root := NewRoot(a)
	require.NoError(t, m.Insert(root))
	require.NoError(t, m.SearchProof(context.Background(), rec, env))

	rt := m.arena[root.Key()]
	require.Len(t, rt.children, 1)
	assert.Equal(t, "x", rt.children[0].tactic)
	assert.Equal(t, 3.0, m.popularity[b.DedupKey()])
}

func TestMCTS_RolloutDoesNotGrowTree(t *testing.T) {
	a, b, c := goal("a"), goal("b"), goal("c")
	cfg := testConfig(KindMCTS)
	cfg.MaxCalls = 3
	cfg.SimDepth = 2
	env := newFakeEnv(a).
		on(a, "step", b).
		on(b, "more", c).
		on(b, "other", goal("e"))
	rec := newRecorder(map[string][]oracle.Suggestion{
		a.Repr(): suggestions("step"),
		b.Repr(): suggestions("more", "other"),
	}, nil, cfg.MaxCalls)

	m := NewMCTS(cfg, WithLogger(quietLogger()))
	root := NewRoot(a)
	require.NoError(t, m.Insert(root))
	require.NoError(t, m.SearchProof(context.Background(), rec, env))

	// root expansion, expansion of b, one rollout call from b.
	res := m.Result()
	assert.Equal(t, 3, res.Calls)
	assert.Equal(t, 4, m.Len())
	bt := m.arena[b.DedupKey()]
	assert.Equal(t, 1, bt.visits)
	assert.Equal(t, 1, m.arena[root.Key()].visits)
}

func TestMCTS_RolloutsDoNotCountTowardNodeBudget(t *testing.T) {
	a, b, c := goal("a"), goal("b"), goal("c")
	cfg := testConfig(KindMCTS)
	cfg.MaxNodes = 3
	cfg.SimDepth = 2
	cfg.MaxCalls = 50
	env := newFakeEnv(a).on(a, "step", b).on(b, "more", c)
	rec := newRecorder(map[string][]oracle.Suggestion{
		a.Repr(): suggestions("step"),
		b.Repr(): suggestions("more"),
		c.Repr(): suggestions("loop"),
	}, nil, cfg.MaxCalls)

	s, err := runSearch(t, cfg, a, rec, env)
	require.NoError(t, err)
	m := s.(*MCTS)

	// Root expansion and the expansion of b grow the tree; the rollout
	// from b replays "more" and then fails on "loop" without growing it.
	assert.Equal(t, []Step{
		{SID: 0, Tactic: "step"},
		{SID: 1, Tactic: "more"},
		{SID: 1, Tactic: "more"},
		{SID: 3, Tactic: "loop"},
	}, m.Result().Trail)
	assert.Equal(t, 3, m.nodes)

	res := m.Result()
	assert.False(t, res.Found)
	assert.Len(t, res.Nodes, 3)
	assert.Equal(t, 4, res.Calls)
	assert.True(t, res.StopCause.Nodes)
	assert.False(t, res.StopCause.Calls)
	assert.Equal(t, []int{0}, env.giveUps)
	assert.Equal(t, []int{4}, env.commits)
}
