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

	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
)

// Beam expands the BeamWidth best frontier entries per round.
//
// Description:
//
//	A child's score is how many times the oracle proposed its tactic in
//	one call. When a later node lands on a dedup key that is still queued,
//	its score is added to the queued entry, so states many paths agree on
//	rise in the queue. The first closed state ends the search.
//
// Thread Safety:
//
//	Not safe for concurrent use.
type Beam struct {
	tracker
	visited  map[string]*Node
	order    []*Node
	frontier *Frontier
}

// NewBeam creates a beam search for one declaration.
func NewBeam(cfg Config, opts ...Option) *Beam {
	return &Beam{
		tracker:  newTracker(KindBeam, cfg, opts),
		visited:  make(map[string]*Node),
		frontier: NewFrontier(),
	}
}

// Insert implements Strategy.
func (b *Beam) Insert(node *Node) error {
	if err := b.admit(node); err != nil {
		return err
	}
	b.add(node)
	return nil
}

// add merges a node into the tree. A revisited state has its score added
// to the frontier entry instead of being stored again.
func (b *Beam) add(node *Node) {
	key := node.Key()
	if _, ok := b.visited[key]; ok {
		b.frontier.Add(key, node.Score)
		return
	}
	b.visited[key] = node
	b.order = append(b.order, node)
	b.frontier.Push(key, node.Score)
	b.noteInserted(node)
}

// Result implements Strategy.
func (b *Beam) Result() Result {
	nodes := make([]*Node, len(b.order))
	copy(nodes, b.order)
	return b.result(nodes)
}

func (b *Beam) pop() []*Node {
	var beam []*Node
	for len(beam) < b.cfg.BeamWidth {
		key, _, ok := b.frontier.Pop()
		if !ok {
			break
		}
		beam = append(beam, b.visited[key])
	}
	return beam
}

// SearchProof implements Strategy.
func (b *Beam) SearchProof(ctx context.Context, oracle Suggester, env interactive.Environment) (err error) {
	ctx, span := startSearchSpan(ctx, b.kind, b.cfg)
	defer func() { endSearchSpan(span, b.kind, b.Result(), err) }()

	done, err := b.begin(oracle)
	if err != nil {
		return err
	}
	if done {
		return b.commitClosedRoot(ctx, env)
	}

	for b.Going() {
		beam := b.pop()
		if len(beam) == 0 {
			break
		}
		for _, node := range beam {
			if !b.Going() {
				break
			}
			tactics, scores := b.suggest(ctx, node, b.cfg.NumSamples, "")
			for _, c := range groupByTactic(tactics, scores) {
				if !b.blacklist.Allows(c.tactic) {
					continue
				}
				if !b.canSubmit() {
					break
				}
				out, err := b.apply(ctx, env, node, c.tactic, true)
				if err != nil {
					return err
				}
				if out.Kind != interactive.Accepted {
					continue
				}
				child := node.child(out.SID, c.tactic, out.State, float64(c.reps))
				b.add(child)
				if child.Closed() {
					return b.succeed(ctx, env, child)
				}
			}
		}
	}
	return b.finish(ctx, env)
}

var _ Strategy = (*Beam)(nil)
