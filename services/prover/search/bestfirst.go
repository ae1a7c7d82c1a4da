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

	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
	"github.com/AleutianAI/AleutianProver/services/prover/prooftree"
)

// BestFirst expands the single most promising node at a time.
//
// Description:
//
//	Nodes are ordered by score / depth^Alpha, where score is the sum of
//	the tactic log-probabilities along the path; the root has priority 0.
//	A closed state is only accepted after the reconstructed script passes
//	the verifier. A rejected one is dropped and the search goes on with
//	the next frontier entry. A node reaching an already visited dedup key
//	is discarded.
//
// Thread Safety:
//
//	Not safe for concurrent use.
type BestFirst struct {
	tracker
	visited  map[string]*Node
	order    []*Node
	frontier *Frontier
}

// NewBestFirst creates a best-first search for one declaration.
func NewBestFirst(cfg Config, opts ...Option) *BestFirst {
	return &BestFirst{
		tracker:  newTracker(KindBestFirst, cfg, opts),
		visited:  make(map[string]*Node),
		frontier: NewFrontier(),
	}
}

// Insert implements Strategy. It does not consult the verifier; closed
// states found during SearchProof are verified before they get here.
func (s *BestFirst) Insert(node *Node) error {
	if err := s.admit(node); err != nil {
		return err
	}
	s.add(node)
	return nil
}

func (s *BestFirst) add(node *Node) {
	key := node.Key()
	if _, ok := s.visited[key]; ok {
		return
	}
	s.visited[key] = node
	s.order = append(s.order, node)
	s.frontier.Push(key, s.priority(node))
	s.noteInserted(node)
}

// Result implements Strategy.
func (s *BestFirst) Result() Result {
	nodes := make([]*Node, len(s.order))
	copy(nodes, s.order)
	return s.result(nodes)
}

func (s *BestFirst) priority(node *Node) float64 {
	if node.Depth == 0 {
		return 0
	}
	return node.Score / math.Pow(float64(node.Depth), s.cfg.Alpha)
}

// SearchProof implements Strategy.
func (s *BestFirst) SearchProof(ctx context.Context, oracle Suggester, env interactive.Environment) (err error) {
	ctx, span := startSearchSpan(ctx, s.kind, s.cfg)
	defer func() { endSearchSpan(span, s.kind, s.Result(), err) }()

	done, err := s.begin(oracle)
	if err != nil {
		return err
	}
	if done {
		return s.commitClosedRoot(ctx, env)
	}

	for s.Going() {
		key, _, ok := s.frontier.Pop()
		if !ok {
			break
		}
		node := s.visited[key]

		var hint string
		if s.cfg.InContext {
			hint = prooftree.Script(oracle.Statement(), node.Tactics())
		}
		tactics, scores := s.suggest(ctx, node, s.cfg.NumSamples, hint)

		for _, c := range groupByPair(tactics, scores) {
			if !s.blacklist.Allows(c.tactic) {
				continue
			}
			if !s.canSubmit() {
				break
			}
			out, err := s.apply(ctx, env, node, c.tactic, true)
			if err != nil {
				return err
			}
			if out.Kind != interactive.Accepted {
				continue
			}
			child := node.child(out.SID, c.tactic, out.State, node.Score+c.score)
			if s.cfg.LoopGuard.Trips(child) {
				continue
			}
			if child.Closed() {
				if !s.verify(ctx, oracle.Statement(), child) {
					continue
				}
				s.add(child)
				return s.succeed(ctx, env, child)
			}
			s.add(child)
		}
	}
	return s.finish(ctx, env)
}

// verify checks the script ending at node. Checker failures count as a
// rejection.
func (s *BestFirst) verify(ctx context.Context, statement string, node *Node) bool {
	if s.verifier == nil {
		return true
	}
	proof := prooftree.Script(statement, node.Tactics())
	ok, err := s.verifier.Verify(ctx, proof)
	switch {
	case err != nil:
		recordVerification("error")
		s.logger.Warn("verifier failed",
			slog.Int("sid", node.SID),
			slog.String("error", err.Error()),
		)
		return false
	case !ok:
		recordVerification("rejected")
		s.logger.Info("closed state rejected by verifier",
			slog.Int("sid", node.SID),
			slog.Int("depth", node.Depth),
		)
		return false
	}
	recordVerification("passed")
	s.verified = true
	return true
}

var _ Strategy = (*BestFirst)(nil)
