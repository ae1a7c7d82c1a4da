// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search grows a tree of proof states until one has no goals left.
//
// Three interchangeable strategies share one contract: Beam, BestFirst and
// MCTS. Each consumes tactic suggestions through a Suggester and drives a
// single interactive.Environment. A search is single-threaded; the only
// blocking points are oracle calls and environment round-trips.
//
// Budgets:
//
//	Nodes counts the root plus every tactic submitted while growing the
//	tree, accepted or not. Depth is the deepest node inserted. Calls is the
//	number of oracle calls, failed ones included. Going is false exactly
//	when a proof was found or one of these reached its limit.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
	"github.com/AleutianAI/AleutianProver/services/prover/verifier"
)

// Suggester is the oracle as a search sees it: errors already absorbed,
// calls already counted. *oracle.Recorder implements it.
type Suggester interface {
	Suggest(ctx context.Context, state string, k int, hint string) ([]string, []float64)
	Count() int
	Statement() string
}

// Strategy is one search algorithm bound to one declaration.
type Strategy interface {
	// Insert adds a node to the tree. The sid 0 root must be inserted
	// before SearchProof, and only once: a second root is refused with
	// ErrMultipleRoots.
	Insert(node *Node) error

	// Going reports whether the search should continue.
	Going() bool

	// SearchProof runs until Going is false or the frontier is empty. On
	// return the environment has been committed, either at the proof's
	// sid or after giving up. Environment failures come back as a
	// *SearchError.
	SearchProof(ctx context.Context, oracle Suggester, env interactive.Environment) error

	// Result summarizes the finished search.
	Result() Result

	// Kind names the algorithm.
	Kind() Kind
}

// Result is what a finished search reports.
type Result struct {
	Found bool

	// Proof is the closed node when Found.
	Proof *Node

	// Nodes lists the tree's nodes in insertion order.
	Nodes []*Node

	// Verified is true when the proof's script was already accepted by the
	// verifier during the search.
	Verified bool

	Depth     int
	Calls     int
	StopCause StopCause
	Trail     []Step
}

// StopCause records which budgets were exhausted.
type StopCause struct {
	Nodes bool `json:"nodes"`
	Depth bool `json:"depth"`
	Calls bool `json:"calls"`
}

// Option configures a strategy.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	verifier verifier.Verifier
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithVerifier sets the independent checker best-first search consults
// before accepting a closed state. Without one the environment's verdict
// is trusted.
func WithVerifier(v verifier.Verifier) Option {
	return func(o *options) {
		o.verifier = v
	}
}

// New builds the strategy named by cfg.Strategy.
func New(cfg Config, opts ...Option) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case KindBeam:
		return NewBeam(cfg, opts...), nil
	case KindBestFirst:
		return NewBestFirst(cfg, opts...), nil
	case KindMCTS:
		return NewMCTS(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
}

// =============================================================================
// Blacklist
// =============================================================================

// Blacklist rejects tactics containing any banned substring.
type Blacklist []string

// DefaultBlacklist bans placeholders and search tactics that never close a
// goal on their own.
func DefaultBlacklist() []string {
	return []string{"sorry", "admit", "apply?"}
}

// Allows reports whether tactic may be submitted.
func (b Blacklist) Allows(tactic string) bool {
	for _, banned := range b {
		if banned != "" && strings.Contains(tactic, banned) {
			return false
		}
	}
	return true
}

// Trips reports whether node should be discarded.
func (g LoopGuard) Trips(node *Node) bool {
	if !g.Enabled || g.Window <= 0 {
		return false
	}
	path := node.Path()
	if len(path) > g.Window {
		path = path[len(path)-g.Window:]
	}
	for _, n := range path {
		if !strings.Contains(n.Tactic, g.Pattern) {
			return false
		}
	}
	return true
}

// =============================================================================
// Shared bookkeeping
// =============================================================================

// candidate is one distinct suggestion after grouping.
type candidate struct {
	tactic string
	reps   int
	score  float64
}

// groupByTactic merges identical tactic strings in first-seen order. The
// score is the first occurrence's.
func groupByTactic(tactics []string, scores []float64) []candidate {
	index := make(map[string]int, len(tactics))
	var out []candidate
	for i, t := range tactics {
		if i >= len(scores) {
			break
		}
		if j, ok := index[t]; ok {
			out[j].reps++
			continue
		}
		index[t] = len(out)
		out = append(out, candidate{tactic: t, reps: 1, score: scores[i]})
	}
	return out
}

// groupByPair merges identical (tactic, score) pairs in first-seen order.
func groupByPair(tactics []string, scores []float64) []candidate {
	type pair struct {
		tactic string
		score  float64
	}
	index := make(map[pair]int, len(tactics))
	var out []candidate
	for i, t := range tactics {
		if i >= len(scores) {
			break
		}
		p := pair{t, scores[i]}
		if j, ok := index[p]; ok {
			out[j].reps++
			continue
		}
		index[p] = len(out)
		out = append(out, candidate{tactic: t, reps: 1, score: scores[i]})
	}
	return out
}

// tracker holds the state every strategy shares: budgets, the trail and
// the outcome.
type tracker struct {
	kind      Kind
	cfg       Config
	blacklist Blacklist
	logger    *slog.Logger
	verifier  verifier.Verifier

	root     *Node
	proof    *Node
	found    bool
	verified bool
	nodes    int
	depth    int
	trail    []Step
	oracle   Suggester
	ran      bool
}

func newTracker(kind Kind, cfg Config, opts []Option) tracker {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return tracker{
		kind:      kind,
		cfg:       cfg,
		blacklist: Blacklist(cfg.AbandonIfContain),
		logger:    o.logger.With(slog.String("strategy", string(kind))),
		verifier:  o.verifier,
	}
}

// Kind implements Strategy.
func (t *tracker) Kind() Kind {
	return t.kind
}

// Going implements Strategy.
func (t *tracker) Going() bool {
	return !t.found &&
		t.nodes < t.cfg.MaxNodes &&
		t.depth < t.cfg.MaxDepth &&
		t.calls() < t.cfg.MaxCalls
}

func (t *tracker) calls() int {
	if t.oracle == nil {
		return 0
	}
	return t.oracle.Count()
}

func (t *tracker) stopCause() StopCause {
	return StopCause{
		Nodes: t.nodes >= t.cfg.MaxNodes,
		Depth: t.depth >= t.cfg.MaxDepth,
		Calls: t.calls() >= t.cfg.MaxCalls,
	}
}

func (t *tracker) result(nodes []*Node) Result {
	trail := make([]Step, len(t.trail))
	copy(trail, t.trail)
	return Result{
		Found:     t.found,
		Proof:     t.proof,
		Nodes:     nodes,
		Verified:  t.found && t.verified,
		Depth:     t.depth,
		Calls:     t.calls(),
		StopCause: t.stopCause(),
		Trail:     trail,
	}
}

// admit refuses a root when the tree already has one.
func (t *tracker) admit(node *Node) error {
	if node.IsRoot() && t.root != nil {
		return fmt.Errorf("%w: sid %d", ErrMultipleRoots, node.SID)
	}
	return nil
}

// noteInserted updates the root, depth and success markers for a node the
// strategy has just added to its tree.
func (t *tracker) noteInserted(node *Node) {
	if node.IsRoot() && t.root == nil {
		t.root = node
		t.nodes++
	}
	if node.Depth > t.depth {
		t.depth = node.Depth
	}
	if node.Closed() {
		t.found = true
		t.proof = node
	}
}

// begin binds the oracle and settles the trivial case of a root that is
// already closed. done is true when SearchProof should return at once.
func (t *tracker) begin(oracle Suggester) (bool, error) {
	if t.ran {
		return true, ErrAlreadyRun
	}
	if t.root == nil {
		return true, ErrNoRoot
	}
	t.ran = true
	t.oracle = oracle
	return t.found, nil
}

// suggest asks the oracle for candidates for node.
func (t *tracker) suggest(ctx context.Context, node *Node, k int, hint string) ([]string, []float64) {
	return t.oracle.Suggest(ctx, node.State.Repr(), k, hint)
}

// canSubmit reports whether another tree-growing submission fits in the
// node budget.
func (t *tracker) canSubmit() bool {
	return t.nodes < t.cfg.MaxNodes
}

// apply submits tactic against parent. Tree-growing submissions count
// toward the node budget; rollout probes do not. A fatal outcome comes
// back as a *SearchError.
func (t *tracker) apply(ctx context.Context, env interactive.Environment, parent *Node, tactic string, grows bool) (interactive.Outcome, error) {
	t.trail = append(t.trail, Step{SID: parent.SID, Tactic: tactic})
	if grows {
		t.nodes++
	}
	out := interactive.Apply(ctx, env, parent.SID, tactic, t.cfg.Heartbeats)
	recordTactic(ctx, t.kind, out.Kind)
	if out.Kind == interactive.Fatal {
		t.logger.Error("environment failed during search",
			slog.Int("sid", parent.SID),
			slog.String("tactic", tactic),
			slog.String("error", out.Err.Error()),
		)
		return out, t.abort(out.Err)
	}
	if out.Kind == interactive.Rejected {
		t.logger.Debug("tactic rejected",
			slog.Int("sid", parent.SID),
			slog.String("tactic", tactic),
			slog.String("reason", out.Reason),
		)
	}
	return out, nil
}

func (t *tracker) abort(cause error) error {
	trail := make([]Step, len(t.trail))
	copy(trail, t.trail)
	return &SearchError{Trail: trail, Cause: cause}
}

// succeed commits the session at the proof's sid.
func (t *tracker) succeed(ctx context.Context, env interactive.Environment, node *Node) error {
	t.found = true
	t.proof = node
	if err := env.Commit(ctx, node.SID); err != nil {
		return t.abort(fmt.Errorf("commit proof: %w", err))
	}
	t.logger.Debug("proof found",
		slog.Int("sid", node.SID),
		slog.Int("depth", node.Depth),
		slog.Int("nodes", t.nodes),
	)
	return nil
}

// finish releases the declaration. A closed root is committed as is;
// otherwise an unsuccessful search gives up on sid 0 and commits the
// returned sid so the environment can advance.
func (t *tracker) finish(ctx context.Context, env interactive.Environment) error {
	if t.found {
		return nil
	}
	sid, err := env.GiveUp(ctx, 0)
	if err != nil {
		return t.abort(fmt.Errorf("give up: %w", err))
	}
	if err := env.Commit(ctx, sid); err != nil {
		return t.abort(fmt.Errorf("commit after give up: %w", err))
	}
	return nil
}

// commitClosedRoot handles a declaration whose initial state has no goals.
func (t *tracker) commitClosedRoot(ctx context.Context, env interactive.Environment) error {
	if err := env.Commit(ctx, t.root.SID); err != nil {
		return t.abort(fmt.Errorf("commit closed root: %w", err))
	}
	return nil
}
