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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
	"github.com/AleutianAI/AleutianProver/services/prover/oracle"
	"github.com/AleutianAI/AleutianProver/services/prover/prooftree"
	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
	"github.com/AleutianAI/AleutianProver/services/prover/record"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/verifier"
)

const (
	easyStatement  = "theorem easy : a := by sorry"
	hardStatement  = "theorem hard : h := by sorry"
	twoStatement   = "theorem one : a := by sorry\ntheorem two : b := by sorry"
	brokeStatement = "theorem broke : x := by sorry"
	laterStatement = "theorem first : h := by sorry\ntheorem second : b := by sorry"
)

// =============================================================================
// Test doubles
// =============================================================================

// world scripts the environment for every session a test starts. The
// statement written to the source file selects the declarations; each
// declaration starts from its own root state at sid 0.
type world struct {
	mu          sync.Mutex
	decls       map[string][]proofstate.State
	transitions map[string]proofstate.State
	fatal       map[string]bool
	sessions    int
	closed      int
	last        *fakeDecls
}

func newWorld() *world {
	a, b, x := goal("a"), goal("b"), goal("x")
	w := &world{
		decls: map[string][]proofstate.State{
			easyStatement:  {a},
			hardStatement:  {goal("h")},
			twoStatement:   {a, b},
			brokeStatement: {x},
			laterStatement: {goal("h"), b},
		},
		transitions: map[string]proofstate.State{
			a.Repr() + "\x00done": {},
			b.Repr() + "\x00done": {},
			a.Repr() + "\x00step": b,
		},
		fatal: map[string]bool{"boom": true},
	}
	return w
}

func (w *world) factory(_ context.Context) (Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessions++
	d := &fakeDecls{world: w}
	w.last = d
	return &fakeSession{world: w, env: d}, nil
}

func (w *world) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions, w.closed
}

type fakeSession struct {
	world *world
	env   *fakeDecls
}

func (s *fakeSession) Env() Declarations {
	return s.env
}

func (s *fakeSession) Close() error {
	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	s.world.closed++
	return nil
}

type fakeDecls struct {
	world   *world
	pending []proofstate.State
	states  map[int]proofstate.State
	next    int
	opened  string
	commits []int
	giveUps []int
}

func (d *fakeDecls) OpenFile(_ context.Context, path string, selectors []any) error {
	if len(selectors) != 1 || selectors[0] != nil {
		return fmt.Errorf("unexpected selectors %v", selectors)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	d.opened = string(data)
	d.pending = append([]proofstate.State(nil), d.world.decls[d.opened]...)
	return nil
}

func (d *fakeDecls) NextProblem(_ context.Context) (string, bool, error) {
	if len(d.pending) == 0 {
		return "", false, nil
	}
	root := d.pending[0]
	d.pending = d.pending[1:]
	d.states = map[int]proofstate.State{0: root}
	d.next = 1
	return "decl:" + root.Repr(), true, nil
}

func (d *fakeDecls) RunTactic(_ context.Context, sid int, tactic string, _ int) (int, error) {
	if d.world.fatal[tactic] {
		return 0, errors.New("broken pipe")
	}
	st, ok := d.states[sid]
	if !ok {
		return 0, fmt.Errorf("unknown sid %d", sid)
	}
	to, ok := d.world.transitions[st.Repr()+"\x00"+tactic]
	if !ok {
		return 0, &interactive.TacticError{SID: sid, Tactic: tactic, Message: "unknown tactic"}
	}
	n := d.next
	d.next++
	d.states[n] = to
	return n, nil
}

func (d *fakeDecls) GetState(_ context.Context, sid int) (proofstate.State, error) {
	st, ok := d.states[sid]
	if !ok {
		return nil, fmt.Errorf("unknown sid %d", sid)
	}
	return st, nil
}

func (d *fakeDecls) GiveUp(_ context.Context, sid int) (int, error) {
	d.giveUps = append(d.giveUps, sid)
	n := d.next
	d.next++
	d.states[n] = proofstate.State{}
	return n, nil
}

func (d *fakeDecls) Commit(_ context.Context, sid int) error {
	d.commits = append(d.commits, sid)
	return nil
}

func (d *fakeDecls) GetMessages(_ context.Context, sid int) ([]string, error) {
	if _, ok := d.states[sid]; !ok {
		return nil, fmt.Errorf("unknown sid %d", sid)
	}
	return []string{fmt.Sprintf("elaborated %d", sid)}, nil
}

var _ Declarations = (*fakeDecls)(nil)

func goal(target string) proofstate.State {
	return proofstate.State{{Type: target, IsProp: true}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOracle() *oracle.Static {
	return &oracle.Static{
		Table: map[string][]oracle.Suggestion{
			goal("a").Repr(): {{Tactic: "done", Score: -0.1}},
			goal("b").Repr(): {{Tactic: "done", Score: -0.1}},
			goal("x").Repr(): {{Tactic: "boom", Score: -0.1}},
		},
		Fallback: []oracle.Suggestion{{Tactic: "simp", Score: -0.5}},
	}
}

func testSearchConfig(kind search.Kind) search.Config {
	cfg := search.DefaultConfig()
	cfg.Strategy = kind
	cfg.NumSamples = 4
	cfg.MaxNodes = 8
	cfg.LoopGuard.Enabled = false
	return cfg
}

func newTestWorker(t *testing.T, id int, w *world, v verifier.Verifier) *Worker {
	t.Helper()
	cfg := WorkerConfig{
		ID:        id,
		Device:    fmt.Sprintf("cuda:%d", id),
		ProofRoot: t.TempDir(),
		Search:    testSearchConfig(search.KindBestFirst),
	}
	return NewWorker(cfg, testOracle(), w.factory, v, quietLogger())
}

// =============================================================================
// Worker
// =============================================================================

func TestWorker_ProcessOneProvesEveryDeclaration(t *testing.T) {
	w := newWorld()
	wk := newTestWorker(t, 0, w, nil)

	results, err := wk.ProcessOne(context.Background(), twoStatement)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Result.Found, r.Declaration)
		assert.Len(t, r.Calls, 1)
	}

	sessions, closed := w.counts()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, closed)
	assert.Equal(t, twoStatement, w.last.opened)
	assert.NoFileExists(t, wk.source)
}

func TestWorker_AttemptBuildsFormalProof(t *testing.T) {
	w := newWorld()
	wk := newTestWorker(t, 1, w, nil)

	a, serr := wk.Attempt(context.Background(), easyStatement)
	require.Nil(t, serr)
	assert.True(t, a.Success)
	assert.Empty(t, a.Error)
	assert.Equal(t, easyStatement, a.FormalStatement)
	assert.Equal(t, prooftree.Script(easyStatement, []string{"done"}), a.FormalProof)
	assert.Equal(t, "worker-1@cuda:1", a.Worker)
	assert.False(t, a.FinishedAt.Before(a.StartedAt))
	require.Len(t, a.CollectResults, 1)
	assert.True(t, a.CollectResults[0].Success)
	assert.True(t, a.Completed())
}

func TestWorker_AttemptFailureIsCompleted(t *testing.T) {
	w := newWorld()
	wk := newTestWorker(t, 0, w, nil)

	a, serr := wk.Attempt(context.Background(), hardStatement)
	require.Nil(t, serr)
	assert.False(t, a.Success)
	assert.Empty(t, a.FormalProof)
	assert.True(t, a.Completed())
	assert.Equal(t, []int{0}, w.last.giveUps)
}

func TestWorker_AttemptFatalReturnsTrail(t *testing.T) {
	w := newWorld()
	wk := newTestWorker(t, 0, w, nil)

	a, serr := wk.Attempt(context.Background(), brokeStatement)
	require.NotNil(t, serr)
	assert.Equal(t, []search.Step{{SID: 0, Tactic: "boom"}}, serr.Trail)
	assert.NotEmpty(t, a.Error)
	assert.False(t, a.Success)
	assert.False(t, a.Completed())

	_, closed := w.counts()
	assert.Equal(t, 1, closed)
}

func TestWorker_AttemptVerification(t *testing.T) {
	tests := []struct {
		name    string
		verdict bool
		err     error
		want    bool
	}{
		{name: "passed", verdict: true, want: true},
		{name: "rejected", verdict: false, want: false},
		{name: "checker error", err: verifier.ErrTimeout, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var checked []string
			v := verifier.Func(func(_ context.Context, proof string) (bool, error) {
				checked = append(checked, proof)
				return tt.verdict, tt.err
			})
			w := newWorld()
			wk := newTestWorker(t, 0, w, v)
			// Beam search does not consult the verifier itself, so the
			// only check is the one on the finished attempt.
			wk.config.Search = testSearchConfig(search.KindBeam)

			a, serr := wk.Attempt(context.Background(), easyStatement)
			require.Nil(t, serr)
			assert.Equal(t, tt.want, a.Success)
			assert.Equal(t, tt.want, a.CollectResults[0].Success)
			assert.NotEmpty(t, a.FormalProof)
			assert.Equal(t, []string{a.FormalProof}, checked)
		})
	}
}

func TestWorker_AttemptSuccessFollowsFirstDeclaration(t *testing.T) {
	var checked int
	v := verifier.Func(func(context.Context, string) (bool, error) {
		checked++
		return false, nil
	})
	w := newWorld()
	wk := newTestWorker(t, 0, w, v)
	wk.config.Search = testSearchConfig(search.KindBeam)

	a, serr := wk.Attempt(context.Background(), laterStatement)
	require.Nil(t, serr)
	require.Len(t, a.CollectResults, 2)
	assert.False(t, a.CollectResults[0].Success)
	assert.True(t, a.CollectResults[1].Success)

	assert.False(t, a.Success)
	assert.Empty(t, a.FormalProof)
	assert.Zero(t, checked)
	assert.True(t, a.Completed())
}

func TestWorker_BestFirstProofIsVerifiedOnce(t *testing.T) {
	var checked []string
	v := verifier.Func(func(_ context.Context, proof string) (bool, error) {
		checked = append(checked, proof)
		return true, nil
	})
	wk := newTestWorker(t, 0, newWorld(), v)
	require.Equal(t, search.KindBestFirst, wk.config.Search.Strategy)

	a, serr := wk.Attempt(context.Background(), easyStatement)
	require.Nil(t, serr)
	assert.True(t, a.Success)
	assert.Equal(t, []string{a.FormalProof}, checked)
}

func TestWorker_SessionStartFailure(t *testing.T) {
	boom := errors.New("no toolchain")
	wk := NewWorker(WorkerConfig{ProofRoot: t.TempDir(), Search: testSearchConfig(search.KindBeam)},
		testOracle(),
		func(context.Context) (Session, error) { return nil, boom },
		nil, quietLogger())

	a, serr := wk.Attempt(context.Background(), easyStatement)
	assert.Nil(t, serr)
	assert.Contains(t, a.Error, "no toolchain")
	assert.False(t, a.Completed())
}

// =============================================================================
// Collect
// =============================================================================

func TestCollect(t *testing.T) {
	t.Run("no declarations", func(t *testing.T) {
		a := Collect(easyStatement, nil)
		assert.Empty(t, a.CollectResults)
		assert.Empty(t, a.FormalProof)
		assert.False(t, a.Succeeded())
	})

	t.Run("proof only from the first declaration", func(t *testing.T) {
		root := search.NewRoot(goal("a"))
		results := []DeclarationResult{
			{Declaration: "one", Result: search.Result{Nodes: []*search.Node{root}}},
			{Declaration: "two", Result: search.Result{Found: true, Nodes: []*search.Node{search.NewRoot(proofstate.State{})}}},
		}
		a := Collect(twoStatement, results)
		require.Len(t, a.CollectResults, 2)
		assert.Empty(t, a.FormalProof)
		assert.False(t, a.Succeeded())
		assert.Equal(t, goal("a").Pretties(), a.CollectResults[0].Nodes[0].State)
		assert.Empty(t, a.CollectResults[1].Nodes[0].State)
	})

	t.Run("trail", func(t *testing.T) {
		got := Trail([]search.Step{{SID: 0, Tactic: "intro"}, {SID: 3, Tactic: "simp"}})
		assert.Equal(t, []record.Step{{SID: 0, Tactic: "intro"}, {SID: 3, Tactic: "simp"}}, got)
	})
}

// =============================================================================
// LoadItems
// =============================================================================

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadItems(t *testing.T) {
	t.Run("json array", func(t *testing.T) {
		path := writeFile(t, "items.json", `[{"id":"a","formal_statement":"s1"},{"id":"b","formal_statement":"s2"}]`)
		items, err := LoadItems(path)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "b", items[1].ID)
		assert.Equal(t, "s2", items[1].FormalStatement)
	})

	t.Run("json lines", func(t *testing.T) {
		path := writeFile(t, "items.jsonl", "{\"id\":\"a\",\"formal_statement\":\"s1\"}\n\n{\"id\":\"b\",\"formal_statement\":\"s2\"}\n")
		items, err := LoadItems(path)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "a", items[0].ID)
	})

	t.Run("duplicate id", func(t *testing.T) {
		path := writeFile(t, "dup.json", `[{"id":"a"},{"id":"a"}]`)
		_, err := LoadItems(path)
		assert.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("empty id", func(t *testing.T) {
		path := writeFile(t, "empty.jsonl", `{"formal_statement":"s"}`)
		_, err := LoadItems(path)
		assert.ErrorIs(t, err, record.ErrEmptyID)
	})

	t.Run("bad line", func(t *testing.T) {
		path := writeFile(t, "bad.jsonl", "{\"id\":\"a\"}\nnot json\n")
		_, err := LoadItems(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "line 2")
	})
}

// =============================================================================
// Batch
// =============================================================================

func newTestBatch(t *testing.T, maxRetries int) (*Batch, *record.Store, *record.Journal) {
	t.Helper()
	store, err := record.NewStore(t.TempDir())
	require.NoError(t, err)
	journal, err := record.OpenJournal(record.InMemoryJournalConfig())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	return NewBatch(store, journal, maxRetries, quietLogger()), store, journal
}

func TestBatch_ProvesThenSkips(t *testing.T) {
	b, store, journal := newTestBatch(t, 3)
	wk := newTestWorker(t, 0, newWorld(), nil)
	item := &WorkItem{ID: "easy", FormalStatement: easyStatement}

	result, err := b.Handle(context.Background(), wk, item)
	require.NoError(t, err)
	assert.Equal(t, ResultProved, result)

	attempts, err := store.Attempts("easy")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 0, attempts[0].Attempt)
	assert.NotEmpty(t, attempts[0].AttemptID)
	assert.True(t, attempts[0].Success)

	entry, ok, err := journal.Get(context.Background(), "easy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Success)
	assert.Equal(t, 1, entry.Attempts)

	result, err = b.Handle(context.Background(), wk, item)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, result)
	attempts, err = store.Attempts("easy")
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestBatch_RetriesUntilExhausted(t *testing.T) {
	b, store, _ := newTestBatch(t, 2)
	wk := newTestWorker(t, 0, newWorld(), nil)
	item := &WorkItem{ID: "hard", FormalStatement: hardStatement}

	result, err := b.Handle(context.Background(), wk, item)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, result)

	attempts, err := store.Attempts("hard")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 0, attempts[0].Attempt)
	assert.Equal(t, 1, attempts[1].Attempt)

	result, err = b.Handle(context.Background(), wk, item)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, result)
}

func TestBatch_LaterDeclarationAloneIsRetried(t *testing.T) {
	b, store, journal := newTestBatch(t, 2)
	wk := newTestWorker(t, 0, newWorld(), nil)
	item := &WorkItem{ID: "later", FormalStatement: laterStatement}

	result, err := b.Handle(context.Background(), wk, item)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, result)

	attempts, err := store.Attempts("later")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.False(t, a.Success)
		assert.Empty(t, a.FormalProof)
	}

	entry, ok, err := journal.Get(context.Background(), "later")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, entry.Success)
}

func TestBatch_ResumesNumbering(t *testing.T) {
	b, store, _ := newTestBatch(t, 3)
	wk := newTestWorker(t, 0, newWorld(), nil)

	// One completed failure from an earlier run at a high index.
	prev := Collect(hardStatement, nil)
	prev.Attempt = 4
	require.NoError(t, store.WriteAttempt("hard", prev))

	_, err := b.Handle(context.Background(), wk, &WorkItem{ID: "hard", FormalStatement: hardStatement})
	require.NoError(t, err)

	attempts, err := store.Attempts("hard")
	require.NoError(t, err)
	// An attempt with no declarations is completed, so two remain.
	require.Len(t, attempts, 3)
	assert.Equal(t, []int{4, 5, 6}, []int{attempts[0].Attempt, attempts[1].Attempt, attempts[2].Attempt})
}

func TestBatch_FatalErrorWritesTrail(t *testing.T) {
	b, store, journal := newTestBatch(t, 2)
	wk := newTestWorker(t, 0, newWorld(), nil)
	item := &WorkItem{ID: "broke", FormalStatement: brokeStatement}

	result, err := b.Handle(context.Background(), wk, item)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, result)

	attempts, err := store.Attempts("broke")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.NotEmpty(t, a.Error)
		assert.False(t, a.Completed())
	}

	rec, err := record.ReadError(store.ErrorPath("broke"))
	require.NoError(t, err)
	assert.Equal(t, "broke", rec.ID)
	assert.Equal(t, brokeStatement, rec.Statement)
	assert.Equal(t, []record.Step{{SID: 0, Tactic: "boom"}}, rec.Trail)

	// Errored attempts never use up the budget.
	d, err := store.Decide("broke", 2)
	require.NoError(t, err)
	assert.False(t, d.Skip)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, 2, d.NextAttempt)

	summary, err := journal.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Items)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 2, summary.Attempts)
}

// =============================================================================
// Pool
// =============================================================================

type handlerFunc func(ctx context.Context, w *Worker, item *WorkItem) (string, error)

func (f handlerFunc) Mode() string { return "test" }

func (f handlerFunc) Handle(ctx context.Context, w *Worker, item *WorkItem) (string, error) {
	return f(ctx, w, item)
}

func TestPool_BatchRun(t *testing.T) {
	w := newWorld()
	b, store, _ := newTestBatch(t, 1)
	workers := []*Worker{newTestWorker(t, 0, w, nil), newTestWorker(t, 1, w, nil)}
	items := []*WorkItem{
		{ID: "easy", FormalStatement: easyStatement},
		{ID: "hard", FormalStatement: hardStatement},
		{ID: "two", FormalStatement: twoStatement},
	}

	pool := NewPool(workers, b, nil, quietLogger())
	pool.Progress().Queued(len(items))
	require.NoError(t, pool.Run(context.Background(), Enqueue(items, pool.Size())))

	snap := pool.Progress().Snapshot()
	assert.Equal(t, "batch", snap.Mode)
	assert.Equal(t, 0, snap.Queued)
	assert.Equal(t, 2, snap.Proved)
	assert.Equal(t, 1, snap.Failed)
	for _, ws := range snap.Workers {
		assert.Empty(t, ws.Item, ws.Worker)
	}

	ids, err := store.Items()
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"easy", "hard", "two"}, ids)

	sessions, closed := w.counts()
	assert.Equal(t, 3, sessions)
	assert.Equal(t, sessions, closed)
}

func TestPool_HandlerErrorStopsRun(t *testing.T) {
	boom := errors.New("disk full")
	h := handlerFunc(func(context.Context, *Worker, *WorkItem) (string, error) {
		return ResultError, boom
	})
	pool := NewPool([]*Worker{newTestWorker(t, 0, newWorld(), nil)}, h, nil, quietLogger())

	err := pool.Run(context.Background(), Enqueue([]*WorkItem{{ID: "a"}}, 1))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, pool.Progress().Snapshot().Errors)
}

func TestPool_NoWorkers(t *testing.T) {
	pool := NewPool(nil, NewBatch(nil, nil, 1, nil), nil, nil)
	assert.ErrorIs(t, pool.Run(context.Background(), Enqueue(nil, 0)), ErrNoWorkers)
}

func TestPool_ClosedQueueStopsWorkers(t *testing.T) {
	var handled []string
	var mu sync.Mutex
	h := handlerFunc(func(_ context.Context, _ *Worker, item *WorkItem) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, item.ID)
		return ResultSkipped, nil
	})
	queue := make(chan *WorkItem, 2)
	queue <- &WorkItem{ID: "a"}
	queue <- &WorkItem{ID: "b"}
	close(queue)

	pool := NewPool([]*Worker{newTestWorker(t, 0, newWorld(), nil)}, h, nil, quietLogger())
	require.NoError(t, pool.Run(context.Background(), queue))
	assert.Equal(t, []string{"a", "b"}, handled)
	assert.Equal(t, 2, pool.Progress().Snapshot().Skipped)
}

func TestEnqueue(t *testing.T) {
	queue := Enqueue([]*WorkItem{{ID: "a"}, {ID: "b"}}, 2)
	require.Equal(t, 4, len(queue))
	assert.Equal(t, "a", (<-queue).ID)
	assert.Equal(t, "b", (<-queue).ID)
	assert.Nil(t, <-queue)
	assert.Nil(t, <-queue)
}

// =============================================================================
// Progress
// =============================================================================

func TestProgress(t *testing.T) {
	p := NewProgress("batch")
	p.Queued(3)
	p.Begin("w2", "x")
	p.Begin("w1", "y")
	p.Finish("w1", ResultProved)
	p.Finish("w2", ResultError)
	p.Begin("w1", "z")

	snap := p.Snapshot()
	assert.Equal(t, 0, snap.Queued)
	assert.Equal(t, 1, snap.Proved)
	assert.Equal(t, 1, snap.Errors)
	require.Len(t, snap.Workers, 2)
	assert.Equal(t, "w1", snap.Workers[0].Worker)
	assert.Equal(t, "z", snap.Workers[0].Item)
	assert.Empty(t, snap.Workers[1].Item)

	// Snapshots do not alias internal state.
	snap.Workers[0].Item = "changed"
	assert.Equal(t, "z", p.Snapshot().Workers[0].Item)
}

// =============================================================================
// Streaming
// =============================================================================

func writeInput(t *testing.T, root, key string, doc map[string]any, done bool) {
	t.Helper()
	dir := filepath.Join(root, key)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, record.WriteJSON(filepath.Join(dir, InputFile), doc))
	if done {
		require.NoError(t, record.WriteJSON(filepath.Join(dir, OutputFile), map[string]any{}))
	}
}

func drain(queue chan *WorkItem) []*WorkItem {
	var out []*WorkItem
	for {
		select {
		case it := <-queue:
			out = append(out, it)
		default:
			return out
		}
	}
}

func TestPoller_EnqueuesNewInputsThenSentinels(t *testing.T) {
	root := t.TempDir()
	writeInput(t, root, "index_0", map[string]any{"back_trans_list": []string{easyStatement}}, false)
	writeInput(t, root, "index_1", map[string]any{"back_trans_list": []string{easyStatement}}, true)

	cfg := DefaultPollerConfig(root, 3, 2)
	cfg.Interval = 10 * time.Millisecond
	p := NewPoller(cfg, quietLogger())

	written := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		dir := filepath.Join(root, "index_2")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			written <- err
			return
		}
		written <- record.WriteJSON(filepath.Join(dir, InputFile), map[string]any{
			"back_trans_list": []string{hardStatement, easyStatement},
			"unique_key":      "late",
		})
	}()

	queue := make(chan *WorkItem, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, queue))
	require.NoError(t, <-written)

	items := drain(queue)
	require.Len(t, items, 4)
	assert.Equal(t, "index_0", items[0].ID)
	assert.Equal(t, []string{easyStatement}, items[0].Statements)
	assert.Equal(t, filepath.Join(root, "index_0", OutputFile), items[0].OutputPath)
	assert.Equal(t, items[0].OutputPath, items[0].Raw["prove_path"])
	assert.Equal(t, "late", items[1].ID)
	assert.Len(t, items[1].Statements, 2)
	assert.Nil(t, items[2])
	assert.Nil(t, items[3])
}

func TestPoller_RerunIncludesFinishedInputs(t *testing.T) {
	root := t.TempDir()
	writeInput(t, root, "index_0", map[string]any{"back_trans_list": []string{easyStatement}}, true)

	cfg := DefaultPollerConfig(root, 1, 1)
	cfg.Interval = 10 * time.Millisecond
	cfg.Rerun = true

	queue := make(chan *WorkItem, 4)
	require.NoError(t, NewPoller(cfg, quietLogger()).Run(context.Background(), queue))
	items := drain(queue)
	require.Len(t, items, 2)
	assert.Equal(t, "index_0", items[0].ID)
	assert.Nil(t, items[1])
}

func TestPoller_MalformedInputIsRetried(t *testing.T) {
	root := t.TempDir()
	writeInput(t, root, "index_0", map[string]any{"other": 1}, false)

	cfg := DefaultPollerConfig(root, 1, 1)
	cfg.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	queue := make(chan *WorkItem, 4)
	err := NewPoller(cfg, quietLogger()).Run(ctx, queue)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, drain(queue))
}

func TestPipeline_WritesProveInfo(t *testing.T) {
	w := newWorld()
	wk := newTestWorker(t, 0, w, nil)
	out := filepath.Join(t.TempDir(), OutputFile)
	item := &WorkItem{
		ID:         "index_7",
		Statements: []string{easyStatement, hardStatement, brokeStatement},
		OutputPath: out,
		Raw:        map[string]any{"unique_key": "index_7", "extra": "kept"},
	}

	result, err := NewPipeline(quietLogger()).Handle(context.Background(), wk, item)
	require.NoError(t, err)
	assert.Equal(t, ResultProved, result)

	var doc struct {
		Extra  string                     `json:"extra"`
		Detail map[string]*record.Attempt `json:"prove_detail_dict"`
		Proved []ProvedStatement          `json:"result_list"`
	}
	require.NoError(t, record.ReadJSON(out, &doc))
	assert.Equal(t, "kept", doc.Extra)
	require.Len(t, doc.Detail, 2)
	assert.Contains(t, doc.Detail, "0")
	assert.Contains(t, doc.Detail, "1")
	assert.NotContains(t, doc.Detail, "2")
	assert.Equal(t, "index_7/1", doc.Detail["1"].AttemptID)
	require.Len(t, doc.Proved, 1)
	assert.Equal(t, easyStatement, doc.Proved[0].FormalStatement)
	assert.Equal(t, prooftree.Script(easyStatement, []string{"done"}), doc.Proved[0].FormalProof)

	_, echoed := item.Raw["prove_detail_dict"]
	assert.False(t, echoed)
}

func TestPipeline_NothingProved(t *testing.T) {
	wk := newTestWorker(t, 0, newWorld(), nil)
	item := &WorkItem{ID: "k", Statements: []string{hardStatement}, OutputPath: filepath.Join(t.TempDir(), OutputFile)}

	result, err := NewPipeline(nil).Handle(context.Background(), wk, item)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, result)
	assert.FileExists(t, item.OutputPath)
}

// =============================================================================
// Replay
// =============================================================================

func TestReplay_StopsAtClosedState(t *testing.T) {
	w := newWorld()
	rec := &record.ErrorRecord{
		Statement: easyStatement,
		Trail: []record.Step{
			{SID: 0, Tactic: "nope"},
			{SID: 0, Tactic: "step"},
			{SID: 1, Tactic: "done"},
			{SID: 2, Tactic: "never"},
		},
	}

	steps, err := Replay(context.Background(), w.factory, t.TempDir(), rec, 1000, quietLogger())
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, "rejected", steps[0].Outcome)
	assert.Equal(t, "unknown tactic", steps[0].Reason)
	assert.Equal(t, "accepted", steps[1].Outcome)
	assert.Equal(t, 1, steps[1].NewSID)
	assert.Equal(t, goal("b").Pretties(), steps[1].Goals)
	assert.Equal(t, []string{"elaborated 1"}, steps[1].Messages)
	assert.Equal(t, 2, steps[2].NewSID)
	assert.Empty(t, steps[2].Goals)

	assert.Equal(t, []int{0}, w.last.giveUps)
	assert.Equal(t, []int{3}, w.last.commits)
	_, closed := w.counts()
	assert.Equal(t, 1, closed)
}

func TestReplay_FatalStep(t *testing.T) {
	w := newWorld()
	rec := &record.ErrorRecord{
		Statement: brokeStatement,
		Trail:     []record.Step{{SID: 0, Tactic: "boom"}, {SID: 0, Tactic: "after"}},
	}

	steps, err := Replay(context.Background(), w.factory, t.TempDir(), rec, 1000, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	require.Len(t, steps, 1)
	assert.Equal(t, "fatal", steps[0].Outcome)
	assert.Empty(t, w.last.commits)
}

func TestReplay_NoDeclaration(t *testing.T) {
	w := newWorld()
	_, err := Replay(context.Background(), w.factory, t.TempDir(), &record.ErrorRecord{Statement: "-- empty"}, 1000, nil)
	require.Error(t, err)
}
