// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package interactive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// =============================================================================
// Scripted environment over io.Pipe
// =============================================================================

type envMsg struct {
	ID       int64          `json:"id"`
	Method   string         `json:"method"`
	Params   map[string]any `json:"params"`
	Filename string         `json:"filename"`
}

type scriptedEnv struct {
	mu       sync.Mutex
	received []envMsg
}

// newScriptedClient connects a Client to a goroutine that answers each line
// with whatever handle returns.
func newScriptedClient(t *testing.T, handle func(msg envMsg) []string) (*Client, *scriptedEnv) {
	t.Helper()
	clientR, envW := io.Pipe()
	envR, clientW := io.Pipe()
	env := &scriptedEnv{}

	go func() {
		scanner := bufio.NewScanner(envR)
		for scanner.Scan() {
			var msg envMsg
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				_ = envW.CloseWithError(err)
				return
			}
			env.mu.Lock()
			env.received = append(env.received, msg)
			env.mu.Unlock()
			for _, line := range handle(msg) {
				if _, err := io.WriteString(envW, line+"\n"); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() {
		_ = clientW.Close()
		_ = envW.Close()
	})
	return NewClient(clientR, clientW, nil), env
}

func (e *scriptedEnv) methods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.received))
	for _, m := range e.received {
		if m.Method == "" {
			out = append(out, "open:"+m.Filename)
			continue
		}
		out = append(out, m.Method)
	}
	return out
}

const goalJSON = `[{"context":[{"name":["n"],"type":"Nat","isProp":false}],"type":"n + 0 = n","isProp":true}]`

func result(id int64, v string) string {
	return fmt.Sprintf(`{"id":%d,"result":%s}`, id, v)
}

// =============================================================================
// Tests
// =============================================================================

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	client, env := newScriptedClient(t, func(msg envMsg) []string {
		switch msg.Method {
		case "":
			return []string{`{"declName":"add_zero"}`}
		case MethodRunTactic:
			assert.Equal(t, float64(0), msg.Params["sid"])
			assert.Equal(t, "simp", msg.Params["tactic"])
			assert.Equal(t, float64(DefaultHeartbeats), msg.Params["heartbeats"])
			return []string{result(msg.ID, "1")}
		case MethodGetState:
			if msg.Params["sid"] == float64(0) {
				return []string{result(msg.ID, goalJSON)}
			}
			return []string{result(msg.ID, "[]")}
		case MethodCommit:
			return []string{result(msg.ID, "null"), `{"declName":null}`}
		}
		return []string{`{"error":{"code":-32601,"message":"unknown"}}`}
	})

	assert.Equal(t, StateClosed, client.State())
	require.NoError(t, client.OpenFile(ctx, "TestOne.lean", nil))
	assert.Equal(t, StateFileOpened, client.State())

	name, ok, err := client.NextProblem(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "add_zero", name)
	assert.Equal(t, StateTacticSession, client.State())
	assert.Equal(t, "add_zero", client.Declaration())

	root, err := client.GetState(ctx, 0)
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "n : Nat\n⊢ n + 0 = n", root.Repr())

	sid, err := client.RunTactic(ctx, 0, "simp", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sid)

	closed, err := client.GetState(ctx, sid)
	require.NoError(t, err)
	assert.True(t, closed.Closed())

	require.NoError(t, client.Commit(ctx, sid))
	assert.Equal(t, StateAwaitingDeclaration, client.State())

	_, ok, err = client.NextProblem(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateClosed, client.State())

	assert.Equal(t, []string{"open:TestOne.lean", MethodGetState, MethodRunTactic, MethodGetState, MethodCommit}, env.methods())
}

func TestClient_CorrelationIDsIncrease(t *testing.T) {
	ctx := context.Background()
	var ids []int64
	client, _ := newScriptedClient(t, func(msg envMsg) []string {
		if msg.Method == "" {
			return []string{`{"declName":"t"}`}
		}
		ids = append(ids, msg.ID)
		return []string{result(msg.ID, "[]")}
	})
	require.NoError(t, client.OpenFile(ctx, "f.lean", []any{"t"}))
	_, _, err := client.NextProblem(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := client.GetState(ctx, i)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestClient_TacticErrorIsRecoverable(t *testing.T) {
	ctx := context.Background()
	client, _ := newScriptedClient(t, func(msg envMsg) []string {
		switch msg.Method {
		case "":
			return []string{`{"declName":"t"}`}
		case MethodRunTactic:
			if msg.Params["tactic"] == "bogus" {
				return []string{`{"id":` + fmt.Sprint(msg.ID) + `,"error":{"code":1,"message":"unknown tactic","data":"at bogus"}}`}
			}
			return []string{result(msg.ID, "7")}
		}
		return []string{result(msg.ID, "[]")}
	})
	require.NoError(t, client.OpenFile(ctx, "f.lean", nil))
	_, _, err := client.NextProblem(ctx)
	require.NoError(t, err)

	_, err = client.RunTactic(ctx, 0, "bogus", 10)
	require.Error(t, err)
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsFatal(err))

	var te *TacticError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.Code)
	assert.Equal(t, "at bogus", te.Detail())
	assert.Equal(t, "bogus", te.Tactic)

	sid, err := client.RunTactic(ctx, 0, "rfl", 10)
	require.NoError(t, err, "session stays usable after a rejected tactic")
	assert.Equal(t, 7, sid)
}

func TestClient_IDMismatchIsFatalAndSticky(t *testing.T) {
	ctx := context.Background()
	client, _ := newScriptedClient(t, func(msg envMsg) []string {
		if msg.Method == "" {
			return []string{`{"declName":"t"}`}
		}
		return []string{result(msg.ID+10, "1")}
	})
	require.NoError(t, client.OpenFile(ctx, "f.lean", nil))
	_, _, err := client.NextProblem(ctx)
	require.NoError(t, err)

	_, err = client.RunTactic(ctx, 0, "simp", 0)
	require.ErrorIs(t, err, ErrProtocolDesync)
	assert.True(t, IsFatal(err))

	_, err = client.GetState(ctx, 0)
	assert.ErrorIs(t, err, ErrProtocolDesync, "protocol stays broken")
}

func TestClient_ErrorObjectOnGetStateIsFatal(t *testing.T) {
	ctx := context.Background()
	client, _ := newScriptedClient(t, func(msg envMsg) []string {
		if msg.Method == "" {
			return []string{`{"declName":"t"}`}
		}
		return []string{`{"error":{"code":3,"message":"unknown sid"}}`}
	})
	require.NoError(t, client.OpenFile(ctx, "f.lean", nil))
	_, _, err := client.NextProblem(ctx)
	require.NoError(t, err)

	_, err = client.GetState(ctx, 99)
	assert.ErrorIs(t, err, ErrProtocolDesync)
	assert.False(t, IsRecoverable(err))
}

func TestClient_MalformedResponseIsFatal(t *testing.T) {
	ctx := context.Background()
	client, _ := newScriptedClient(t, func(msg envMsg) []string {
		if msg.Method == "" {
			return []string{`{"declName":"t"}`}
		}
		return []string{`not json`}
	})
	require.NoError(t, client.OpenFile(ctx, "f.lean", nil))
	_, _, err := client.NextProblem(ctx)
	require.NoError(t, err)

	_, err = client.GiveUp(ctx, 0)
	assert.ErrorIs(t, err, ErrProtocolDesync)
}

func TestClient_StateMachineGuards(t *testing.T) {
	ctx := context.Background()
	client, _ := newScriptedClient(t, func(msg envMsg) []string {
		if msg.Method == "" {
			return []string{`{"declName":"t"}`}
		}
		return []string{result(msg.ID, "0")}
	})

	_, err := client.RunTactic(ctx, 0, "simp", 0)
	assert.ErrorIs(t, err, ErrInvalidState, "no request before a declaration is open")

	_, _, err = client.NextProblem(ctx)
	assert.ErrorIs(t, err, ErrInvalidState, "no declaration before a file is open")

	require.NoError(t, client.OpenFile(ctx, "f.lean", nil))
	_, _, err = client.NextProblem(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, client.OpenFile(ctx, "g.lean", nil), ErrDeclarationOpen)
	_, _, err = client.NextProblem(ctx)
	assert.ErrorIs(t, err, ErrInvalidState, "cannot skip an open declaration")
}

func TestClient_ClosedPipeIsFatal(t *testing.T) {
	ctx := context.Background()
	r, w := io.Pipe()
	_ = w.Close()
	client := NewClient(r, io.Discard, nil)

	require.NoError(t, client.OpenFile(ctx, "f.lean", nil))
	_, _, err := client.NextProblem(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestClient_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := NewClient(io.MultiReader(), io.Discard, nil)
	assert.ErrorIs(t, client.OpenFile(ctx, "f.lean", nil), ErrSessionClosed)
}

// =============================================================================
// Apply
// =============================================================================

type stubEnv struct {
	runSID   int
	runErr   error
	state    proofstate.State
	stateErr error
}

func (s *stubEnv) RunTactic(context.Context, int, string, int) (int, error) {
	return s.runSID, s.runErr
}

func (s *stubEnv) GetState(context.Context, int) (proofstate.State, error) {
	return s.state, s.stateErr
}

func (s *stubEnv) GiveUp(context.Context, int) (int, error) { return 0, nil }
func (s *stubEnv) Commit(context.Context, int) error        { return nil }

func TestApply(t *testing.T) {
	ctx := context.Background()
	goal := proofstate.State{{Type: "p"}}

	out := Apply(ctx, &stubEnv{runSID: 4, state: goal}, 0, "intro", 0)
	assert.Equal(t, Accepted, out.Kind)
	assert.Equal(t, 4, out.SID)
	assert.Equal(t, goal, out.State)

	out = Apply(ctx, &stubEnv{runErr: &TacticError{Message: "failed"}}, 0, "bad", 0)
	assert.Equal(t, Rejected, out.Kind)
	assert.Equal(t, "failed", out.Reason)

	out = Apply(ctx, &stubEnv{runErr: ErrSessionClosed}, 0, "x", 0)
	assert.Equal(t, Fatal, out.Kind)
	assert.ErrorIs(t, out.Err, ErrSessionClosed)

	out = Apply(ctx, &stubEnv{runSID: 2, stateErr: ErrProtocolDesync}, 0, "x", 0)
	assert.Equal(t, Fatal, out.Kind)
	assert.Equal(t, "fatal", out.Kind.String())
}

func TestSessionConfig_Args(t *testing.T) {
	cfg := DefaultSessionConfig("/proj")
	assert.Equal(t,
		[]string{"lake", "env", "/proj/.lake/build/bin/interactive", "-i", "Header.lean"},
		cfg.Args())

	cfg.InteractiveBin = "/opt/interactive"
	cfg.Lake = "/usr/bin/lake"
	assert.Equal(t, "/opt/interactive", cfg.Args()[2])
	assert.Equal(t, "/usr/bin/lake", cfg.Args()[0])
}

func TestStart_MissingLauncher(t *testing.T) {
	cfg := DefaultSessionConfig(t.TempDir())
	cfg.Lake = "definitely-not-a-real-launcher-binary"
	_, err := Start(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}
