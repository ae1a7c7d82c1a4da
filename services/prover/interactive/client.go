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
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// DefaultHeartbeats is the per-tactic elaboration budget.
const DefaultHeartbeats = 200_000_000

// Method names understood by the environment.
const (
	MethodRunTactic   = "runTactic"
	MethodGetState    = "getState"
	MethodGetMessages = "getMessages"
	MethodGetPosition = "getPosition"
	MethodGiveUp      = "giveUp"
	MethodCommit      = "commit"
)

// =============================================================================
// CLIENT STATE
// =============================================================================

// ClientState is the position of a Client in the declaration lifecycle.
type ClientState int

const (
	// StateClosed is the initial and terminal state.
	StateClosed ClientState = iota

	// StateFileOpened means a file and its selectors have been sent.
	StateFileOpened

	// StateAwaitingDeclaration follows a commit; NextProblem is the only
	// valid call.
	StateAwaitingDeclaration

	// StateTacticSession means a declaration is open and requests are allowed.
	StateTacticSession
)

// String returns a human-readable state name.
func (s ClientState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateFileOpened:
		return "file_opened"
	case StateAwaitingDeclaration:
		return "awaiting_declaration"
	case StateTacticSession:
		return "tactic_session"
	default:
		return "unknown"
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client drives one proof environment through its declaration lifecycle.
//
// Description:
//
//	Client enforces the state machine
//	  Closed → FileOpened → TacticSession → (commit) → AwaitingDeclaration
//	  → TacticSession → … → Closed
//	on top of a Protocol. NextProblem returning false moves the client back
//	to Closed; the owning Session should then be closed.
//
// Thread Safety:
//
//	Safe for concurrent use, but a search owns its client exclusively and
//	there is never more than one request in flight.
type Client struct {
	proto  *Protocol
	logger *slog.Logger

	mu          sync.Mutex
	state       ClientState
	declaration string
}

// NewClient creates a client speaking over r (environment stdout) and w
// (environment stdin).
func NewClient(r io.Reader, w io.Writer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		proto:  NewProtocol(r, w, logger),
		logger: logger,
		state:  StateClosed,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Declaration returns the name of the open declaration, or "".
func (c *Client) Declaration() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.declaration
}

// OpenFile selects the declarations of path to visit.
//
// Inputs:
//
//	path      - Source file, relative to the environment's root or absolute.
//	selectors - Declaration names or indices. A nil element selects every
//	            declaration in the file.
func (c *Client) OpenFile(ctx context.Context, path string, selectors []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateTacticSession {
		return ErrDeclarationOpen
	}
	if selectors == nil {
		selectors = []any{nil}
	}
	msg := struct {
		Filename  string `json:"filename"`
		Selectors []any  `json:"selectors"`
	}{Filename: path, Selectors: selectors}

	if err := c.proto.Send(ctx, msg); err != nil {
		return err
	}
	c.state = StateFileOpened
	return nil
}

// NextProblem advances to the next selected declaration.
//
// Outputs:
//
//	string - Declaration name.
//	bool   - False when the file is exhausted; the client is then Closed.
//	error  - Fatal protocol error, or ErrInvalidState.
func (c *Client) NextProblem(ctx context.Context) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFileOpened && c.state != StateAwaitingDeclaration {
		return "", false, fmt.Errorf("%w: next problem in %s", ErrInvalidState, c.state)
	}
	var banner struct {
		DeclName *string `json:"declName"`
	}
	if err := c.proto.Receive(ctx, &banner); err != nil {
		return "", false, err
	}
	if banner.DeclName == nil {
		c.state = StateClosed
		c.declaration = ""
		return "", false, nil
	}
	c.state = StateTacticSession
	c.declaration = *banner.DeclName
	return c.declaration, true, nil
}

// RunTactic applies tactic to the state named by sid.
//
// Outputs:
//
//	int   - Session id of the resulting state.
//	error - *TacticError when the environment rejected the tactic (the
//	        session stays usable); any other error is fatal.
func (c *Client) RunTactic(ctx context.Context, sid int, tactic string, heartbeats int) (int, error) {
	if heartbeats <= 0 {
		heartbeats = DefaultHeartbeats
	}
	params := map[string]any{"sid": sid, "tactic": tactic, "heartbeats": heartbeats}

	var next int
	respErr, err := c.request(ctx, MethodRunTactic, params, &next)
	if err != nil {
		return 0, err
	}
	if respErr != nil {
		return 0, &TacticError{
			SID:     sid,
			Tactic:  tactic,
			Code:    respErr.Code,
			Message: respErr.Message,
			Data:    respErr.Data,
		}
	}
	return next, nil
}

// GetState returns the goals of sid. An empty state means the branch is closed.
func (c *Client) GetState(ctx context.Context, sid int) (proofstate.State, error) {
	var goals []proofstate.Goal
	if err := c.mustRequest(ctx, MethodGetState, map[string]any{"sid": sid}, &goals); err != nil {
		return nil, err
	}
	return proofstate.State(goals), nil
}

// GetMessages returns the elaboration messages attached to sid.
func (c *Client) GetMessages(ctx context.Context, sid int) ([]string, error) {
	var msgs []string
	if err := c.mustRequest(ctx, MethodGetMessages, map[string]any{"sid": sid}, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetPosition returns the environment's source position for the open
// declaration, undecoded.
func (c *Client) GetPosition(ctx context.Context) (map[string]any, error) {
	var pos map[string]any
	if err := c.mustRequest(ctx, MethodGetPosition, map[string]any{}, &pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// GiveUp abandons the open declaration and returns the sid to commit.
func (c *Client) GiveUp(ctx context.Context, sid int) (int, error) {
	var next int
	if err := c.mustRequest(ctx, MethodGiveUp, map[string]any{"sid": sid}, &next); err != nil {
		return 0, err
	}
	return next, nil
}

// Commit finalizes the open declaration with sid.
func (c *Client) Commit(ctx context.Context, sid int) error {
	if err := c.mustRequest(ctx, MethodCommit, map[string]any{"sid": sid}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = StateAwaitingDeclaration
	c.declaration = ""
	c.mu.Unlock()
	return nil
}

// mustRequest is request for methods where an error object means the
// session is no longer trustworthy.
func (c *Client) mustRequest(ctx context.Context, method string, params, out any) error {
	respErr, err := c.request(ctx, method, params, out)
	if err != nil {
		return err
	}
	if respErr != nil {
		return fmt.Errorf("%w: %s failed with code %d: %s", ErrProtocolDesync, method, respErr.Code, respErr.Message)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method string, params, out any) (*ResponseError, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateTacticSession {
		return nil, fmt.Errorf("%w: %s in %s", ErrInvalidState, method, state)
	}

	ctx, span := startRequestSpan(ctx, method)
	defer span.End()
	start := time.Now()

	respErr, err := c.proto.Call(ctx, method, params, out)
	recordRequest(ctx, span, method, time.Since(start), outcomeLabel(respErr, err))
	return respErr, err
}

func outcomeLabel(respErr *ResponseError, err error) string {
	switch {
	case err != nil:
		return "fatal"
	case respErr != nil:
		return "rejected"
	default:
		return "ok"
	}
}
