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
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for environment operations.
//
// Everything except *TacticError is fatal: once returned, the session can no
// longer be trusted and must be closed.
var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// client's current state (e.g. RunTactic before NextProblem).
	ErrInvalidState = errors.New("operation not allowed in current client state")

	// ErrDeclarationOpen is returned by OpenFile while a tactic session is active.
	ErrDeclarationOpen = errors.New("a declaration is already open")

	// ErrProtocolDesync is returned when a response cannot be matched to the
	// outstanding request: wrong correlation id, malformed JSON, or an error
	// object on a method that must not fail.
	ErrProtocolDesync = errors.New("protocol desynchronized")

	// ErrSessionClosed is returned when the subprocess has exited or its
	// pipes are closed.
	ErrSessionClosed = errors.New("environment session closed")

	// ErrSessionStarted is returned by Start on a session that already ran.
	ErrSessionStarted = errors.New("environment session already started")

	// ErrBinaryNotFound is returned when the launcher binary is not on PATH.
	ErrBinaryNotFound = errors.New("environment launcher not found")
)

// ResponseError is the error object carried by a failed response.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// TacticError is the recoverable failure of a runTactic request: the tactic
// did not parse, did not apply, or ran out of heartbeats. The session is
// still consistent and the caller should treat the branch as nonexistent.
type TacticError struct {
	SID     int
	Tactic  string
	Code    int
	Message string
	Data    json.RawMessage
}

// Error implements the error interface.
func (e *TacticError) Error() string {
	return fmt.Sprintf("tactic rejected (sid=%d, code=%d): %s", e.SID, e.Code, e.Message)
}

// Detail returns the error data as text, unquoting a JSON string payload.
func (e *TacticError) Detail() string {
	if len(e.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// IsRecoverable reports whether err leaves the session usable.
func IsRecoverable(err error) bool {
	var te *TacticError
	return errors.As(err, &te)
}

// IsFatal reports whether err requires the session to be abandoned.
func IsFatal(err error) bool {
	return err != nil && !IsRecoverable(err)
}
