// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package interactive drives an external proof-assistant process over a
// synchronous, newline-delimited JSON protocol.
//
// # Protocol
//
// After OpenFile sends {"filename", "selectors"}, the environment emits one
// {"declName": …} banner per selected declaration and a null name when the
// file is exhausted. Inside a declaration every request is
//
//	{"id": n, "method": "runTactic", "params": {"sid": 0, "tactic": "simp", "heartbeats": 200000000}}
//
// and is answered by exactly one line carrying "result" or
// "error": {"code", "message", "data"}.
//
// # Error Classes
//
// A runTactic error object is recoverable (*TacticError). Everything else
// (I/O failure, malformed JSON, id mismatch, error objects on other
// methods) is fatal and poisons the Protocol: later calls return the same
// error without touching the pipes.
//
// # Usage
//
//	sess, err := interactive.Start(ctx, cfg, logger)
//	if err != nil { ... }
//	defer sess.Close()
//	env := sess.Client()
//	_ = env.OpenFile(ctx, "TestOne.lean", nil)
//	for {
//	    name, ok, err := env.NextProblem(ctx)
//	    if err != nil || !ok { break }
//	    ... search using env ...
//	}
package interactive
