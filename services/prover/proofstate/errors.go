// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proofstate models proof-assistant goals and the canonical key used
// to recognise equivalent proof states.
package proofstate

import "errors"

var (
	// ErrLetParameter is returned when a let-variable is rendered as a binder.
	ErrLetParameter = errors.New("let-bound variable cannot be a parameter")

	// ErrUnknownBinder is returned for binder kinds outside the Binder* set.
	ErrUnknownBinder = errors.New("unknown binder kind")

	// ErrBadName is returned when a name component is neither string nor integer.
	ErrBadName = errors.New("name component must be string or integer")

	// ErrEmptyPayload is returned by Decode for an empty document.
	ErrEmptyPayload = errors.New("empty goal payload")
)
