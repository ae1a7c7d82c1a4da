// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proofstate

import (
	"fmt"
	"strings"
)

// Binder kinds reported by the proof assistant.
const (
	BinderDefault        = "default"
	BinderImplicit       = "implicit"
	BinderStrictImplicit = "strictImplicit"
	BinderInstImplicit   = "instImplicit"
)

// turnstile separates a goal's context from its target.
const turnstile = "⊢ "

// =============================================================================
// Variable
// =============================================================================

// Variable is one hypothesis or local definition in a goal's context.
//
// Variables are values: nothing in this package mutates one after it has
// been decoded.
type Variable struct {
	// Names holds the components of the user-facing name.
	Names []string

	// Type is the pretty-printed type expression.
	Type string

	// IsProp is true when Type is a proposition.
	IsProp bool

	// BinderInfo is one of the Binder* constants.
	BinderInfo string

	// Value is the bound value of a let-variable, nil otherwise.
	Value *string
}

// Name joins the name components with ".".
func (v Variable) Name() string {
	return strings.Join(v.Names, ".")
}

// Pretty renders "name : type", followed by " := value" for let-variables.
func (v Variable) Pretty() string {
	s := v.Name() + " : " + v.Type
	if v.Value != nil {
		s += " := " + *v.Value
	}
	return s
}

// AsParam renders the variable as a binder, e.g. "(x : Nat)" or "[inst : Group G]".
//
// Let-variables cannot be parameters and return an error, as do binder kinds
// this package does not know.
func (v Variable) AsParam() (string, error) {
	if v.Value != nil {
		return "", fmt.Errorf("%w: %s", ErrLetParameter, v.Name())
	}
	switch v.binder() {
	case BinderInstImplicit:
		return "[" + v.Type + "]", nil
	case BinderDefault:
		return "(" + v.Pretty() + ")", nil
	case BinderImplicit:
		return "{" + v.Pretty() + "}", nil
	case BinderStrictImplicit:
		return "{{" + v.Pretty() + "}}", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBinder, v.BinderInfo)
	}
}

func (v Variable) binder() string {
	if v.BinderInfo == "" {
		return BinderDefault
	}
	return v.BinderInfo
}

// =============================================================================
// Goal
// =============================================================================

// Goal is a single proof obligation: a context and a target type.
type Goal struct {
	Context []Variable
	Type    string
	IsProp  bool
}

// Pretty renders the context one variable per line, then "⊢ target".
func (g Goal) Pretty() string {
	return renderGoal(g.Context, g.Type)
}

// Signature renders the goal as "params : target", skipping let-variables.
func (g Goal) Signature() (string, error) {
	params := make([]string, 0, len(g.Context))
	for _, v := range g.Context {
		if v.Value != nil {
			continue
		}
		p, err := v.AsParam()
		if err != nil {
			return "", err
		}
		params = append(params, p)
	}
	return strings.Join(params, " ") + " : " + g.Type, nil
}

func renderGoal(context []Variable, target string) string {
	var b strings.Builder
	for i, v := range context {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(v.Pretty())
	}
	b.WriteByte('\n')
	b.WriteString(turnstile)
	b.WriteString(target)
	return b.String()
}

// =============================================================================
// State
// =============================================================================

// State is the ordered list of open goals. An empty State is closed: the
// branch that produced it is a complete proof.
type State []Goal

// NoGoals is the rendering of a closed state.
const NoGoals = "no goals"

// Closed reports whether no goals remain.
func (s State) Closed() bool {
	return len(s) == 0
}

// Repr renders the state the way it is shown to the oracle.
//
// A closed state renders as "no goals", a single goal as its Pretty form,
// and several goals as "case:" blocks separated by blank lines.
func (s State) Repr() string {
	switch len(s) {
	case 0:
		return NoGoals
	case 1:
		return s[0].Pretty()
	}
	blocks := make([]string, len(s))
	for i, g := range s {
		blocks[i] = "case:\n" + g.Pretty()
	}
	return strings.Join(blocks, "\n\n")
}

// Pretties returns each goal's Pretty form, in order.
func (s State) Pretties() []string {
	out := make([]string, len(s))
	for i, g := range s {
		out[i] = g.Pretty()
	}
	return out
}

// String implements fmt.Stringer.
func (s State) String() string {
	return s.Repr()
}
