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
	"sort"
	"strings"
)

// DedupKey returns the canonical identity of the state.
//
// Description:
//
//	Two states with equal keys are the same logical state for search
//	purposes, even when different tactic paths produced them. Per goal:
//	  1. proposition hypotheses are stably sorted by type text,
//	  2. consecutive hypotheses with the same type collapse to the first,
//	  3. non-proposition variables follow in their original order,
//	  4. the rendered context is followed by "⊢ target".
//	Goals are joined by a blank line.
//
//	Hypothesis names do not participate in the collapse, so h1 : a = b and
//	h2 : a = b count once. The surviving hypothesis keeps its name.
//
// Outputs:
//
//	string - NoGoals for a closed state.
func (s State) DedupKey() string {
	if s.Closed() {
		return NoGoals
	}
	keys := make([]string, len(s))
	for i, g := range s {
		keys[i] = g.dedupKey()
	}
	return strings.Join(keys, "\n\n")
}

func (g Goal) dedupKey() string {
	props := make([]Variable, 0, len(g.Context))
	others := make([]Variable, 0, len(g.Context))
	for _, v := range g.Context {
		if v.IsProp {
			props = append(props, v)
		} else {
			others = append(others, v)
		}
	}
	sort.SliceStable(props, func(i, j int) bool {
		return props[i].Type < props[j].Type
	})

	canonical := make([]Variable, 0, len(g.Context))
	for _, p := range props {
		if n := len(canonical); n > 0 && canonical[n-1].Type == p.Type {
			continue
		}
		canonical = append(canonical, p)
	}
	canonical = append(canonical, others...)
	return renderGoal(canonical, g.Type)
}
