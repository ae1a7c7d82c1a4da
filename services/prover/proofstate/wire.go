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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// wireVariable is the environment's JSON form of a Variable.
type wireVariable struct {
	Name       []json.RawMessage `json:"name"`
	Type       string            `json:"type"`
	IsProp     bool              `json:"isProp"`
	BinderInfo string            `json:"binderInfo,omitempty"`
	Value      *string           `json:"value,omitempty"`
}

type wireGoal struct {
	Context []Variable `json:"context"`
	Type    string     `json:"type"`
	IsProp  bool       `json:"isProp"`
}

// UnmarshalJSON decodes the environment form. Name components may be
// strings or integers (numeric suffixes of hygienic names).
func (v *Variable) UnmarshalJSON(data []byte) error {
	var w wireVariable
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	names := make([]string, 0, len(w.Name))
	for _, raw := range w.Name {
		part, err := decodeNamePart(raw)
		if err != nil {
			return err
		}
		names = append(names, part)
	}
	binder := w.BinderInfo
	if binder == "" {
		binder = BinderDefault
	}
	*v = Variable{
		Names:      names,
		Type:       w.Type,
		IsProp:     w.IsProp,
		BinderInfo: binder,
		Value:      w.Value,
	}
	return nil
}

// MarshalJSON encodes the environment form.
func (v Variable) MarshalJSON() ([]byte, error) {
	names := make([]json.RawMessage, len(v.Names))
	for i, n := range v.Names {
		b, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		names[i] = b
	}
	return json.Marshal(wireVariable{
		Name:       names,
		Type:       v.Type,
		IsProp:     v.IsProp,
		BinderInfo: v.binder(),
		Value:      v.Value,
	})
}

// UnmarshalJSON decodes a goal; a missing context decodes as empty.
func (g *Goal) UnmarshalJSON(data []byte) error {
	var w wireGoal
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*g = Goal(w)
	return nil
}

// MarshalJSON encodes a goal in the environment form.
func (g Goal) MarshalJSON() ([]byte, error) {
	w := wireGoal(g)
	if w.Context == nil {
		w.Context = []Variable{}
	}
	return json.Marshal(w)
}

// Decode parses a JSON array of goals. "null" decodes to a closed state.
func Decode(data []byte) (State, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyPayload
	}
	var goals []Goal
	if err := json.Unmarshal(data, &goals); err != nil {
		return nil, fmt.Errorf("decode goals: %w", err)
	}
	return State(goals), nil
}

func decodeNamePart(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10), nil
	}
	return "", fmt.Errorf("%w: %s", ErrBadName, string(raw))
}
