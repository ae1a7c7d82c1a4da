// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prooftree

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianProver/services/prover/record"
)

// Script renders a tactic proof of statement.
//
// The trailing "sorry" placeholder and the "by" before it are stripped,
// " by" is appended, and each tactic follows on its own line indented by
// two spaces. Only whole words are stripped: a statement ending in an
// identifier such as "nearby" keeps it.
func Script(statement string, tactics []string) string {
	s := strings.TrimSpace(statement)
	s = trimWord(s, "sorry")
	s = trimWord(s, "by")

	var b strings.Builder
	b.WriteString(s)
	b.WriteString(" by")
	for _, tac := range tactics {
		b.WriteString("\n  ")
		b.WriteString(tac)
	}
	return b.String()
}

// trimWord removes a trailing word from s when it is not the tail of a
// longer identifier.
func trimWord(s, word string) string {
	if !strings.HasSuffix(s, word) {
		return s
	}
	rest := s[:len(s)-len(word)]
	if r, _ := utf8.DecodeLastRuneInString(rest); rest != "" && identRune(r) {
		return s
	}
	return strings.TrimSpace(rest)
}

func identRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '\'' || r == '.'
}

// Proof reconstructs the proof of statement from the first declaration
// of a that holds a closed node.
func Proof(a record.Attempt) (string, error) {
	for _, decl := range a.CollectResults {
		tactics, err := Build(decl.Nodes).ProofTactics()
		if err != nil {
			continue
		}
		return Script(a.FormalStatement, tactics), nil
	}
	return "", ErrNoProof
}
