// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verifier re-checks complete proof scripts outside the interactive
// session.
//
// A search may report success because the interactive environment says a
// branch has no goals left. The verifier compiles the reconstructed script
// from scratch in a separate process and only passes it when there are no
// errors and no unresolved placeholders.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when the check exceeds its wall-clock budget.
	ErrTimeout = errors.New("verification timed out")

	// ErrNoOutput is returned when the checker printed nothing parseable.
	ErrNoOutput = errors.New("verifier produced no output")

	// ErrNotReady is returned before Initialize or after Release.
	ErrNotReady = errors.New("verifier not initialized")
)

// Verifier checks a complete proof script.
//
// Verify returns false with a nil error for a proof that compiles with
// problems, and a non-nil error when the check itself could not run.
type Verifier interface {
	Verify(ctx context.Context, proof string) (bool, error)
}

// Func adapts a function to Verifier.
type Func func(ctx context.Context, proof string) (bool, error)

// Verify implements Verifier.
func (f Func) Verify(ctx context.Context, proof string) (bool, error) {
	return f(ctx, proof)
}

// Message is one diagnostic from the checker.
type Message struct {
	Severity string          `json:"severity"`
	Data     string          `json:"data"`
	Pos      json.RawMessage `json:"pos,omitempty"`
}

// Report is the decoded checker output.
type Report struct {
	Messages []Message        `json:"messages"`
	Sorries  []map[string]any `json:"sorries"`
}

// Problems returns the messages that fail a proof: errors, and anything
// mentioning a placeholder.
func (r *Report) Problems() []Message {
	var out []Message
	for _, m := range r.Messages {
		if m.Severity == "error" || strings.Contains(m.Data, "sorry") {
			out = append(out, m)
		}
	}
	return out
}

// Passed reports whether the proof compiled cleanly.
func (r *Report) Passed() bool {
	return len(r.Sorries) == 0 && len(r.Problems()) == 0
}

// =============================================================================
// REPL verifier
// =============================================================================

// Config configures a ReplVerifier.
type Config struct {
	// Lake is the build-tool launcher.
	Lake string `yaml:"lake" json:"lake"`

	// Workspace is the project directory containing the repl executable.
	Workspace string `yaml:"workspace" json:"workspace" validate:"required"`

	// Timeout bounds one check. The process is killed on expiry.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns a 300s budget using "lake" from PATH.
func DefaultConfig(workspace string) Config {
	return Config{Lake: "lake", Workspace: workspace, Timeout: 300 * time.Second}
}

// ReplVerifier runs "<lake> exe repl" once per proof.
//
// Thread Safety:
//
//	Safe for concurrent use. Each Verify spawns its own process.
type ReplVerifier struct {
	config Config
	logger *slog.Logger

	mu    sync.RWMutex
	lake  string
	ready bool
}

// NewReplVerifier creates a verifier. Call Initialize before use.
func NewReplVerifier(config Config, logger *slog.Logger) *ReplVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Lake == "" {
		config.Lake = "lake"
	}
	if config.Timeout <= 0 {
		config.Timeout = 300 * time.Second
	}
	return &ReplVerifier{config: config, logger: logger}
}

// Initialize resolves the launcher on PATH.
func (v *ReplVerifier) Initialize(_ context.Context) error {
	path, err := exec.LookPath(v.config.Lake)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", v.config.Lake, err)
	}
	v.mu.Lock()
	v.lake = path
	v.ready = true
	v.mu.Unlock()
	return nil
}

// Ready reports whether Initialize succeeded.
func (v *ReplVerifier) Ready() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ready
}

// Release marks the verifier unusable.
func (v *ReplVerifier) Release() error {
	v.mu.Lock()
	v.ready = false
	v.mu.Unlock()
	return nil
}

// Verify implements Verifier.
func (v *ReplVerifier) Verify(ctx context.Context, proof string) (bool, error) {
	report, err := v.Check(ctx, proof)
	if err != nil {
		return false, err
	}
	passed := report.Passed()
	if !passed {
		v.logger.Debug("proof rejected by verifier",
			slog.Int("problems", len(report.Problems())),
			slog.Int("sorries", len(report.Sorries)),
		)
	}
	return passed, nil
}

// Check runs the checker and returns its decoded report.
//
// Description:
//
//	Sends one command document followed by a blank line, which makes the
//	repl process the command and exit on EOF. The process runs under a
//	context bounded by Config.Timeout and is killed when it expires.
func (v *ReplVerifier) Check(ctx context.Context, proof string) (*Report, error) {
	v.mu.RLock()
	lake, ready := v.lake, v.ready
	v.mu.RUnlock()
	if !ready {
		return nil, ErrNotReady
	}

	payload, err := encodeCommand(proof)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, lake, "exe", "repl")
	cmd.Dir = v.config.Workspace
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	observeCheck(time.Since(start))

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, v.config.Timeout)
	}
	if runErr != nil && stdout.Len() == 0 {
		return nil, fmt.Errorf("run repl: %w: %s", runErr, strings.TrimSpace(stderr.String()))
	}
	return decodeReport(stdout.Bytes())
}

func encodeCommand(proof string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	cmd := map[string]any{
		"cmd":        proof,
		"allTactics": false,
		"ast":        false,
		"tactics":    false,
		"premises":   false,
	}
	if err := enc.Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	payload := bytes.TrimRight(buf.Bytes(), "\n")
	return append(payload, "\r\n\r\n"...), nil
}

func decodeReport(out []byte) (*Report, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, ErrNoOutput
	}
	var report Report
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("decode repl output: %w", err)
	}
	return &report, nil
}
