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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SessionConfig describes how to launch the environment subprocess.
type SessionConfig struct {
	// Root is the proof project directory; the process runs there.
	Root string `yaml:"root" json:"root" validate:"required"`

	// Lake is the build-tool launcher. Default: "lake".
	Lake string `yaml:"lake" json:"lake"`

	// InteractiveBin is the environment executable. A relative path is
	// resolved against Root.
	InteractiveBin string `yaml:"interactive_bin" json:"interactive_bin" validate:"required"`

	// Header is the file whose imports seed every session.
	Header string `yaml:"header" json:"header" validate:"required"`

	// ShutdownGrace bounds how long Close waits before killing the process.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// DefaultSessionConfig returns launcher defaults for a project at root.
func DefaultSessionConfig(root string) SessionConfig {
	return SessionConfig{
		Root:           root,
		Lake:           "lake",
		InteractiveBin: filepath.Join(".lake", "build", "bin", "interactive"),
		Header:         "Header.lean",
		ShutdownGrace:  5 * time.Second,
	}
}

// Args returns the argv of the environment process.
func (c SessionConfig) Args() []string {
	bin := c.InteractiveBin
	if !filepath.IsAbs(bin) {
		bin = filepath.Join(c.Root, bin)
	}
	return []string{c.launcher(), "env", bin, "-i", c.Header}
}

func (c SessionConfig) launcher() string {
	if c.Lake == "" {
		return "lake"
	}
	return c.Lake
}

// Toolchain returns the pinned toolchain of the project, if any.
func (c SessionConfig) Toolchain() string {
	data, err := os.ReadFile(filepath.Join(c.Root, "lean-toolchain"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// =============================================================================
// SESSION
// =============================================================================

// Session owns one environment subprocess and the Client speaking to it.
//
// Description:
//
//	A Session is opened per work item and owned by exactly one worker. The
//	process is started with a context independent of the caller's so that a
//	cancelled item context cannot kill it mid-response; Close terminates it.
//
// Thread Safety:
//
//	Close is safe to call concurrently and more than once.
type Session struct {
	config SessionConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *Client
	cancel context.CancelFunc

	stderrDone chan struct{}
	closeOnce  sync.Once
}

// Start launches the environment and returns a session whose client is in
// StateClosed, ready for OpenFile.
//
// Outputs:
//
//	*Session - Running session. Caller must Close it.
//	error    - ErrBinaryNotFound, or a pipe/start failure.
func Start(ctx context.Context, cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	args := cfg.Args()
	path, err := exec.LookPath(args[0])
	if err != nil {
		recordSessionStart(ctx, false)
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, args[0])
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, path, args[1:]...)
	cmd.Dir = cfg.Root
	cmd.WaitDelay = cfg.ShutdownGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		recordSessionStart(ctx, false)
		return nil, fmt.Errorf("start environment: %w", err)
	}
	recordSessionStart(ctx, true)

	logger = logger.With(slog.Int("env_pid", cmd.Process.Pid))
	logger.Info("environment started",
		slog.String("root", cfg.Root),
		slog.String("header", cfg.Header),
		slog.String("toolchain", cfg.Toolchain()),
	)

	s := &Session{
		config: cfg,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		client: NewClient(stdout, stdin, logger),
		cancel: cancel,

		stderrDone: make(chan struct{}),
	}
	go s.drainStderr(stderr)
	return s, nil
}

// Client returns the session's protocol client.
func (s *Session) Client() *Client {
	return s.client
}

// Close stops the subprocess: stdin is closed so a well-behaved
// environment exits on EOF, and after ShutdownGrace the process is killed.
//
// The process is only reaped here. Wait closes the stdout and stderr
// pipes, so it must not run while the client or the stderr drain may
// still be reading; a response written just before the process exited
// stays readable until Close.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()

		grace := time.NewTimer(s.config.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-s.stderrDone:
		case <-grace.C:
			s.logger.Warn("environment did not exit, killing")
			s.cancel()
			select {
			case <-s.stderrDone:
			case <-time.After(s.config.ShutdownGrace):
			}
		}

		waitErr := s.cmd.Wait()
		s.cancel()
		if waitErr != nil && !isKillErr(waitErr) {
			err = fmt.Errorf("environment exit: %w", waitErr)
		}
		s.logger.Info("environment stopped")
	})
	return err
}

func (s *Session) drainStderr(r io.Reader) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		s.logger.Debug("environment stderr", slog.String("line", scanner.Text()))
	}
}

// isKillErr reports whether the process died from a signal, which is the
// expected outcome of a forced Close.
func isKillErr(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return !exitErr.Exited()
	}
	return false
}
