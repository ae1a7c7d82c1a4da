// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProver/pkg/logging"
	"github.com/AleutianAI/AleutianProver/pkg/ux"
	"github.com/AleutianAI/AleutianProver/services/prover/config"
	"github.com/AleutianAI/AleutianProver/services/prover/oracle"
	"github.com/AleutianAI/AleutianProver/services/prover/orchestrator"
	"github.com/AleutianAI/AleutianProver/services/prover/record"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
	"github.com/AleutianAI/AleutianProver/services/prover/verifier"
)

// app carries what every subcommand needs after flag parsing.
type app struct {
	configPath string
	logLevel   string
	output     string
	quiet      bool
	resultsDir string
	devices    []string

	cfg    config.Config
	log    *logging.Logger
	out    *ux.Printer
	stdout io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "prover",
		Short:         "Search for formal proofs with a tactic model",
		Long:          "prover drives an interactive proof environment with tactics sampled from a language model, using beam, best-first or Monte Carlo tree search.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.log != nil {
				return a.log.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (YAML or JSON)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&a.output, "output", "", "full, minimal or machine (default: detect)")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "no log output on stderr")
	pf.StringVar(&a.resultsDir, "results", "", "results directory (overrides run.results_dir)")
	pf.StringSliceVar(&a.devices, "devices", nil, "compute devices, one worker each (overrides run.devices)")

	root.AddCommand(
		a.batchCmd(),
		a.pipelineCmd(),
		a.singleCmd(),
		a.statsCmd(),
		a.proofsCmd(),
		a.replayCmd(),
		a.statusCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.quiet {
		cfg.Logging.Quiet = true
	}
	if a.resultsDir != "" {
		cfg.Run.ResultsDir = a.resultsDir
	}
	if len(a.devices) > 0 {
		cfg.Run.Devices = a.devices
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	lc, err := cfg.Logging.Build("prover")
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.New(lc)

	level := ux.DetectPersonality(os.Stdout)
	if a.output != "" {
		level = ux.ParsePersonalityLevel(a.output)
	}
	a.stdout = cmd.OutOrStdout()
	a.out = ux.NewPrinter(a.stdout, level)
	return nil
}

func (a *app) logger() *slog.Logger {
	return a.log.Slog()
}

// =============================================================================
// Shared wiring
// =============================================================================

// startTelemetry installs exporters for a run in the given mode and, when
// an address is configured, serves /health, /status and /metrics until
// ctx ends.
func (a *app) startTelemetry(ctx context.Context, mode string, status telemetry.StatusFunc) (func(), error) {
	shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry, a.run(mode))
	if err != nil {
		return nil, err
	}

	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	if a.cfg.Status.Addr != "" {
		srv := telemetry.NewServer(a.cfg.Status, status, a.logger())
		go func() {
			defer close(done)
			if err := srv.Run(srvCtx); err != nil {
				a.logger().Error("status server failed", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(done)
	}

	return func() {
		cancel()
		<-done
		if err := shutdown(context.Background()); err != nil {
			a.logger().Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}, nil
}

// run describes this invocation for telemetry resources.
func (a *app) run(mode string) telemetry.Run {
	return telemetry.Run{
		Mode:      mode,
		Strategy:  string(a.cfg.Search.Strategy),
		Devices:   a.cfg.Run.Devices,
		Model:     a.cfg.Oracle.Model,
		Project:   a.cfg.Session.Root,
		Toolchain: a.cfg.Session.Toolchain(),
	}
}

// buildWorkers creates one worker per device. The returned release
// function frees the verifier.
func (a *app) buildWorkers(ctx context.Context) ([]*orchestrator.Worker, func(), error) {
	logger := a.logger()
	factory := oracle.NewOpenAIFactory(a.cfg.Oracle, logger)
	sessions := orchestrator.LaunchSessions(a.cfg.Session, logger)

	var (
		v       verifier.Verifier
		release = func() {}
	)
	if a.cfg.Verifier.Enabled {
		rv := verifier.NewReplVerifier(a.cfg.Verifier.Config, logger)
		if err := rv.Initialize(ctx); err != nil {
			return nil, nil, fmt.Errorf("verifier: %w", err)
		}
		v = rv
		release = func() { _ = rv.Release() }
	}

	workers := make([]*orchestrator.Worker, 0, len(a.cfg.Run.Devices))
	for i, dev := range a.cfg.Run.Devices {
		o, err := factory(dev)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("oracle for %s: %w", dev, err)
		}
		workers = append(workers, orchestrator.NewWorker(orchestrator.WorkerConfig{
			ID:        i,
			Device:    dev,
			ProofRoot: a.cfg.Session.Root,
			Search:    a.cfg.Search,
		}, o, sessions, v, logger))
	}
	return workers, release, nil
}

// openJournal opens the results journal, or returns nil when disabled.
func (a *app) openJournal() (*record.Journal, error) {
	if !a.cfg.Run.Journal {
		return nil, nil
	}
	jc := record.DefaultJournalConfig(filepath.Join(a.cfg.Run.ResultsDir, "journal"))
	jc.Logger = a.logger()
	return record.OpenJournal(jc)
}

func (a *app) printSnapshot(s orchestrator.Snapshot) {
	a.out.Fields(fmt.Sprintf("%s run", s.Mode), []ux.Field{
		{Key: "proved", Value: fmt.Sprint(s.Proved)},
		{Key: "failed", Value: fmt.Sprint(s.Failed)},
		{Key: "skipped", Value: fmt.Sprint(s.Skipped)},
		{Key: "errors", Value: fmt.Sprint(s.Errors)},
	})
}
