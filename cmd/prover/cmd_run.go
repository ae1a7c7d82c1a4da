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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianProver/pkg/ux"
	"github.com/AleutianAI/AleutianProver/services/prover/orchestrator"
	"github.com/AleutianAI/AleutianProver/services/prover/record"
)

// =============================================================================
// batch
// =============================================================================

func (a *app) batchCmd() *cobra.Command {
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "batch <items.json|items.jsonl>",
		Short: "Prove a fixed list of statements with retry and resume",
		Long: `Each item needs "id" and "formal_statement". Attempts are written to
<results>/generated/<id>/<id>_<n>.json. Re-running the same command skips
items that already succeeded or used up their retries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-retries") {
				a.cfg.Run.MaxRetries = maxRetries
			}
			return a.runBatch(cmd.Context(), args[0])
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget per item (overrides run.max_retries)")
	return cmd
}

func (a *app) runBatch(ctx context.Context, input string) error {
	items, err := orchestrator.LoadItems(input)
	if err != nil {
		return err
	}
	store, err := record.NewStore(a.cfg.Run.ResultsDir)
	if err != nil {
		return err
	}
	journal, err := a.openJournal()
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	workers, release, err := a.buildWorkers(ctx)
	if err != nil {
		return err
	}
	defer release()

	handler := orchestrator.NewBatch(store, journal, a.cfg.Run.MaxRetries, a.logger())
	pool := orchestrator.NewPool(workers, handler, nil, a.logger())
	pool.Progress().Queued(len(items))

	stop, err := a.startTelemetry(ctx, "batch", func(ctx context.Context) (any, error) {
		status := map[string]any{"progress": pool.Progress().Snapshot()}
		if journal != nil {
			summary, err := journal.Summary(ctx)
			if err != nil {
				return nil, err
			}
			status["journal"] = summary
		}
		return status, nil
	})
	if err != nil {
		return err
	}
	defer stop()

	a.logger().Info("batch started",
		slog.String("input", input),
		slog.Int("items", len(items)),
		slog.Int("workers", pool.Size()),
		slog.Int("max_retries", a.cfg.Run.MaxRetries),
	)
	runErr := pool.Run(ctx, orchestrator.Enqueue(items, pool.Size()))
	a.printSnapshot(pool.Progress().Snapshot())
	return runErr
}

// =============================================================================
// pipeline
// =============================================================================

func (a *app) pipelineCmd() *cobra.Command {
	var (
		total    int
		rerun    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pipeline [root]",
		Short: "Prove statements as an upstream producer writes them",
		Long: `Polls <root>/index_<i>/back_trans.json for i in [0, total). Every
candidate statement gets one attempt and the results are written next to
the input as prove_info.json. Inputs that already have an output are
skipped unless --rerun is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := a.cfg.Stream
			if len(args) == 1 {
				sc.Root = args[0]
			}
			if cmd.Flags().Changed("total") {
				sc.Total = total
			}
			if cmd.Flags().Changed("interval") {
				sc.Interval = interval
			}
			if rerun {
				sc.Rerun = true
			}
			if sc.Root == "" {
				return fmt.Errorf("no stream root: pass one or set stream.root")
			}
			if sc.Total <= 0 {
				return fmt.Errorf("--total must be positive")
			}

			pc := orchestrator.DefaultPollerConfig(sc.Root, sc.Total, len(a.cfg.Run.Devices))
			pc.Prefix = sc.Prefix
			pc.Interval = sc.Interval
			pc.Rerun = sc.Rerun
			return a.runPipeline(cmd.Context(), pc)
		},
	}
	cmd.Flags().IntVar(&total, "total", 0, "number of inputs the producer will write")
	cmd.Flags().BoolVar(&rerun, "rerun", false, "re-prove inputs that already have an output")
	cmd.Flags().DurationVar(&interval, "interval", 0, "scan interval (default from stream.interval)")
	return cmd
}

func (a *app) runPipeline(ctx context.Context, pc orchestrator.PollerConfig) error {
	workers, release, err := a.buildWorkers(ctx)
	if err != nil {
		return err
	}
	defer release()

	pool := orchestrator.NewPool(workers, orchestrator.NewPipeline(a.logger()), nil, a.logger())
	pc.Workers = pool.Size()

	stop, err := a.startTelemetry(ctx, "pipeline", func(context.Context) (any, error) {
		return pool.Progress().Snapshot(), nil
	})
	if err != nil {
		return err
	}
	defer stop()

	a.logger().Info("pipeline started",
		slog.String("root", pc.Root),
		slog.Int("total", pc.Total),
		slog.Int("workers", pool.Size()),
		slog.Bool("rerun", pc.Rerun),
	)

	queue := make(chan *orchestrator.WorkItem, pool.Size())
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orchestrator.NewPoller(pc, a.logger()).Run(gCtx, queue)
	})
	g.Go(func() error {
		return pool.Run(gCtx, queue)
	})
	runErr := g.Wait()
	a.printSnapshot(pool.Progress().Snapshot())
	return runErr
}

// =============================================================================
// single
// =============================================================================

func (a *app) singleCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "single <file|->",
		Short: "Prove one statement and print the attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statement, err := readStatement(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// One worker on the first device.
			a.cfg.Run.Devices = a.cfg.Run.Devices[:1]
			workers, release, err := a.buildWorkers(ctx)
			if err != nil {
				return err
			}
			defer release()
			w := workers[0]

			stop, err := a.startTelemetry(ctx, "single", nil)
			if err != nil {
				return err
			}
			defer stop()

			if err := w.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize oracle: %w", err)
			}
			defer w.Release()

			attempt, _ := w.Attempt(ctx, statement)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(attempt)
			}
			a.printAttempt(attempt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full attempt record")
	return cmd
}

func readStatement(stdin io.Reader, arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "", fmt.Errorf("empty statement")
	}
	return s, nil
}

func (a *app) printAttempt(at *record.Attempt) {
	switch {
	case at.Error != "":
		a.out.Error(at.Error)
	case at.Success:
		a.out.Success("proof found")
	default:
		a.out.Warning("no proof found")
	}

	rows := make([][]string, len(at.CollectResults))
	for i, d := range at.CollectResults {
		stop := []string{}
		if d.StopCause.Nodes {
			stop = append(stop, "nodes")
		}
		if d.StopCause.Depth {
			stop = append(stop, "depth")
		}
		if d.StopCause.Calls {
			stop = append(stop, "calls")
		}
		rows[i] = []string{
			d.Declaration,
			fmt.Sprint(d.Success),
			fmt.Sprint(len(d.Nodes)),
			fmt.Sprint(len(d.Calls)),
			strings.Join(stop, ","),
		}
	}
	a.out.Table([]string{"declaration", "proved", "nodes", "calls", "stopped on"}, rows)

	if at.FormalProof != "" {
		a.out.Fields("", []ux.Field{{Key: "elapsed", Value: at.FinishedAt.Sub(at.StartedAt).Round(time.Millisecond).String()}})
		fmt.Fprintln(a.stdout, at.FormalProof)
	}
}
