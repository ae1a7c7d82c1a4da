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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProver/pkg/ux"
	"github.com/AleutianAI/AleutianProver/services/prover/config"
	"github.com/AleutianAI/AleutianProver/services/prover/orchestrator"
	"github.com/AleutianAI/AleutianProver/services/prover/record"
)

// =============================================================================
// replay
// =============================================================================

func (a *app) replayCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "replay <error.json>",
		Short: "Re-run the tactic trail of a failed search against a fresh session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := record.ReadError(args[0])
			if err != nil {
				return err
			}
			sessions := orchestrator.LaunchSessions(a.cfg.Session, a.logger())
			steps, replayErr := orchestrator.Replay(cmd.Context(), sessions, a.cfg.Session.Root, rec, a.cfg.Search.Heartbeats, a.logger())

			if asJSON {
				enc := json.NewEncoder(a.stdout)
				for _, s := range steps {
					if err := enc.Encode(s); err != nil {
						return err
					}
				}
				return replayErr
			}

			rows := make([][]string, len(steps))
			for i, s := range steps {
				detail := s.Reason
				if s.Outcome == "accepted" {
					detail = fmt.Sprintf("sid %d, %d goals", s.NewSID, len(s.Goals))
				}
				if len(s.Messages) > 0 {
					detail += "; " + strings.Join(s.Messages, " | ")
				}
				rows[i] = []string{strconv.Itoa(s.SID), s.Tactic, s.Outcome, detail}
			}
			a.out.Table([]string{"sid", "tactic", "outcome", "detail"}, rows)
			if replayErr != nil {
				a.out.Error(fmt.Sprintf("replay stopped: %v (recorded: %s)", replayErr, rec.Error))
				return replayErr
			}
			a.out.Success(fmt.Sprintf("replayed %d of %d steps", len(steps), len(rec.Trail)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per step")
	return cmd
}

// =============================================================================
// status
// =============================================================================

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show journal totals, or the state of one item",
		Long: `Reads the badger journal under <results>/journal. The journal is locked
while a batch runs; query the batch's status server instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !a.cfg.Run.Journal {
				return fmt.Errorf("journal disabled (run.journal)")
			}
			journal, err := a.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			if len(args) == 0 {
				s, err := journal.Summary(ctx)
				if err != nil {
					return err
				}
				a.out.Fields("journal", []ux.Field{
					{Key: "items", Value: strconv.Itoa(s.Items)},
					{Key: "succeeded", Value: strconv.Itoa(s.Succeeded)},
					{Key: "failed", Value: strconv.Itoa(s.Failed)},
					{Key: "attempts", Value: strconv.Itoa(s.Attempts)},
					{Key: "errors", Value: strconv.Itoa(s.Errors)},
				})
				return nil
			}

			id := args[0]
			entry, ok, err := journal.Get(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no journal entry for %q", id)
			}
			store, err := record.NewStore(a.cfg.Run.ResultsDir)
			if err != nil {
				return err
			}
			d, err := store.Decide(id, a.cfg.Run.MaxRetries)
			if err != nil {
				return err
			}
			next := "retry"
			if d.Skip {
				next = "skip (" + d.Reason + ")"
			}
			fields := []ux.Field{
				{Key: "attempts", Value: strconv.Itoa(entry.Attempts)},
				{Key: "completed", Value: strconv.Itoa(entry.Completed)},
				{Key: "success", Value: strconv.FormatBool(entry.Success)},
				{Key: "updated", Value: entry.UpdatedAt.Format(time.RFC3339)},
				{Key: "next", Value: next},
				{Key: "next_attempt", Value: strconv.Itoa(d.NextAttempt)},
			}
			if entry.LastError != "" {
				fields = append(fields, ux.Field{Key: "last_error", Value: entry.LastError})
			}
			a.out.Fields(id, fields)
			return nil
		},
	}
}

// =============================================================================
// config
// =============================================================================

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "prover.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Write(path, config.Default()); err != nil {
				return err
			}
			a.out.Success("wrote " + path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after files, env and flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.Encode(a.stdout, a.cfg)
		},
	})
	return cmd
}
