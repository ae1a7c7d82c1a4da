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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProver/pkg/ux"
	"github.com/AleutianAI/AleutianProver/services/prover/prooftree"
	"github.com/AleutianAI/AleutianProver/services/prover/record"
)

// =============================================================================
// stats
// =============================================================================

func (a *app) statsCmd() *cobra.Command {
	var lengths bool
	cmd := &cobra.Command{
		Use:   "stats [results]",
		Short: "Report the success rate of a results directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.Run.ResultsDir
			if len(args) == 1 {
				dir = args[0]
			}
			report, err := prooftree.Stats(dir, a.logger())
			if err != nil {
				return err
			}
			a.out.Title("Proof statistics")
			a.out.Fields(dir, []ux.Field{
				{Key: "total", Value: strconv.Itoa(report.Total)},
				{Key: "success", Value: strconv.Itoa(report.Success)},
				{Key: "accuracy", Value: strconv.FormatFloat(report.Accuracy, 'f', 4, 64)},
				{Key: "corrupt", Value: strconv.Itoa(report.Corrupt)},
			})
			if !lengths {
				return nil
			}

			buckets, err := prooftree.LengthDistribution(dir, a.logger())
			if err != nil {
				return err
			}
			labels := make([]string, len(buckets))
			counts := make([]int, len(buckets))
			for i, b := range buckets {
				labels[i] = strconv.Itoa(b.Length)
				counts[i] = b.Count
			}
			a.out.Title("Proof lengths")
			a.out.Histogram(labels, counts, 40)
			return nil
		},
	}
	cmd.Flags().BoolVar(&lengths, "lengths", false, "also print the proof length histogram")
	return cmd
}

// =============================================================================
// proofs
// =============================================================================

func (a *app) proofsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proofs",
		Short: "Export proofs and training labels from a results directory",
	}
	cmd.AddCommand(a.proofsExportCmd(), a.proofsEdgesCmd())
	return cmd
}

func (a *app) proofsExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <dir>",
		Short: "Write the first successful proof of every item to <dir>/<id>.lean",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := prooftree.ExportProofs(a.cfg.Run.ResultsDir, args[0], a.logger())
			if err != nil {
				return err
			}
			a.out.Success(fmt.Sprintf("exported %d proofs to %s", n, args[0]))
			return nil
		},
	}
}

func (a *app) proofsEdgesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "edges <id>",
		Short: "Label every search edge of an item by whether it is on the proof",
		Long: `Uses the first successful attempt of the item, or its latest attempt
when none succeeded. With --json each edge is printed as one JSON line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := record.NewStore(a.cfg.Run.ResultsDir)
			if err != nil {
				return err
			}
			attempts, err := store.Attempts(args[0])
			if err != nil {
				return err
			}
			if len(attempts) == 0 {
				return fmt.Errorf("no attempts for %q", args[0])
			}
			chosen := attempts[len(attempts)-1]
			for _, at := range attempts {
				if at.Succeeded() {
					chosen = at
					break
				}
			}

			enc := json.NewEncoder(a.stdout)
			var rows [][]string
			for _, decl := range chosen.CollectResults {
				for _, e := range prooftree.EdgeLabels(decl) {
					if asJSON {
						if err := enc.Encode(e); err != nil {
							return err
						}
						continue
					}
					rows = append(rows, []string{
						decl.Declaration,
						strconv.Itoa(e.Parent),
						strconv.Itoa(e.ID),
						e.Tactic,
						strconv.FormatBool(e.Label),
					})
				}
			}
			if !asJSON {
				a.out.Table([]string{"declaration", "parent", "node", "tactic", "on proof"}, rows)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per edge")
	return cmd
}
