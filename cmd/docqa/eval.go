package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alqutdigital/docqa-agent/internal/app"
	"github.com/alqutdigital/docqa-agent/internal/rag/evaluation"
)

// newEvalCmd creates the eval subcommand.
func newEvalCmd(opts *globalOptions) *cobra.Command {
	var (
		cutoffs []int
		asJSON  bool
		output  string
	)

	cmd := &cobra.Command{
		Use:   "eval DATASET.json",
		Short: "Measure retrieval quality on the session's documents",
		Long: `Run every query of a judged dataset through the similarity scorer and report
precision, recall, hit rate, MRR, nDCG and MAP at each cutoff.

A chunk counts as relevant to a query when it comes from one of the query's
filenames and contains one of its keywords.`,
		Example: `  docqa eval -s 6f1c... testdata/faq.json -k 1,3,5`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd.Context(), opts, args[0], cutoffs, asJSON, output)
		},
	}

	cmd.Flags().IntSliceVarP(&cutoffs, "cutoffs", "k", []int{1, 3, 5}, "Cutoffs to report metrics at")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full report as JSON")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to a file instead of stdout")
	return cmd
}

func runEval(ctx context.Context, opts *globalOptions, datasetPath string, cutoffs []int, asJSON bool, output string) error {
	ds, err := evaluation.LoadDataset(datasetPath)
	if err != nil {
		return err
	}

	e, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	sessionID, err := e.session(ctx, opts, false)
	if err != nil {
		return err
	}

	scorer := app.NewScorer(e.cfg, app.ChatDeps{
		Store:    e.store,
		Searcher: e.searcher,
		Embedder: e.emb,
	}, e.log.Logger)

	runner := evaluation.NewRunner(scorer, e.store, evaluation.Config{
		Cutoffs:      cutoffs,
		QueryTimeout: 30 * time.Second,
	}, e.log.Logger)

	report, err := runner.Run(ctx, sessionID, *ds)
	if err != nil {
		return err
	}

	var out []byte
	if asJSON {
		out, err = json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		out = append(out, '\n')
	} else {
		out = []byte(report.Markdown())
	}

	if output == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Fprintf(os.Stderr, "report written to %s\n", output)
	return nil
}
