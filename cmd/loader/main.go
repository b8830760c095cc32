// Package main provides the standalone loader CLI: it uploads a tuples
// document into the graph store in batched transactions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shiftcmd/pycodegraph/pkg/graphstore"
	"github.com/shiftcmd/pycodegraph/pkg/load"
	"github.com/shiftcmd/pycodegraph/pkg/transform"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalidArgs = 2
	exitNotFound    = 3
	exitValidation  = 4
	exitStoreDown   = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		input         string
		jobID         string
		clear         bool
		batchSize     int
		noValidate    bool
		noConstraints bool
	)

	cmd := &cobra.Command{
		Use:           "loader",
		Short:         "Upload a tuples document into the graph store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoad(cmd.Context(), input, jobID, clear, batchSize, noValidate, noConstraints)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "tuples document to upload")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job identifier for result artifacts")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the store before loading")
	cmd.Flags().IntVar(&batchSize, "batch-size", load.DefaultOptions().BatchSize, "items per upload transaction")
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "skip pre-upload validation")
	cmd.Flags().BoolVar(&noConstraints, "no-constraints", false, "skip uniqueness constraint creation")

	for _, required := range []string{"input", "job-id"} {
		if err := cmd.MarkFlagRequired(required); err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitInvalidArgs
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "loader:", err)

		switch {
		case errors.Is(err, os.ErrNotExist):
			return exitNotFound
		case errors.Is(err, load.ErrValidationFailed):
			return exitValidation
		case errors.Is(err, graphstore.ErrTransient), errors.Is(err, graphstore.ErrPermanent):
			return exitStoreDown
		default:
			return exitFailure
		}
	}

	return exitOK
}

func runLoad(ctx context.Context, input, jobID string, clear bool, batchSize int, noValidate, noConstraints bool) error {
	if _, statErr := os.Stat(input); statErr != nil {
		return fmt.Errorf("input %s: %w", input, os.ErrNotExist)
	}

	ts, readErr := transform.ReadTuples(input)
	if readErr != nil {
		return readErr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// The standalone CLI runs against the in-process reference store; a
	// deployment with a real graph engine swaps this constructor for its
	// driver-backed graphstore.Client.
	store := graphstore.NewInMemoryStore()

	opts := load.DefaultOptions()
	opts.ClearBeforeLoad = clear
	opts.BatchSize = batchSize
	opts.ValidateFirst = !noValidate
	opts.CreateConstraints = !noConstraints

	script := transform.RenderCypher(ts)

	result, uploadErr := load.Upload(ctx, store, nil, jobID, ts, script, opts,
		func(current, total int, message string) {
			logger.Debug("upload progress", slog.Int("current", current), slog.Int("total", total), slog.String("message", message))
		})
	if uploadErr != nil {
		return uploadErr
	}

	logger.Info("load complete",
		slog.Int("nodes_uploaded", result.NodesUploaded),
		slog.Int("relationships_uploaded", result.RelationshipsUploaded),
		slog.Int("skipped_relationships", len(result.SkippedRelationships)),
		slog.Int("final_batch_size", result.FinalBatchSize),
		slog.Bool("cleared", result.Cleared))

	return nil
}
