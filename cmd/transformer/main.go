// Package main provides the standalone transformer CLI: it converts an
// extraction document into a tuples document and a cypher script.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shiftcmd/pycodegraph/pkg/extract"
	"github.com/shiftcmd/pycodegraph/pkg/transform"
	"github.com/shiftcmd/pycodegraph/pkg/validate"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalidArgs = 2
	exitNotFound    = 3
	exitValidation  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		input        string
		jobID        string
		output       string
		tuplesOutput string
		batchSize    int
	)

	cmd := &cobra.Command{
		Use:           "transformer",
		Short:         "Convert an extraction document into graph tuples and a cypher script",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runTransform(input, jobID, output, tuplesOutput, batchSize)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "extraction document to transform")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job identifier embedded in output filenames")
	cmd.Flags().StringVar(&output, "output", "", "output path for the cypher script")
	cmd.Flags().StringVar(&tuplesOutput, "tuples-output", "", "output path for the tuples document")
	cmd.Flags().IntVar(&batchSize, "batch-size", transform.DefaultBatchSize, "module batch size in streaming mode")

	for _, required := range []string{"input", "job-id", "output"} {
		if err := cmd.MarkFlagRequired(required); err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitInvalidArgs
		}
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "transformer:", err)

		switch {
		case errors.Is(err, os.ErrNotExist):
			return exitNotFound
		case errors.Is(err, errScriptInvalid):
			return exitValidation
		default:
			return exitFailure
		}
	}

	return exitOK
}

// errScriptInvalid reports the self-check failing: the transformer must
// never emit a script the validator rejects.
var errScriptInvalid = errors.New("generated script failed validation")

func runTransform(input, jobID, output, tuplesOutput string, batchSize int) error {
	info, statErr := os.Stat(input)
	if statErr != nil {
		return fmt.Errorf("input %s: %w", input, os.ErrNotExist)
	}

	doc, readErr := extract.ReadDocument(input)
	if readErr != nil {
		return readErr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ts := transform.TransformAuto(jobID, doc, info.Size(), batchSize, func(current, total int, _ string) {
		logger.Debug("transform progress", slog.Int("current", current), slog.Int("total", total))
	})

	script := transform.RenderCypher(ts)

	if result := validate.Validate(script, ts, validate.DefaultOptions()); !result.OK {
		return fmt.Errorf("%w: %d findings", errScriptInvalid, len(result.Findings))
	}

	if tuplesOutput != "" {
		if err := transform.WriteTuples(ts, tuplesOutput); err != nil {
			return err
		}
	}

	if err := transform.WriteScript(script, output); err != nil {
		return err
	}

	logger.Info("transform complete",
		slog.Int("modules", ts.Metadata.ModulesProcessed),
		slog.Int("nodes", len(ts.Nodes)),
		slog.Int("relationships", len(ts.Relationships)),
		slog.String("output", output))

	return nil
}
