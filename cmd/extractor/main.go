// Package main provides the standalone extractor CLI: it walks a Python
// source tree and writes the extraction document for one job.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shiftcmd/pycodegraph/pkg/cache"
	"github.com/shiftcmd/pycodegraph/pkg/extract"
	"github.com/shiftcmd/pycodegraph/pkg/pyparse"
	"github.com/shiftcmd/pycodegraph/pkg/status"
)

// Exit codes shared by the pipeline CLIs.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalidArgs = 2
	exitNotFound    = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		path         string
		jobID        string
		output       string
		include      []string
		exclude      []string
		maxFileBytes string
		cacheDir     string
		noCache      bool
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:           "extractor",
		Short:         "Parse a Python source tree into an extraction document",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtract(cmd.Context(), extractArgs{
				path: path, jobID: jobID, output: output,
				include: include, exclude: exclude,
				maxFileBytes: maxFileBytes, cacheDir: cacheDir,
				noCache: noCache, verbose: verbose,
			})
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "source directory to analyze")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job identifier embedded in the output filename")
	cmd.Flags().StringVar(&output, "output", "", "output path for the extraction document")
	cmd.Flags().StringArrayVar(&include, "include", nil, "glob pattern files must match (repeatable)")
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "glob pattern that removes files (repeatable)")
	cmd.Flags().StringVar(&maxFileBytes, "max-file-bytes", "512KiB", "per-file size cap")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", os.Getenv("CACHE_DIR"), "parse cache directory")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the parse cache")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log per-file progress")

	for _, required := range []string{"path", "job-id", "output"} {
		if err := cmd.MarkFlagRequired(required); err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitInvalidArgs
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "extractor:", err)

		switch {
		case errors.Is(err, errBadFlag):
			return exitInvalidArgs
		case errors.Is(err, extract.ErrInvalidPath), errors.Is(err, extract.ErrNotDirectory):
			return exitNotFound
		default:
			return exitFailure
		}
	}

	return exitOK
}

var errBadFlag = errors.New("invalid flag value")

type extractArgs struct {
	path, jobID, output    string
	include, exclude       []string
	maxFileBytes, cacheDir string
	noCache, verbose       bool
}

func runExtract(ctx context.Context, args extractArgs) error {
	capBytes, err := humanize.ParseBytes(args.maxFileBytes)
	if err != nil {
		return fmt.Errorf("%w: --max-file-bytes %q: %v", errBadFlag, args.maxFileBytes, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(args.verbose)}))

	var store extract.Cache

	if !args.noCache {
		mem := cache.NewParseCache(0)

		if args.cacheDir != "" {
			disk, diskErr := cache.NewDiskCache(args.cacheDir)
			if diskErr != nil {
				return fmt.Errorf("open cache directory: %w", diskErr)
			}

			store = cache.NewTiered(mem, disk)
		} else {
			store = mem
		}
	}

	extractor := extract.New(pyparse.New(), store, logger)

	opts := extract.Options{
		Include:      args.include,
		Exclude:      args.exclude,
		MaxFileBytes: int64(capBytes),
		DisableCache: args.noCache,
	}

	doc, runErr := extractor.Run(ctx, args.jobID, args.path, opts, func(e status.Event) {
		if args.verbose && e.Kind == status.KindProgress {
			logger.Info("extracted", slog.String("file", e.Message), slog.Int("current", e.Current), slog.Int("total", e.Total))
		}

		if e.Kind == status.KindWarning {
			logger.Warn(e.Message)
		}
	})
	if runErr != nil {
		return runErr
	}

	if writeErr := extract.WriteDocument(doc, args.output); writeErr != nil {
		return writeErr
	}

	logger.Info("extraction complete",
		slog.Int("files", doc.Metadata.FileCount),
		slog.Int("parsed", doc.Statistics.Parsed),
		slog.Int("cached", doc.Statistics.Cached),
		slog.Int("failed", doc.Statistics.Failed),
		slog.String("output", args.output))

	return nil
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}

	return slog.LevelInfo
}
