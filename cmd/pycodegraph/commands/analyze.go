// Package commands implements the pycodegraph CLI subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftcmd/pycodegraph/pkg/backup"
	"github.com/shiftcmd/pycodegraph/pkg/cache"
	"github.com/shiftcmd/pycodegraph/pkg/config"
	"github.com/shiftcmd/pycodegraph/pkg/extract"
	"github.com/shiftcmd/pycodegraph/pkg/graphstore"
	"github.com/shiftcmd/pycodegraph/pkg/job"
	"github.com/shiftcmd/pycodegraph/pkg/load"
	"github.com/shiftcmd/pycodegraph/pkg/observability"
	"github.com/shiftcmd/pycodegraph/pkg/orchestrator"
	"github.com/shiftcmd/pycodegraph/pkg/pyparse"
	"github.com/shiftcmd/pycodegraph/pkg/status"
)

// errConfig wraps configuration failures so main can map them to the
// invalid-arguments exit code.
var errConfig = errors.New("configuration error")

// IsConfigError reports whether err stems from configuration loading.
func IsConfigError(err error) bool {
	return errors.Is(err, errConfig)
}

// loadConfig loads the effective configuration for a subcommand.
func loadConfig(configPath *string) (*config.Config, error) {
	path := ""
	if configPath != nil {
		path = *configPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}

	return cfg, nil
}

// NewAnalyzeCommand creates the analyze subcommand: it runs one job through
// the full pipeline in-process, streaming progress to the terminal.
func NewAnalyzeCommand(configPath *string) *cobra.Command {
	var (
		clear   bool
		include []string
		exclude []string
		quiet   bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <source-dir>",
		Short: "Run the extract, transform, validate, and load pipeline over a source tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			return runAnalyze(cmd.Context(), cfg, args[0], clear, include, exclude, quiet)
		},
	}

	cmd.Flags().BoolVar(&clear, "clear", false, "clear the graph store before loading (snapshots first)")
	cmd.Flags().StringArrayVar(&include, "include", nil, "glob pattern files must match (repeatable)")
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "glob pattern that removes files (repeatable)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress per-file progress")

	return cmd
}

func runAnalyze(ctx context.Context, cfg *config.Config, sourcePath string, clear bool, include, exclude []string, quiet bool) error {
	obsCfg := observability.DefaultConfig()
	obsCfg.Mode = observability.ModeOrchestrator
	obsCfg.LogLevel = parseLogLevel(cfg.Logging.Level)
	obsCfg.LogJSON = cfg.Logging.Format == "json"

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()

	orch, cleanup, buildErr := buildOrchestrator(cfg, providers, include, exclude)
	if buildErr != nil {
		return buildErr
	}
	defer cleanup()

	jobID, startErr := orch.StartAnalysis(ctx, sourcePath, clear)
	if startErr != nil {
		return startErr
	}

	providers.Logger.Info("job started", slog.String("job_id", jobID), slog.String("source", sourcePath))

	// Interrupt translates into a best-effort cancel of the running job.
	go func() {
		<-ctx.Done()
		_ = orch.Cancel(jobID)
	}()

	events, subErr := orch.SubscribeProgress(jobID)
	if subErr != nil {
		return subErr
	}

	renderProgress(events, quiet)

	// The stream also closes if this subscriber was dropped for falling
	// behind, so wait for the job itself before reading the outcome.
	final, statusErr := waitTerminal(orch, jobID)
	if statusErr != nil {
		return statusErr
	}

	if final.Phase != job.PhaseCompleted {
		if final.Error != nil {
			return fmt.Errorf("job %s %s: %s", jobID, final.Phase, final.Error.Error())
		}

		return fmt.Errorf("job %s ended in state %s", jobID, final.Phase)
	}

	results, resultsErr := orch.GetResults(jobID)
	if resultsErr != nil {
		return resultsErr
	}

	renderResults(results)

	return nil
}

// buildOrchestrator wires the pipeline components from configuration. The
// returned cleanup closes the orchestrator.
func buildOrchestrator(
	cfg *config.Config, providers observability.Providers, include, exclude []string,
) (*orchestrator.Orchestrator, func(), error) {
	maxFileBytes, err := cfg.Parse.MaxFileBytesValue()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errConfig, err)
	}

	memCacheSize, err := cfg.Cache.MaxSizeValue()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errConfig, err)
	}

	mem := cache.NewParseCache(int64(memCacheSize))

	var store extract.Cache = mem

	if cfg.Cache.Directory != "" {
		disk, diskErr := cache.NewDiskCache(cfg.Cache.Directory)
		if diskErr != nil {
			return nil, nil, fmt.Errorf("open cache directory: %w", diskErr)
		}

		store = cache.NewTiered(mem, disk)
	}

	extractor := extract.New(pyparse.New(), store, providers.Logger)

	graphStore := graphstore.NewInMemoryStore()
	admin := graphstore.NewLocalAdmin(cfg.GraphStore.DataDir)
	backups := backup.NewManager(cfg.Backup.Directory, admin)

	metrics, metricsErr := observability.NewPipelineMetrics(providers.Meter)
	if metricsErr != nil {
		return nil, nil, metricsErr
	}

	loadOpts := load.DefaultOptions()
	loadOpts.BatchSize = cfg.Load.BatchSize
	loadOpts.BatchFloor = cfg.Load.BatchFloor
	loadOpts.BatchStep = cfg.Load.BatchStep

	orch := orchestrator.New(orchestrator.Config{
		ArtifactDir: cfg.Artifact.Directory,
		StoreName:   cfg.GraphStore.Database,
		Retries:     -1,
		Extract: extract.Options{
			Include:            include,
			Exclude:            exclude,
			MaxFileBytes:       int64(maxFileBytes),
			WorkerMin:          cfg.Parse.WorkerMin,
			WorkerMax:          cfg.Parse.WorkerMax,
			MemorySoftCapBytes: uint64(cfg.Parse.MemorySoftCapMB) * 1024 * 1024,
			ResizeWindow:       cfg.Parse.ResizeWindow,
		},
		Load: loadOpts,
	}, extractor, graphStore, backups, providers.Logger, metrics)

	return orch, orch.Close, nil
}

// waitTerminal polls the job record until it reaches a terminal phase.
func waitTerminal(orch *orchestrator.Orchestrator, jobID string) (job.Job, error) {
	for {
		snap, err := orch.GetStatus(jobID)
		if err != nil {
			return job.Job{}, err
		}

		if snap.Terminal() {
			return snap, nil
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// renderProgress consumes the job's event stream until it closes, printing
// one line per phase transition and a coarse progress line otherwise.
func renderProgress(events <-chan status.Event, quiet bool) {
	lastPhase := ""

	for e := range events {
		switch e.Kind {
		case status.KindStarted:
			fmt.Printf("%s %s\n", phaseTag(e.Phase), e.Message)
		case status.KindFinished:
			fmt.Printf("%s %s\n", phaseTag(e.Phase), e.Message)
		case status.KindWarning:
			fmt.Printf("%s warning: %s\n", phaseTag(e.Phase), e.Message)
		case status.KindError:
			fmt.Printf("%s error: %s\n", phaseTag(e.Phase), e.Message)
		case status.KindProgress, status.KindStepCompleted:
			if quiet {
				continue
			}

			if e.Phase != lastPhase || e.Total >= 1 && e.Current%progressStride(e.Total) == 0 {
				fmt.Printf("%s %d/%d %s\n", phaseTag(e.Phase), e.Current, e.Total, e.Message)
			}
		}

		lastPhase = e.Phase
	}
}

// progressStride thins per-item progress lines to roughly twenty per phase.
func progressStride(total int) int {
	stride := total / 20
	if stride < 1 {
		return 1
	}

	return stride
}

func phaseTag(phase string) string {
	return "[" + strings.ToUpper(phase) + "]"
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
