// Package orchestrator sequences the extract → transform → validate →
// snapshot → load pipeline for analysis jobs: it assigns job identity,
// runs phases in order with retry and timeout policies, folds progress
// events into each job's record, and exposes the status, results,
// download, and cancel surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiftcmd/pycodegraph/pkg/artifact"
	"github.com/shiftcmd/pycodegraph/pkg/backup"
	"github.com/shiftcmd/pycodegraph/pkg/extract"
	"github.com/shiftcmd/pycodegraph/pkg/graphstore"
	"github.com/shiftcmd/pycodegraph/pkg/job"
	"github.com/shiftcmd/pycodegraph/pkg/load"
	"github.com/shiftcmd/pycodegraph/pkg/observability"
	"github.com/shiftcmd/pycodegraph/pkg/status"
)

// Sentinel errors for the public operations.
var (
	ErrUnknownJob      = errors.New("unknown job")
	ErrJobNotTerminal  = errors.New("job is not terminal")
	ErrAlreadyTerminal = errors.New("job is already terminal")
	ErrUnknownKind     = errors.New("unknown artifact kind")
	ErrArtifactMissing = errors.New("artifact missing")
)

// Defaults for the retry and timeout policies.
const (
	// DefaultRetries is how many times a retryable phase failure is
	// retried before the job fails.
	DefaultRetries = 1

	// retryBackoffInitial is the first retry delay; it doubles per attempt
	// up to retryBackoffCap.
	retryBackoffInitial = 100 * time.Millisecond
	retryBackoffCap     = 5 * time.Second

	// DefaultExtractTimeout and DefaultTransformTimeout bound those
	// phases; DefaultLoadTimeout bounds the load phase.
	DefaultExtractTimeout   = time.Hour
	DefaultTransformTimeout = time.Hour
	DefaultLoadTimeout      = 2 * time.Hour
)

// Config configures an Orchestrator.
type Config struct {
	// ArtifactDir is the root under which each job's artifacts live, in a
	// per-job subdirectory.
	ArtifactDir string

	// StoreName is the graph store's logical name; it keys the
	// process-wide mutex that serializes loaders.
	StoreName string

	// Retries is the bounded retry count for retryable phase failures;
	// negative means DefaultRetries.
	Retries int

	// ExtractTimeout, TransformTimeout, and LoadTimeout bound their
	// phases; zero means the defaults.
	ExtractTimeout   time.Duration
	TransformTimeout time.Duration
	LoadTimeout      time.Duration

	// Extract configures the extraction phase.
	Extract extract.Options

	// Load configures the load phase. ClearBeforeLoad here is the
	// per-orchestrator default; StartAnalysis can override it per job.
	Load load.Options

	// TransformBatchSize is the module batch size once the extraction
	// document crosses the streaming threshold.
	TransformBatchSize int
}

// Orchestrator owns the job registry and runs jobs to completion.
type Orchestrator struct {
	cfg       Config
	extractor *extract.Extractor
	store     graphstore.Client
	backups   *backup.Manager
	logger    *slog.Logger
	metrics   *observability.PipelineMetrics

	registry *registry

	mu      sync.Mutex
	hubs    map[string]*status.Hub
	cancels map[string]context.CancelFunc
	running sync.WaitGroup
}

// New constructs an Orchestrator. metrics may be nil.
func New(
	cfg Config,
	extractor *extract.Extractor,
	store graphstore.Client,
	backups *backup.Manager,
	logger *slog.Logger,
	metrics *observability.PipelineMetrics,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:       cfg,
		extractor: extractor,
		store:     store,
		backups:   backups,
		logger:    logger,
		metrics:   metrics,
		registry:  newRegistry(),
		hubs:      make(map[string]*status.Hub),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Close cancels all running jobs and waits for them to stop.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()

	o.running.Wait()
	o.registry.close()
}

// StartAnalysis validates sourcePath, mints a job identity, and launches
// the job's supervising goroutine. It returns the new job's ID
// immediately; progress is observable via GetStatus and SubscribeProgress.
func (o *Orchestrator) StartAnalysis(ctx context.Context, sourcePath string, clearBeforeLoad bool) (string, error) {
	info, statErr := os.Stat(sourcePath)
	if statErr != nil {
		return "", fmt.Errorf("%w: %s", extract.ErrInvalidPath, sourcePath)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", extract.ErrNotDirectory, sourcePath)
	}

	jobID := uuid.NewString()
	j := job.New(jobID, sourcePath, clearBeforeLoad, time.Now())

	o.registry.insert(j)

	hub := status.NewHub()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	o.hubs[jobID] = hub
	o.cancels[jobID] = cancel
	o.mu.Unlock()

	var finish func(outcome string)
	if o.metrics != nil {
		finish = o.metrics.RecordJobStart(runCtx)
	}

	o.running.Add(1)

	go o.consumeEvents(jobID, hub)

	go func() {
		defer o.running.Done()
		defer cancel()

		o.runJob(runCtx, jobID, sourcePath, clearBeforeLoad, hub)

		if finish != nil {
			snap, _ := o.registry.snapshot(jobID)
			finish(string(snap.Phase))
		}

		hub.Close()

		o.mu.Lock()
		delete(o.cancels, jobID)
		o.mu.Unlock()
	}()

	return jobID, nil
}

// consumeEvents drains the hub's orchestrator channel into the job record.
// It is the only path by which phase events reach the record, and each
// event lands atomically via the registry's owning goroutine.
func (o *Orchestrator) consumeEvents(jobID string, hub *status.Hub) {
	for e := range hub.Orchestrator() {
		switch e.Kind {
		case status.KindStarted, status.KindProgress, status.KindStepCompleted, status.KindFinished:
			o.registry.setProgress(jobID, e.Current, e.Total, e.Message)
		case status.KindWarning:
			o.logger.Warn("phase warning",
				slog.String("job_id", jobID),
				slog.String("phase", e.Phase),
				slog.String("message", e.Message))
		case status.KindError:
			o.logger.Error("phase error",
				slog.String("job_id", jobID),
				slog.String("phase", e.Phase),
				slog.String("message", e.Message))
		}
	}
}

// GetStatus returns a copy of the job's current record.
func (o *Orchestrator) GetStatus(jobID string) (job.Job, error) {
	snap, ok := o.registry.snapshot(jobID)
	if !ok {
		return job.Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	return snap, nil
}

// Results holds a terminal job's artifact map and summary metrics.
type Results struct {
	Job       job.Job                  `json:"job"`
	Artifacts map[artifact.Kind]string `json:"artifacts"`
	Summary   Summary                  `json:"summary"`
}

// Summary carries the headline counts for a finished job.
type Summary struct {
	FilesDiscovered       int `json:"files_discovered"`
	ModulesParsed         int `json:"modules_parsed"`
	ModulesCached         int `json:"modules_cached"`
	ModulesFailed         int `json:"modules_failed"`
	Nodes                 int `json:"nodes"`
	Relationships         int `json:"relationships"`
	NodesUploaded         int `json:"nodes_uploaded"`
	RelationshipsUploaded int `json:"relationships_uploaded"`
	SkippedRelationships  int `json:"skipped_relationships"`
}

// GetResults returns the artifact map and summary for a terminal job.
func (o *Orchestrator) GetResults(jobID string) (Results, error) {
	snap, ok := o.registry.snapshot(jobID)
	if !ok {
		return Results{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	if !snap.Terminal() {
		return Results{}, fmt.Errorf("%w: %s is %s", ErrJobNotTerminal, jobID, snap.Phase)
	}

	res := Results{Job: snap, Artifacts: snap.Artifacts}
	res.Summary = o.summarize(snap)

	return res, nil
}

// summarize recomputes the headline counts from the artifacts on disk.
func (o *Orchestrator) summarize(snap job.Job) Summary {
	var s Summary

	if path, ok := snap.Artifacts[artifact.KindExtraction]; ok {
		if doc, err := extract.ReadDocument(path); err == nil {
			s.FilesDiscovered = doc.Metadata.FileCount
			s.ModulesParsed = doc.Statistics.Parsed
			s.ModulesCached = doc.Statistics.Cached
			s.ModulesFailed = doc.Statistics.Failed
		}
	}

	if path, ok := snap.Artifacts[artifact.KindTuples]; ok {
		if ts, err := readTuples(path); err == nil {
			s.Nodes = ts.Metadata.NodeCount
			s.Relationships = ts.Metadata.RelationshipCount
		}
	}

	if path, ok := snap.Artifacts[artifact.KindUploadResult]; ok {
		if ur, err := readUploadResult(path); err == nil {
			s.NodesUploaded = ur.NodesUploaded
			s.RelationshipsUploaded = ur.RelationshipsUploaded
			s.SkippedRelationships = len(ur.SkippedRelationships)
		}
	}

	return s
}

// DownloadArtifact resolves the artifact path for (jobID, kind) and returns
// it together with the suggested download filename. The stored path is
// verified to embed the job's ID before being handed out.
func (o *Orchestrator) DownloadArtifact(jobID string, kind artifact.Kind) (path, filename string, err error) {
	if !artifact.IsKnownKind(kind) {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	snap, ok := o.registry.snapshot(jobID)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	stored, ok := snap.Artifacts[kind]
	if !ok {
		return "", "", fmt.Errorf("%w: %s for job %s", ErrArtifactMissing, kind, jobID)
	}

	filename = artifact.FileName(jobID, kind)
	if !containsJobID(stored, jobID) {
		return "", "", fmt.Errorf("%w: artifact path does not match job %s", ErrArtifactMissing, jobID)
	}

	if _, statErr := os.Stat(stored); statErr != nil {
		return "", "", fmt.Errorf("%w: %s", ErrArtifactMissing, stored)
	}

	return stored, filename, nil
}

func containsJobID(path, jobID string) bool {
	return jobID != "" && strings.Contains(path, jobID)
}

// Cancel requests a best-effort cancellation: the job stops at its next
// checkpoint and transitions to the cancelled state.
func (o *Orchestrator) Cancel(jobID string) error {
	snap, ok := o.registry.snapshot(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	if snap.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, jobID, snap.Phase)
	}

	o.mu.Lock()
	cancel, running := o.cancels[jobID]
	o.mu.Unlock()

	if running {
		cancel()
	}

	return nil
}

// SubscribeProgress returns a channel of the job's progress events. The
// channel closes when the job finishes or the subscriber falls too far
// behind.
func (o *Orchestrator) SubscribeProgress(jobID string) (<-chan status.Event, error) {
	if _, ok := o.registry.snapshot(jobID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	o.mu.Lock()
	hub, ok := o.hubs[jobID]
	o.mu.Unlock()

	if !ok {
		// Job finished and its hub is gone; return an already-closed channel.
		ch := make(chan status.Event)
		close(ch)

		return ch, nil
	}

	return hub.Subscribe(), nil
}

// ListBackups exposes the backup manager's records.
func (o *Orchestrator) ListBackups() []backup.Record {
	return o.backups.ListBackups()
}

// RestoreBackup restores the named job's backup into the graph store's
// data directory. The loader mutex is held so no upload runs mid-restore.
func (o *Orchestrator) RestoreBackup(ctx context.Context, jobID string) error {
	lock := storeLock(o.cfg.StoreName)
	lock.Lock()
	defer lock.Unlock()

	return o.backups.RestoreBackup(ctx, jobID)
}

// DeleteBackup removes the named job's backup archive and record.
func (o *Orchestrator) DeleteBackup(jobID string) error {
	return o.backups.DeleteBackup(jobID)
}

// storeLocks serializes loaders (and restores) per graph-store logical
// name across the whole process.
var storeLocks sync.Map

func storeLock(name string) *sync.Mutex {
	if name == "" {
		name = "default"
	}

	actual, _ := storeLocks.LoadOrStore(name, &sync.Mutex{})

	lock, _ := actual.(*sync.Mutex)

	return lock
}

// readTuples and readUploadResult are thin wrappers kept here so the
// summary path reads artifacts through one seam.
func readTuples(path string) (*tupleDoc, error) {
	return decodeJSONFile[tupleDoc](path)
}

func readUploadResult(path string) (*load.Result, error) {
	return decodeJSONFile[load.Result](path)
}

// tupleDoc decodes just the metadata header of a tuples document.
type tupleDoc struct {
	Metadata struct {
		NodeCount         int `json:"node_count"`
		RelationshipCount int `json:"relationship_count"`
	} `json:"metadata"`
}
