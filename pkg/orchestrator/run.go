package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shiftcmd/pycodegraph/pkg/artifact"
	"github.com/shiftcmd/pycodegraph/pkg/extract"
	"github.com/shiftcmd/pycodegraph/pkg/graph"
	"github.com/shiftcmd/pycodegraph/pkg/graphstore"
	"github.com/shiftcmd/pycodegraph/pkg/ir"
	"github.com/shiftcmd/pycodegraph/pkg/job"
	"github.com/shiftcmd/pycodegraph/pkg/load"
	"github.com/shiftcmd/pycodegraph/pkg/status"
	"github.com/shiftcmd/pycodegraph/pkg/transform"
	"github.com/shiftcmd/pycodegraph/pkg/validate"
)

// runJob drives one job through the full phase sequence. Each phase runs
// under its own timeout; a retryable failure is retried with exponential
// backoff up to the configured count before the job fails.
func (o *Orchestrator) runJob(ctx context.Context, jobID, sourcePath string, clearBeforeLoad bool, hub *status.Hub) {
	doc, err := o.phaseExtract(ctx, jobID, sourcePath, hub)
	if err != nil {
		o.finishWithError(jobID, err)

		return
	}

	ts, script, err := o.phaseTransform(ctx, jobID, hub, doc)
	if err != nil {
		o.finishWithError(jobID, err)

		return
	}

	if err := o.phaseValidate(ctx, jobID, hub, ts, script, clearBeforeLoad); err != nil {
		o.finishWithError(jobID, err)

		return
	}

	if clearBeforeLoad {
		if err := o.phaseSnapshot(ctx, jobID, hub); err != nil {
			o.finishWithError(jobID, err)

			return
		}
	}

	if err := o.phaseLoad(ctx, jobID, hub, ts, script, clearBeforeLoad); err != nil {
		o.finishWithError(jobID, err)

		return
	}

	o.registry.mutate(jobID, func(j *job.Job) {
		j.Complete(time.Now())
		j.Message = "analysis complete"
	})
}

// finishWithError moves the job to its terminal failure state: cancelled
// when the cause is context cancellation, failed otherwise.
func (o *Orchestrator) finishWithError(jobID string, err error) {
	if errors.Is(err, context.Canceled) {
		o.registry.mutate(jobID, func(j *job.Job) {
			j.Cancel(time.Now())
			j.Message = "cancelled"
		})

		return
	}

	jerr := classify(err)

	o.registry.mutate(jobID, func(j *job.Job) {
		j.Fail(jerr, time.Now())
		j.Message = jerr.Message
	})
}

// classify maps a phase error onto the job error taxonomy.
func classify(err error) *job.Error {
	var jerr *job.Error
	if errors.As(err, &jerr) {
		return jerr
	}

	switch {
	case errors.Is(err, extract.ErrInvalidPath), errors.Is(err, extract.ErrNotDirectory):
		return &job.Error{Tag: job.TagInputError, Message: err.Error()}
	case errors.Is(err, load.ErrValidationFailed):
		return &job.Error{Tag: job.TagValidationError, Message: err.Error()}
	case errors.Is(err, graphstore.ErrTransient):
		return &job.Error{Tag: job.TagTransientStoreError, Message: err.Error()}
	case errors.Is(err, graphstore.ErrPermanent):
		return &job.Error{Tag: job.TagPermanentStoreError, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &job.Error{Tag: job.TagResourceError, Message: "phase timed out: " + err.Error()}
	case errors.Is(err, extract.ErrExtractionFailed):
		return &job.Error{Tag: job.TagResourceError, Message: err.Error()}
	default:
		return &job.Error{Tag: job.TagInternalError, Message: err.Error()}
	}
}

// runPhase wraps one phase body with the state transition, timeout, retry,
// and metrics bookkeeping shared by all phases.
func (o *Orchestrator) runPhase(
	ctx context.Context,
	jobID string,
	phase job.Phase,
	timeout time.Duration,
	body func(phaseCtx context.Context) error,
) error {
	if !o.registry.mutate(jobID, func(j *job.Job) { j.Advance(phase, time.Now()) }) {
		return context.Canceled
	}

	retries := o.cfg.Retries
	if retries < 0 {
		retries = DefaultRetries
	}

	backoff := retryBackoffInitial
	started := time.Now()

	var err error

	for attempt := 0; ; attempt++ {
		phaseCtx, cancel := context.WithTimeout(ctx, timeout)
		err = body(phaseCtx)

		cancel()

		if err == nil || attempt >= retries || !classify(err).Retryable() || ctx.Err() != nil {
			break
		}

		o.logger.Warn("retrying phase after transient failure",
			"job_id", jobID, "phase", string(phase), "attempt", attempt+1, "error", err.Error())

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
		}

		backoff *= 2
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
	}

	if o.metrics != nil {
		o.metrics.RecordPhase(ctx, string(phase), time.Since(started), err != nil)
	}

	if err != nil && ctx.Err() != nil {
		// Cancellation during a phase surfaces as the context error so the
		// job lands in the cancelled state, not failed.
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
	}

	return err
}

func (o *Orchestrator) phaseExtract(ctx context.Context, jobID, sourcePath string, hub *status.Hub) (*ir.Document, error) {
	var doc *ir.Document

	err := o.runPhase(ctx, jobID, job.PhaseExtracting, orDefault(o.cfg.ExtractTimeout, DefaultExtractTimeout),
		func(phaseCtx context.Context) error {
			out, runErr := o.extractor.Run(phaseCtx, jobID, sourcePath, o.cfg.Extract, hub.Publish)
			if runErr != nil {
				return runErr
			}

			path := artifact.Path(o.cfg.ArtifactDir, jobID, artifact.KindExtraction)
			if writeErr := extract.WriteDocument(out, path); writeErr != nil {
				return writeErr
			}

			o.registry.mutate(jobID, func(j *job.Job) { j.SetArtifact(artifact.KindExtraction, path) })

			if o.metrics != nil {
				o.metrics.RecordFiles(phaseCtx, "parsed", int64(out.Statistics.Parsed))
				o.metrics.RecordFiles(phaseCtx, "cached", int64(out.Statistics.Cached))
				o.metrics.RecordFiles(phaseCtx, "failed", int64(out.Statistics.Failed))
			}

			doc = out

			return nil
		})

	return doc, err
}

func (o *Orchestrator) phaseTransform(
	ctx context.Context, jobID string, hub *status.Hub, doc *ir.Document,
) (*graph.TupleSet, string, error) {
	var (
		ts     *graph.TupleSet
		script string
	)

	err := o.runPhase(ctx, jobID, job.PhaseTransforming, orDefault(o.cfg.TransformTimeout, DefaultTransformTimeout),
		func(phaseCtx context.Context) error {
			extractionPath := artifact.Path(o.cfg.ArtifactDir, jobID, artifact.KindExtraction)

			var docSize int64
			if info, statErr := os.Stat(extractionPath); statErr == nil {
				docSize = info.Size()
			}

			hub.Publish(status.Event{
				JobID: jobID, Phase: "transforming", Kind: status.KindStarted,
				Total:   len(doc.Modules),
				Message: fmt.Sprintf("transforming %d modules", len(doc.Modules)),
			})

			out := transform.TransformAuto(jobID, doc, docSize, o.cfg.TransformBatchSize,
				func(current, total int, message string) {
					hub.Publish(status.Event{
						JobID: jobID, Phase: "transforming", Kind: status.KindProgress,
						Current: current, Total: total, Message: message,
					})
				})

			rendered := transform.RenderCypher(out)

			tuplesPath := artifact.Path(o.cfg.ArtifactDir, jobID, artifact.KindTuples)
			if writeErr := transform.WriteTuples(out, tuplesPath); writeErr != nil {
				return writeErr
			}

			scriptPath := artifact.Path(o.cfg.ArtifactDir, jobID, artifact.KindCypher)
			if writeErr := transform.WriteScript(rendered, scriptPath); writeErr != nil {
				return writeErr
			}

			o.registry.mutate(jobID, func(j *job.Job) {
				j.SetArtifact(artifact.KindTuples, tuplesPath)
				j.SetArtifact(artifact.KindCypher, scriptPath)
			})

			hub.Publish(status.Event{
				JobID: jobID, Phase: "transforming", Kind: status.KindFinished,
				Current: len(doc.Modules), Total: len(doc.Modules),
				Message: fmt.Sprintf("emitted %d nodes, %d relationships", len(out.Nodes), len(out.Relationships)),
				Metadata: map[string]any{
					"nodes":             len(out.Nodes),
					"relationships":     len(out.Relationships),
					"modules_processed": out.Metadata.ModulesProcessed,
				},
			})

			if o.metrics != nil {
				o.metrics.RecordTupleCounts(phaseCtx, int64(len(out.Nodes)), int64(len(out.Relationships)))
			}

			ts = out
			script = rendered

			return phaseCtx.Err()
		})

	return ts, script, err
}

func (o *Orchestrator) phaseValidate(
	ctx context.Context, jobID string, hub *status.Hub, ts *graph.TupleSet, script string, clearBeforeLoad bool,
) error {
	return o.runPhase(ctx, jobID, job.PhaseValidating, orDefault(o.cfg.TransformTimeout, DefaultTransformTimeout),
		func(phaseCtx context.Context) error {
			opts := validate.DefaultOptions()
			opts.AppendOnly = !clearBeforeLoad

			result := validate.Validate(script, ts, opts)

			for _, f := range result.Findings {
				kind := status.KindWarning
				if f.Severity == validate.SeverityError {
					kind = status.KindError
				}

				hub.Publish(status.Event{JobID: jobID, Phase: "validating", Kind: kind, Message: f.Message})
			}

			if !result.OK {
				return &job.Error{
					Tag:     job.TagValidationError,
					Message: fmt.Sprintf("script validation failed with %d findings", len(result.Findings)),
				}
			}

			hub.Publish(status.Event{
				JobID: jobID, Phase: "validating", Kind: status.KindFinished,
				Current: 1, Total: 1, Message: "script validated",
			})

			return phaseCtx.Err()
		})
}

func (o *Orchestrator) phaseSnapshot(ctx context.Context, jobID string, hub *status.Hub) error {
	return o.runPhase(ctx, jobID, job.PhaseSnapshotting, orDefault(o.cfg.LoadTimeout, DefaultLoadTimeout),
		func(phaseCtx context.Context) error {
			if createErr := o.backups.CreateBackup(phaseCtx, jobID, "pre-clear snapshot"); createErr != nil {
				return createErr
			}

			if rec, ok := o.backups.GetBackup(jobID); ok {
				o.registry.mutate(jobID, func(j *job.Job) { j.SetArtifact(artifact.KindBackup, rec.ArchivePath) })
			}

			hub.Publish(status.Event{
				JobID: jobID, Phase: "snapshotting", Kind: status.KindFinished,
				Current: 1, Total: 1, Message: "graph store snapshotted",
			})

			return nil
		})
}

func (o *Orchestrator) phaseLoad(
	ctx context.Context, jobID string, hub *status.Hub, ts *graph.TupleSet, script string, clearBeforeLoad bool,
) error {
	return o.runPhase(ctx, jobID, job.PhaseLoading, orDefault(o.cfg.LoadTimeout, DefaultLoadTimeout),
		func(phaseCtx context.Context) error {
			lock := storeLock(o.cfg.StoreName)
			lock.Lock()
			defer lock.Unlock()

			opts := o.cfg.Load
			opts.ClearBeforeLoad = clearBeforeLoad
			// The validating and snapshotting phases already ran, so the
			// loader's own pre-steps are switched off here.
			opts.ValidateFirst = false

			result, uploadErr := load.Upload(phaseCtx, o.store, nil, jobID, ts, script, opts,
				func(current, total int, message string) {
					hub.Publish(status.Event{
						JobID: jobID, Phase: "loading", Kind: status.KindProgress,
						Current: current, Total: total, Message: message,
					})
				})
			if uploadErr != nil {
				return uploadErr
			}

			path := artifact.Path(o.cfg.ArtifactDir, jobID, artifact.KindUploadResult)

			data, marshalErr := json.MarshalIndent(result, "", "  ")
			if marshalErr != nil {
				return fmt.Errorf("marshal upload result: %w", marshalErr)
			}

			if writeErr := artifact.WriteAtomic(path, data, 0o644); writeErr != nil {
				return writeErr
			}

			o.registry.mutate(jobID, func(j *job.Job) { j.SetArtifact(artifact.KindUploadResult, path) })

			hub.Publish(status.Event{
				JobID: jobID, Phase: "loading", Kind: status.KindFinished,
				Current: len(ts.Nodes) + len(ts.Relationships), Total: len(ts.Nodes) + len(ts.Relationships),
				Message: fmt.Sprintf("uploaded %d nodes, %d relationships", result.NodesUploaded, result.RelationshipsUploaded),
			})

			return nil
		})
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}

	return d
}

// decodeJSONFile reads path and unmarshals it into T.
func decodeJSONFile[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var out T

	if unmarshalErr := json.Unmarshal(data, &out); unmarshalErr != nil {
		return nil, unmarshalErr
	}

	return &out, nil
}
