// Package load implements the batched, transactional loader:
// validate-first, optional snapshot+clear, idempotent constraint creation,
// node batches before relationship batches, adaptive backpressure, and the
// Result that callers write to upload_result_<job_id>.json.
package load

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shiftcmd/pycodegraph/pkg/graph"
	"github.com/shiftcmd/pycodegraph/pkg/graphstore"
	"github.com/shiftcmd/pycodegraph/pkg/validate"
)

// Options configures one upload.
type Options struct {
	ClearBeforeLoad   bool
	BatchSize         int
	BatchFloor        int
	BatchStep         int
	ValidateFirst     bool
	CreateConstraints bool

	// TxTimeout bounds each batch's transaction; zero means
	// DefaultTxTimeout.
	TxTimeout time.Duration
}

// DefaultTxTimeout is the per-batch transaction deadline.
const DefaultTxTimeout = 60 * time.Second

// DefaultOptions returns the standard upload options.
func DefaultOptions() Options {
	return Options{
		BatchSize:         1000,
		BatchFloor:        100,
		BatchStep:         100,
		ValidateFirst:     true,
		CreateConstraints: true,
		TxTimeout:         DefaultTxTimeout,
	}
}

// Constraint describes one of the five uniqueness constraints the loader
// ensures before uploading.
type Constraint struct {
	Label     string
	Property  string
	Composite []string
}

// Constraints returns the fixed set of constraints this system ensures.
func Constraints() []Constraint {
	return []Constraint{
		{Label: string(graph.LabelModule), Property: "path"},
		{Label: string(graph.LabelClass), Property: "name", Composite: []string{"module_path"}},
		{Label: string(graph.LabelFunction), Property: "name", Composite: []string{"module_path"}},
		{Label: string(graph.LabelMethod), Property: "name", Composite: []string{"class_name", "module_path"}},
		{Label: string(graph.LabelVariable), Property: "name", Composite: []string{"scope", "module_path"}},
	}
}

// BatchTiming records one committed batch's duration, for upload_result.json.
type BatchTiming struct {
	Kind     string        `json:"kind"`
	Count    int           `json:"count"`
	Duration time.Duration `json:"duration_ns"`
}

// Result is the content of upload_result_<job_id>.json.
type Result struct {
	NodesUploaded         int                              `json:"nodes_uploaded"`
	RelationshipsUploaded int                              `json:"relationships_uploaded"`
	SkippedRelationships  []graphstore.SkippedRelationship `json:"skipped_relationships"`
	BatchTimings          []BatchTiming                    `json:"batch_timings"`
	FinalBatchSize        int                              `json:"final_batch_size"`
	Cleared               bool                             `json:"cleared"`
}

// ErrValidationFailed is returned when ValidateFirst finds an error finding.
var ErrValidationFailed = errors.New("tuple set failed pre-upload validation")

// Progress reports loader progress, mirroring transform.ProgressFunc's shape
// so pkg/load has no dependency on pkg/status.
type Progress func(current, total int, message string)

// Snapshotter creates a pre-clear backup, the seam pkg/backup implements.
// Declared here (rather than importing pkg/backup) to avoid a load<->backup
// import cycle; pkg/orchestrator wires the concrete *backup.Manager in.
type Snapshotter interface {
	CreateBackup(ctx context.Context, jobID, description string) error
}

// Upload runs the full load sequence: validate, snapshot+clear when
// requested, ensure constraints, then upload nodes and relationships in
// batched transactions.
func Upload(
	ctx context.Context,
	store graphstore.Client,
	snapshotter Snapshotter,
	jobID string,
	ts *graph.TupleSet,
	script string,
	opts Options,
	progress Progress,
) (*Result, error) {
	if opts.ValidateFirst {
		result := validate.Validate(script, ts, validate.DefaultOptions())
		if !result.OK {
			return nil, fmt.Errorf("%w: %+v", ErrValidationFailed, result.Findings)
		}
	}

	res := &Result{FinalBatchSize: opts.BatchSize}

	if opts.ClearBeforeLoad {
		if snapshotter != nil {
			if err := snapshotter.CreateBackup(ctx, jobID, "pre-clear snapshot"); err != nil {
				return nil, fmt.Errorf("snapshot before clear: %w", err)
			}
		}

		if err := store.Clear(ctx); err != nil {
			return nil, fmt.Errorf("clear graph store: %w", err)
		}

		res.Cleared = true
	}

	if opts.CreateConstraints {
		for _, c := range Constraints() {
			if err := store.EnsureConstraint(ctx, c.Label, c.Property, c.Composite...); err != nil {
				return nil, fmt.Errorf("ensure constraint %s.%s: %w", c.Label, c.Property, err)
			}
		}
	}

	bs := newBatchSizer(opts)

	txTimeout := opts.TxTimeout
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}

	// Nodes and relationships are reported as one running count over the
	// whole upload, so current never decreases between the two stages.
	grandTotal := len(ts.Nodes) + len(ts.Relationships)

	var nodeProgress, relProgress Progress
	if progress != nil {
		nodeProgress = func(current, _ int, message string) { progress(current, grandTotal, message) }
		relProgress = func(current, _ int, message string) { progress(len(ts.Nodes)+current, grandTotal, message) }
	}

	if err := uploadNodes(ctx, store, ts.Nodes, bs, txTimeout, nodeProgress, res); err != nil {
		return nil, err
	}

	if err := uploadRelationships(ctx, store, ts.Relationships, bs, txTimeout, relProgress, res); err != nil {
		return nil, err
	}

	res.FinalBatchSize = bs.current

	if progress != nil {
		progress(grandTotal, grandTotal, "upload complete")
	}

	return res, nil
}

// batchSizer implements the adaptive backpressure policy: halve on
// rejection down to a floor, recover additively on success.
type batchSizer struct {
	current int
	floor   int
	step    int
}

func newBatchSizer(opts Options) *batchSizer {
	floor := opts.BatchFloor
	if floor <= 0 {
		floor = DefaultOptions().BatchFloor
	}

	step := opts.BatchStep
	if step <= 0 {
		step = DefaultOptions().BatchStep
	}

	size := opts.BatchSize
	if size <= 0 {
		size = DefaultOptions().BatchSize
	}

	return &batchSizer{current: size, floor: floor, step: step}
}

func (b *batchSizer) onReject() {
	b.current /= 2
	if b.current < b.floor {
		b.current = b.floor
	}
}

func (b *batchSizer) onSuccess(originalTarget int) {
	if b.current >= originalTarget {
		return
	}

	b.current += b.step
	if b.current > originalTarget {
		b.current = originalTarget
	}
}

// maxShrinksPerRange bounds how many times a single range is re-sliced and
// retried at a smaller batch size before giving up, so a persistently
// failing store cannot spin forever once the floor is reached.
const maxShrinksPerRange = 10

func uploadNodes(
	ctx context.Context, store graphstore.Client, nodes []graph.Node, bs *batchSizer,
	txTimeout time.Duration, progress Progress, res *Result,
) error {
	target := bs.current
	total := len(nodes)
	done := 0

	for done < total {
		shrinks := 0

		for {
			end := done + bs.current
			if end > total {
				end = total
			}

			batch := nodes[done:end]
			start := time.Now()

			commitErr := runInTx(ctx, txTimeout, store, func(txCtx context.Context, tx graphstore.Tx) error {
				return tx.UpsertNodes(txCtx, batch)
			})

			if commitErr == nil {
				res.NodesUploaded += len(batch)
				res.BatchTimings = append(res.BatchTimings,
					BatchTiming{Kind: "nodes", Count: len(batch), Duration: time.Since(start)})
				bs.onSuccess(target)
				done = end

				if progress != nil {
					progress(done, total, fmt.Sprintf("uploaded %d/%d nodes", done, total))
				}

				break
			}

			if !errors.Is(commitErr, graphstore.ErrTransient) {
				return fmt.Errorf("upload node batch: %w", commitErr)
			}

			shrinks++
			if shrinks > maxShrinksPerRange && bs.current <= bs.floor {
				return fmt.Errorf("upload node batch: %w", commitErr)
			}

			bs.onReject()
		}
	}

	return nil
}

func uploadRelationships(
	ctx context.Context, store graphstore.Client, rels []graph.Relationship, bs *batchSizer,
	txTimeout time.Duration, progress Progress, res *Result,
) error {
	target := bs.current
	total := len(rels)
	done := 0

	for done < total {
		shrinks := 0

		for {
			end := done + bs.current
			if end > total {
				end = total
			}

			batch := rels[done:end]
			start := time.Now()

			var skipped []graphstore.SkippedRelationship

			commitErr := runInTx(ctx, txTimeout, store, func(txCtx context.Context, tx graphstore.Tx) error {
				var innerErr error
				skipped, innerErr = tx.UpsertRelationships(txCtx, batch)

				return innerErr
			})

			if commitErr == nil {
				res.RelationshipsUploaded += len(batch) - len(skipped)
				res.SkippedRelationships = append(res.SkippedRelationships, skipped...)
				res.BatchTimings = append(res.BatchTimings,
					BatchTiming{Kind: "relationships", Count: len(batch), Duration: time.Since(start)})
				bs.onSuccess(target)
				done = end

				if progress != nil {
					progress(done, total, fmt.Sprintf("uploaded %d/%d relationships", done, total))
				}

				break
			}

			if !errors.Is(commitErr, graphstore.ErrTransient) {
				return fmt.Errorf("upload relationship batch: %w", commitErr)
			}

			shrinks++
			if shrinks > maxShrinksPerRange && bs.current <= bs.floor {
				return fmt.Errorf("upload relationship batch: %w", commitErr)
			}

			bs.onReject()
		}
	}

	return nil
}

// runInTx runs op inside a fresh transaction under a per-batch deadline,
// committing on success and rolling back on any error (op error or commit
// error), so each batch is exactly one transaction.
func runInTx(ctx context.Context, timeout time.Duration, store graphstore.Client, op func(context.Context, graphstore.Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, beginErr := store.BeginTx(txCtx)
	if beginErr != nil {
		return fmt.Errorf("begin transaction: %w", beginErr)
	}

	if opErr := op(txCtx, tx); opErr != nil {
		_ = tx.Rollback(txCtx)

		return opErr
	}

	if commitErr := tx.Commit(txCtx); commitErr != nil {
		_ = tx.Rollback(txCtx)

		return commitErr
	}

	return nil
}
