// Package extract implements the extraction phase: discover the Python
// files under a source tree, parse them in parallel through a cache-aware,
// memory-adaptive worker pool, and assemble the results into one extraction
// document.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiftcmd/pycodegraph/pkg/artifact"
	"github.com/shiftcmd/pycodegraph/pkg/cache"
	"github.com/shiftcmd/pycodegraph/pkg/ir"
	"github.com/shiftcmd/pycodegraph/pkg/pyparse"
	"github.com/shiftcmd/pycodegraph/pkg/status"
)

// Sentinel errors.
var (
	ErrInvalidPath      = errors.New("source path does not exist")
	ErrNotDirectory     = errors.New("source path is not a directory")
	ErrExtractionFailed = errors.New("extraction failed")
)

// Defaults.
const (
	// DefaultMaxFileBytes is the per-file size cap: larger files are
	// skipped with a warning.
	DefaultMaxFileBytes = 512 * 1024

	// DefaultFileTimeout bounds a single file's parse.
	DefaultFileTimeout = 30 * time.Second

	// DefaultWorkerMin is the lower bound of the adaptive pool width.
	DefaultWorkerMin = 2
)

// Options configures one extraction run.
type Options struct {
	// Include holds glob patterns a file must match (against base name or
	// repo-relative path). Empty means "*.py".
	Include []string

	// Exclude holds glob patterns that remove files from the run.
	Exclude []string

	// MaxFileBytes is the per-file size cap; zero means DefaultMaxFileBytes.
	MaxFileBytes int64

	// WorkerMin and WorkerMax bound the adaptive pool width.
	WorkerMin int
	WorkerMax int

	// MemorySoftCapBytes is the heap budget the pool resizes against: it
	// shrinks above 85% of it and grows below 55% of it.
	// Zero disables adaptive resizing.
	MemorySoftCapBytes uint64

	// ResizeWindow is the number of completed files between width
	// adjustments; zero means DefaultResizeWindow.
	ResizeWindow int

	// FileTimeout bounds a single file's parse; zero means
	// DefaultFileTimeout.
	FileTimeout time.Duration

	// DisableCache bypasses the parse cache entirely.
	DisableCache bool
}

// Cache is the store the extractor consults before parsing and fills
// after a miss. *cache.ParseCache, *cache.DiskCache, and *cache.Tiered all
// satisfy it.
type Cache interface {
	Get(fp cache.Fingerprint) *ir.ParsedModule
	Put(fp cache.Fingerprint, module *ir.ParsedModule)
}

// Extractor runs the extraction phase. The parser and cache are shared
// across runs; the cache may be nil, which behaves like DisableCache.
type Extractor struct {
	parser *pyparse.Parser
	cache  Cache
	logger *slog.Logger
}

// New constructs an Extractor.
func New(parser *pyparse.Parser, parseCache Cache, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Extractor{parser: parser, cache: parseCache, logger: logger}
}

// Fingerprint computes the content fingerprint for one file's bytes: the
// hex SHA-256 digest of the bytes concatenated with the parser version tag,
// so a parser upgrade invalidates prior cache entries.
func Fingerprint(content []byte) cache.Fingerprint {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte(pyparse.Version))

	return cache.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// fileResult carries one completed file task back to the supervisor.
type fileResult struct {
	relPath string
	module  *ir.ParsedModule
	cached  bool
}

// Run discovers and parses sourcePath's files and returns the assembled
// extraction document. Per-file parse failures are recorded inside the
// document and never fail the run; Run errors only when the source path is
// invalid, the run is cancelled, or every discovered file failed to parse.
func (e *Extractor) Run(ctx context.Context, jobID, sourcePath string, opts Options, emit func(status.Event)) (*ir.Document, error) {
	if emit == nil {
		emit = func(status.Event) {}
	}

	if err := validateSourcePath(sourcePath); err != nil {
		return nil, err
	}

	files, warnings, err := discover(sourcePath, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	total := len(files)

	emit(status.Event{
		JobID: jobID, Phase: "extracting", Kind: status.KindStarted,
		Current: 0, Total: total,
		Message: fmt.Sprintf("discovered %d files", total),
	})

	for _, w := range warnings {
		emit(status.Event{JobID: jobID, Phase: "extracting", Kind: status.KindWarning, Total: total, Message: w})
	}

	results, runErr := e.parseAll(ctx, jobID, files, opts, emit)
	if runErr != nil {
		return nil, runErr
	}

	doc := assembleDocument(jobID, total, results, warnings)

	if total > 0 && doc.Statistics.Parsed+doc.Statistics.Cached == 0 {
		return nil, fmt.Errorf("%w: no file in %s could be parsed", ErrExtractionFailed, sourcePath)
	}

	emit(status.Event{
		JobID: jobID, Phase: "extracting", Kind: status.KindFinished,
		Current: total, Total: total,
		Message: fmt.Sprintf("extracted %d modules", len(doc.Modules)),
		Metadata: map[string]any{
			"parsed": doc.Statistics.Parsed,
			"cached": doc.Statistics.Cached,
			"failed": doc.Statistics.Failed,
		},
	})

	return doc, nil
}

// parseAll fans the file list out over the adaptive worker pool, collecting
// results in completion order. The pool width is re-evaluated against the
// memory soft cap every ResizeWindow completions.
func (e *Extractor) parseAll(
	ctx context.Context, jobID string, files []candidate, opts Options, emit func(status.Event),
) ([]fileResult, error) {
	workerMin := opts.WorkerMin
	if workerMin <= 0 {
		workerMin = DefaultWorkerMin
	}

	workerMax := opts.WorkerMax
	if workerMax <= 0 {
		workerMax = defaultWorkerMax()
	}

	resizeWindow := opts.ResizeWindow
	if resizeWindow <= 0 {
		resizeWindow = DefaultResizeWindow
	}

	fileTimeout := opts.FileTimeout
	if fileTimeout <= 0 {
		fileTimeout = DefaultFileTimeout
	}

	gate := newWidthGate(workerMin, workerMax)

	var (
		mu          sync.Mutex
		results     = make([]fileResult, 0, len(files))
		completions int
	)

	total := len(files)

	g, gctx := errgroup.WithContext(ctx)

	for _, f := range files {
		// Cancellation checkpoint at the head of each file task.
		if ctxErr := gctx.Err(); ctxErr != nil {
			break
		}

		gate.acquire()

		g.Go(func() error {
			defer gate.release()

			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}

			res, taskErr := e.parseOne(gctx, f, fileTimeout, opts.DisableCache)
			if taskErr != nil {
				return taskErr
			}

			mu.Lock()
			results = append(results, res)
			completions++
			done := completions

			// Emitting while holding the lock keeps Current values in
			// publication order, so progress never appears to go backwards.
			emit(status.Event{
				JobID: jobID, Phase: "extracting", Kind: status.KindProgress,
				Current: done, Total: total,
				Message: f.relPath,
			})
			mu.Unlock()

			if done%resizeWindow == 0 {
				gate.adjust(opts.MemorySoftCapBytes, total-done)
			}

			return nil
		})
	}

	if waitErr := g.Wait(); waitErr != nil {
		return nil, waitErr
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	e.logger.Debug("extraction pool drained",
		slog.Int("files", total),
		slog.Int("final_width", gate.currentWidth()))

	return results, nil
}

// parseOne reads and parses a single file, consulting the cache first. A
// read failure or parse failure is folded into the returned module's
// parse_errors; only context cancellation propagates as an error.
func (e *Extractor) parseOne(ctx context.Context, f candidate, timeout time.Duration, noCache bool) (fileResult, error) {
	content, readErr := os.ReadFile(f.absPath)
	if readErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fileResult{}, ctxErr
		}

		return fileResult{relPath: f.relPath, module: &ir.ParsedModule{
			Path: f.relPath,
			Name: moduleNameOf(f.relPath),
			ParseErrors: []ir.ParseError{{
				Kind:    ir.ParseErrorIO,
				Message: readErr.Error(),
			}},
		}}, nil
	}

	fp := Fingerprint(content)

	if !noCache && e.cache != nil {
		if hit := e.cache.Get(fp); hit != nil {
			// The fingerprint is content-addressed, so a hit may have been
			// produced under a different path; rebind identity fields.
			clone := *hit
			clone.Path = f.relPath
			clone.Name = moduleNameOf(f.relPath)

			return fileResult{relPath: f.relPath, module: &clone, cached: true}, nil
		}
	}

	parseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mod := e.parser.Parse(parseCtx, f.relPath, content)
	mod.ContentFingerprint = string(fp)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fileResult{}, ctxErr
	}

	if !noCache && e.cache != nil && !mod.HasFatalParseError() {
		// Best effort: a full cache simply declines the entry.
		e.cache.Put(fp, mod)
	}

	return fileResult{relPath: f.relPath, module: mod}, nil
}

func moduleNameOf(relPath string) string {
	base := relPath
	if idx := lastSlash(relPath); idx >= 0 {
		base = relPath[idx+1:]
	}

	if dot := lastDot(base); dot > 0 {
		return base[:dot]
	}

	return base
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}

	return -1
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}

	return -1
}

// assembleDocument builds the extraction document from completed file
// results, in sorted-path order for deterministic output.
func assembleDocument(jobID string, fileCount int, results []fileResult, warnings []string) *ir.Document {
	sort.Slice(results, func(i, j int) bool { return results[i].relPath < results[j].relPath })

	doc := &ir.Document{
		Metadata: ir.DocumentMetadata{
			JobID:     jobID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			FileCount: fileCount,
		},
		Modules:  make(map[string]ir.ParsedModule, len(results)),
		Warnings: warnings,
	}

	for _, r := range results {
		doc.Modules[r.relPath] = *r.module

		switch {
		case r.cached:
			doc.Statistics.Cached++
		case r.module.HasFatalParseError():
			doc.Statistics.Failed++

			for _, pe := range r.module.ParseErrors {
				doc.Errors = append(doc.Errors, fmt.Sprintf("%s: %s", r.relPath, pe.Message))
			}
		default:
			doc.Statistics.Parsed++
		}
	}

	return doc
}

// WriteDocument marshals doc and writes it atomically to path. Map keys are
// emitted in sorted order, so two identical documents serialize to
// identical bytes.
func WriteDocument(doc *ir.Document, path string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal extraction document: %w", err)
	}

	if writeErr := artifact.WriteAtomic(path, data, 0o644); writeErr != nil {
		return fmt.Errorf("%w: write %s: %v", ErrExtractionFailed, path, writeErr)
	}

	return nil
}

// ReadDocument loads an extraction document from disk.
func ReadDocument(path string) (*ir.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read extraction document: %w", err)
	}

	var doc ir.Document

	if unmarshalErr := json.Unmarshal(data, &doc); unmarshalErr != nil {
		return nil, fmt.Errorf("decode extraction document: %w", unmarshalErr)
	}

	return &doc, nil
}

// defaultWorkerMax is min(32, 2*GOMAXPROCS-style core count).
func defaultWorkerMax() int {
	n := 2 * numCPU()
	if n > 32 {
		return 32
	}

	if n < DefaultWorkerMin {
		return DefaultWorkerMin
	}

	return n
}
