package transform

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/shiftcmd/pycodegraph/pkg/artifact"
	"github.com/shiftcmd/pycodegraph/pkg/graph"
)

// TransformAuto chooses between the one-shot and batched paths based on the
// extraction document's on-disk size. Below the streaming threshold it
// behaves exactly like Transform; above it, modules are processed in
// batches of batchSize and progress is reported per batch. Both paths keep
// the whole document and every emitted node and relationship in memory
// until the TupleSet is returned; tuples are not written out incrementally.
// The resulting TupleSet is identical either way.
func TransformAuto(jobID string, doc *Document, docSizeBytes int64, batchSize int, progress ProgressFunc) *graph.TupleSet {
	if docSizeBytes < StreamingThresholdBytes {
		return Transform(jobID, doc, progress)
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	b := newBuilder(jobID)

	paths := make([]string, 0, len(doc.Modules))
	for path := range doc.Modules {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	total := len(paths)

	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}

		for _, path := range paths[start:end] {
			mod := doc.Modules[path]
			b.addModule(&mod)
		}

		if progress != nil {
			progress(end, total, fmt.Sprintf("transformed batch %d-%d of %d modules", start+1, end, total))
		}
	}

	ts := b.finish()
	ts.Metadata.GeneratedAt = doc.Metadata.Timestamp
	ts.Metadata.ModulesProcessed = total

	return ts
}

// WriteTuples marshals ts and writes it atomically to path. Struct field
// order is fixed, so two identical tuple sets serialize to identical bytes.
func WriteTuples(ts *graph.TupleSet, path string) error {
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tuple set: %w", err)
	}

	if writeErr := artifact.WriteAtomic(path, data, 0o644); writeErr != nil {
		return fmt.Errorf("write tuple set %s: %w", path, writeErr)
	}

	return nil
}

// ReadTuples loads a tuples document from disk.
func ReadTuples(path string) (*graph.TupleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuple set: %w", err)
	}

	var ts graph.TupleSet

	if unmarshalErr := json.Unmarshal(data, &ts); unmarshalErr != nil {
		return nil, fmt.Errorf("decode tuple set: %w", unmarshalErr)
	}

	return &ts, nil
}

// WriteScript writes the rendered cypher script atomically to path.
func WriteScript(script, path string) error {
	if err := artifact.WriteAtomic(path, []byte(script), 0o644); err != nil {
		return fmt.Errorf("write cypher script %s: %w", path, err)
	}

	return nil
}
