// Package artifact centralizes the naming scheme and atomic-write
// discipline for every file a phase produces: names embed the owning
// job's ID, and visible bytes appear only after a write-to-temp plus
// rename.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
)

// Kind enumerates the artifact kinds the pipeline produces.
type Kind string

// Artifact kinds.
const (
	KindExtraction   Kind = "extraction"
	KindCypher       Kind = "cypher"
	KindTuples       Kind = "tuples"
	KindUploadResult Kind = "upload_result"
	KindBackup       Kind = "backup"
)

// knownKinds lists every valid Kind, used to validate download requests.
var knownKinds = map[Kind]struct{}{
	KindExtraction:   {},
	KindCypher:       {},
	KindTuples:       {},
	KindUploadResult: {},
	KindBackup:       {},
}

// IsKnownKind reports whether kind is one of the five artifact kinds this
// system produces.
func IsKnownKind(kind Kind) bool {
	_, ok := knownKinds[kind]

	return ok
}

// FileName returns the filename for one (jobID, kind) pair. Every name
// embeds jobID as a substring, so artifacts are traceable and never
// collide across jobs.
func FileName(jobID string, kind Kind) string {
	switch kind {
	case KindExtraction:
		return fmt.Sprintf("extraction_%s.json", jobID)
	case KindCypher:
		return fmt.Sprintf("cypher_%s.script", jobID)
	case KindTuples:
		return fmt.Sprintf("tuples_%s.json", jobID)
	case KindUploadResult:
		return fmt.Sprintf("upload_result_%s.json", jobID)
	case KindBackup:
		return fmt.Sprintf("backup_%s.tar.gz", jobID)
	default:
		return fmt.Sprintf("%s_%s", kind, jobID)
	}
}

// JobDir returns the per-job artifact directory under artifactDir.
func JobDir(artifactDir, jobID string) string {
	return filepath.Join(artifactDir, jobID)
}

// Path returns the full path for one (jobID, kind) artifact under
// artifactDir.
func Path(artifactDir, jobID string, kind Kind) string {
	return filepath.Join(JobDir(artifactDir, jobID), FileName(jobID, kind))
}

// WriteAtomic writes data to path by first writing to a temp file in the
// same directory, then renaming it into place, so a concurrent reader
// never observes a partially written artifact.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create artifact directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact file: %w", err)
	}

	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("write temp artifact file: %w", writeErr)
	}

	if closeErr != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("close temp artifact file: %w", closeErr)
	}

	if chmodErr := os.Chmod(tmpPath, perm); chmodErr != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("chmod temp artifact file: %w", chmodErr)
	}

	if renameErr := os.Rename(tmpPath, path); renameErr != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("rename artifact into place: %w", renameErr)
	}

	return nil
}
