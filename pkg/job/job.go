// Package job defines the Job record, the orchestrator's sole unit of
// cross-phase state, and the error taxonomy phases report through it.
package job

import (
	"time"

	"github.com/shiftcmd/pycodegraph/pkg/artifact"
)

// Phase is one of a Job's lifecycle states.
type Phase string

// Phases.
const (
	PhaseCreated      Phase = "created"
	PhaseExtracting   Phase = "extracting"
	PhaseTransforming Phase = "transforming"
	PhaseValidating   Phase = "validating"
	PhaseSnapshotting Phase = "snapshotting"
	PhaseLoading      Phase = "loading"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal reports whether p is one of the job's terminal states, after
// which no further mutation is permitted.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	default:
		return false
	}
}

// ErrorTag classifies a failure for retry policy and reporting.
type ErrorTag string

// Error taxonomy tags.
const (
	TagInputError          ErrorTag = "input_error"
	TagParseError          ErrorTag = "parse_error"
	TagValidationError     ErrorTag = "validation_error"
	TagTransientStoreError ErrorTag = "transient_store_error"
	TagPermanentStoreError ErrorTag = "permanent_store_error"
	TagResourceError       ErrorTag = "resource_error"
	TagInternalError       ErrorTag = "internal_error"
)

// Error is the structured record stored in Job.Error when the job fails:
// the taxonomy tag, message, and (if applicable) the offending file or
// batch identifier.
type Error struct {
	Tag      ErrorTag `json:"tag"`
	Message  string   `json:"message"`
	Offender string   `json:"offender,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Offender != "" {
		return string(e.Tag) + ": " + e.Message + " (" + e.Offender + ")"
	}

	return string(e.Tag) + ": " + e.Message
}

// Retryable reports whether the taxonomy tag is one the orchestrator's
// phase-retry policy applies to.
func (e *Error) Retryable() bool {
	return e != nil && e.Tag == TagTransientStoreError
}

// Job is the orchestrator's primary coordination entity.
type Job struct {
	JobID           string                   `json:"job_id"`
	SourcePath      string                   `json:"source_path"`
	Phase           Phase                    `json:"phase"`
	ProgressPercent int                      `json:"progress_percent"`
	Message         string                   `json:"message"`
	Artifacts       map[artifact.Kind]string `json:"artifacts"`
	Error           *Error                   `json:"error,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`

	// ClearBeforeLoad records whether this job was configured to clear the
	// store before loading; append-only jobs skip the snapshotting phase.
	ClearBeforeLoad bool `json:"clear_before_load"`
}

// New constructs a freshly created Job in PhaseCreated.
func New(jobID, sourcePath string, clearBeforeLoad bool, now time.Time) *Job {
	return &Job{
		JobID:           jobID,
		SourcePath:      sourcePath,
		Phase:           PhaseCreated,
		Artifacts:       make(map[artifact.Kind]string),
		ClearBeforeLoad: clearBeforeLoad,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Terminal reports whether the job is in a terminal phase.
func (j *Job) Terminal() bool {
	return j.Phase.Terminal()
}

// Advance transitions the job to the next phase and resets progress.
func (j *Job) Advance(next Phase, now time.Time) {
	j.Phase = next
	j.ProgressPercent = 0
	j.UpdatedAt = now
}

// Fail marks the job permanently failed with the given structured error.
func (j *Job) Fail(err *Error, now time.Time) {
	j.Phase = PhaseFailed
	j.Error = err
	j.UpdatedAt = now
}

// Cancel marks the job cancelled.
func (j *Job) Cancel(now time.Time) {
	j.Phase = PhaseCancelled
	j.UpdatedAt = now
}

// Complete marks the job completed.
func (j *Job) Complete(now time.Time) {
	j.Phase = PhaseCompleted
	j.ProgressPercent = 100
	j.UpdatedAt = now
}

// SetProgress updates progress within the current phase, clamping so the
// percentage never decreases inside a phase.
func (j *Job) SetProgress(current, total int, message string, now time.Time) {
	percent := 0
	if total > 0 {
		percent = (current * 100) / total
	}

	if percent > j.ProgressPercent {
		j.ProgressPercent = percent
	}

	j.Message = message
	j.UpdatedAt = now
}

// SetArtifact records the path produced by a completed phase for kind.
func (j *Job) SetArtifact(kind artifact.Kind, path string) {
	j.Artifacts[kind] = path
}
