package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shiftcmd/pycodegraph/pkg/artifact"
)

func TestPhase_Terminal(t *testing.T) {
	t.Parallel()

	assert.True(t, PhaseCompleted.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	assert.True(t, PhaseCancelled.Terminal())
	assert.False(t, PhaseExtracting.Terminal())
	assert.False(t, PhaseCreated.Terminal())
}

func TestError_Retryable(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Error{Tag: TagTransientStoreError}).Retryable())
	assert.False(t, (&Error{Tag: TagPermanentStoreError}).Retryable())
	assert.False(t, (*Error)(nil).Retryable())
}

func TestJob_New(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j := New("job-1", "/src", false, now)

	assert.Equal(t, PhaseCreated, j.Phase)
	assert.False(t, j.Terminal())
	assert.NotNil(t, j.Artifacts)
	assert.Equal(t, now, j.CreatedAt)
}

func TestJob_SetProgress_NeverDecreases(t *testing.T) {
	t.Parallel()

	now := time.Now()
	j := New("job-1", "/src", false, now)

	j.SetProgress(5, 10, "halfway", now)
	assert.Equal(t, 50, j.ProgressPercent)

	j.SetProgress(2, 10, "regressed input", now)
	assert.Equal(t, 50, j.ProgressPercent, "progress must never decrease within a phase")

	j.SetProgress(10, 10, "done", now)
	assert.Equal(t, 100, j.ProgressPercent)
}

func TestJob_Advance_ResetsProgress(t *testing.T) {
	t.Parallel()

	now := time.Now()
	j := New("job-1", "/src", false, now)
	j.SetProgress(10, 10, "done extracting", now)
	assert.Equal(t, 100, j.ProgressPercent)

	j.Advance(PhaseTransforming, now)
	assert.Equal(t, 0, j.ProgressPercent)
	assert.Equal(t, PhaseTransforming, j.Phase)
}

func TestJob_SetArtifact(t *testing.T) {
	t.Parallel()

	now := time.Now()
	j := New("job-1", "/src", false, now)
	j.SetArtifact(artifact.KindExtraction, "/artifacts/job-1/extraction_job-1.json")

	assert.Equal(t, "/artifacts/job-1/extraction_job-1.json", j.Artifacts[artifact.KindExtraction])
}

func TestJob_FailAndCancelAreTerminal(t *testing.T) {
	t.Parallel()

	now := time.Now()

	failed := New("job-1", "/src", false, now)
	failed.Fail(&Error{Tag: TagPermanentStoreError, Message: "boom"}, now)
	assert.True(t, failed.Terminal())
	assert.Equal(t, TagPermanentStoreError, failed.Error.Tag)

	cancelled := New("job-2", "/src", false, now)
	cancelled.Cancel(now)
	assert.True(t, cancelled.Terminal())
}
