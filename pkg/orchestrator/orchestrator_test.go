package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftcmd/pycodegraph/pkg/artifact"
	"github.com/shiftcmd/pycodegraph/pkg/backup"
	"github.com/shiftcmd/pycodegraph/pkg/cache"
	"github.com/shiftcmd/pycodegraph/pkg/extract"
	"github.com/shiftcmd/pycodegraph/pkg/graphstore"
	"github.com/shiftcmd/pycodegraph/pkg/job"
	"github.com/shiftcmd/pycodegraph/pkg/pyparse"
	"github.com/shiftcmd/pycodegraph/pkg/status"
)

type fixture struct {
	orch  *Orchestrator
	store *graphstore.InMemoryStore
}

func newFixture(t *testing.T, dataDir string) *fixture {
	t.Helper()

	store := graphstore.NewInMemoryStore()
	extractor := extract.New(pyparse.New(), cache.NewParseCache(0), nil)

	var admin graphstore.AdminClient = store
	if dataDir != "" {
		admin = graphstore.NewLocalAdmin(dataDir)
	}

	backups := backup.NewManager(t.TempDir(), admin)

	orch := New(Config{
		ArtifactDir: t.TempDir(),
		StoreName:   t.Name(),
		Retries:     -1,
	}, extractor, store, backups, nil, nil)

	t.Cleanup(orch.Close)

	return &fixture{orch: orch, store: store}
}

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()

	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return root
}

// waitTerminal blocks until the job reaches a terminal phase.
func waitTerminal(t *testing.T, orch *Orchestrator, jobID string) job.Job {
	t.Helper()

	deadline := time.Now().Add(30 * time.Second)

	for time.Now().Before(deadline) {
		snap, err := orch.GetStatus(jobID)
		require.NoError(t, err)

		if snap.Terminal() {
			return snap
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("job did not reach a terminal state")

	return job.Job{}
}

func TestStartAnalysis_TinyTreeCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	source := writeSource(t, map[string]string{"a.py": "x = 1\n"})

	jobID, err := f.orch.StartAnalysis(context.Background(), source, false)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	final := waitTerminal(t, f.orch, jobID)
	require.Equal(t, job.PhaseCompleted, final.Phase)
	assert.Equal(t, 100, final.ProgressPercent)

	// Module node + Variable node, CONTAINS between them.
	assert.Equal(t, 2, f.store.NodeCount())
	assert.Equal(t, 1, f.store.RelationshipCount())

	results, err := f.orch.GetResults(jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, results.Summary.Nodes)
	assert.Equal(t, 1, results.Summary.Relationships)
	assert.Equal(t, 2, results.Summary.NodesUploaded)
	assert.Equal(t, 1, results.Summary.RelationshipsUploaded)

	for kind, path := range results.Artifacts {
		assert.Contains(t, path, jobID, "artifact %s must embed the job id", kind)
		assert.FileExists(t, path)
	}

	for _, kind := range []artifact.Kind{artifact.KindExtraction, artifact.KindTuples, artifact.KindCypher, artifact.KindUploadResult} {
		_, ok := results.Artifacts[kind]
		assert.True(t, ok, "missing artifact %s", kind)
	}
}

func TestStartAnalysis_InvalidPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")

	_, err := f.orch.StartAnalysis(context.Background(), "/does/not/exist", false)
	require.ErrorIs(t, err, extract.ErrInvalidPath)
}

func TestStartAnalysis_NotDirectory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	source := writeSource(t, map[string]string{"a.py": "x = 1\n"})

	_, err := f.orch.StartAnalysis(context.Background(), filepath.Join(source, "a.py"), false)
	require.ErrorIs(t, err, extract.ErrNotDirectory)
}

func TestGetStatus_UnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")

	_, err := f.orch.GetStatus("nope")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestGetResults_NotTerminalJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")

	files := make(map[string]string, 300)
	for i := 0; i < 300; i++ {
		files[filepath.Join("gen", "m"+string(rune('a'+i%26))+string(rune('a'+(i/26)%26))+string(rune('a'+i/676))+".py")] = "x = 1\n"
	}

	source := writeSource(t, files)

	jobID, err := f.orch.StartAnalysis(context.Background(), source, false)
	require.NoError(t, err)

	// Either we catch the job mid-flight (job_not_terminal) or it already
	// finished; both are legal, only the error contract matters.
	_, resErr := f.orch.GetResults(jobID)
	if resErr != nil {
		require.ErrorIs(t, resErr, ErrJobNotTerminal)
	}

	waitTerminal(t, f.orch, jobID)

	_, resErr = f.orch.GetResults(jobID)
	require.NoError(t, resErr)
}

func TestDownloadArtifact(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	source := writeSource(t, map[string]string{"a.py": "x = 1\n"})

	jobID, err := f.orch.StartAnalysis(context.Background(), source, false)
	require.NoError(t, err)
	waitTerminal(t, f.orch, jobID)

	path, filename, err := f.orch.DownloadArtifact(jobID, artifact.KindExtraction)
	require.NoError(t, err)
	assert.Equal(t, "extraction_"+jobID+".json", filename)
	assert.FileExists(t, path)

	_, _, err = f.orch.DownloadArtifact(jobID, artifact.Kind("bogus"))
	require.ErrorIs(t, err, ErrUnknownKind)

	_, _, err = f.orch.DownloadArtifact(jobID, artifact.KindBackup)
	require.ErrorIs(t, err, ErrArtifactMissing)

	_, _, err = f.orch.DownloadArtifact("nope", artifact.KindExtraction)
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")

	files := make(map[string]string, 500)
	for i := 0; i < 500; i++ {
		files[filepath.Join("gen", "m"+string(rune('a'+i%26))+string(rune('a'+(i/26)%26))+string(rune('a'+i/676))+".py")] = strings.Repeat("def f():\n    pass\n\n", 50)
	}

	source := writeSource(t, files)

	jobID, err := f.orch.StartAnalysis(context.Background(), source, false)
	require.NoError(t, err)

	cancelErr := f.orch.Cancel(jobID)
	if cancelErr != nil {
		// The job may already have finished; that is the only legal error.
		require.ErrorIs(t, cancelErr, ErrAlreadyTerminal)

		return
	}

	final := waitTerminal(t, f.orch, jobID)
	assert.Contains(t, []job.Phase{job.PhaseCancelled, job.PhaseCompleted}, final.Phase)

	if final.Phase == job.PhaseCancelled {
		require.ErrorIs(t, f.orch.Cancel(jobID), ErrAlreadyTerminal)
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	require.ErrorIs(t, f.orch.Cancel("nope"), ErrUnknownJob)
}

func TestSubscribeProgress_MonotonicWithinPhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	source := writeSource(t, map[string]string{
		"a.py": "x = 1\n",
		"b.py": "def f():\n    pass\n",
		"c.py": "class C:\n    pass\n",
	})

	jobID, err := f.orch.StartAnalysis(context.Background(), source, false)
	require.NoError(t, err)

	events, err := f.orch.SubscribeProgress(jobID)
	require.NoError(t, err)

	lastByPhase := make(map[string]int)

	for e := range events {
		if e.Kind == status.KindProgress || e.Kind == status.KindFinished {
			require.GreaterOrEqual(t, e.Current, lastByPhase[e.Phase],
				"phase %s went backwards", e.Phase)
			lastByPhase[e.Phase] = e.Current
		}
	}

	final := waitTerminal(t, f.orch, jobID)
	assert.Equal(t, job.PhaseCompleted, final.Phase)
}

func TestSubscribeProgress_UnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")

	_, err := f.orch.SubscribeProgress("nope")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestClearBeforeLoad_SnapshotsFirst(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "store.db"), []byte("graph data"), 0o644))

	f := newFixture(t, dataDir)
	source := writeSource(t, map[string]string{"a.py": "x = 1\n"})

	jobID, err := f.orch.StartAnalysis(context.Background(), source, true)
	require.NoError(t, err)

	final := waitTerminal(t, f.orch, jobID)
	require.Equal(t, job.PhaseCompleted, final.Phase)

	backupPath, ok := final.Artifacts[artifact.KindBackup]
	require.True(t, ok)
	assert.Contains(t, backupPath, jobID)
	assert.FileExists(t, backupPath)

	require.Len(t, f.orch.ListBackups(), 1)
}

func TestUploadFailure_MarksJobFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	// Reject every batch, no matter how small, so the loader's shrink-and-
	// retry loop bottoms out and the phase fails.
	f.store.SetRejectOver(0)
	f.store.SetRejectAll(true)

	source := writeSource(t, map[string]string{"a.py": "x = 1\n"})

	jobID, err := f.orch.StartAnalysis(context.Background(), source, false)
	require.NoError(t, err)

	final := waitTerminal(t, f.orch, jobID)
	require.Equal(t, job.PhaseFailed, final.Phase)
	require.NotNil(t, final.Error)
	assert.Equal(t, job.TagTransientStoreError, final.Error.Tag)

	// Artifacts from completed earlier phases stay downloadable.
	_, _, downloadErr := f.orch.DownloadArtifact(jobID, artifact.KindExtraction)
	require.NoError(t, downloadErr)
}

func TestJobRecordsAreIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	source := writeSource(t, map[string]string{"a.py": "x = 1\n"})

	first, err := f.orch.StartAnalysis(context.Background(), source, false)
	require.NoError(t, err)

	second, err := f.orch.StartAnalysis(context.Background(), source, false)
	require.NoError(t, err)

	require.NotEqual(t, first, second)

	waitTerminal(t, f.orch, first)
	waitTerminal(t, f.orch, second)

	firstResults, err := f.orch.GetResults(first)
	require.NoError(t, err)

	secondResults, err := f.orch.GetResults(second)
	require.NoError(t, err)

	for kind, path := range firstResults.Artifacts {
		assert.NotEqual(t, path, secondResults.Artifacts[kind])
	}
}
