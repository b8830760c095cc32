package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdmin is a graphstore.AdminClient backed by a real directory on disk,
// so archiving/restoring can be exercised end to end without a real store.
type fakeAdmin struct {
	dataDir    string
	pauseErr   error
	resumeErr  error
	paused     bool
	pauseCalls int
}

func (f *fakeAdmin) Pause(context.Context) error {
	f.pauseCalls++
	if f.pauseErr != nil {
		return f.pauseErr
	}

	f.paused = true

	return nil
}

func (f *fakeAdmin) Resume(context.Context) error {
	if f.resumeErr != nil {
		return f.resumeErr
	}

	f.paused = false

	return nil
}

func (f *fakeAdmin) DataDir() string { return f.dataDir }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func TestCreateBackup_ProducesReadableArchive(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "nodes.db"), "node-bytes")
	writeFile(t, filepath.Join(dataDir, "sub", "rels.db"), "rel-bytes")

	admin := &fakeAdmin{dataDir: dataDir}
	m := NewManager(t.TempDir(), admin)

	err := m.CreateBackup(context.Background(), "job-1", "pre-clear")
	require.NoError(t, err)
	assert.False(t, admin.paused, "store must be resumed after backup")

	rec, ok := m.GetBackup("job-1")
	require.True(t, ok)
	assert.Contains(t, rec.ArchivePath, "job-1")
	assert.Greater(t, rec.SizeBytes, int64(0))

	_, statErr := os.Stat(rec.ArchivePath)
	require.NoError(t, statErr)
}

func TestCreateBackup_PauseFailureLeavesNoArchive(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "nodes.db"), "node-bytes")

	admin := &fakeAdmin{dataDir: dataDir, pauseErr: errors.New("store busy")}
	backupDir := t.TempDir()
	m := NewManager(backupDir, admin)

	err := m.CreateBackup(context.Background(), "job-1", "desc")
	require.Error(t, err)

	entries, readErr := os.ReadDir(backupDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "no partial archive should be left behind")

	before, err := os.ReadFile(filepath.Join(dataDir, "nodes.db"))
	require.NoError(t, err)
	assert.Equal(t, "node-bytes", string(before), "data directory must be byte-equal to its pre-call state")
}

func TestRestoreBackup_RoundTrips(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "nodes.db"), "original")

	admin := &fakeAdmin{dataDir: dataDir}
	m := NewManager(t.TempDir(), admin)

	require.NoError(t, m.CreateBackup(context.Background(), "job-1", "snapshot"))

	// Mutate the data directory to simulate a destructive load that ran
	// after the snapshot was taken.
	writeFile(t, filepath.Join(dataDir, "nodes.db"), "mutated")

	require.NoError(t, m.RestoreBackup(context.Background(), "job-1"))

	restored, err := os.ReadFile(filepath.Join(dataDir, "nodes.db"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(restored))
}

func TestRestoreBackup_UnknownJobFails(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{dataDir: t.TempDir()}
	m := NewManager(t.TempDir(), admin)

	err := m.RestoreBackup(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrUnknownBackup)
}

func TestCleanup_KeepsMinimumMostRecent(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{dataDir: t.TempDir()}
	m := NewManager(t.TempDir(), admin)

	base := time.Now().Add(-10 * 24 * time.Hour)
	m.nowFunc = func() time.Time { return base }

	for i, jobID := range []string{"job-old-1", "job-old-2"} {
		writeFile(t, filepath.Join(admin.dataDir, "f.db"), "v")
		m.nowFunc = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		require.NoError(t, m.CreateBackup(context.Background(), jobID, "old"))
	}

	m.nowFunc = time.Now
	require.NoError(t, m.CreateBackup(context.Background(), "job-new", "recent"))

	removed := m.Cleanup(24*time.Hour, 1)
	assert.Equal(t, 2, removed, "both old backups exceed max age and only the single newest backup overall is protected by keepMinimum")

	remaining := m.ListBackups()
	jobIDs := make([]string, 0, len(remaining))
	for _, r := range remaining {
		jobIDs = append(jobIDs, r.JobID)
	}

	assert.Contains(t, jobIDs, "job-new")
}

func TestDeleteBackup(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{dataDir: t.TempDir()}
	writeFile(t, filepath.Join(admin.dataDir, "f.db"), "v")

	m := NewManager(t.TempDir(), admin)
	require.NoError(t, m.CreateBackup(context.Background(), "job-1", "desc"))

	rec, _ := m.GetBackup("job-1")
	require.NoError(t, m.DeleteBackup("job-1"))

	_, ok := m.GetBackup("job-1")
	assert.False(t, ok)

	_, statErr := os.Stat(rec.ArchivePath)
	assert.True(t, os.IsNotExist(statErr))
}
