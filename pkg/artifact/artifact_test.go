package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileName_EmbedsJobID(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{KindExtraction, KindCypher, KindTuples, KindUploadResult, KindBackup} {
		name := FileName("job-abc", kind)
		assert.Contains(t, name, "job-abc")
	}
}

func TestFileName_NoCrossJobCollision(t *testing.T) {
	t.Parallel()

	a := FileName("job-1", KindExtraction)
	b := FileName("job-2", KindExtraction)
	assert.NotEqual(t, a, b)
	assert.False(t, strings.Contains(a, "job-2"))
}

func TestIsKnownKind(t *testing.T) {
	t.Parallel()

	assert.True(t, IsKnownKind(KindExtraction))
	assert.False(t, IsKnownKind(Kind("bogus")))
}

func TestWriteAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.json")

	require.NoError(t, WriteAtomic(path, []byte(`{"ok":true}`), 0o640))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files")
}
