package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftcmd/pycodegraph/pkg/cache"
	"github.com/shiftcmd/pycodegraph/pkg/pyparse"
	"github.com/shiftcmd/pycodegraph/pkg/status"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()

	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return root
}

func newTestExtractor() *Extractor {
	return New(pyparse.New(), cache.NewParseCache(0), nil)
}

func TestRun_TinyTree(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{"a.py": "x = 1\n"})

	doc, err := newTestExtractor().Run(context.Background(), "job-1", root, Options{}, nil)
	require.NoError(t, err)

	require.Len(t, doc.Modules, 1)
	mod := doc.Modules["a.py"]
	require.Len(t, mod.Variables, 1)
	assert.Equal(t, "x", mod.Variables[0].Name)
	assert.False(t, mod.Variables[0].IsConstant)
	assert.Equal(t, 1, doc.Statistics.Parsed)
	assert.Equal(t, 1, doc.Metadata.FileCount)
	assert.NotEmpty(t, mod.ContentFingerprint)
}

func TestRun_EmptyDirectorySucceeds(t *testing.T) {
	t.Parallel()

	doc, err := newTestExtractor().Run(context.Background(), "job-2", t.TempDir(), Options{}, nil)
	require.NoError(t, err)

	assert.Empty(t, doc.Modules)
	assert.Equal(t, 0, doc.Metadata.FileCount)
}

func TestRun_InvalidPath(t *testing.T) {
	t.Parallel()

	_, err := newTestExtractor().Run(context.Background(), "job-3", "/does/not/exist", Options{}, nil)
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestRun_FileNotDirectory(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{"a.py": "x = 1\n"})

	_, err := newTestExtractor().Run(context.Background(), "job-4", filepath.Join(root, "a.py"), Options{}, nil)
	require.ErrorIs(t, err, ErrNotDirectory)
}

func TestRun_InvalidFileDoesNotFailRun(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"good.py": "def f():\n    pass\n",
		"bad.py":  "def broken(:\n    pass\n",
	})

	doc, err := newTestExtractor().Run(context.Background(), "job-5", root, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, doc.Statistics.Parsed)
	assert.Equal(t, 1, doc.Statistics.Failed)
	assert.NotEmpty(t, doc.Modules["bad.py"].ParseErrors)
	assert.NotEmpty(t, doc.Errors)
}

func TestRun_SizeCapBoundary(t *testing.T) {
	t.Parallel()

	atCap := "x = 1\n"

	root := writeTree(t, map[string]string{
		"at_cap.py":   atCap,
		"over_cap.py": atCap + "\n",
	})

	opts := Options{MaxFileBytes: int64(len(atCap))}

	var warnings []string

	doc, err := newTestExtractor().Run(context.Background(), "job-6", root, opts, func(e status.Event) {
		if e.Kind == status.KindWarning {
			warnings = append(warnings, e.Message)
		}
	})
	require.NoError(t, err)

	_, atCapIncluded := doc.Modules["at_cap.py"]
	_, overCapIncluded := doc.Modules["over_cap.py"]

	assert.True(t, atCapIncluded)
	assert.False(t, overCapIncluded)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "over_cap.py")
}

func TestRun_DefaultExcludes(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"pkg/a.py":               "x = 1\n",
		".venv/lib/ignored.py":   "x = 1\n",
		"__pycache__/ignored.py": "x = 1\n",
		"build/ignored.py":       "x = 1\n",
	})

	doc, err := newTestExtractor().Run(context.Background(), "job-7", root, Options{}, nil)
	require.NoError(t, err)

	require.Len(t, doc.Modules, 1)
	_, ok := doc.Modules["pkg/a.py"]
	assert.True(t, ok)
}

func TestRun_ExcludePatterns(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"a.py":      "x = 1\n",
		"a_test.py": "x = 1\n",
	})

	doc, err := newTestExtractor().Run(context.Background(), "job-8", root, Options{Exclude: []string{"*_test.py"}}, nil)
	require.NoError(t, err)

	require.Len(t, doc.Modules, 1)
	_, ok := doc.Modules["a.py"]
	assert.True(t, ok)
}

func TestRun_SecondRunIsFullyCached(t *testing.T) {
	t.Parallel()

	files := make(map[string]string)
	for i := 0; i < 20; i++ {
		name := "m" + string(rune('a'+i))
		files[filepath.Join("pkg", name+".py")] = name + "_value = " + string(rune('0'+i%10)) + "\n"
	}

	root := writeTree(t, files)
	extractor := newTestExtractor()

	first, err := extractor.Run(context.Background(), "job-9", root, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, first.Statistics.Parsed)
	assert.Equal(t, 0, first.Statistics.Cached)

	second, err := extractor.Run(context.Background(), "job-9b", root, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Statistics.Parsed)
	assert.Equal(t, 20, second.Statistics.Cached)

	// Cached modules are byte-equal to the first run's.
	assert.Equal(t, first.Modules, second.Modules)
}

func TestRun_CancellationStopsAtCheckpoint(t *testing.T) {
	t.Parallel()

	files := make(map[string]string)
	for i := 0; i < 200; i++ {
		files[filepath.Join("pkg", "gen", "m"+string(rune('a'+i%26))+string(rune('a'+i/26))+".py")] = "x = 1\n"
	}

	root := writeTree(t, files)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestExtractor().Run(ctx, "job-10", root, Options{}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_ProgressMonotonicAndComplete(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"a.py": "x = 1\n",
		"b.py": "y = 2\n",
		"c.py": "z = 3\n",
	})

	last := 0
	finished := false

	_, err := newTestExtractor().Run(context.Background(), "job-11", root, Options{}, func(e status.Event) {
		switch e.Kind {
		case status.KindProgress:
			require.GreaterOrEqual(t, e.Current, last)
			last = e.Current
		case status.KindFinished:
			finished = true

			assert.Equal(t, e.Total, e.Current)
		}
	})
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Equal(t, 3, last)
}

func TestFingerprint_ChangesWithContent(t *testing.T) {
	t.Parallel()

	a := Fingerprint([]byte("x = 1\n"))
	b := Fingerprint([]byte("x = 2\n"))

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Fingerprint([]byte("x = 1\n")))
	assert.Len(t, string(a), 64)
}

func TestWriteAndReadDocument_RoundTrip(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{"a.py": "x = 1\n"})

	doc, err := newTestExtractor().Run(context.Background(), "job-12", root, Options{}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "extraction_job-12.json")
	require.NoError(t, WriteDocument(doc, path))

	loaded, err := ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, doc.Modules, loaded.Modules)
	assert.Equal(t, doc.Statistics, loaded.Statistics)
}
