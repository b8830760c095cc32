package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftcmd/pycodegraph/pkg/ir"
)

func TestDiskCache_PutGetRoundTrip(t *testing.T) {
	t.Parallel()

	disk, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	mod := &ir.ParsedModule{Path: "a.py", Name: "a", LineCount: 3}

	require.Nil(t, disk.Get("abcd1234"))

	disk.Put("abcd1234", mod)

	got := disk.Get("abcd1234")
	require.NotNil(t, got)
	assert.Equal(t, mod.Path, got.Path)
	assert.Equal(t, mod.LineCount, got.LineCount)
}

func TestDiskCache_EntriesShardedByPrefix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	disk, err := NewDiskCache(dir)
	require.NoError(t, err)

	disk.Put("ab0000", &ir.ParsedModule{Path: "a.py"})
	disk.Put("cd0000", &ir.ParsedModule{Path: "b.py"})

	assert.FileExists(t, filepath.Join(dir, "ab", "ab0000.json"))
	assert.FileExists(t, filepath.Join(dir, "cd", "cd0000.json"))
}

func TestDiskCache_SecondPutKeepsPayload(t *testing.T) {
	t.Parallel()

	disk, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	disk.Put("ab0000", &ir.ParsedModule{Path: "a.py", LineCount: 1})
	disk.Put("ab0000", &ir.ParsedModule{Path: "a.py", LineCount: 999})

	got := disk.Get("ab0000")
	require.NotNil(t, got)
	assert.Equal(t, 1, got.LineCount)
}

func TestDiskCache_CorruptEntryIsDropped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	disk, err := NewDiskCache(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "ab", "ab0000.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	assert.Nil(t, disk.Get("ab0000"))
	assert.NoFileExists(t, path)
}

func TestDiskCache_CleanupRemovesOldEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	disk, err := NewDiskCache(dir)
	require.NoError(t, err)

	disk.Put("ab0000", &ir.ParsedModule{Path: "a.py"})

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "ab", "ab0000.json"), old, old))

	removed := disk.Cleanup(24 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.Nil(t, disk.Get("ab0000"))
}

func TestDiskCache_Stats(t *testing.T) {
	t.Parallel()

	disk, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	disk.Put("ab0000", &ir.ParsedModule{Path: "a.py"})
	disk.Put("cd0000", &ir.ParsedModule{Path: "b.py"})

	stats := disk.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Positive(t, stats.TotalBytes)
}

func TestTiered_DiskHitIsPromotedToMemory(t *testing.T) {
	t.Parallel()

	disk, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	mem := NewParseCache(0)
	tiered := NewTiered(mem, disk)

	disk.Put("ab0000", &ir.ParsedModule{Path: "a.py"})

	require.NotNil(t, tiered.Get("ab0000"))
	assert.NotNil(t, mem.Get("ab0000"))
}

func TestTiered_PutWritesBothTiers(t *testing.T) {
	t.Parallel()

	disk, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	mem := NewParseCache(0)
	tiered := NewTiered(mem, disk)

	tiered.Put("ab0000", &ir.ParsedModule{Path: "a.py"})

	assert.NotNil(t, mem.Get("ab0000"))
	assert.NotNil(t, disk.Get("ab0000"))
}
