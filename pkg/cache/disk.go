package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/shiftcmd/pycodegraph/pkg/ir"
)

// DiskCache persists parsed modules under a directory, addressed by
// fingerprint prefix: <dir>/<fp[0:2]>/<fp>.json. It survives process
// restarts, so a second extraction of an unchanged tree is served from
// disk even across separate CLI invocations. All methods are best effort:
// a read or write failure behaves like a miss and never fails the caller.
type DiskCache struct {
	dir string
}

// NewDiskCache creates the cache directory if needed and returns the cache.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	return &DiskCache{dir: dir}, nil
}

// entryPath shards entries by the fingerprint's first two hex characters so
// no single directory grows unbounded.
func (d *DiskCache) entryPath(fp Fingerprint) string {
	prefix := "00"
	if len(fp) >= 2 {
		prefix = string(fp[:2])
	}

	return filepath.Join(d.dir, prefix, string(fp)+".json")
}

// Get returns the cached module for fp, or nil on miss or decode failure.
// A hit refreshes the entry's modification time, which Cleanup uses as the
// last-used marker.
func (d *DiskCache) Get(fp Fingerprint) *ir.ParsedModule {
	path := d.entryPath(fp)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var mod ir.ParsedModule
	if json.Unmarshal(data, &mod) != nil {
		// A torn or corrupt entry is dropped rather than served.
		os.Remove(path)

		return nil
	}

	now := time.Now()
	_ = os.Chtimes(path, now, now)

	return &mod
}

// Put stores the module under fp. A second write with the same key leaves
// the existing payload in place.
func (d *DiskCache) Put(fp Fingerprint, module *ir.ParsedModule) {
	if module == nil {
		return
	}

	path := d.entryPath(fp)

	if _, err := os.Stat(path); err == nil {
		now := time.Now()
		_ = os.Chtimes(path, now, now)

		return
	}

	data, err := json.Marshal(module)
	if err != nil {
		return
	}

	if os.MkdirAll(filepath.Dir(path), 0o750) != nil {
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*.tmp")
	if err != nil {
		return
	}

	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr != nil || closeErr != nil {
		os.Remove(tmpPath)

		return
	}

	if os.Rename(tmpPath, path) != nil {
		os.Remove(tmpPath)
	}
}

// Cleanup removes entries whose last use is older than maxAge and returns
// the number removed.
func (d *DiskCache) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	_ = filepath.Walk(d.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
		}

		return nil
	})

	return removed
}

// DiskStats summarizes the on-disk cache contents.
type DiskStats struct {
	Entries    int
	TotalBytes int64
}

// Stats walks the cache directory and returns entry and byte counts.
func (d *DiskCache) Stats() DiskStats {
	var s DiskStats

	_ = filepath.Walk(d.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		s.Entries++
		s.TotalBytes += info.Size()

		return nil
	})

	return s
}

// Tiered layers the in-memory LRU in front of the disk cache: reads check
// memory first, then disk (promoting disk hits into memory); writes go to
// both.
type Tiered struct {
	mem  *ParseCache
	disk *DiskCache
}

// NewTiered combines a memory and a disk cache. Either may be nil.
func NewTiered(mem *ParseCache, disk *DiskCache) *Tiered {
	return &Tiered{mem: mem, disk: disk}
}

// Get checks the memory tier, then the disk tier.
func (t *Tiered) Get(fp Fingerprint) *ir.ParsedModule {
	if t.mem != nil {
		if hit := t.mem.Get(fp); hit != nil {
			return hit
		}
	}

	if t.disk != nil {
		if hit := t.disk.Get(fp); hit != nil {
			if t.mem != nil {
				t.mem.Put(fp, hit)
			}

			return hit
		}
	}

	return nil
}

// Put writes through to both tiers.
func (t *Tiered) Put(fp Fingerprint, module *ir.ParsedModule) {
	if t.mem != nil {
		t.mem.Put(fp, module)
	}

	if t.disk != nil {
		t.disk.Put(fp, module)
	}
}
