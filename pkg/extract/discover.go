package extract

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// defaultExcludedDirs are directory names skipped during discovery
// regardless of user-supplied exclude patterns: virtual envs, build output,
// VCS metadata, and tool caches.
var defaultExcludedDirs = map[string]struct{}{
	".git":          {},
	".hg":           {},
	".svn":          {},
	"__pycache__":   {},
	".venv":         {},
	"venv":          {},
	"env":           {},
	"node_modules":  {},
	"dist":          {},
	"build":         {},
	".tox":          {},
	".mypy_cache":   {},
	".pytest_cache": {},
	".ruff_cache":   {},
	".eggs":         {},
	"site-packages": {},
}

// candidate is one discovered file, with its size so the byte-cap check
// does not need a second stat.
type candidate struct {
	// relPath is the path relative to the source root, always /-separated.
	relPath string
	absPath string
	size    int64
}

// discover enumerates files under sourcePath matching the include patterns
// and not matching the exclude patterns, in sorted path order. Files over
// maxFileBytes are left out of files and reported only by one warning
// message each; a file of exactly maxFileBytes is included.
func discover(sourcePath string, opts Options) (files []candidate, warnings []string, err error) {
	include := opts.Include
	if len(include) == 0 {
		include = []string{"*.py"}
	}

	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}

	walkErr := filepath.WalkDir(sourcePath, func(path string, d fs.DirEntry, dirErr error) error {
		if dirErr != nil {
			warnings = append(warnings, fmt.Sprintf("skipping %s: %v", path, dirErr))

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		name := d.Name()

		if d.IsDir() {
			if path == sourcePath {
				return nil
			}

			if _, excluded := defaultExcludedDirs[name]; excluded {
				return filepath.SkipDir
			}

			if strings.HasSuffix(name, ".egg-info") {
				return filepath.SkipDir
			}

			return nil
		}

		rel, relErr := filepath.Rel(sourcePath, path)
		if relErr != nil {
			return relErr
		}

		rel = filepath.ToSlash(rel)

		if !matchAny(include, name, rel) || matchAny(opts.Exclude, name, rel) {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			warnings = append(warnings, fmt.Sprintf("stat %s: %v", rel, statErr))

			return nil
		}

		if info.Size() > maxBytes {
			warnings = append(warnings, fmt.Sprintf("skipping %s: %d bytes exceeds cap of %d", rel, info.Size(), maxBytes))

			return nil
		}

		files = append(files, candidate{relPath: rel, absPath: path, size: info.Size()})

		return nil
	})
	if walkErr != nil {
		return nil, warnings, fmt.Errorf("walk %s: %w", sourcePath, walkErr)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].relPath < files[j].relPath })

	return files, warnings, nil
}

// matchAny reports whether any pattern matches the file's base name or its
// slash-separated relative path.
func matchAny(patterns []string, base, rel string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}

		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}

	return false
}

// validateSourcePath checks that sourcePath exists and is a directory.
func validateSourcePath(sourcePath string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPath, sourcePath)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, sourcePath)
	}

	return nil
}
