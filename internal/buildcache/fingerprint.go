// Package buildcache decides whether a remote build can be skipped by
// fingerprinting the project sources.
package buildcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns selects the files that feed the fingerprint: sketch,
// headers, compiled sources and the library manifest.
var DefaultPatterns = []string{"**/*.ino", "**/*.cpp", "**/*.h", "**/*.txt"}

// MarkerName is the single-line digest marker written after a successful
// build and artifact retrieval.
const MarkerName = ".build_hash"

// Fingerprint hashes the content of every file under root matched by the
// given patterns. Paths are sorted lexicographically before hashing so the
// digest is independent of filesystem enumeration order.
func Fingerprint(root string, patterns []string) (string, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, p := range patterns {
			ok, err := doublestar.Match(p, rel)
			if err != nil {
				return fmt.Errorf("pattern %q: %w", p, err)
			}
			if ok {
				files = append(files, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		r, err := os.Open(f)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", f, err)
		}
		_, err = io.Copy(h, r)
		r.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", f, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadMarker returns the stored digest, or "" when the marker is missing.
func ReadMarker(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// WriteMarker records the digest after a successful build and download.
func WriteMarker(path, digest string) error {
	if err := os.WriteFile(path, []byte(digest+"\n"), 0o644); err != nil {
		return fmt.Errorf("write build marker: %w", err)
	}
	return nil
}

// IsStale reports whether a build is needed. A missing stored digest always
// forces a build.
func IsStale(current, stored string) bool {
	return stored == "" || current != stored
}
