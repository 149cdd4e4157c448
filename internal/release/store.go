// Package release persists named, immutable snapshots of classified build
// artifacts for replay without recompilation.
package release

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaestefaniah27/arcompile/internal/artifact"
	"github.com/jaestefaniah27/arcompile/internal/model"
)

var (
	ErrDuplicate   = errors.New("release already exists")
	ErrNotFound    = errors.New("release not found")
	ErrNoArtifacts = errors.New("no artifacts to save")
)

const metaFile = ".meta"

// MetaSource tells callers whether the family came from the metadata record
// or from the best-effort file-extension heuristic. The heuristic can
// misclassify artifacts that were placed without using Save.
type MetaSource string

const (
	MetaSourceRecord    MetaSource = "metadata"
	MetaSourceHeuristic MetaSource = "heuristic"
)

// Meta is the flat key=value record written alongside the artifacts.
type Meta struct {
	Name   string
	Date   time.Time
	FQBN   string
	Family model.ChipFamily
	Source MetaSource
}

// Store manages the releases/<name>/ directory tree.
type Store struct {
	root string
	now  func() time.Time
}

func NewStore(root string) *Store {
	return &Store{root: root, now: time.Now}
}

// Dir returns the directory holding a named release.
func (s *Store) Dir(name string) string {
	return filepath.Join(s.root, name)
}

// Save copies the artifact set into a new release directory and writes its
// metadata record. Fails without touching an existing release of the same
// name; releases are immutable once created.
func (s *Store) Save(name string, set model.ArtifactSet, fqbn string, family model.ChipFamily) error {
	if len(set) == 0 {
		return ErrNoArtifacts
	}
	dst := s.Dir(name)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat release dir: %w", err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create release dir: %w", err)
	}
	for _, src := range set {
		if err := copyFile(src, filepath.Join(dst, filepath.Base(src))); err != nil {
			return fmt.Errorf("copy artifact: %w", err)
		}
	}
	meta := fmt.Sprintf("NAME=%s\nDATE=%s\nFQBN=%s\nFAMILY=%s\n",
		name, s.now().Format("2006-01-02 15:04:05"), fqbn, family)
	if err := os.WriteFile(filepath.Join(dst, metaFile), []byte(meta), 0o644); err != nil {
		return fmt.Errorf("write release metadata: %w", err)
	}
	return nil
}

// Load reads a release back: its artifact set, chip family, and whether the
// family came from metadata or the heuristic fallback.
func (s *Store) Load(name string) (model.ArtifactSet, model.ChipFamily, MetaSource, error) {
	dir := s.Dir(name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, "", "", fmt.Errorf("stat release: %w", err)
	}

	files, err := listFiles(dir)
	if err != nil {
		return nil, "", "", err
	}
	set := artifact.ClassifyRelease(files).Set

	meta, err := s.readMeta(name)
	if err == nil && meta.Family != "" {
		return set, meta.Family, MetaSourceRecord, nil
	}
	return set, guessFamily(files), MetaSourceHeuristic, nil
}

// ReadMeta exposes the metadata record; AVR replay needs the stored FQBN.
func (s *Store) ReadMeta(name string) (Meta, error) {
	return s.readMeta(name)
}

func (s *Store) readMeta(name string) (Meta, error) {
	f, err := os.Open(filepath.Join(s.Dir(name), metaFile))
	if err != nil {
		return Meta{}, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()

	meta := Meta{Source: MetaSourceRecord}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "NAME":
			meta.Name = v
		case "DATE":
			if ts, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
				meta.Date = ts
			}
		case "FQBN":
			meta.FQBN = v
		case "FAMILY":
			meta.Family = model.ChipFamily(v)
		}
	}
	if err := sc.Err(); err != nil {
		return Meta{}, fmt.Errorf("read metadata: %w", err)
	}
	return meta, nil
}

// guessFamily is the explicit best-effort fallback for releases without a
// readable metadata record: a .hex file implies AVR.
func guessFamily(files []string) model.ChipFamily {
	for _, f := range files {
		if strings.HasSuffix(strings.ToLower(f), ".hex") {
			return model.FamilyAvr
		}
	}
	return model.FamilyEsp32Classic
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read release dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == metaFile {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
