package replication

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Source lists the files of one generation.
type Source interface {
	Dir() string
	Manifest() (FileManifest, error)
	Close() error
}

// Snapshot is a pinned generation. Release must be safe to call more than
// once.
type Snapshot interface {
	Dir() string
	Generation() int64
	CommitName() string
	Files() []string
	Release() error
}

// Tagger computes version tags: the hex xxhash64 of a file's content. Tags
// are cached by path, size and modification time so an unchanged file is
// hashed once.
type Tagger struct {
	mu    sync.Mutex
	cache map[string]taggedFile
}

type taggedFile struct {
	size    int64
	modTime time.Time
	tag     string
}

func NewTagger() *Tagger {
	return &Tagger{cache: make(map[string]taggedFile)}
}

// Item stats and tags dir/name.
func (t *Tagger) Item(dir, name string) (Item, error) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return Item{}, fmt.Errorf("%s is not a regular file", name)
	}

	t.mu.Lock()
	cached, ok := t.cache[path]
	t.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return Item{Name: name, Length: info.Size(), VersionTag: cached.tag}, nil
	}

	tag, err := hashFile(path)
	if err != nil {
		return Item{}, err
	}
	t.mu.Lock()
	t.cache[path] = taggedFile{size: info.Size(), modTime: info.ModTime(), tag: tag}
	t.mu.Unlock()
	return Item{Name: name, Length: info.Size(), VersionTag: tag}, nil
}

// Forget drops cached tags for names under dir.
func (t *Tagger) Forget(dir string, names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range names {
		delete(t.cache, filepath.Join(dir, name))
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func manifestOf(t *Tagger, dir string, names []string) (FileManifest, error) {
	items := make([]Item, 0, len(names))
	for _, name := range names {
		it, err := t.Item(dir, name)
		if err != nil {
			return FileManifest{}, err
		}
		items = append(items, it)
	}
	return NewManifest(items), nil
}

// CommitSource lists a pinned generation. Close releases the pin.
type CommitSource struct {
	snap   Snapshot
	tagger *Tagger
}

func FromCommit(snap Snapshot, tagger *Tagger) *CommitSource {
	return &CommitSource{snap: snap, tagger: tagger}
}

func (s *CommitSource) Dir() string        { return s.snap.Dir() }
func (s *CommitSource) Generation() int64  { return s.snap.Generation() }
func (s *CommitSource) CommitName() string { return s.snap.CommitName() }

func (s *CommitSource) Manifest() (FileManifest, error) {
	return manifestOf(s.tagger, s.snap.Dir(), s.snap.Files())
}

func (s *CommitSource) Close() error {
	return s.snap.Release()
}

// DirectorySource lists every regular file directly under a directory.
// Temporary files are skipped.
type DirectorySource struct {
	dir    string
	tagger *Tagger
}

func FromDirectory(dir string, tagger *Tagger) *DirectorySource {
	return &DirectorySource{dir: dir, tagger: tagger}
}

func (s *DirectorySource) Dir() string { return s.dir }

func (s *DirectorySource) Manifest() (FileManifest, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return FileManifest{}, nil
	}
	if err != nil {
		return FileManifest{}, fmt.Errorf("listing %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	return manifestOf(s.tagger, s.dir, names)
}

func (s *DirectorySource) Close() error { return nil }

// FileListSource lists an explicit set of files under a directory.
type FileListSource struct {
	dir    string
	names  []string
	tagger *Tagger
}

func FromFiles(dir string, names []string, tagger *Tagger) *FileListSource {
	return &FileListSource{dir: dir, names: append([]string(nil), names...), tagger: tagger}
}

func (s *FileListSource) Dir() string { return s.dir }

func (s *FileListSource) Manifest() (FileManifest, error) {
	return manifestOf(s.tagger, s.dir, s.names)
}

func (s *FileListSource) Close() error { return nil }
