package indexer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type pinnedCommit struct {
	commit *CommitPoint
	refs   int
}

// Pin holds a generation's files on disk until Release. It is what
// replication sessions and backups read from while commits continue.
type Pin struct {
	engine *Engine
	commit *CommitPoint
	once   sync.Once
}

// Snapshot pins the visible generation.
func (e *Engine) Snapshot() (*Pin, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, ErrNoCommit
	}
	gen := e.current.Generation
	p, ok := e.pinned[gen]
	if !ok {
		p = &pinnedCommit{commit: e.current.clone()}
		e.pinned[gen] = p
	}
	p.refs++
	return &Pin{engine: e, commit: p.commit}, nil
}

func (p *Pin) Dir() string        { return p.engine.dir }
func (p *Pin) Generation() int64  { return p.commit.Generation }
func (p *Pin) CommitName() string { return p.commit.FileName() }

// Files lists the pinned generation's files, commit file last.
func (p *Pin) Files() []string {
	return p.commit.Files()
}

// Release drops the pin. Only the first call has an effect.
func (p *Pin) Release() error {
	p.once.Do(func() {
		p.engine.unpin(p.commit.Generation)
	})
	return nil
}

func (e *Engine) unpin(gen int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pinned[gen]
	if !ok {
		return
	}
	p.refs--
	if p.refs > 0 {
		return
	}
	delete(e.pinned, gen)
	e.gcLocked()
}

func (e *Engine) referencedLocked() map[string]bool {
	refs := make(map[string]bool)
	if e.current != nil {
		for _, name := range e.current.Files() {
			refs[name] = true
		}
	}
	for _, p := range e.pinned {
		for _, name := range p.commit.Files() {
			refs[name] = true
		}
	}
	return refs
}

// gcLocked deletes segment and commit files that neither the visible
// generation nor any pin references.
func (e *Engine) gcLocked() {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		e.logger.Warn("listing index directory for cleanup", "error", err)
		return
	}
	refs := e.referencedLocked()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || refs[name] || !(isSegmentFile(name) || isCommitFile(name)) {
			continue
		}
		if err := os.Remove(filepath.Join(e.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("removing unreferenced file", "file", name, "error", err)
			continue
		}
		e.logger.Debug("removed unreferenced file", "file", name)
	}
}

// LocalFiles lists the files of the visible generation, or nil when there is
// none.
func (e *Engine) LocalFiles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return nil
	}
	return e.current.Files()
}

// Install moves names from stagingDir into the index and makes commitName
// the visible generation. Files are moved first and CURRENT is replaced
// last, so a failure before the final rename leaves the old generation
// visible. Only read-only engines accept installs.
func (e *Engine) Install(stagingDir string, names []string, commitName string) (*CommitPoint, error) {
	if !e.readOnly {
		return nil, fmt.Errorf("install into writable index %s", e.dir)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, name := range names {
		if _, err := os.Stat(filepath.Join(stagingDir, name)); err != nil {
			return nil, fmt.Errorf("staged file %s: %w", name, err)
		}
	}

	replaced := make(map[string]bool, len(names))
	for _, name := range names {
		if name == commitName {
			continue
		}
		if err := os.Rename(filepath.Join(stagingDir, name), filepath.Join(e.dir, name)); err != nil {
			return nil, fmt.Errorf("installing %s: %w", name, err)
		}
		replaced[name] = true
	}
	for _, name := range names {
		if name != commitName {
			continue
		}
		if err := os.Rename(filepath.Join(stagingDir, name), filepath.Join(e.dir, name)); err != nil {
			return nil, fmt.Errorf("installing %s: %w", name, err)
		}
	}
	if err := syncDir(e.dir); err != nil {
		return nil, err
	}

	c, err := ReadCommit(e.dir, commitName)
	if err != nil {
		return nil, err
	}
	opened, err := e.openMissingLocked(c.Segments, replaced)
	if err != nil {
		return nil, err
	}
	if err := writeCurrent(e.dir, commitName); err != nil {
		closeAll(opened)
		return nil, err
	}
	e.adoptLocked(c, opened)
	e.logger.Info("generation installed",
		"generation", c.Generation,
		"files", len(names),
	)
	return c.clone(), nil
}

// Reload drops every segment reader and reopens the generation named by
// CURRENT.
func (e *Engine) Reload() (*CommitPoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, err := ReadCurrent(e.dir)
	if err != nil {
		return nil, err
	}
	e.closeReadersLocked()
	e.current = nil
	if current == nil {
		return nil, nil
	}
	if err := e.syncReaders(current.Segments, nil); err != nil {
		return nil, err
	}
	e.current = current
	return current.clone(), nil
}

// Remove deletes names from the index directory. Files still referenced by
// the visible generation or a pin are kept; missing files are ignored.
func (e *Engine) Remove(names []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	refs := e.referencedLocked()
	var errs []error
	for _, name := range names {
		if refs[name] || name == CurrentFile || name == IdentityFile {
			e.logger.Debug("keeping referenced file", "file", name)
			continue
		}
		if err := os.Remove(filepath.Join(e.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
