// Package backup copies pinned generations of an index into a backup root.
// A backup is a local replication: the files of the pinned generation are
// diffed against what the backup directory already holds and only the
// difference is copied, so repeated backups under one name are incremental.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/replication"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
)

// Wildcard matches every backup name or index in List and Delete.
const Wildcard = "*"

const stagingDir = ".staging"

// Status describes one backup of one index.
type Status struct {
	Name           string
	Index          string
	Generation     int64
	Files          []string
	Bytes          int64
	UserData       map[string]string
	MasterIdentity string
	CreatedAt      time.Time
}

func (s Status) ToProto() proto.BackupStatus {
	return proto.BackupStatus{
		Name:       s.Name,
		Index:      s.Index,
		Generation: s.Generation,
		Files:      len(s.Files),
		Bytes:      s.Bytes,
		UserData:   s.UserData,
		CreatedAt:  s.CreatedAt,
	}
}

// Catalog records backups outside the backup root.
type Catalog interface {
	Record(ctx context.Context, st Status) error
	Forget(ctx context.Context, name, index string) error
}

// Mirror copies backups to remote storage.
type Mirror interface {
	Upload(ctx context.Context, st Status, dir string) error
	Delete(ctx context.Context, name, index string) error
}

type Options struct {
	Root    string
	Catalog Catalog
	Mirror  Mirror
	Metrics *metrics.Metrics
	Tagger  *replication.Tagger
}

// Manager creates, lists and deletes backups under one root directory.
// Callers serialise Backup and Delete per index with the gate's backup lock.
type Manager struct {
	root    string
	catalog Catalog
	mirror  Mirror
	metrics *metrics.Metrics
	tagger  *replication.Tagger
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		root:    opts.Root,
		catalog: opts.Catalog,
		mirror:  opts.Mirror,
		metrics: opts.Metrics,
		tagger:  opts.Tagger,
	}
	if m.tagger == nil {
		m.tagger = replication.NewTagger()
	}
	return m
}

func (m *Manager) Root() string { return m.root }

// Dir returns where the backup name of index lives.
func (m *Manager) Dir(name, index string) string {
	return filepath.Join(m.root, name, index)
}

// Backup copies the generation pinned by snapshot into the backup name.
// If anything fails the backup directory is removed.
func (m *Manager) Backup(ctx context.Context, name, index, identity string, snapshot replication.SnapshotFunc) (st *Status, err error) {
	if err := validName("backup name", name); err != nil {
		return nil, err
	}
	if err := validName("index name", index); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("component", "backup", "backup", name, "index", index)
	defer func() { m.metrics.BackedUp(index, err) }()

	dir := m.Dir(name, index)
	if err := prepareDir(dir); err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := os.RemoveAll(dir); rerr != nil {
			log.Warn("removing failed backup directory", "dir", dir, "error", rerr)
		}
	}()

	target, err := indexer.Open(indexer.Options{Dir: dir, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("opening backup directory %s: %w", dir, err)
	}
	defer target.Close()

	if identity == "" {
		identity = index
	}
	master := replication.NewMaster(index, identity, snapshot, replication.MasterOptions{Tagger: m.tagger})
	defer master.Close()
	slave := replication.NewSlave(index, replication.LocalClient{Master: master}, replication.IndexReplica{Engine: target},
		replication.SlaveOptions{
			StagingDir: filepath.Join(m.root, stagingDir),
			Tagger:     m.tagger,
		})

	res, err := slave.Replicate(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("backing up %s to %s: %w", index, name, err)
	}
	st, err = m.status(name, index)
	if err != nil {
		return nil, err
	}
	log.Info("backup complete",
		"strategy", res.Strategy,
		"generation", st.Generation,
		"copied", res.Fetched,
		"removed", res.Deleted,
		"bytes", res.BytesFetched,
	)

	if m.catalog != nil {
		if cerr := m.catalog.Record(ctx, *st); cerr != nil {
			log.Warn("recording backup in catalog", "error", cerr)
		}
	}
	if m.mirror != nil {
		if merr := m.mirror.Upload(ctx, *st, dir); merr != nil {
			return nil, fmt.Errorf("%w: mirroring backup %s of %s: %w", apperrors.ErrTransferFailure, name, index, merr)
		}
	}
	return st, nil
}

// Status returns one backup.
func (m *Manager) Status(name, index string) (*Status, error) {
	if err := validName("backup name", name); err != nil {
		return nil, err
	}
	if err := validName("index name", index); err != nil {
		return nil, err
	}
	return m.status(name, index)
}

func (m *Manager) status(name, index string) (*Status, error) {
	dir := m.Dir(name, index)
	c, err := indexer.ReadCurrent(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && c == nil) {
		return nil, apperrors.Wrapf(apperrors.ErrFileNotFound, "backup %s of index %s", name, index)
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup %s of %s: %w", name, index, err)
	}
	st := &Status{
		Name:       name,
		Index:      index,
		Generation: c.Generation,
		Files:      c.Files(),
		UserData:   c.UserData,
		CreatedAt:  c.CreatedAt,
	}
	for _, f := range st.Files {
		info, err := os.Stat(filepath.Join(dir, f))
		if err != nil {
			return nil, fmt.Errorf("backup %s of %s is incomplete: %w", name, index, err)
		}
		st.Bytes += info.Size()
	}
	state, err := replication.LoadState(dir)
	if err != nil {
		return nil, err
	}
	if state != nil {
		st.MasterIdentity = state.MasterIdentity
		st.CreatedAt = state.ReplicatedAt
	}
	return st, nil
}

// List returns the backups matching name and index, either of which may be
// Wildcard or empty. Directories without a visible generation are skipped.
func (m *Manager) List(name, index string) ([]Status, error) {
	var out []Status
	err := m.walk(name, index, func(n, idx string) error {
		st, err := m.status(n, idx)
		if apperrors.Is(err, apperrors.ErrFileNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = append(out, *st)
		return nil
	})
	return out, err
}

// Delete removes the matching backups and returns how many were removed.
func (m *Manager) Delete(ctx context.Context, name, index string) (int, error) {
	log := logger.FromContext(ctx).With("component", "backup")
	var removed int
	err := m.walk(name, index, func(n, idx string) error {
		if err := os.RemoveAll(m.Dir(n, idx)); err != nil {
			return fmt.Errorf("deleting backup %s of %s: %w", n, idx, err)
		}
		removed++
		if m.catalog != nil {
			if err := m.catalog.Forget(ctx, n, idx); err != nil {
				log.Warn("removing backup from catalog", "backup", n, "index", idx, "error", err)
			}
		}
		if m.mirror != nil {
			if err := m.mirror.Delete(ctx, n, idx); err != nil {
				log.Warn("removing mirrored backup", "backup", n, "index", idx, "error", err)
			}
		}
		if entries, err := os.ReadDir(filepath.Join(m.root, n)); err == nil && len(entries) == 0 {
			os.Remove(filepath.Join(m.root, n))
		}
		return nil
	})
	if removed > 0 {
		log.Info("backups deleted", "backup", name, "index", index, "count", removed)
	}
	return removed, err
}

// walk calls fn for every existing backup directory matching name and index
// in sorted order.
func (m *Manager) walk(name, index string, fn func(name, index string) error) error {
	names, err := m.match(m.root, name)
	if err != nil {
		return err
	}
	for _, n := range names {
		indexes, err := m.match(filepath.Join(m.root, n), index)
		if err != nil {
			return err
		}
		for _, idx := range indexes {
			if err := fn(n, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) match(dir, pattern string) ([]string, error) {
	if pattern != "" && pattern != Wildcard {
		if err := validName("name", pattern); err != nil {
			return nil, err
		}
		info, err := os.Stat(filepath.Join(dir, pattern))
		if err != nil || !info.IsDir() {
			return nil, nil
		}
		return []string{pattern}, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// prepareDir creates dir if needed and refuses anything that is not a
// directory.
func prepareDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return apperrors.Wrapf(apperrors.ErrBackupDirectory, "backup path %s is not a directory", dir)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return apperrors.Wrapf(apperrors.ErrBackupDirectory, "checking backup path %s: %v", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrapf(apperrors.ErrBackupDirectory, "creating backup path %s: %v", dir, err)
	}
	return nil
}

func validName(what, name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) || name == Wildcard {
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "invalid %s %q", what, name)
	}
	return nil
}
