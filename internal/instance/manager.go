package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/backup"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/replication"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
)

// ClientFunc returns the master client for a replica index, or nil when the
// index has no master.
type ClientFunc func(index string) replication.MasterClient

type ManagerOptions struct {
	DataDir     string
	Names       []string
	Role        config.Role
	Replication config.ReplicationConfig
	Clients     ClientFunc
	Backups     *backup.Manager
	Notifier    *notify.CommitNotifier
	Board       *notify.StatusBoard
	Metrics     *metrics.Metrics
}

// Manager owns the instances of every index this node serves, each in its
// own directory under DataDir.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	checks    singleflight.Group
	logger    *slog.Logger
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	m := &Manager{
		instances: make(map[string]*Instance, len(opts.Names)),
		logger:    slog.Default().With("component", "instance-manager"),
	}
	tagger := replication.NewTagger()
	for _, name := range opts.Names {
		if _, dup := m.instances[name]; dup {
			m.closeAll()
			return nil, fmt.Errorf("index %s configured twice", name)
		}
		var client replication.MasterClient
		if opts.Role == config.RoleReplica && opts.Clients != nil {
			client = opts.Clients(name)
		}
		inst, err := Open(Options{
			Name:        name,
			Dir:         filepath.Join(opts.DataDir, name),
			Role:        opts.Role,
			Client:      client,
			Replication: opts.Replication,
			Backups:     opts.Backups,
			Notifier:    opts.Notifier,
			Board:       opts.Board,
			Metrics:     opts.Metrics,
			Tagger:      tagger,
		})
		if err != nil {
			m.closeAll()
			return nil, err
		}
		m.instances[name] = inst
	}
	m.logger.Info("index instances ready", "indexes", len(m.instances), "role", string(opts.Role))
	return m, nil
}

// Get returns the named instance.
func (m *Manager) Get(name string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrIndexNotFound, "%s", name)
	}
	return inst, nil
}

// Names returns the served index names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Replicate runs a replication check of index. Concurrent calls for the same
// index share one pull and its result. The shared pull is detached from the
// first caller's cancellation.
func (m *Manager) Replicate(ctx context.Context, index string) (*replication.Status, error) {
	inst, err := m.Get(index)
	if err != nil {
		return nil, err
	}
	v, err, shared := m.checks.Do(index, func() (any, error) {
		return inst.ReplicationCheck(context.WithoutCancel(ctx))
	})
	if shared {
		m.logger.Debug("replication check coalesced", "index", index)
	}
	st, _ := v.(*replication.Status)
	return st, err
}

// Close closes every instance, joining their errors.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeAll()
}

func (m *Manager) closeAll() error {
	var errs []error
	for name, inst := range m.instances {
		if err := inst.Close(); err != nil {
			m.logger.Error("close failed", "index", name, "error", err)
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	m.instances = make(map[string]*Instance)
	return errors.Join(errs...)
}
