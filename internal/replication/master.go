package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
)

// DefaultSessionMaxIdle is how long a session may go without a fetch before
// a sweep releases it.
const DefaultSessionMaxIdle = 30 * time.Minute

// SnapshotFunc pins the visible generation of the master's index.
type SnapshotFunc func() (Snapshot, error)

// SessionInfo is what a replica receives from BeginSession.
type SessionInfo struct {
	SessionID      string
	Index          string
	MasterIdentity string
	Generation     int64
	CommitName     string
	Manifest       FileManifest
}

type MasterOptions struct {
	MaxIdle time.Duration
	// RateLimit caps bytes per second across all streams. Zero disables it.
	RateLimit int64
	Metrics   *metrics.Metrics
	Registry  *Registry
	Tagger    *Tagger
}

// Master serves pinned generations of one index to replicas.
type Master struct {
	index    string
	identity string
	snapshot SnapshotFunc
	registry *Registry
	tagger   *Tagger
	limiter  *rate.Limiter
	maxIdle  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewMaster(index, identity string, snapshot SnapshotFunc, opts MasterOptions) *Master {
	m := &Master{
		index:    index,
		identity: identity,
		snapshot: snapshot,
		registry: opts.Registry,
		tagger:   opts.Tagger,
		maxIdle:  opts.MaxIdle,
		metrics:  opts.Metrics,
		logger:   slog.Default().With("component", "replication-master", "index", index),
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.tagger == nil {
		m.tagger = NewTagger()
	}
	if m.maxIdle <= 0 {
		m.maxIdle = DefaultSessionMaxIdle
	}
	if opts.RateLimit > 0 {
		burst := 1 << 20
		if int64(burst) > opts.RateLimit {
			burst = int(opts.RateLimit)
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return m
}

func (m *Master) Index() string       { return m.index }
func (m *Master) Identity() string    { return m.identity }
func (m *Master) Registry() *Registry { return m.registry }

// BeginSession pins the visible generation and registers a session for it.
// The pin is released if anything after it fails.
func (m *Master) BeginSession(ctx context.Context) (_ *SessionInfo, err error) {
	snap, err := m.snapshot()
	if err != nil {
		return nil, fmt.Errorf("pinning generation: %w", err)
	}
	source := FromCommit(snap, m.tagger)
	defer func() {
		if err != nil {
			if cerr := source.Close(); cerr != nil {
				m.logger.Warn("releasing pin after failed begin", "error", cerr)
			}
		}
	}()

	manifest, err := source.Manifest()
	if err != nil {
		return nil, fmt.Errorf("building manifest for generation %d: %w", snap.Generation(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session := &Session{
		ID:         uuid.NewString(),
		Index:      m.index,
		Identity:   m.identity,
		Generation: snap.Generation(),
		CommitName: snap.CommitName(),
		Manifest:   manifest,
	}
	m.registry.Register(session, source)
	m.metrics.SessionOpened(m.index)
	m.logger.Info("replication session opened",
		"session_id", session.ID,
		"generation", session.Generation,
		"files", manifest.Len(),
		"bytes", manifest.TotalBytes(),
	)
	return &SessionInfo{
		SessionID:      session.ID,
		Index:          m.index,
		MasterIdentity: m.identity,
		Generation:     session.Generation,
		CommitName:     session.CommitName,
		Manifest:       manifest,
	}, nil
}

// Fetch opens one file of the session's generation. Only names in the
// session's manifest are served. The file is opened while the session is
// held, so a concurrent release cannot collect it first.
func (m *Master) Fetch(ctx context.Context, sessionID, name string) (io.ReadCloser, Item, error) {
	var (
		item Item
		f    *os.File
	)
	err := m.registry.Use(sessionID, func(s *Session) error {
		it, ok := s.Manifest.Get(name)
		if !ok {
			return apperrors.Wrapf(apperrors.ErrFileNotFound, "%q is not part of session %s", name, sessionID)
		}
		file, err := os.Open(filepath.Join(s.source.Dir(), it.Name))
		if err != nil {
			return fmt.Errorf("opening %s: %w", it.Name, err)
		}
		item, f = it, file
		return nil
	})
	if err != nil {
		return nil, Item{}, err
	}
	return &servedFile{
		ctx:     ctx,
		file:    f,
		limiter: m.limiter,
		done: func(n int64) {
			m.metrics.Served(m.index, n)
		},
	}, item, nil
}

// Release drops a session and reports whether it was open. Unknown or
// already released ids are ignored.
func (m *Master) Release(sessionID string) bool {
	if !m.registry.Release(sessionID) {
		return false
	}
	m.metrics.SessionClosed(m.index, "released")
	m.logger.Info("replication session released", "session_id", sessionID)
	return true
}

// SweepExpired releases sessions idle longer than the configured maximum.
func (m *Master) SweepExpired() int {
	ids := m.registry.SweepExpired(m.maxIdle)
	for _, id := range ids {
		m.metrics.SessionClosed(m.index, "expired")
		m.logger.Info("replication session expired", "session_id", id, "max_idle", m.maxIdle)
	}
	return len(ids)
}

func (m *Master) Sessions() []SessionView {
	return m.registry.Sessions()
}

// Close releases every open session.
func (m *Master) Close() {
	if n := m.registry.Close(); n > 0 {
		for i := 0; i < n; i++ {
			m.metrics.SessionClosed(m.index, "released")
		}
		m.logger.Info("released open sessions on close", "sessions", n)
	}
}

// servedFile streams a pinned file, throttled by the master's limiter.
type servedFile struct {
	ctx     context.Context
	file    *os.File
	limiter *rate.Limiter
	n       int64
	done    func(int64)
	once    sync.Once
}

func (s *servedFile) Read(p []byte) (int, error) {
	if s.limiter != nil {
		if burst := s.limiter.Burst(); len(p) > burst {
			p = p[:burst]
		}
	}
	n, err := s.file.Read(p)
	if n > 0 && s.limiter != nil {
		if werr := s.limiter.WaitN(s.ctx, n); werr != nil {
			return n, werr
		}
	}
	s.n += int64(n)
	return n, err
}

func (s *servedFile) Close() error {
	var err error
	s.once.Do(func() {
		s.done(s.n)
		err = s.file.Close()
	})
	return err
}
