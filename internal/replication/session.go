package replication

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
)

// Session is one pinned generation handed to a replica. Its source is
// closed exactly once, by Release, SweepExpired or Close.
type Session struct {
	ID         string
	Index      string
	Identity   string
	Generation int64
	CommitName string
	Manifest   FileManifest
	CreatedAt  time.Time

	source     Source
	lastAccess time.Time
}

// SessionView is the externally visible state of a session.
type SessionView struct {
	ID             string    `json:"id"`
	Generation     int64     `json:"generation"`
	Files          int       `json:"files"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Registry tracks the active sessions of one master.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
	logger   *slog.Logger
}

type RegistryOption func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
		logger:   slog.Default().With("component", "session-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds s, taking ownership of source.
func (r *Registry) Register(s *Session, source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	s.source = source
	s.CreatedAt = now
	s.lastAccess = now
	r.sessions[s.ID] = s
}

// Get returns the session and marks it as accessed.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrSessionNotFound, "session %q", id)
	}
	s.lastAccess = r.now()
	return s, nil
}

// Use runs fn with the session held under the registry lock and marks it as
// accessed. Release, SweepExpired and Close wait for fn to return.
func (r *Registry) Use(id string, fn func(s *Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrSessionNotFound, "session %q", id)
	}
	s.lastAccess = r.now()
	return fn(s)
}

// Release removes the session and releases its pin. It reports whether the
// session existed; releasing an unknown or released id does nothing.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.closeSource(s)
	return true
}

// SweepExpired releases every session idle for longer than maxIdle and
// returns their ids.
func (r *Registry) SweepExpired(maxIdle time.Duration) []string {
	r.mu.Lock()
	now := r.now()
	var expired []*Session
	for id, s := range r.sessions {
		if now.Sub(s.lastAccess) > maxIdle {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		r.closeSource(s)
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every session.
func (r *Registry) Close() int {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range all {
		r.closeSource(s)
	}
	return len(all)
}

func (r *Registry) closeSource(s *Session) {
	if s.source == nil {
		return
	}
	if err := s.source.Close(); err != nil {
		r.logger.Warn("releasing session pin",
			"session_id", s.ID,
			"generation", s.Generation,
			"error", err,
		)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions lists active sessions ordered by creation time.
func (r *Registry) Sessions() []SessionView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionView, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionView{
			ID:             s.ID,
			Generation:     s.Generation,
			Files:          s.Manifest.Len(),
			CreatedAt:      s.CreatedAt,
			LastAccessedAt: s.lastAccess,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
