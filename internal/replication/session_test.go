package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingSource struct {
	closes int
}

func (s *countingSource) Dir() string                     { return "" }
func (s *countingSource) Manifest() (FileManifest, error) { return FileManifest{}, nil }
func (s *countingSource) Close() error {
	s.closes++
	return nil
}

func TestRegistryReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	src := &countingSource{}
	r.Register(&Session{ID: "s1"}, src)

	assert.True(t, r.Release("s1"))
	assert.False(t, r.Release("s1"))
	assert.False(t, r.Release("unknown"))
	assert.Equal(t, 1, src.closes)
	assert.Zero(t, r.Len())

	_, err := r.Get("s1")
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestRegistrySweepsIdleSessions(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))
	idle, busy := &countingSource{}, &countingSource{}
	r.Register(&Session{ID: "idle"}, idle)
	r.Register(&Session{ID: "busy"}, busy)

	clock.Advance(20 * time.Minute)
	_, err := r.Get("busy")
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	expired := r.SweepExpired(30 * time.Minute)
	assert.Equal(t, []string{"idle"}, expired)
	assert.Equal(t, 1, idle.closes)
	assert.Zero(t, busy.closes)
	assert.Equal(t, 1, r.Len())

	views := r.Sessions()
	require.Len(t, views, 1)
	assert.Equal(t, "busy", views[0].ID)
	assert.Equal(t, clock.Now().Add(-15*time.Minute), views[0].LastAccessedAt)
}

func TestRegistryCloseReleasesAll(t *testing.T) {
	r := NewRegistry()
	a, b := &countingSource{}, &countingSource{}
	r.Register(&Session{ID: "a"}, a)
	r.Register(&Session{ID: "b"}, b)

	assert.Equal(t, 2, r.Close())
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
	assert.Zero(t, r.Len())
}
