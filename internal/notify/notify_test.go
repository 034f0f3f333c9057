package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/resilience"
)

type recordingPublisher struct {
	events []kafka.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev kafka.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func TestCommitNotifierKeysByIndex(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewCommitNotifier(pub)
	n.Committed(context.Background(), proto.CommitEvent{Index: "products", Generation: 4})
	require.Len(t, pub.events, 1)
	assert.Equal(t, "products", pub.events[0].Key)
	assert.Equal(t, int64(4), pub.events[0].Value.(proto.CommitEvent).Generation)

	pub.err = errors.New("broker down")
	n.Committed(context.Background(), proto.CommitEvent{Index: "products", Generation: 5})

	var nilNotifier *CommitNotifier
	nilNotifier.Committed(context.Background(), proto.CommitEvent{Index: "products"})
}

type triggerLog struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (l *triggerLog) trigger(_ context.Context, index string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, index)
	return l.errs[index]
}

func event(t *testing.T, index string, generation int64) []byte {
	t.Helper()
	data, err := json.Marshal(proto.CommitEvent{Index: index, Generation: generation})
	require.NoError(t, err)
	return data
}

func TestListenerTriggersFollowers(t *testing.T) {
	log := &triggerLog{}
	l := NewListener(map[string][]string{"products": {"products-r1", "products-r2"}}, log.trigger)
	ctx := context.Background()

	require.NoError(t, l.Handle(ctx, []byte("products"), event(t, "products", 3)))
	assert.Equal(t, []string{"products-r1", "products-r2"}, log.calls)

	require.NoError(t, l.Handle(ctx, []byte("products"), event(t, "products", 3)))
	require.NoError(t, l.Handle(ctx, []byte("products"), event(t, "products", 2)))
	assert.Len(t, log.calls, 2, "duplicate and older generations are dropped")

	require.NoError(t, l.Handle(ctx, []byte("users"), event(t, "users", 9)))
	assert.Len(t, log.calls, 2, "unrouted index")

	require.NoError(t, l.Handle(ctx, nil, []byte("{not json")))
}

func TestListenerReportsFailuresAndRetriesLater(t *testing.T) {
	log := &triggerLog{errs: map[string]error{
		"a": apperrors.ErrTransferFailure,
		"b": apperrors.Wrapf(apperrors.ErrNotAcceptable, "no master"),
	}}
	l := NewListener(map[string][]string{"m": {"a", "b"}}, log.trigger)
	ctx := context.Background()

	err := l.Handle(ctx, nil, event(t, "m", 1))
	assert.ErrorIs(t, err, apperrors.ErrTransferFailure)

	log.errs = nil
	require.NoError(t, l.Handle(ctx, nil, event(t, "m", 1)))
	assert.Equal(t, []string{"a", "b", "a", "b"}, log.calls, "failed generation is tried again")
}

var fastRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
}

func TestPollerRetriesTransientFailures(t *testing.T) {
	var attempts int
	p := NewPoller([]string{"products"}, time.Hour, fastRetry, func(context.Context, string) error {
		attempts++
		if attempts < 3 {
			return apperrors.ErrTransferFailure
		}
		return nil
	})
	assert.Zero(t, p.PollOnce(context.Background()))
	assert.Equal(t, 3, attempts)
}

func TestPollerDoesNotRetryRefusals(t *testing.T) {
	calls := map[string]int{}
	p := NewPoller([]string{"master-only", "broken"}, time.Hour, fastRetry, func(_ context.Context, index string) error {
		calls[index]++
		if index == "master-only" {
			return apperrors.Wrapf(apperrors.ErrNotAcceptable, "no master configured")
		}
		return apperrors.ErrTransferFailure
	})
	assert.Equal(t, 2, p.PollOnce(context.Background()))
	assert.Equal(t, 1, calls["master-only"])
	assert.Equal(t, 3, calls["broken"])
}

func TestPollerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	polled := make(chan struct{}, 1)
	p := NewPoller([]string{"products"}, time.Hour, fastRetry, func(context.Context, string) error {
		select {
		case polled <- struct{}{}:
		default:
		}
		return nil
	})
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	<-polled
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

type memHashStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	ttls   map[string]time.Duration
}

func newMemHashStore() *memHashStore {
	return &memHashStore{hashes: map[string]map[string]string{}, ttls: map[string]time.Duration{}}
}

func (s *memHashStore) PutHash(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.hashes[key] = cp
	s.ttls[key] = ttl
	return nil
}

func (s *memHashStore) GetHash(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[key], nil
}

func (s *memHashStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func TestStatusBoardRoundTrip(t *testing.T) {
	store := newMemHashStore()
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	st := proto.ReplicationStatus{
		Index:          "products",
		Strategy:       "incremental",
		MasterIdentity: "m-1",
		Generation:     12,
		Fetched:        3,
		Deleted:        1,
		BytesFetched:   4096,
		StartedAt:      started,
		FinishedAt:     started.Add(2 * time.Second),
	}
	require.NoError(t, NewStatusBoard(store, "replica-1", time.Hour).Publish(ctx, st))
	failed := st
	failed.Error = "transfer failure: boom"
	require.NoError(t, NewStatusBoard(store, "replica-2", time.Hour).Publish(ctx, failed))
	assert.Equal(t, time.Hour, store.ttls[StatusKey("products", "replica-1")])

	board := NewStatusBoard(store, "replica-1", time.Hour)
	got, err := board.Get(ctx, "products", "replica-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, st.StartedAt.Equal(got.StartedAt))
	assert.True(t, st.FinishedAt.Equal(got.FinishedAt))
	got.StartedAt, got.FinishedAt = st.StartedAt, st.FinishedAt
	assert.Equal(t, st, *got)

	missing, err := board.Get(ctx, "users", "replica-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	nodes, err := board.Nodes(ctx, "products")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "transfer failure: boom", nodes["replica-2"].Error)
}

func TestStatusBoardRejectsCorruptFields(t *testing.T) {
	store := newMemHashStore()
	store.hashes[StatusKey("products", "n")] = map[string]string{"generation": "twelve"}
	_, err := NewStatusBoard(store, "n", 0).Get(context.Background(), "products", "n")
	assert.ErrorContains(t, err, "generation")
}
