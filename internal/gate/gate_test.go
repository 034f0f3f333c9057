package gate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
)

func shortCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func longCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReadersShareTheGate(t *testing.T) {
	g := New("idx", nil)
	r1, err := g.Read(longCtx(t))
	require.NoError(t, err)
	r2, err := g.Read(longCtx(t))
	require.NoError(t, err)
	r1.Release()
	r2.Release()
}

func TestWriterWaitsForReadersAndBlocksNewOnes(t *testing.T) {
	g := New("idx", nil)
	var generation atomic.Int64
	generation.Store(1)

	reader, err := g.Read(longCtx(t))
	require.NoError(t, err)
	seen := generation.Load()

	writerIn := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w, err := g.Write(longCtx(t))
		if err != nil {
			return
		}
		close(writerIn)
		generation.Store(2)
		w.Release()
	}()

	select {
	case <-writerIn:
		t.Fatal("writer entered while a reader held the gate")
	case <-time.After(50 * time.Millisecond):
	}

	// a reader arriving behind the queued writer must wait too
	_, err = g.Read(shortCtx(t))
	require.Error(t, err)

	assert.Equal(t, int64(1), generation.Load())
	assert.Equal(t, seen, generation.Load(), "reader observed a swap while holding the gate")
	reader.Release()

	<-writerDone
	late, err := g.Read(longCtx(t))
	require.NoError(t, err)
	defer late.Release()
	assert.Equal(t, int64(2), generation.Load())
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New("idx", nil)
	w, err := g.Write(longCtx(t))
	require.NoError(t, err)
	w.Release()
	w.Release()

	var nilLock *Lock
	nilLock.Release()

	again, err := g.Write(longCtx(t))
	require.NoError(t, err)
	again.Release()
}

func TestReplicationLockAdmitsOne(t *testing.T) {
	g := New("idx", nil)
	l, err := g.Replication(longCtx(t))
	require.NoError(t, err)
	assert.Equal(t, LockReplication, l.Name())

	_, err = g.Replication(shortCtx(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	l2, err := g.Replication(longCtx(t))
	require.NoError(t, err)
	l2.Release()
}

func TestPairReleasesOuterWhenInnerFails(t *testing.T) {
	g := New("idx", nil)
	commit, err := g.Commit(longCtx(t))
	require.NoError(t, err)

	_, err = g.WriteCommit(shortCtx(t))
	require.Error(t, err)

	// write must have been given back
	w, err := g.Write(longCtx(t))
	require.NoError(t, err)
	w.Release()
	commit.Release()
}

func TestBackupHoldsReadNotWrite(t *testing.T) {
	g := New("idx", nil)
	release, err := g.ReadBackup(longCtx(t))
	require.NoError(t, err)

	r, err := g.Read(longCtx(t))
	require.NoError(t, err)
	r.Release()

	_, err = g.Write(shortCtx(t))
	require.Error(t, err)

	_, err = g.ReadBackup(shortCtx(t))
	require.Error(t, err)

	release()
	w, err := g.Write(longCtx(t))
	require.NoError(t, err)
	w.Release()
}

func TestLockWaitIsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	g := New("idx", m)

	release, err := g.WriteReplication(longCtx(t))
	require.NoError(t, err)
	release()

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "gate_lock_wait_seconds" {
			found = true
			assert.Len(t, f.GetMetric(), 2)
		}
	}
	assert.True(t, found)
}
