// Package gate serialises the operations that touch one index's file set.
//
// Lock order, whenever more than one is held:
//
//	write -> commit
//	write -> replication
//	read  -> backup
//
// Never acquire in the reverse order.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
)

// maxReaders bounds concurrent read holders. A writer acquires all of it.
const maxReaders int64 = 1 << 30

const (
	LockRead        = "read"
	LockWrite       = "write"
	LockCommit      = "commit"
	LockReplication = "replication"
	LockBackup      = "backup"
)

// Gate is the lock ensemble of one index. The read/write pair is a weighted
// semaphore: readers take one unit, a writer takes every unit. Waiters are
// served in FIFO order, so a queued writer holds back readers that arrive
// after it and waits for the readers already inside.
type Gate struct {
	index       string
	rw          *semaphore.Weighted
	commit      *semaphore.Weighted
	replication *semaphore.Weighted
	backup      *semaphore.Weighted
	metrics     *metrics.Metrics
}

// Lock is one held acquisition. Release is safe to call more than once.
type Lock struct {
	name    string
	release func()
	once    sync.Once
}

func (l *Lock) Name() string { return l.name }

func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

func New(index string, m *metrics.Metrics) *Gate {
	return &Gate{
		index:       index,
		rw:          semaphore.NewWeighted(maxReaders),
		commit:      semaphore.NewWeighted(1),
		replication: semaphore.NewWeighted(1),
		backup:      semaphore.NewWeighted(1),
		metrics:     m,
	}
}

func (g *Gate) acquire(ctx context.Context, name string, sem *semaphore.Weighted, n int64) (*Lock, error) {
	start := time.Now()
	if err := sem.Acquire(ctx, n); err != nil {
		return nil, fmt.Errorf("acquiring %s lock on %s: %w", name, g.index, err)
	}
	g.metrics.ObserveLockWait(g.index, name, time.Since(start))
	return &Lock{name: name, release: func() { sem.Release(n) }}, nil
}

// Read takes a shared hold for operations that only observe the visible
// generation.
func (g *Gate) Read(ctx context.Context) (*Lock, error) {
	return g.acquire(ctx, LockRead, g.rw, 1)
}

// Write takes the exclusive hold required for anything that mutates the file
// set or swaps the visible generation.
func (g *Gate) Write(ctx context.Context) (*Lock, error) {
	return g.acquire(ctx, LockWrite, g.rw, maxReaders)
}

// Commit serialises the flush-and-publish step. Callers hold Write.
func (g *Gate) Commit(ctx context.Context) (*Lock, error) {
	return g.acquire(ctx, LockCommit, g.commit, 1)
}

// Replication admits one replication pull at a time. Callers hold Write.
func (g *Gate) Replication(ctx context.Context) (*Lock, error) {
	return g.acquire(ctx, LockReplication, g.replication, 1)
}

// Backup serialises backup directory creation and removal. Callers hold Read.
func (g *Gate) Backup(ctx context.Context) (*Lock, error) {
	return g.acquire(ctx, LockBackup, g.backup, 1)
}

// Pair acquires outer then inner. The returned func releases inner, then
// outer.
func (g *Gate) Pair(ctx context.Context, outer, inner func(context.Context) (*Lock, error)) (func(), error) {
	o, err := outer(ctx)
	if err != nil {
		return nil, err
	}
	i, err := inner(ctx)
	if err != nil {
		o.Release()
		return nil, err
	}
	return func() {
		i.Release()
		o.Release()
	}, nil
}

// WriteCommit holds write then commit.
func (g *Gate) WriteCommit(ctx context.Context) (func(), error) {
	return g.Pair(ctx, g.Write, g.Commit)
}

// WriteReplication holds write then replication.
func (g *Gate) WriteReplication(ctx context.Context) (func(), error) {
	return g.Pair(ctx, g.Write, g.Replication)
}

// ReadBackup holds read then backup.
func (g *Gate) ReadBackup(ctx context.Context) (func(), error) {
	return g.Pair(ctx, g.Read, g.Backup)
}
