// Package instance binds one index's engine to its concurrency gate and its
// replication role. Every externally visible operation on an index goes
// through an Instance, which takes the gate locks the operation needs before
// touching the file set.
package instance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/backup"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/gate"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/replication"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
)

type Options struct {
	Name string
	Dir  string
	Role config.Role
	// Client reaches the master a replica follows. A replica without one
	// refuses replication checks with ErrNotAcceptable.
	Client      replication.MasterClient
	Replication config.ReplicationConfig
	Backups     *backup.Manager
	Notifier    *notify.CommitNotifier
	Board       *notify.StatusBoard
	Metrics     *metrics.Metrics
	Tagger      *replication.Tagger
}

type Instance struct {
	name     string
	role     config.Role
	engine   *indexer.Engine
	gate     *gate.Gate
	master   *replication.Master
	slave    *replication.Slave
	backups  *backup.Manager
	notifier *notify.CommitNotifier
	board    *notify.StatusBoard
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func Open(opts Options) (*Instance, error) {
	readOnly := opts.Role == config.RoleReplica
	engine, err := indexer.Open(indexer.Options{Dir: opts.Dir, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", opts.Name, err)
	}
	i := &Instance{
		name:     opts.Name,
		role:     opts.Role,
		engine:   engine,
		gate:     gate.New(opts.Name, opts.Metrics),
		backups:  opts.Backups,
		notifier: opts.Notifier,
		board:    opts.Board,
		metrics:  opts.Metrics,
		logger:   slog.Default().With("component", "instance", "index", opts.Name, "role", string(opts.Role)),
	}
	tagger := opts.Tagger
	if tagger == nil {
		tagger = replication.NewTagger()
	}
	if readOnly {
		if opts.Client != nil {
			i.slave = replication.NewSlave(opts.Name, opts.Client, replication.IndexReplica{Engine: engine},
				replication.SlaveOptions{
					StagingDir:  opts.Replication.StagingDir,
					Concurrency: opts.Replication.FetchConcurrency,
					Metrics:     opts.Metrics,
					Tagger:      tagger,
				})
		}
	} else {
		i.master = replication.NewMaster(opts.Name, engine.Identity(), replication.SnapshotsOf(engine),
			replication.MasterOptions{
				MaxIdle:   opts.Replication.SessionMaxIdle,
				RateLimit: opts.Replication.TransferRateLimit,
				Metrics:   opts.Metrics,
				Tagger:    tagger,
			})
	}
	if c := engine.Current(); c != nil {
		i.metrics.SetGeneration(opts.Name, c.Generation)
	}
	i.logger.Info("index instance opened", "dir", opts.Dir, "identity", engine.Identity())
	return i, nil
}

func (i *Instance) Name() string            { return i.name }
func (i *Instance) Role() config.Role       { return i.role }
func (i *Instance) IsMaster() bool          { return i.master != nil }
func (i *Instance) Gate() *gate.Gate        { return i.gate }
func (i *Instance) Engine() *indexer.Engine { return i.engine }

// Search looks up one term in the visible generation.
func (i *Instance) Search(ctx context.Context, term string) (*proto.SearchResponse, error) {
	lock, err := i.gate.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	postings, err := i.engine.Search(term)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", i.name, err)
	}
	resp := &proto.SearchResponse{Index: i.name, Term: term, Hits: make([]proto.SearchHit, 0, len(postings))}
	if c := i.engine.Current(); c != nil {
		resp.Generation = c.Generation
	}
	for _, p := range postings {
		resp.Hits = append(resp.Hits, proto.SearchHit{DocID: p.DocID, Frequency: p.Frequency})
	}
	return resp, nil
}

// Status describes the visible generation and, on replicas, the last pull.
func (i *Instance) Status(ctx context.Context) (*proto.IndexStatus, error) {
	lock, err := i.gate.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	stats := i.engine.Stats()
	st := &proto.IndexStatus{
		Index:      i.name,
		Role:       string(i.role),
		Identity:   stats.Identity,
		Generation: stats.Generation,
		Segments:   stats.Segments,
		Documents:  stats.Documents,
		SizeBytes:  stats.SizeBytes,
	}
	if i.master != nil {
		st.Sessions = i.master.Registry().Len()
		st.MasterIdentity = i.master.Identity()
	}
	if state, err := replication.LoadState(i.engine.Dir()); err == nil && state != nil {
		st.MasterIdentity = state.MasterIdentity
	}
	if i.slave != nil {
		if last := i.slave.LastStatus(); last != nil {
			p := last.ToProto()
			st.LastReplication = &p
		}
	}
	return st, nil
}

func (i *Instance) requireMaster() error {
	if i.master == nil {
		return apperrors.Wrapf(apperrors.ErrNotMaster, "index %s is a read-only replica", i.name)
	}
	return nil
}

// PostDocuments adds docs and commits them as one new generation.
func (i *Instance) PostDocuments(ctx context.Context, req proto.DocumentsRequest) (*proto.CommitResponse, error) {
	if err := i.requireMaster(); err != nil {
		return nil, err
	}
	for n, doc := range req.Documents {
		if doc.ID == "" {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "document %d has no id", n)
		}
	}
	return i.write(ctx, "post", func() (*indexer.CommitPoint, error) {
		for _, doc := range req.Documents {
			if err := i.engine.AddDocument(doc.ID, doc.Text); err != nil {
				return nil, err
			}
		}
		return i.engine.Commit(req.UserData)
	})
}

// DeleteAll empties the index in a new generation.
func (i *Instance) DeleteAll(ctx context.Context, userData map[string]string) (*proto.CommitResponse, error) {
	if err := i.requireMaster(); err != nil {
		return nil, err
	}
	return i.write(ctx, "delete-all", func() (*indexer.CommitPoint, error) {
		return i.engine.DeleteAll(userData)
	})
}

// Merge compacts the index into one segment.
func (i *Instance) Merge(ctx context.Context, userData map[string]string) (*proto.CommitResponse, error) {
	if err := i.requireMaster(); err != nil {
		return nil, err
	}
	return i.write(ctx, "merge", func() (*indexer.CommitPoint, error) {
		return i.engine.Merge(userData)
	})
}

// write runs a mutating operation under write then commit, and announces
// the resulting generation once the locks are released.
func (i *Instance) write(ctx context.Context, op string, fn func() (*indexer.CommitPoint, error)) (*proto.CommitResponse, error) {
	release, err := i.gate.WriteCommit(ctx)
	if err != nil {
		return nil, err
	}
	c, err := fn()
	release()
	if err != nil {
		i.metrics.Committed(i.name, 0, err)
		return nil, fmt.Errorf("%s on %s: %w", op, i.name, err)
	}
	i.metrics.Committed(i.name, c.Generation, nil)
	logger.FromContext(ctx).Info("index committed",
		"index", i.name,
		"operation", op,
		"generation", c.Generation,
		"segments", len(c.Segments),
	)
	i.notifier.Committed(ctx, proto.CommitEvent{
		Index:          i.name,
		MasterIdentity: i.engine.Identity(),
		Generation:     c.Generation,
		CommittedAt:    c.CreatedAt,
	})
	return &proto.CommitResponse{Index: i.name, Generation: c.Generation, Segments: len(c.Segments)}, nil
}

// BeginSession pins the visible generation for a replica. Expired sessions
// are swept first.
func (i *Instance) BeginSession(ctx context.Context) (*replication.SessionInfo, error) {
	if err := i.requireMaster(); err != nil {
		return nil, err
	}
	i.master.SweepExpired()
	lock, err := i.gate.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	return i.master.BeginSession(ctx)
}

func (i *Instance) Fetch(ctx context.Context, sessionID, name string) (io.ReadCloser, replication.Item, error) {
	if err := i.requireMaster(); err != nil {
		return nil, replication.Item{}, err
	}
	return i.master.Fetch(ctx, sessionID, name)
}

// Release drops a session and sweeps expired ones, reporting whether the
// session was open. It never fails on a master.
func (i *Instance) Release(_ context.Context, sessionID string) (bool, error) {
	if err := i.requireMaster(); err != nil {
		return false, err
	}
	released := i.master.Release(sessionID)
	i.master.SweepExpired()
	return released, nil
}

// Sessions lists open sessions; replicas have none.
func (i *Instance) Sessions() []replication.SessionView {
	if i.master == nil {
		return nil
	}
	return i.master.Sessions()
}

// ReplicationCheck pulls the master's visible generation. It holds write
// then replication for the whole pull, so readers never see a half-applied
// generation and only one pull runs at a time. ctx bounds the wait for the
// gate only; once the pull starts it runs to completion or failure.
func (i *Instance) ReplicationCheck(ctx context.Context) (*replication.Status, error) {
	if i.slave == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotAcceptable, "index %s has no master configured", i.name)
	}
	release, err := i.gate.WriteReplication(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := i.slave.Replicate(context.WithoutCancel(ctx), func(strategy replication.Strategy, masterIdentity string) error {
		if strategy != replication.StrategyFull {
			return nil
		}
		c, err := i.engine.Reload()
		if err != nil {
			return err
		}
		if c != nil {
			i.logger.Info("index reopened after full replication",
				"master_identity", masterIdentity,
				"generation", c.Generation,
			)
		}
		return nil
	})
	if err == nil {
		if c := i.engine.Current(); c != nil {
			i.metrics.SetGeneration(i.name, c.Generation)
		}
	}
	i.publishStatus(ctx, st)
	return st, err
}

func (i *Instance) publishStatus(ctx context.Context, st *replication.Status) {
	if i.board == nil || st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := i.board.Publish(ctx, st.ToProto()); err != nil {
		i.logger.Warn("publishing replication status", "error", err)
	}
}

func (i *Instance) requireBackups() error {
	if i.backups == nil {
		return apperrors.Wrapf(apperrors.ErrNotAcceptable, "backups are not configured")
	}
	return nil
}

// Backup copies the visible generation into the backup name. It holds read
// then backup, so writers wait only while the pin is taken.
func (i *Instance) Backup(ctx context.Context, name string) (*backup.Status, error) {
	if err := i.requireBackups(); err != nil {
		return nil, err
	}
	release, err := i.gate.ReadBackup(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return i.backups.Backup(ctx, name, i.name, i.identity(), replication.SnapshotsOf(i.engine))
}

// Backups lists this index's backups matching name, which may be a wildcard.
func (i *Instance) Backups(ctx context.Context, name string) ([]backup.Status, error) {
	if err := i.requireBackups(); err != nil {
		return nil, err
	}
	lock, err := i.gate.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	return i.backups.List(name, i.name)
}

// DeleteBackups removes this index's backups matching name.
func (i *Instance) DeleteBackups(ctx context.Context, name string) (int, error) {
	if err := i.requireBackups(); err != nil {
		return 0, err
	}
	lock, err := i.gate.Backup(ctx)
	if err != nil {
		return 0, err
	}
	defer lock.Release()
	return i.backups.Delete(ctx, name, i.name)
}

// identity is the master identity the visible generation came from.
func (i *Instance) identity() string {
	if id := i.engine.Identity(); id != "" {
		return id
	}
	if state, err := replication.LoadState(i.engine.Dir()); err == nil && state != nil {
		return state.MasterIdentity
	}
	return ""
}

// Close releases open sessions and closes the engine.
func (i *Instance) Close() error {
	if i.master != nil {
		i.master.Close()
	}
	return i.engine.Close()
}

// LocalClient lets a replica in the same process follow a master instance.
type LocalClient struct {
	Master *Instance
}

func (c LocalClient) BeginSession(ctx context.Context) (*replication.SessionInfo, error) {
	return c.Master.BeginSession(ctx)
}

func (c LocalClient) Fetch(ctx context.Context, sessionID, name string) (io.ReadCloser, error) {
	rc, _, err := c.Master.Fetch(ctx, sessionID, name)
	return rc, err
}

func (c LocalClient) Release(ctx context.Context, sessionID string) error {
	_, err := c.Master.Release(ctx, sessionID)
	return err
}
