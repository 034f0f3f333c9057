package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/tracing"
)

// Replica is the local file set a Slave installs generations into.
type Replica interface {
	Dir() string
	// LocalFiles lists the visible generation's files, nil when there is none.
	LocalFiles() []string
	// Install moves names out of stagingDir and makes commitName visible.
	Install(stagingDir string, names []string, commitName string) error
	Remove(names []string) error
}

// ApplyFunc is called once a new generation is visible so the caller can
// reopen whatever depends on it.
type ApplyFunc func(strategy Strategy, masterIdentity string) error

// Status is the outcome of one Replicate call.
type Status struct {
	Index          string
	Strategy       Strategy
	MasterIdentity string
	Generation     int64
	Fetched        int
	Deleted        int
	BytesFetched   int64
	StartedAt      time.Time
	FinishedAt     time.Time
	Err            error
}

func (s *Status) ToProto() proto.ReplicationStatus {
	p := proto.ReplicationStatus{
		Index:          s.Index,
		Strategy:       string(s.Strategy),
		MasterIdentity: s.MasterIdentity,
		Generation:     s.Generation,
		Fetched:        s.Fetched,
		Deleted:        s.Deleted,
		BytesFetched:   s.BytesFetched,
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
	}
	if s.Err != nil {
		p.Error = s.Err.Error()
	}
	return p
}

type SlaveOptions struct {
	// StagingDir receives fetched files before they are installed. It must
	// be on the same filesystem as the replica.
	StagingDir  string
	Concurrency int
	Metrics     *metrics.Metrics
	Tagger      *Tagger
}

// Slave pulls generations of one index from a master.
type Slave struct {
	index       string
	client      MasterClient
	replica     Replica
	stagingDir  string
	concurrency int
	tagger      *Tagger
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu   sync.Mutex
	last *Status
}

func NewSlave(index string, client MasterClient, replica Replica, opts SlaveOptions) *Slave {
	s := &Slave{
		index:       index,
		client:      client,
		replica:     replica,
		stagingDir:  opts.StagingDir,
		concurrency: opts.Concurrency,
		tagger:      opts.Tagger,
		metrics:     opts.Metrics,
		logger:      slog.Default().With("component", "replication-slave", "index", index),
	}
	if s.stagingDir == "" {
		s.stagingDir = filepath.Join(filepath.Dir(replica.Dir()), ".staging")
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	if s.tagger == nil {
		s.tagger = NewTagger()
	}
	return s
}

// LastStatus returns the outcome of the most recent Replicate call, or nil.
func (s *Slave) LastStatus() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// Replicate brings the replica up to the master's visible generation. On
// any failure before the install the local generation is left as it was.
// The session is always released. Replicate never retries.
func (s *Slave) Replicate(ctx context.Context, onApply ApplyFunc) (status *Status, err error) {
	status = &Status{Index: s.index, StartedAt: time.Now()}
	if s.client == nil {
		return status, apperrors.Wrapf(apperrors.ErrNotAcceptable, "index %s has no master configured", s.index)
	}

	traceID := logger.RequestID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	ctx, span := tracing.Start(ctx, "replicate", traceID)
	span.SetAttr("index", s.index)
	log := logger.FromContext(ctx).With("component", "replication-slave", "index", s.index)

	defer func() {
		status.FinishedAt = time.Now()
		status.Err = err
		span.SetAttr("strategy", string(status.Strategy))
		span.Fail(err)
		span.End()
		s.metrics.Replicated(s.index, strategyLabel(status.Strategy), status.FinishedAt.Sub(status.StartedAt), err)
		s.mu.Lock()
		s.last = status
		s.mu.Unlock()
	}()

	info, err := s.client.BeginSession(ctx)
	if err != nil {
		return status, fmt.Errorf("%w: beginning session for %s: %w", apperrors.ErrTransferFailure, s.index, err)
	}
	status.MasterIdentity = info.MasterIdentity
	status.Generation = info.Generation
	log = log.With("session_id", info.SessionID)
	defer func() {
		if rerr := s.client.Release(context.WithoutCancel(ctx), info.SessionID); rerr != nil {
			log.Warn("releasing replication session", "error", rerr)
		}
	}()

	if err := checkManifest(info); err != nil {
		return status, fmt.Errorf("%w: session %s for %s: %w", apperrors.ErrTransferFailure, info.SessionID, s.index, err)
	}

	strategy, local, err := s.plan(info)
	if err != nil {
		return status, err
	}
	status.Strategy = strategy
	toFetch, toDelete := Diff(info.Manifest, local, strategy)
	toDelete = notIn(toDelete, info.Manifest)
	log.Info("replication planned",
		"strategy", strategy,
		"master_generation", info.Generation,
		"fetch", len(toFetch),
		"delete", len(toDelete),
	)

	if len(toFetch) == 0 && len(toDelete) == 0 {
		return status, nil
	}

	staging, err := s.newStaging()
	if err != nil {
		return status, err
	}
	defer func() {
		if rerr := os.RemoveAll(staging); rerr != nil {
			log.Warn("removing staging directory", "dir", staging, "error", rerr)
		}
	}()

	fetchCtx, fetchSpan := tracing.Start(ctx, "fetch", "")
	fetched, err := s.fetchAll(fetchCtx, info, toFetch, staging)
	fetchSpan.SetAttr("files", len(toFetch))
	fetchSpan.SetAttr("bytes", fetched)
	fetchSpan.Fail(err)
	fetchSpan.End()
	status.BytesFetched = fetched
	if err != nil {
		return status, fmt.Errorf("%w: %s replication of %s: %w", apperrors.ErrTransferFailure, strategy, s.index, err)
	}
	s.metrics.Fetched(s.index, fetched)

	_, publishSpan := tracing.Start(ctx, "publish", "")
	defer publishSpan.End()
	if err := s.replica.Install(staging, toFetch, info.CommitName); err != nil {
		publishSpan.Fail(err)
		return status, fmt.Errorf("installing generation %d of %s: %w", info.Generation, s.index, err)
	}
	s.tagger.Forget(s.replica.Dir(), toFetch)
	status.Fetched = len(toFetch)

	if err := saveState(s.replica.Dir(), ReplicaState{
		MasterIdentity: info.MasterIdentity,
		Generation:     info.Generation,
		ReplicatedAt:   time.Now().UTC(),
	}); err != nil {
		return status, err
	}

	if err := s.replica.Remove(toDelete); err != nil {
		log.Warn("removing stale files", "error", err)
	} else {
		status.Deleted = len(toDelete)
	}
	s.tagger.Forget(s.replica.Dir(), toDelete)

	if onApply != nil {
		if err := onApply(strategy, info.MasterIdentity); err != nil {
			return status, fmt.Errorf("applying generation %d of %s: %w", info.Generation, s.index, err)
		}
	}
	log.Info("replication complete",
		"strategy", strategy,
		"generation", info.Generation,
		"fetched", status.Fetched,
		"deleted", status.Deleted,
		"bytes", fetched,
	)
	return status, nil
}

// plan picks the strategy and builds the local manifest. No recorded state,
// no local files or a different master identity all force a full pull.
func (s *Slave) plan(info *SessionInfo) (Strategy, FileManifest, error) {
	files := s.replica.LocalFiles()
	local, err := FromFiles(s.replica.Dir(), files, s.tagger).Manifest()
	if err != nil {
		return "", FileManifest{}, fmt.Errorf("listing local generation of %s: %w", s.index, err)
	}
	state, err := LoadState(s.replica.Dir())
	if err != nil {
		return "", FileManifest{}, err
	}
	if state == nil || len(files) == 0 || state.MasterIdentity != info.MasterIdentity {
		return StrategyFull, local, nil
	}
	return StrategyIncremental, local, nil
}

func (s *Slave) newStaging() (string, error) {
	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging root: %w", err)
	}
	dir, err := os.MkdirTemp(s.stagingDir, s.index+"-")
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return dir, nil
}

func (s *Slave) fetchAll(ctx context.Context, info *SessionInfo, names []string, staging string) (int64, error) {
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, name := range names {
		item, _ := info.Manifest.Get(name)
		g.Go(func() error {
			n, err := s.fetchOne(gctx, info.SessionID, item, staging)
			total.Add(n)
			return err
		})
	}
	err := g.Wait()
	return total.Load(), err
}

// fetchOne streams one file into staging and checks it against its item.
func (s *Slave) fetchOne(ctx context.Context, sessionID string, item Item, staging string) (int64, error) {
	rc, err := s.client.Fetch(ctx, sessionID, item.Name)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	path := filepath.Join(staging, item.Name)
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	n, err := io.Copy(io.MultiWriter(f, h), rc)
	if err != nil {
		return n, fmt.Errorf("fetching %s: %w", item.Name, err)
	}
	if n != item.Length {
		return n, fmt.Errorf("fetching %s: got %d bytes, want %d", item.Name, n, item.Length)
	}
	if tag := fmt.Sprintf("%016x", h.Sum64()); tag != item.VersionTag {
		return n, fmt.Errorf("fetching %s: version tag %s, want %s", item.Name, tag, item.VersionTag)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("syncing %s: %w", path, err)
	}
	return n, f.Close()
}

// reservedNames are control files of a replica directory that a manifest
// may never overwrite.
var reservedNames = map[string]bool{
	indexer.CurrentFile:  true,
	indexer.IdentityFile: true,
	StateFile:            true,
}

// checkManifest confines a master-supplied manifest to plain file names in
// the replica directory and requires it to carry its commit file.
func checkManifest(info *SessionInfo) error {
	for _, name := range info.Manifest.Names() {
		if name == "" || name == "." || name == ".." || filepath.Base(name) != name ||
			strings.ContainsAny(name, `/\`) || filepath.IsAbs(name) {
			return fmt.Errorf("manifest names %q outside the index directory", name)
		}
		if reservedNames[name] || strings.HasSuffix(name, ".tmp") {
			return fmt.Errorf("manifest names reserved file %q", name)
		}
	}
	if _, ok := info.Manifest.Get(info.CommitName); !ok {
		return fmt.Errorf("commit file %q is not in the manifest", info.CommitName)
	}
	return nil
}

func notIn(names []string, m FileManifest) []string {
	out := names[:0:0]
	for _, name := range names {
		if _, ok := m.Get(name); !ok {
			out = append(out, name)
		}
	}
	return out
}

func strategyLabel(s Strategy) string {
	if s == "" {
		return "none"
	}
	return string(s)
}
