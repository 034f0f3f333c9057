// Package notify tells replicas when their master has a new generation and
// records how replication went. Masters publish a CommitEvent to Kafka after
// every commit; replicas consume them, and also poll on a timer, to trigger
// replication checks. Outcomes are published to a Redis status board.
package notify

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
)

// Trigger runs a replication check for a local index.
type Trigger func(ctx context.Context, index string) error

// Publisher sends one event. *kafka.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// CommitNotifier announces commits made on a master.
type CommitNotifier struct {
	pub    Publisher
	logger *slog.Logger
}

func NewCommitNotifier(pub Publisher) *CommitNotifier {
	return &CommitNotifier{
		pub:    pub,
		logger: slog.Default().With("component", "commit-notifier"),
	}
}

// Committed publishes ev keyed by index. Failures are logged: replicas
// still catch up on their next poll.
func (n *CommitNotifier) Committed(ctx context.Context, ev proto.CommitEvent) {
	if n == nil || n.pub == nil {
		return
	}
	if err := n.pub.Publish(ctx, kafka.Event{Key: ev.Index, Value: ev}); err != nil {
		n.logger.Warn("publishing commit event",
			"index", ev.Index,
			"generation", ev.Generation,
			"error", err,
		)
		return
	}
	n.logger.Debug("commit event published", "index", ev.Index, "generation", ev.Generation)
}

// Listener turns commit events for master indexes into replication checks
// of the local indexes that follow them.
type Listener struct {
	routes  map[string][]string
	trigger Trigger
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]int64
}

// NewListener maps each master index name to the local indexes following it.
func NewListener(routes map[string][]string, trigger Trigger) *Listener {
	return &Listener{
		routes:  routes,
		trigger: trigger,
		logger:  slog.Default().With("component", "commit-listener"),
		seen:    make(map[string]int64),
	}
}

// Handle is a kafka.MessageHandler. Events for generations a local index has
// already replicated past are dropped.
func (l *Listener) Handle(ctx context.Context, key, value []byte) error {
	ev, err := kafka.DecodeJSON[proto.CommitEvent](value)
	if err != nil {
		l.logger.Error("failed to decode commit event", "error", err, "key", string(key))
		return nil
	}
	var failed error
	for _, local := range l.routes[ev.Index] {
		if !l.newer(local, ev.Generation) {
			l.logger.Debug("skipping stale commit event", "index", local, "generation", ev.Generation)
			continue
		}
		err := l.trigger(ctx, local)
		switch {
		case err == nil:
			l.markSeen(local, ev.Generation)
		case apperrors.Is(err, apperrors.ErrNotAcceptable):
			l.logger.Debug("index does not replicate", "index", local)
		default:
			l.logger.Warn("replication triggered by commit failed",
				"index", local,
				"master_index", ev.Index,
				"generation", ev.Generation,
				"error", err,
			)
			failed = err
		}
	}
	return failed
}

func (l *Listener) newer(index string, generation int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return generation > l.seen[index]
}

func (l *Listener) markSeen(index string, generation int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if generation > l.seen[index] {
		l.seen[index] = generation
	}
}
