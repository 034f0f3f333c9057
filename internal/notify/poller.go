package notify

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/resilience"
)

// Poller runs a replication check for each index on a fixed interval,
// retrying failed checks with backoff. It covers lost commit events.
type Poller struct {
	indexes  []string
	interval time.Duration
	retry    resilience.RetryConfig
	trigger  Trigger
	logger   *slog.Logger
}

func NewPoller(indexes []string, interval time.Duration, retry resilience.RetryConfig, trigger Trigger) *Poller {
	return &Poller{
		indexes:  indexes,
		interval: interval,
		retry:    retry,
		trigger:  trigger,
		logger:   slog.Default().With("component", "replication-poller"),
	}
}

// Start polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("poller started", "indexes", p.indexes, "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce checks every index once and returns how many checks failed.
func (p *Poller) PollOnce(ctx context.Context) int {
	var failed int
	for _, index := range p.indexes {
		if ctx.Err() != nil {
			return failed
		}
		err := resilience.Retry(ctx, "replicate "+index, p.retry, func(ctx context.Context) error {
			err := p.trigger(ctx, index)
			if apperrors.Is(err, apperrors.ErrNotAcceptable) || apperrors.Is(err, apperrors.ErrIndexNotFound) {
				return resilience.Permanent(err)
			}
			return err
		})
		if err != nil {
			failed++
			p.logger.Warn("replication check failed", "index", index, "error", err)
		}
	}
	return failed
}
