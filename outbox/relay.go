package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"saukidata/metrics"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 10
	DefaultMaxAttempts  = 5
)

// Publisher delivers an outbox message to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Relay moves settled-order messages from the outbox to a Publisher.
type Relay struct {
	Store        Store
	Publisher    Publisher
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Log          zerolog.Logger
}

// NewRelay returns a relay with default pacing.
func NewRelay(store Store, pub Publisher) *Relay {
	return &Relay{
		Store:        store,
		Publisher:    pub,
		PollInterval: DefaultPollInterval,
		BatchSize:    DefaultBatchSize,
		MaxAttempts:  DefaultMaxAttempts,
		Log:          zerolog.Nop(),
	}
}

// Run dispatches on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				r.Log.Warn().Err(err).Msg("outbox dispatch failed")
			}
		}
	}
}

// DispatchOnce publishes one batch of pending messages.
func (r *Relay) DispatchOnce(ctx context.Context) (Stats, error) {
	stats, err := r.Store.Dispatch(ctx, r.BatchSize, r.MaxAttempts, func(ctx context.Context, m Message) error {
		err := r.Publisher.Publish(ctx, m)
		switch {
		case err == nil:
			metrics.OutboxMessages.WithLabelValues(m.Topic, "published").Inc()
		case m.Attempts+1 >= r.MaxAttempts:
			metrics.OutboxMessages.WithLabelValues(m.Topic, "dead").Inc()
			r.Log.Error().Err(err).Str("message_id", m.ID).Str("key", m.Key).Msg("outbox message dead-lettered")
		default:
			metrics.OutboxMessages.WithLabelValues(m.Topic, "retry").Inc()
			r.Log.Debug().Err(err).Str("message_id", m.ID).Int("attempts", m.Attempts+1).Msg("publish failed")
		}
		return err
	})
	if err != nil {
		return Stats{}, err
	}
	if stats.Processed+stats.Failed+stats.Dead > 0 {
		r.Log.Debug().Int("processed", stats.Processed).Int("failed", stats.Failed).Int("dead", stats.Dead).Msg("outbox batch dispatched")
	}
	return stats, nil
}
