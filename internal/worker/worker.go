// Package worker consumes queued report refreshes and cache invalidations.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"registrar/internal/attendance"
	"registrar/internal/queue"
)

// Invalidator drops cached organization state.
type Invalidator interface {
	Invalidate(orgID string)
}

// Worker applies queue messages.
type Worker struct {
	refresher attendance.Refresher
	cache     Invalidator
	timeout   time.Duration
	log       zerolog.Logger
}

// New creates a worker. timeout bounds one message.
func New(refresher attendance.Refresher, cache Invalidator, timeout time.Duration, log zerolog.Logger) *Worker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{
		refresher: refresher,
		cache:     cache,
		timeout:   timeout,
		log:       log.With().Str("component", "worker").Logger(),
	}
}

// Run processes messages until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	w.log.Info().Msg("worker started, waiting for messages")
	for msg := range messages {
		if err := w.Handle(ctx, msg); err != nil {
			w.log.Error().Err(err).Str("type", msg.Type).Str("org", msg.OrgID).Msg("message failed")
		}
	}
	w.log.Info().Msg("worker stopped")
	return ctx.Err()
}

// Handle applies one message. Unknown types are ignored.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	switch msg.Type {
	case queue.TypeRefresh:
		_, err := w.refresher.Refresh(ctx, msg.OrgID, attendance.RefreshOptions{
			Destination: msg.Destination,
			Force:       msg.Force,
		})
		return err
	case queue.TypeConfigChanged:
		w.cache.Invalidate(msg.OrgID)
		return nil
	default:
		w.log.Debug().Str("type", msg.Type).Msg("ignoring unknown message")
		return nil
	}
}

// Broadcast returns a SettingsCache.OnChange hook that publishes a
// config_changed message for every write.
func Broadcast(q queue.Queue, log zerolog.Logger) func(context.Context, string) {
	return func(ctx context.Context, orgID string) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := q.Publish(ctx, queue.Message{Type: queue.TypeConfigChanged, OrgID: orgID}); err != nil {
			log.Warn().Err(err).Str("org", orgID).Msg("config change broadcast failed")
		}
	}
}
