package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RunRetention deletes messages older than maxAge. maxAge <= 0 keeps everything.
func RunRetention(ctx context.Context, store *Store, maxAge time.Duration) {
	if store == nil || maxAge <= 0 {
		return
	}
	ctx, span := tracer.Start(ctx, "mailbox.retention",
		trace.WithAttributes(attribute.String("max_age", maxAge.String())))
	defer span.End()

	purged, err := store.PurgeBefore(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		log.Error().Err(err).Msg("mailbox_retention_failed")
		return
	}
	if purged > 0 {
		log.Info().Int64("purged", purged).Dur("max_age", maxAge).Msg("mailbox_retention_completed")
	}
}

// RetentionScheduler runs RunRetention on a cron schedule.
type RetentionScheduler struct {
	cron   *cron.Cron
	store  *Store
	maxAge time.Duration
}

// NewRetentionScheduler creates a scheduler for store. Schedules use the
// standard 5-field cron format (e.g. "0 3 * * *" for 03:00 daily).
func NewRetentionScheduler(store *Store, maxAge time.Duration) *RetentionScheduler {
	return &RetentionScheduler{cron: cron.New(), store: store, maxAge: maxAge}
}

// Register adds the retention job under schedule.
func (s *RetentionScheduler) Register(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		RunRetention(ctx, s.store, s.maxAge)
	})
	if err != nil {
		return fmt.Errorf("registering retention cron %q: %w", schedule, err)
	}
	return nil
}

// Start begins executing the registered job.
func (s *RetentionScheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running job to complete.
func (s *RetentionScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
