// Package maintenance runs the background jobs the request path must not
// block on: flushing the outbound email spool and pruning old audit events.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gratipay/gratipay-server/internal/mailqueue"
	"github.com/gratipay/gratipay-server/internal/services"
	"github.com/gratipay/gratipay-server/pkg/logger"
)

const (
	defaultFlushSpec      = "@every 1m"
	defaultRetentionSpec  = "@daily"
	defaultEventRetention = 365 * 24 * time.Hour
)

// Flusher coordinates background maintenance: draining the email queue on a
// schedule and enforcing event retention.
type Flusher struct {
	queue  *mailqueue.Queue
	events *services.EventService
	cron   *cron.Cron
	now    func() time.Time
	log    *zap.Logger

	retention     time.Duration
	flushSchedule string
	eventSchedule string
}

// Option customises the Flusher.
type Option func(*Flusher)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(f *Flusher) {
		if c != nil {
			f.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(f *Flusher) {
		if now != nil {
			f.now = now
		}
	}
}

// WithFlushSchedule overrides the cron specification for queue flushing.
func WithFlushSchedule(spec string) Option {
	return func(f *Flusher) {
		if spec != "" {
			f.flushSchedule = spec
		}
	}
}

// WithEventRetention adjusts how long audit events are kept.
func WithEventRetention(d time.Duration) Option {
	return func(f *Flusher) {
		if d > 0 {
			f.retention = d
		}
	}
}

// NewFlusher constructs a Flusher with sensible defaults. A nil dependency
// results in the corresponding job being skipped.
func NewFlusher(queue *mailqueue.Queue, events *services.EventService, opts ...Option) *Flusher {
	flusher := &Flusher{
		queue:         queue,
		events:        events,
		now:           time.Now,
		retention:     defaultEventRetention,
		flushSchedule: defaultFlushSpec,
		eventSchedule: defaultRetentionSpec,
		log:           logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(flusher)
	}

	if flusher.cron == nil {
		flusher.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return flusher
}

// Start registers the jobs with the cron scheduler and launches it.
func (f *Flusher) Start() error {
	if f.queue != nil {
		if _, err := f.cron.AddFunc(f.flushSchedule, func() {
			ctx := context.Background()
			delivered, err := f.queue.Flush(ctx)
			if err != nil {
				f.log.Warn("email queue flush failed", zap.Int("delivered", delivered), zap.Error(err))
				return
			}
			if delivered > 0 {
				f.log.Info("flushed email queue", zap.Int("delivered", delivered))
			}
		}); err != nil {
			return err
		}
	}

	if f.events != nil && f.retention > 0 {
		if _, err := f.cron.AddFunc(f.eventSchedule, func() {
			ctx := context.Background()
			if _, err := f.events.DeleteOlderThan(ctx, f.now().Add(-f.retention)); err != nil {
				f.log.Warn("event retention cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	f.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (f *Flusher) Stop() context.Context {
	if f.cron == nil {
		return context.Background()
	}
	return f.cron.Stop()
}

// RunOnce executes all configured jobs sequentially. Primarily used in tests
// and during graceful shutdown, so a final flush is not lost.
func (f *Flusher) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if f.queue != nil {
		if _, err := f.queue.Flush(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if f.events != nil && f.retention > 0 {
		if _, err := f.events.DeleteOlderThan(ctx, f.now().Add(-f.retention)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
