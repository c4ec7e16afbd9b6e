// Package scrub reclaims storage from abandoned signups: pending records
// whose last request predates the expiry window are deleted on a fixed
// cadence. Confirmed records are never touched.
package scrub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"optin/internal/platform/metrics"
	"optin/internal/subscriber/store"
	"optin/pkg/platform/sentinel"
)

const defaultPageSize = 100

// Job is one logical scrub pass. It is idempotent and safe to re-run or even
// overlap: every delete is preceded by a fresh read that re-validates both
// status and expiry, so double execution only produces redundant rechecks.
type Job struct {
	store        store.Store
	logger       *slog.Logger
	metrics      *metrics.Metrics
	expiryWindow time.Duration
	pageSize     int
	clock        func() time.Time
}

type Option func(*Job)

func WithClock(clock func() time.Time) Option {
	return func(j *Job) {
		if clock != nil {
			j.clock = clock
		}
	}
}

func WithPageSize(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.pageSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Job) { j.metrics = m }
}

func NewJob(st store.Store, logger *slog.Logger, expiryWindow time.Duration, opts ...Option) *Job {
	j := &Job{
		store:        st,
		logger:       logger,
		expiryWindow: expiryWindow,
		pageSize:     defaultPageSize,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run executes one pass. Per-key failures are logged and skipped; a listing
// failure aborts the run (the next scheduled run recovers). Each page's
// deletions commit independently, so interruption between pages never
// corrupts state.
func (j *Job) Run(ctx context.Context) (deleted int, err error) {
	cutoff := j.clock().Add(-j.expiryWindow)
	j.logger.InfoContext(ctx, "scrub pass starting", "cutoff", cutoff)

	var cursor store.Cursor
	for {
		keys, next, err := j.store.ScanPendingExpiredBefore(ctx, cutoff, cursor, j.pageSize)
		if err != nil {
			return deleted, fmt.Errorf("scan expired pending: %w", err)
		}
		for _, key := range keys {
			if ctx.Err() != nil {
				return deleted, ctx.Err()
			}
			if j.scrubOne(ctx, key, cutoff) {
				deleted++
			}
		}
		if next.Done() {
			break
		}
		cursor = next
	}

	j.metrics.AddRecordsScrubbed(deleted)
	j.metrics.SetLastScrubSize(deleted)
	j.logger.InfoContext(ctx, "scrub pass finished", "deleted", deleted)
	return deleted, nil
}

// scrubOne re-reads the record immediately before deleting. The scan snapshot
// may be stale: the record may have been confirmed meanwhile, or a concurrent
// subscribe may have bumped LastRequestedAt past the cutoff. Both must
// survive the pass, so the recheck validates status and expiry against the
// current record, not the scanned one.
func (j *Job) scrubOne(ctx context.Context, key store.Key, cutoff time.Time) bool {
	rec, err := j.store.Get(ctx, key.SubscriberID, key.SiteID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false
	}
	if err != nil {
		j.metrics.IncScrubFailures()
		j.logger.WarnContext(ctx, "scrub recheck failed, skipping",
			"site", key.SiteID, "subscriber_id", key.SubscriberID, "error", err)
		return false
	}
	if !rec.ExpiredBefore(cutoff) {
		return false
	}
	if err := j.store.Delete(ctx, key.SubscriberID, key.SiteID); err != nil {
		j.metrics.IncScrubFailures()
		j.logger.WarnContext(ctx, "scrub delete failed, skipping",
			"site", key.SiteID, "subscriber_id", key.SubscriberID, "error", err)
		return false
	}
	return true
}

// Scheduler fires the job on a fixed interval until the context is canceled.
type Scheduler struct {
	job      *Job
	logger   *slog.Logger
	interval time.Duration
}

func NewScheduler(job *Job, logger *slog.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{job: job, logger: logger, interval: interval}
}

// Run blocks until ctx is done. A failed pass is logged, not fatal; the next
// tick retries from scratch.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.job.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("scrub pass failed", "error", err)
			}
		}
	}
}
