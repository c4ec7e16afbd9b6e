//go:build integration

package store_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"optin/internal/subscriber/models"
	"optin/internal/subscriber/scrub"
	"optin/internal/subscriber/store"
	"optin/pkg/platform/sentinel"
	"optin/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	rc    *containers.RedisContainer
	store *store.RedisStore
	now   time.Time
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.rc = containers.NewRedisContainer(s.T())
	s.store = store.NewRedis(s.rc.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.rc.Client.FlushDB(context.Background()).Err())
	s.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func (s *RedisStoreSuite) TestLifecycleRoundTrip() {
	ctx := context.Background()

	_, err := s.store.Get(ctx, "sub-a", "juniper.camp")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	rec, tok, refreshed, err := s.store.UpsertPending(ctx, "sub-a", "juniper.camp", s.now, intMinter)
	s.Require().NoError(err)
	s.True(refreshed)
	s.Equal("tok-0", tok)
	s.Equal(uint64(0), rec.TokenGeneration)

	rec, tok, refreshed, err = s.store.UpsertPending(ctx, "sub-a", "juniper.camp", s.now.Add(time.Hour), intMinter)
	s.Require().NoError(err)
	s.True(refreshed)
	s.Equal("tok-1", tok)
	s.Equal(uint64(1), rec.TokenGeneration)
	s.True(rec.CreatedAt.Equal(s.now), "creation time survives refresh")

	outcome, err := s.store.PromoteConfirmed(ctx, "sub-a", "juniper.camp", 0, s.now)
	s.Require().NoError(err)
	s.Equal(store.StaleGeneration, outcome)

	confirmTime := s.now.Add(2 * time.Hour)
	outcome, err = s.store.PromoteConfirmed(ctx, "sub-a", "juniper.camp", 1, confirmTime)
	s.Require().NoError(err)
	s.Equal(store.Promoted, outcome)

	outcome, err = s.store.PromoteConfirmed(ctx, "sub-a", "juniper.camp", 1, s.now.Add(3*time.Hour))
	s.Require().NoError(err)
	s.Equal(store.AlreadyConfirmed, outcome)

	rec, err = s.store.Get(ctx, "sub-a", "juniper.camp")
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, rec.Status)
	s.Require().NotNil(rec.ConfirmedAt)
	s.True(rec.ConfirmedAt.Equal(confirmTime), "first confirmation time sticks")

	rec, tok, refreshed, err = s.store.UpsertPending(ctx, "sub-a", "juniper.camp", s.now.Add(4*time.Hour), intMinter)
	s.Require().NoError(err)
	s.False(refreshed)
	s.Empty(tok)
	s.Equal(uint64(1), rec.TokenGeneration)
}

func (s *RedisStoreSuite) TestPromoteMissingIsNotFound() {
	outcome, err := s.store.PromoteConfirmed(context.Background(), "ghost", "juniper.camp", 0, s.now)
	s.Require().NoError(err)
	s.Equal(store.NotFound, outcome)
}

func (s *RedisStoreSuite) TestScanExcludesFreshAndConfirmed() {
	ctx := context.Background()
	old := s.now.Add(-10 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		_, _, _, err := s.store.UpsertPending(ctx, fmt.Sprintf("sub-%d", i), "juniper.camp", old, intMinter)
		s.Require().NoError(err)
	}
	_, _, _, err := s.store.UpsertPending(ctx, "sub-fresh", "juniper.camp", s.now, intMinter)
	s.Require().NoError(err)
	_, _, _, err = s.store.UpsertPending(ctx, "sub-done", "juniper.camp", old, intMinter)
	s.Require().NoError(err)
	_, err = s.store.PromoteConfirmed(ctx, "sub-done", "juniper.camp", 0, s.now)
	s.Require().NoError(err)

	cutoff := s.now.Add(-7 * 24 * time.Hour)
	seen := make(map[store.Key]bool)
	var cursor store.Cursor
	for {
		keys, next, err := s.store.ScanPendingExpiredBefore(ctx, cutoff, cursor, 2)
		s.Require().NoError(err)
		for _, key := range keys {
			seen[key] = true
		}
		if next.Done() {
			break
		}
		cursor = next
	}

	s.Len(seen, 5)
	s.False(seen[store.Key{SubscriberID: "sub-fresh", SiteID: "juniper.camp"}])
	s.False(seen[store.Key{SubscriberID: "sub-done", SiteID: "juniper.camp"}])
}

// TestScanCursorSurvivesDeletions pages through the index while deleting
// every returned key before asking for the next page, the way the scrub job
// consumes it. The cursor must not lose the records that shift down as the
// index shrinks.
func (s *RedisStoreSuite) TestScanCursorSurvivesDeletions() {
	ctx := context.Background()
	// Three distinct timestamps, with a run of equal scores crossing a page
	// boundary.
	times := []time.Time{
		s.now.Add(-10 * 24 * time.Hour),
		s.now.Add(-10 * 24 * time.Hour),
		s.now.Add(-9 * 24 * time.Hour),
		s.now.Add(-9 * 24 * time.Hour),
		s.now.Add(-9 * 24 * time.Hour),
		s.now.Add(-8 * 24 * time.Hour),
	}
	for i, at := range times {
		_, _, _, err := s.store.UpsertPending(ctx, fmt.Sprintf("sub-%d", i), "juniper.camp", at, intMinter)
		s.Require().NoError(err)
	}

	seen := make(map[store.Key]bool)
	var cursor store.Cursor
	for {
		keys, next, err := s.store.ScanPendingExpiredBefore(ctx, s.now, cursor, 2)
		s.Require().NoError(err)
		for _, key := range keys {
			s.False(seen[key], "no key repeats across pages")
			seen[key] = true
			s.Require().NoError(s.store.Delete(ctx, key.SubscriberID, key.SiteID))
		}
		if next.Done() {
			break
		}
		cursor = next
	}

	s.Len(seen, len(times), "every expired record is visited in a single pass")
}

// TestScrubReclaimsAllPagesInOnePass runs the real scrub job over more
// records than one page; one pass must delete everything eligible.
func (s *RedisStoreSuite) TestScrubReclaimsAllPagesInOnePass() {
	ctx := context.Background()
	old := s.now.Add(-8 * 24 * time.Hour)
	const records = 7
	for i := 0; i < records; i++ {
		_, _, _, err := s.store.UpsertPending(ctx, fmt.Sprintf("sub-%d", i), "juniper.camp", old, intMinter)
		s.Require().NoError(err)
	}

	job := scrub.NewJob(s.store, slog.New(slog.NewTextHandler(io.Discard, nil)), 7*24*time.Hour,
		scrub.WithClock(func() time.Time { return s.now }),
		scrub.WithPageSize(2))
	deleted, err := job.Run(ctx)
	s.Require().NoError(err)
	s.Equal(records, deleted)

	keys, _, err := s.store.ScanPendingExpiredBefore(ctx, s.now, store.Cursor{}, records)
	s.Require().NoError(err)
	s.Empty(keys)
}

func (s *RedisStoreSuite) TestDeleteClearsIndexes() {
	ctx := context.Background()
	old := s.now.Add(-10 * 24 * time.Hour)
	_, _, _, err := s.store.UpsertPending(ctx, "sub-a", "juniper.camp", old, intMinter)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(ctx, "sub-a", "juniper.camp"))

	_, err = s.store.Get(ctx, "sub-a", "juniper.camp")
	s.ErrorIs(err, sentinel.ErrNotFound)

	keys, _, err := s.store.ScanPendingExpiredBefore(ctx, s.now, store.Cursor{}, 10)
	s.Require().NoError(err)
	s.Empty(keys, "deleted record leaves no index entry behind")

	confirmed, pending, err := s.store.CountBySite(ctx, "juniper.camp")
	s.Require().NoError(err)
	s.Zero(confirmed)
	s.Zero(pending)

	// Deleting an absent key is not an error.
	s.NoError(s.store.Delete(ctx, "sub-a", "juniper.camp"))
}

func (s *RedisStoreSuite) TestCountBySite() {
	ctx := context.Background()
	_, _, _, err := s.store.UpsertPending(ctx, "sub-a", "juniper.camp", s.now, intMinter)
	s.Require().NoError(err)
	_, _, _, err = s.store.UpsertPending(ctx, "sub-b", "juniper.camp", s.now, intMinter)
	s.Require().NoError(err)
	_, err = s.store.PromoteConfirmed(ctx, "sub-a", "juniper.camp", 0, s.now)
	s.Require().NoError(err)

	confirmed, pending, err := s.store.CountBySite(ctx, "juniper.camp")
	s.Require().NoError(err)
	s.EqualValues(1, confirmed)
	s.EqualValues(1, pending)

	confirmed, pending, err = s.store.CountBySite(ctx, "naturism.is")
	s.Require().NoError(err)
	s.Zero(confirmed)
	s.Zero(pending)
}

// TestConcurrentUpserts exercises the optimistic generation check under racing
// writers; the script retry loop must absorb the contention.
func (s *RedisStoreSuite) TestConcurrentUpserts() {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, err := s.store.UpsertPending(ctx, "sub-a", "juniper.camp", s.now, intMinter)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Under heavy contention a writer may exhaust its retries; every other
	// outcome must be success, and the record must end at a consistent
	// generation with a matching hash.
	applied := 0
	for err := range errs {
		if err == nil {
			applied++
		} else {
			s.ErrorIs(err, sentinel.ErrConflict)
		}
	}
	s.Positive(applied)

	rec, err := s.store.Get(ctx, "sub-a", "juniper.camp")
	s.Require().NoError(err)
	s.Equal(uint64(applied-1), rec.TokenGeneration)
	s.Equal(fmt.Sprintf("hash-%d", applied-1), rec.TokenHash)
}

// TestConcurrentPromotes ensures the promote script transitions exactly once.
func (s *RedisStoreSuite) TestConcurrentPromotes() {
	ctx := context.Background()
	_, _, _, err := s.store.UpsertPending(ctx, "sub-a", "juniper.camp", s.now, intMinter)
	s.Require().NoError(err)

	const confirmers = 8
	outcomes := make(chan store.PromoteOutcome, confirmers)
	var wg sync.WaitGroup
	for i := 0; i < confirmers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := s.store.PromoteConfirmed(ctx, "sub-a", "juniper.camp", 0, s.now)
			s.NoError(err)
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	promoted := 0
	for outcome := range outcomes {
		if outcome == store.Promoted {
			promoted++
		}
	}
	s.Equal(1, promoted)
}
