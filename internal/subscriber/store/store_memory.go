package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"optin/internal/subscriber/models"
	"optin/pkg/platform/sentinel"
)

// InMemoryStore keeps records in a map guarded by a single mutex. It favors
// clarity over performance and backs unit tests and local development.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[Key]models.SubscriberRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[Key]models.SubscriberRecord)}
}

func (s *InMemoryStore) Get(_ context.Context, subscriberID, siteID string) (models.SubscriberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[Key{subscriberID, siteID}]
	if !ok {
		return models.SubscriberRecord{}, sentinel.ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) UpsertPending(_ context.Context, subscriberID, siteID string, now time.Time, mint Minter) (models.SubscriberRecord, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{subscriberID, siteID}
	rec, ok := s.records[key]
	if ok && rec.Status == models.StatusConfirmed {
		// Re-subscribing a confirmed address is a no-op.
		return rec, "", false, nil
	}

	generation := uint64(0)
	if ok {
		generation = rec.TokenGeneration + 1
	}
	tok, tokenHash, err := mint(subscriberID, siteID, generation)
	if err != nil {
		return models.SubscriberRecord{}, "", false, err
	}

	if !ok {
		rec = models.SubscriberRecord{
			SubscriberID: subscriberID,
			SiteID:       siteID,
			Status:       models.StatusPending,
			CreatedAt:    now,
		}
	}
	rec.TokenHash = tokenHash
	rec.TokenGeneration = generation
	rec.LastRequestedAt = now
	s.records[key] = rec
	return rec, tok, true, nil
}

func (s *InMemoryStore) PromoteConfirmed(_ context.Context, subscriberID, siteID string, expectedGeneration uint64, now time.Time) (PromoteOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{subscriberID, siteID}
	rec, ok := s.records[key]
	if !ok {
		return NotFound, nil
	}
	if rec.Status == models.StatusConfirmed {
		return AlreadyConfirmed, nil
	}
	if rec.TokenGeneration != expectedGeneration {
		return StaleGeneration, nil
	}
	rec.Status = models.StatusConfirmed
	rec.ConfirmedAt = &now
	s.records[key] = rec
	return Promoted, nil
}

func (s *InMemoryStore) ScanPendingExpiredBefore(_ context.Context, cutoff time.Time, cursor Cursor, limit int) ([]Key, Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]Key, 0)
	for key, rec := range s.records {
		if rec.ExpiredBefore(cutoff) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SubscriberID != keys[j].SubscriberID {
			return keys[i].SubscriberID < keys[j].SubscriberID
		}
		return keys[i].SiteID < keys[j].SiteID
	})

	start := 0
	if !cursor.Done() {
		// Resume by (SubscriberID, SiteID) tuple order, matching the sort
		// above; comparing the concatenated token would disagree with it for
		// IDs containing characters that sort around '/'.
		afterSub, afterSite := splitCursor(cursor)
		start = len(keys)
		for i, key := range keys {
			if key.SubscriberID > afterSub || (key.SubscriberID == afterSub && key.SiteID > afterSite) {
				start = i
				break
			}
		}
	}
	keys = keys[start:]

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		last := keys[len(keys)-1]
		return keys, Cursor{Token: last.SubscriberID + "/" + last.SiteID}, nil
	}
	return keys, Cursor{}, nil
}

func (s *InMemoryStore) Delete(_ context.Context, subscriberID, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, Key{subscriberID, siteID})
	return nil
}

func (s *InMemoryStore) CountBySite(_ context.Context, siteID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var confirmed, pending int64
	for key, rec := range s.records {
		if key.SiteID != siteID {
			continue
		}
		if rec.Status == models.StatusConfirmed {
			confirmed++
		} else {
			pending++
		}
	}
	return confirmed, pending, nil
}
