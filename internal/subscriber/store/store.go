// Package store persists subscriber records. All cross-request coordination
// happens through the store's atomic per-key operations; there are no
// cross-key locks or transactions.
package store

import (
	"context"
	"time"

	"optin/internal/subscriber/models"
)

// Key identifies one subscriber record.
type Key struct {
	SubscriberID string
	SiteID       string
}

// Cursor marks a position in a paginated pending-record scan. The zero value
// starts from the beginning; implementations return the zero value when the
// scan is exhausted.
type Cursor struct {
	Token string
}

func (c Cursor) Done() bool { return c.Token == "" }

// PromoteOutcome reports the result of a conditional confirm.
type PromoteOutcome int

const (
	Promoted PromoteOutcome = iota
	// StaleGeneration: the token's generation was superseded by a later
	// re-subscribe. Never ambiguous with a silent success.
	StaleGeneration
	// AlreadyConfirmed: benign, callers treat it as success so confirmation
	// links stay idempotent.
	AlreadyConfirmed
	NotFound
)

// Minter produces the token and commitment for a generation the store is
// about to write. The store calls it inside its per-key atomicity scope so
// the stored hash is always bound to the generation actually persisted.
type Minter func(subscriberID, siteID string, generation uint64) (token, tokenHash string, err error)

// Store is the subscriber record persistence contract.
//
// UpsertPending is linearizable per key: absent creates at generation 0,
// pending increments the generation and replaces the token hash, confirmed is
// a no-op returning the record unchanged with refreshed=false. Two concurrent
// calls never leave two valid tokens live.
//
// PromoteConfirmed fires at most one pending->confirmed transition; a loser
// observes StaleGeneration or AlreadyConfirmed, never a partial write.
type Store interface {
	Get(ctx context.Context, subscriberID, siteID string) (models.SubscriberRecord, error)
	UpsertPending(ctx context.Context, subscriberID, siteID string, now time.Time, mint Minter) (rec models.SubscriberRecord, token string, refreshed bool, err error)
	PromoteConfirmed(ctx context.Context, subscriberID, siteID string, expectedGeneration uint64, now time.Time) (PromoteOutcome, error)
	// ScanPendingExpiredBefore pages through pending records whose
	// LastRequestedAt predates cutoff. Results may be stale by the time the
	// caller acts on them; deleters must re-check.
	ScanPendingExpiredBefore(ctx context.Context, cutoff time.Time, cursor Cursor, limit int) ([]Key, Cursor, error)
	Delete(ctx context.Context, subscriberID, siteID string) error
	// CountBySite returns confirmed and pending record counts for one site.
	CountBySite(ctx context.Context, siteID string) (confirmed, pending int64, err error)
}
