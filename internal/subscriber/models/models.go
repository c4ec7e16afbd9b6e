// Package models holds the subscriber record and its lifecycle states.
package models

import "time"

// Status of a subscriber record. Transitions only move pending -> confirmed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// SubscriberRecord is one double opt-in signup, keyed by (SubscriberID,
// SiteID). A subscriber holds independent records per branded site.
type SubscriberRecord struct {
	// SubscriberID is the hex SHA-256 of the normalized address; the raw
	// address is never persisted as part of the key.
	SubscriberID string `json:"subscriber_id"`
	// SiteID is the branded site's domain name, e.g. "juniper.camp".
	SiteID string `json:"site_id"`
	Status Status `json:"status"`
	// TokenHash is the commitment to the currently valid confirmation token.
	// Replaced on every re-subscribe while pending.
	TokenHash string `json:"-"`
	// TokenGeneration increases monotonically; a token minted for an older
	// generation is stale even if its hash matches a historical commitment.
	TokenGeneration uint64     `json:"token_generation"`
	CreatedAt       time.Time  `json:"created_at"`
	LastRequestedAt time.Time  `json:"last_requested_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
}

// Confirmed reports whether the subscription is active.
func (r *SubscriberRecord) Confirmed() bool {
	return r.Status == StatusConfirmed
}

// ExpiredBefore reports whether a pending record is eligible for scrubbing
// against the given cutoff. Confirmed records never expire.
func (r *SubscriberRecord) ExpiredBefore(cutoff time.Time) bool {
	return r.Status == StatusPending && r.LastRequestedAt.Before(cutoff)
}
