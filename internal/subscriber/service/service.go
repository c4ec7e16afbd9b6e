// Package service implements the subscription lifecycle operations. Handlers
// stay thin; stores stay pure I/O; the rules live here.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"

	"optin/internal/notify"
	"optin/internal/platform/metrics"
	"optin/internal/subscriber/models"
	"optin/internal/subscriber/store"
	"optin/internal/subscriber/token"
	"optin/pkg/domainerrors"
	"optin/pkg/email"
	"optin/pkg/platform/sentinel"
)

// Clock is injected for testability; defaults to time.Now.
type Clock func() time.Time

// Service drives the pending/confirmed lifecycle. All per-key coordination is
// delegated to the store's atomic operations; the service holds no mutable
// state between requests.
type Service struct {
	store    store.Store
	codec    *token.Codec
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	// sites is the registered site allow-list; empty means any site is
	// accepted (development mode).
	sites map[string]bool
	clock Clock
}

type Option func(*Service)

func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(st store.Store, codec *token.Codec, notifier notify.Notifier, logger *slog.Logger, sites []string, opts ...Option) *Service {
	s := &Service{
		store:    st,
		codec:    codec,
		notifier: notifier,
		logger:   logger,
		sites:    make(map[string]bool, len(sites)),
		clock:    time.Now,
	}
	for _, site := range sites {
		s.sites[site] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// normalizeSite folds a site ID the same way the allow-list is folded at
// config time; hostnames are case-insensitive and the store key must not
// split one site across casings.
func normalizeSite(siteID string) string {
	return strings.ToLower(strings.TrimSpace(siteID))
}

func (s *Service) validSite(siteID string) bool {
	if siteID == "" {
		return false
	}
	if len(s.sites) == 0 {
		return true
	}
	return s.sites[siteID]
}

// Subscribe creates or refreshes a pending record and, when a new token was
// actually issued, hands a confirmation request to the dispatcher. Calling it
// twice is safe: the second call supersedes the first token and only the
// latest link stays valid. A confirmed record is left untouched and no mail
// goes out.
func (s *Service) Subscribe(ctx context.Context, rawEmail, siteID string) error {
	address := email.Normalize(rawEmail)
	siteID = normalizeSite(siteID)
	if !govalidator.IsEmail(address) {
		return domainerrors.New(domainerrors.CodeValidation, "invalid email address")
	}
	if !s.validSite(siteID) {
		return domainerrors.New(domainerrors.CodeValidation, "unknown site")
	}
	s.metrics.IncSubscribeRequests()

	subscriberID := email.DeriveSubscriberID(address)
	rec, tok, refreshed, err := s.store.UpsertPending(ctx, subscriberID, siteID, s.clock(), s.codec.Issue)
	if err != nil {
		s.logger.ErrorContext(ctx, "upsert pending failed",
			"site", siteID, "subscriber_id", subscriberID, "error", err)
		return domainerrors.New(domainerrors.CodeUnavailable, "subscription store unavailable")
	}
	if !refreshed {
		// Already confirmed; repeated subscribes are a no-op and must not
		// trigger another welcome round-trip.
		return nil
	}
	s.metrics.IncTokensIssued()

	msg := notify.Confirmation{
		Address:      address,
		SiteID:       siteID,
		SubscriberID: subscriberID,
		Token:        tok,
	}
	if err := s.notifier.SendConfirmation(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "confirmation dispatch failed",
			"site", siteID, "subscriber_id", subscriberID,
			"generation", rec.TokenGeneration, "error", err)
		return domainerrors.New(domainerrors.CodeUnavailable, "confirmation dispatch unavailable")
	}
	s.logger.InfoContext(ctx, "confirmation dispatched",
		"site", siteID, "subscriber_id", subscriberID, "generation", rec.TokenGeneration)
	return nil
}

// Confirm validates a presented token and promotes the record. Reusing a link
// after success is indistinguishable from first success. A wrong token and a
// superseded generation both come back as the same invalid-token outcome so
// probing callers learn nothing about internal state.
func (s *Service) Confirm(ctx context.Context, rawEmail, subscriberID, siteID, tok string) error {
	if rawEmail != "" {
		subscriberID = email.DeriveSubscriberID(rawEmail)
	}
	siteID = normalizeSite(siteID)
	if subscriberID == "" || tok == "" || !s.validSite(siteID) {
		return domainerrors.New(domainerrors.CodeValidation, "subscriber, site and token are required")
	}

	rec, err := s.store.Get(ctx, subscriberID, siteID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return domainerrors.New(domainerrors.CodeNotFound, "no such subscription")
		}
		return domainerrors.New(domainerrors.CodeUnavailable, "subscription store unavailable")
	}

	if !s.codec.Verify(subscriberID, siteID, rec.TokenGeneration, rec.TokenHash, tok) {
		// A valid token for a confirmed record still verifies; let the
		// promote report AlreadyConfirmed so link reuse stays idempotent.
		s.metrics.IncInvalidTokens()
		return domainerrors.New(domainerrors.CodeInvalidToken, "link invalid or expired")
	}

	outcome, err := s.store.PromoteConfirmed(ctx, subscriberID, siteID, rec.TokenGeneration, s.clock())
	if err != nil {
		return domainerrors.New(domainerrors.CodeUnavailable, "subscription store unavailable")
	}
	switch outcome {
	case store.Promoted:
		s.metrics.IncConfirmations()
		s.logger.InfoContext(ctx, "subscription confirmed", "site", siteID, "subscriber_id", subscriberID)
		return nil
	case store.AlreadyConfirmed:
		return nil
	case store.StaleGeneration:
		s.metrics.IncInvalidTokens()
		return domainerrors.New(domainerrors.CodeInvalidToken, "link invalid or expired")
	default:
		return domainerrors.New(domainerrors.CodeNotFound, "no such subscription")
	}
}

// SiteCounts reports confirmed and pending totals for one site.
func (s *Service) SiteCounts(ctx context.Context, siteID string) (confirmed, pending int64, err error) {
	siteID = normalizeSite(siteID)
	if !s.validSite(siteID) {
		return 0, 0, domainerrors.New(domainerrors.CodeValidation, "unknown site")
	}
	confirmed, pending, err = s.store.CountBySite(ctx, siteID)
	if err != nil {
		return 0, 0, domainerrors.New(domainerrors.CodeUnavailable, "subscription store unavailable")
	}
	return confirmed, pending, nil
}

// Record exposes a subscriber's current state, mainly for diagnostics.
func (s *Service) Record(ctx context.Context, rawEmail, siteID string) (models.SubscriberRecord, error) {
	rec, err := s.store.Get(ctx, email.DeriveSubscriberID(rawEmail), normalizeSite(siteID))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.SubscriberRecord{}, domainerrors.New(domainerrors.CodeNotFound, "no such subscription")
		}
		return models.SubscriberRecord{}, domainerrors.New(domainerrors.CodeUnavailable, "subscription store unavailable")
	}
	return rec, nil
}
