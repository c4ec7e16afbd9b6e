package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	"optin/internal/subscriber/models"
	"optin/pkg/platform/sentinel"
)

// Schema creates the subscriber table. Applied by deployments and by the
// integration test harness.
const Schema = `
CREATE TABLE IF NOT EXISTS subscribers (
	subscriber_id     TEXT        NOT NULL,
	site_id           TEXT        NOT NULL,
	status            TEXT        NOT NULL,
	token_hash        TEXT        NOT NULL,
	token_generation  BIGINT      NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	last_requested_at TIMESTAMPTZ NOT NULL,
	confirmed_at      TIMESTAMPTZ,
	PRIMARY KEY (subscriber_id, site_id)
);
CREATE INDEX IF NOT EXISTS subscribers_pending_expiry
	ON subscribers (last_requested_at) WHERE status = 'pending';
`

// PostgresStore persists subscriber records in PostgreSQL. This store is pure
// I/O; lifecycle rules live in the service layer, atomicity lives here.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the table definition. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const recordColumns = `subscriber_id, site_id, status, token_hash, token_generation, created_at, last_requested_at, confirmed_at`

func scanRecord(row *sql.Row) (models.SubscriberRecord, error) {
	var rec models.SubscriberRecord
	var confirmedAt sql.NullTime
	err := row.Scan(&rec.SubscriberID, &rec.SiteID, &rec.Status, &rec.TokenHash,
		&rec.TokenGeneration, &rec.CreatedAt, &rec.LastRequestedAt, &confirmedAt)
	if err != nil {
		return models.SubscriberRecord{}, err
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		rec.ConfirmedAt = &t
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, subscriberID, siteID string) (models.SubscriberRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM subscribers WHERE subscriber_id = $1 AND site_id = $2`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, subscriberID, siteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SubscriberRecord{}, sentinel.ErrNotFound
		}
		return models.SubscriberRecord{}, fmt.Errorf("get subscriber: %w", err)
	}
	return rec, nil
}

// UpsertPending locks the row (when present) so the minted hash is always
// bound to the generation actually written. A concurrent first insert for the
// same key is resolved by one retry through the locked-update path.
func (s *PostgresStore) UpsertPending(ctx context.Context, subscriberID, siteID string, now time.Time, mint Minter) (models.SubscriberRecord, string, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, tok, refreshed, retry, err := s.upsertPendingOnce(ctx, subscriberID, siteID, now, mint)
		if err != nil {
			return models.SubscriberRecord{}, "", false, err
		}
		if retry {
			continue
		}
		return rec, tok, refreshed, nil
	}
	return models.SubscriberRecord{}, "", false, sentinel.ErrConflict
}

func (s *PostgresStore) upsertPendingOnce(ctx context.Context, subscriberID, siteID string, now time.Time, mint Minter) (rec models.SubscriberRecord, tok string, refreshed, retry bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SubscriberRecord{}, "", false, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil || retry {
			_ = tx.Rollback()
		}
	}()

	query := `SELECT ` + recordColumns + ` FROM subscribers WHERE subscriber_id = $1 AND site_id = $2 FOR UPDATE`
	var confirmedAt sql.NullTime
	err = tx.QueryRowContext(ctx, query, subscriberID, siteID).Scan(
		&rec.SubscriberID, &rec.SiteID, &rec.Status, &rec.TokenHash,
		&rec.TokenGeneration, &rec.CreatedAt, &rec.LastRequestedAt, &confirmedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
		tok, rec, retry, err = s.insertPending(ctx, tx, subscriberID, siteID, now, mint)
		if err != nil || retry {
			return models.SubscriberRecord{}, "", false, retry, err
		}
	case err != nil:
		return models.SubscriberRecord{}, "", false, false, fmt.Errorf("lock subscriber: %w", err)
	case rec.Status == models.StatusConfirmed:
		if confirmedAt.Valid {
			t := confirmedAt.Time
			rec.ConfirmedAt = &t
		}
		if err = tx.Commit(); err != nil {
			return models.SubscriberRecord{}, "", false, false, fmt.Errorf("commit upsert: %w", err)
		}
		return rec, "", false, false, nil
	default:
		generation := rec.TokenGeneration + 1
		var tokenHash string
		tok, tokenHash, err = mint(subscriberID, siteID, generation)
		if err != nil {
			return models.SubscriberRecord{}, "", false, false, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE subscribers SET token_hash = $3, token_generation = $4, last_requested_at = $5
			 WHERE subscriber_id = $1 AND site_id = $2`,
			subscriberID, siteID, tokenHash, generation, now)
		if err != nil {
			return models.SubscriberRecord{}, "", false, false, fmt.Errorf("refresh pending: %w", err)
		}
		rec.TokenHash = tokenHash
		rec.TokenGeneration = generation
		rec.LastRequestedAt = now
	}

	if err = tx.Commit(); err != nil {
		return models.SubscriberRecord{}, "", false, false, fmt.Errorf("commit upsert: %w", err)
	}
	return rec, tok, true, false, nil
}

func (s *PostgresStore) insertPending(ctx context.Context, tx *sql.Tx, subscriberID, siteID string, now time.Time, mint Minter) (string, models.SubscriberRecord, bool, error) {
	tok, tokenHash, err := mint(subscriberID, siteID, 0)
	if err != nil {
		return "", models.SubscriberRecord{}, false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO subscribers (subscriber_id, site_id, status, token_hash, token_generation, created_at, last_requested_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $5)
		 ON CONFLICT (subscriber_id, site_id) DO NOTHING`,
		subscriberID, siteID, models.StatusPending, tokenHash, now)
	if err != nil {
		return "", models.SubscriberRecord{}, false, fmt.Errorf("insert pending: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return "", models.SubscriberRecord{}, false, fmt.Errorf("insert pending: %w", err)
	}
	if inserted == 0 {
		// Lost the first-insert race; take the locked-update path.
		return "", models.SubscriberRecord{}, true, nil
	}
	rec := models.SubscriberRecord{
		SubscriberID:    subscriberID,
		SiteID:          siteID,
		Status:          models.StatusPending,
		TokenHash:       tokenHash,
		TokenGeneration: 0,
		CreatedAt:       now,
		LastRequestedAt: now,
	}
	return tok, rec, false, nil
}

func (s *PostgresStore) PromoteConfirmed(ctx context.Context, subscriberID, siteID string, expectedGeneration uint64, now time.Time) (PromoteOutcome, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET status = $4, confirmed_at = $5
		 WHERE subscriber_id = $1 AND site_id = $2 AND status = $6 AND token_generation = $3`,
		subscriberID, siteID, expectedGeneration, models.StatusConfirmed, now, models.StatusPending)
	if err != nil {
		return NotFound, fmt.Errorf("promote subscriber: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return NotFound, fmt.Errorf("promote subscriber: %w", err)
	}
	if updated == 1 {
		return Promoted, nil
	}

	// The guard failed; disambiguate for the caller.
	var status models.Status
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM subscribers WHERE subscriber_id = $1 AND site_id = $2`,
		subscriberID, siteID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound, nil
	}
	if err != nil {
		return NotFound, fmt.Errorf("promote subscriber: %w", err)
	}
	if status == models.StatusConfirmed {
		return AlreadyConfirmed, nil
	}
	return StaleGeneration, nil
}

func (s *PostgresStore) ScanPendingExpiredBefore(ctx context.Context, cutoff time.Time, cursor Cursor, limit int) ([]Key, Cursor, error) {
	afterSub, afterSite := splitCursor(cursor)
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber_id, site_id FROM subscribers
		 WHERE status = $1 AND last_requested_at < $2 AND (subscriber_id, site_id) > ($3, $4)
		 ORDER BY subscriber_id, site_id
		 LIMIT $5`,
		models.StatusPending, cutoff, afterSub, afterSite, limit)
	if err != nil {
		return nil, Cursor{}, fmt.Errorf("scan pending: %w", err)
	}
	defer rows.Close()

	keys := make([]Key, 0, limit)
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.SubscriberID, &key.SiteID); err != nil {
			return nil, Cursor{}, fmt.Errorf("scan pending: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, Cursor{}, fmt.Errorf("scan pending: %w", err)
	}
	if len(keys) < limit {
		return keys, Cursor{}, nil
	}
	last := keys[len(keys)-1]
	return keys, Cursor{Token: last.SubscriberID + "/" + last.SiteID}, nil
}

func splitCursor(cursor Cursor) (string, string) {
	if cursor.Done() {
		return "", ""
	}
	sub, site, ok := strings.Cut(cursor.Token, "/")
	if !ok {
		return "", ""
	}
	return sub, site
}

func (s *PostgresStore) Delete(ctx context.Context, subscriberID, siteID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscribers WHERE subscriber_id = $1 AND site_id = $2`,
		subscriberID, siteID)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountBySite(ctx context.Context, siteID string) (int64, int64, error) {
	var confirmed, pending int64
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3)
		 FROM subscribers WHERE site_id = $1`,
		siteID, models.StatusConfirmed, models.StatusPending).Scan(&confirmed, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("count subscribers: %w", err)
	}
	return confirmed, pending, nil
}
