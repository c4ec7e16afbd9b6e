package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"optin/internal/subscriber/models"
	"optin/pkg/platform/sentinel"
)

// Key layout:
//
//	sub:rec:<subscriberID>:<siteID>   HASH   record fields
//	sub:pending                       ZSET   member <sub>/<site>, score last_requested_at (ms)
//	sub:site:<siteID>:pending         SET    per-site pending members
//	sub:site:<siteID>:confirmed       SET    per-site confirmed members
//
// Writes go through Lua scripts so the record and its indexes move together.
// The generation check inside the scripts gives optimistic concurrency: the
// Go side reads, mints for the next generation, and retries when another
// writer got there first.
const (
	recordKeyPrefix = "sub:rec:"
	pendingIndexKey = "sub:pending"
	siteKeyPrefix   = "sub:site:"
)

const upsertRetries = 5

// upsertScript applies a create-or-refresh only when the record's generation
// still matches what the caller observed. ARGV[1] is -1 for "must not exist".
var upsertScript = redis.NewScript(`
local gen = redis.call('HGET', KEYS[1], 'generation')
if ARGV[1] == '-1' then
	if gen then return 0 end
	redis.call('HSET', KEYS[1],
		'status', 'pending',
		'generation', ARGV[2],
		'token_hash', ARGV[3],
		'created_at', ARGV[4],
		'last_requested_at', ARGV[4])
else
	if not gen or gen ~= ARGV[1] then return 0 end
	if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then return 0 end
	redis.call('HSET', KEYS[1],
		'generation', ARGV[2],
		'token_hash', ARGV[3],
		'last_requested_at', ARGV[4])
end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[5])
return 1
`)

var promoteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'status') == 'confirmed' then return 0 end
if redis.call('HGET', KEYS[1], 'generation') ~= ARGV[1] then return -2 end
redis.call('HSET', KEYS[1], 'status', 'confirmed', 'confirmed_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('SMOVE', KEYS[3], KEYS[4], ARGV[3])
return 1
`)

var deleteScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
return 1
`)

// RedisStore persists subscriber records in Redis for deployments that want
// shared state without a relational database.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(subscriberID, siteID string) string {
	return recordKeyPrefix + subscriberID + ":" + siteID
}

func member(subscriberID, siteID string) string {
	return subscriberID + "/" + siteID
}

func sitePendingKey(siteID string) string   { return siteKeyPrefix + siteID + ":pending" }
func siteConfirmedKey(siteID string) string { return siteKeyPrefix + siteID + ":confirmed" }

func (s *RedisStore) Get(ctx context.Context, subscriberID, siteID string) (models.SubscriberRecord, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(subscriberID, siteID)).Result()
	if err != nil {
		return models.SubscriberRecord{}, fmt.Errorf("get subscriber: %w", err)
	}
	if len(fields) == 0 {
		return models.SubscriberRecord{}, sentinel.ErrNotFound
	}
	return recordFromFields(subscriberID, siteID, fields)
}

func recordFromFields(subscriberID, siteID string, fields map[string]string) (models.SubscriberRecord, error) {
	generation, err := strconv.ParseUint(fields["generation"], 10, 64)
	if err != nil {
		return models.SubscriberRecord{}, fmt.Errorf("decode generation: %w", err)
	}
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return models.SubscriberRecord{}, err
	}
	lastRequestedAt, err := parseMillis(fields["last_requested_at"])
	if err != nil {
		return models.SubscriberRecord{}, err
	}
	rec := models.SubscriberRecord{
		SubscriberID:    subscriberID,
		SiteID:          siteID,
		Status:          models.Status(fields["status"]),
		TokenHash:       fields["token_hash"],
		TokenGeneration: generation,
		CreatedAt:       createdAt,
		LastRequestedAt: lastRequestedAt,
	}
	if raw, ok := fields["confirmed_at"]; ok {
		confirmedAt, err := parseMillis(raw)
		if err != nil {
			return models.SubscriberRecord{}, err
		}
		rec.ConfirmedAt = &confirmedAt
	}
	return rec, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *RedisStore) UpsertPending(ctx context.Context, subscriberID, siteID string, now time.Time, mint Minter) (models.SubscriberRecord, string, bool, error) {
	key := recordKey(subscriberID, siteID)
	keys := []string{key, pendingIndexKey, sitePendingKey(siteID)}

	for attempt := 0; attempt < upsertRetries; attempt++ {
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return models.SubscriberRecord{}, "", false, fmt.Errorf("read subscriber: %w", err)
		}

		expected := "-1"
		generation := uint64(0)
		createdAt := now
		if len(fields) > 0 {
			rec, err := recordFromFields(subscriberID, siteID, fields)
			if err != nil {
				return models.SubscriberRecord{}, "", false, err
			}
			if rec.Status == models.StatusConfirmed {
				return rec, "", false, nil
			}
			expected = strconv.FormatUint(rec.TokenGeneration, 10)
			generation = rec.TokenGeneration + 1
			createdAt = rec.CreatedAt
		}

		tok, tokenHash, err := mint(subscriberID, siteID, generation)
		if err != nil {
			return models.SubscriberRecord{}, "", false, err
		}

		applied, err := upsertScript.Run(ctx, s.client, keys,
			expected,
			strconv.FormatUint(generation, 10),
			tokenHash,
			strconv.FormatInt(now.UnixMilli(), 10),
			member(subscriberID, siteID),
		).Int()
		if err != nil {
			return models.SubscriberRecord{}, "", false, fmt.Errorf("upsert subscriber: %w", err)
		}
		if applied == 0 {
			// Another writer moved the generation; re-read and retry.
			continue
		}

		rec := models.SubscriberRecord{
			SubscriberID:    subscriberID,
			SiteID:          siteID,
			Status:          models.StatusPending,
			TokenHash:       tokenHash,
			TokenGeneration: generation,
			CreatedAt:       createdAt,
			LastRequestedAt: now,
		}
		return rec, tok, true, nil
	}
	return models.SubscriberRecord{}, "", false, sentinel.ErrConflict
}

func (s *RedisStore) PromoteConfirmed(ctx context.Context, subscriberID, siteID string, expectedGeneration uint64, now time.Time) (PromoteOutcome, error) {
	keys := []string{
		recordKey(subscriberID, siteID),
		pendingIndexKey,
		sitePendingKey(siteID),
		siteConfirmedKey(siteID),
	}
	res, err := promoteScript.Run(ctx, s.client, keys,
		strconv.FormatUint(expectedGeneration, 10),
		strconv.FormatInt(now.UnixMilli(), 10),
		member(subscriberID, siteID),
	).Int()
	if err != nil {
		return NotFound, fmt.Errorf("promote subscriber: %w", err)
	}
	switch res {
	case 1:
		return Promoted, nil
	case 0:
		return AlreadyConfirmed, nil
	case -2:
		return StaleGeneration, nil
	default:
		return NotFound, nil
	}
}

// ScanPendingExpiredBefore walks the pending index in (score, member) order.
// The cursor anchors to the last returned entry rather than a positional
// offset, so members the caller deletes between pages never shift the window;
// the scrub job deletes every key it is handed and must still see the rest.
func (s *RedisStore) ScanPendingExpiredBefore(ctx context.Context, cutoff time.Time, cursor Cursor, limit int) ([]Key, Cursor, error) {
	maxScore := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)

	var entries []redis.Z
	if cursor.Done() {
		page, err := s.client.ZRangeByScoreWithScores(ctx, pendingIndexKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, Cursor{}, fmt.Errorf("scan pending: %w", err)
		}
		entries = page
	} else {
		lastScore, lastMember, err := decodeScanCursor(cursor)
		if err != nil {
			return nil, Cursor{}, err
		}
		// Finish the run of members sharing the boundary score first; within
		// one score the ZSET orders members lexicographically, so anything
		// greater than the anchor member has not been returned yet.
		ties, err := s.client.ZRangeByScore(ctx, pendingIndexKey, &redis.ZRangeBy{
			Min: lastScore,
			Max: lastScore,
		}).Result()
		if err != nil {
			return nil, Cursor{}, fmt.Errorf("scan pending: %w", err)
		}
		boundary, err := strconv.ParseFloat(lastScore, 64)
		if err != nil {
			return nil, Cursor{}, fmt.Errorf("decode cursor: %w", err)
		}
		for _, m := range ties {
			if m > lastMember && len(entries) < limit {
				entries = append(entries, redis.Z{Score: boundary, Member: m})
			}
		}
		if len(entries) < limit {
			rest, err := s.client.ZRangeByScoreWithScores(ctx, pendingIndexKey, &redis.ZRangeBy{
				Min:   "(" + lastScore,
				Max:   maxScore,
				Count: int64(limit - len(entries)),
			}).Result()
			if err != nil {
				return nil, Cursor{}, fmt.Errorf("scan pending: %w", err)
			}
			entries = append(entries, rest...)
		}
	}

	keys := make([]Key, 0, len(entries))
	for _, e := range entries {
		member, _ := e.Member.(string)
		sub, site := splitCursor(Cursor{Token: member})
		if sub == "" {
			continue
		}
		keys = append(keys, Key{SubscriberID: sub, SiteID: site})
	}
	if len(entries) < limit {
		return keys, Cursor{}, nil
	}
	last := entries[len(entries)-1]
	lastMember, _ := last.Member.(string)
	return keys, Cursor{Token: strconv.FormatInt(int64(last.Score), 10) + "|" + lastMember}, nil
}

func decodeScanCursor(cursor Cursor) (score, member string, err error) {
	score, member, ok := strings.Cut(cursor.Token, "|")
	if !ok {
		return "", "", fmt.Errorf("decode cursor: malformed token %q", cursor.Token)
	}
	return score, member, nil
}

func (s *RedisStore) Delete(ctx context.Context, subscriberID, siteID string) error {
	keys := []string{
		recordKey(subscriberID, siteID),
		pendingIndexKey,
		sitePendingKey(siteID),
		siteConfirmedKey(siteID),
	}
	if err := deleteScript.Run(ctx, s.client, keys, member(subscriberID, siteID)).Err(); err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	return nil
}

func (s *RedisStore) CountBySite(ctx context.Context, siteID string) (int64, int64, error) {
	pipe := s.client.Pipeline()
	confirmedCmd := pipe.SCard(ctx, siteConfirmedKey(siteID))
	pendingCmd := pipe.SCard(ctx, sitePendingKey(siteID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("count subscribers: %w", err)
	}
	return confirmedCmd.Val(), pendingCmd.Val(), nil
}
