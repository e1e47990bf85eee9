package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/linkauth/linkauth/token"
)

// ErrRedisUnavailable is returned when Redis cannot be reached or a script
// response is unusable.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrSessionNotFound is returned by refresh when the target session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionInactive is returned by refresh when the target session is revoked.
var ErrSessionInactive = errors.New("session inactive")

// ErrSessionExpired is returned by refresh when the target session's token lifetime elapsed.
var ErrSessionExpired = errors.New("session expired")

const sweepBatchSize = 200

// createSessionScript enforces the per-(user,provider) cap atomically:
// when the active set is full, the oldest session is flipped inactive with
// reason "session_limit_exceeded" before the new document is written.
//
// KEYS[1] = per-(user,provider) active zset (score createdAt)
// KEYS[2] = global active zset (score expiresAt)
// KEYS[3] = global created zset (score createdAt)
// KEYS[4] = per-user session-id set
// KEYS[5] = new document key
// ARGV    = doc JSON, session id, cap, createdAt, expiresAt, doc key prefix, now
//
// Returns the evicted session id, or "" when nothing was evicted.
const createSessionScript = `
local evicted = ''
local cap = tonumber(ARGV[3])
if cap > 0 and redis.call('ZCARD', KEYS[1]) >= cap then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0)
  if oldest[1] then
    local old_key = ARGV[6] .. oldest[1]
    local data = redis.call('GET', old_key)
    if data then
      local doc = cjson.decode(data)
      doc.is_active = false
      doc.revoked_at = tonumber(ARGV[7])
      doc.revoked_reason = 'session_limit_exceeded'
      redis.call('SET', old_key, cjson.encode(doc))
    end
    redis.call('ZREM', KEYS[1], oldest[1])
    redis.call('ZREM', KEYS[2], oldest[1])
    evicted = oldest[1]
  end
end

redis.call('SET', KEYS[5], ARGV[1])
redis.call('ZADD', KEYS[1], tonumber(ARGV[4]), ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[5]), ARGV[2])
redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[2])
redis.call('SADD', KEYS[4], ARGV[2])
return evicted
`

var createSessionLua = redis.NewScript(createSessionScript)

// touchSessionScript reads one session with lazy expiry. A document past its
// expiry is flipped inactive in the same call and removed from both active
// indexes, so no reader ever observes an expired-but-active session.
//
// KEYS[1] = document key
// KEYS[2] = global active zset
// ARGV    = now, update-last-used flag ("1"/"0"), per-(user,provider) zset prefix
//
// Returns {status, doc JSON} with status "active" | "expired" | "inactive",
// or the error string "not_found".
const touchSessionScript = `
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local doc = cjson.decode(data)
if not doc.is_active then
  return {'inactive', data}
end

local now = tonumber(ARGV[1])
if doc.expires_at <= now then
  doc.is_active = false
  doc.revoked_at = now
  doc.revoked_reason = 'token_expired'
  local encoded = cjson.encode(doc)
  redis.call('SET', KEYS[1], encoded)
  redis.call('ZREM', KEYS[2], doc.session_id)
  redis.call('ZREM', ARGV[3] .. doc.user_id .. ':' .. doc.provider, doc.session_id)
  return {'expired', encoded}
end

if ARGV[2] == '1' then
  doc.last_used_at = now
  data = cjson.encode(doc)
  redis.call('SET', KEYS[1], data)
end
return {'active', data}
`

var touchSessionLua = redis.NewScript(touchSessionScript)

// refreshSessionScript swaps token digests and extends expiry iff the
// session is still active and unexpired.
//
// KEYS[1] = document key
// KEYS[2] = global active zset
// ARGV    = now, access digest, refresh digest (may be ""), new expiresAt,
//           per-(user,provider) zset prefix
const refreshSessionScript = `
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local doc = cjson.decode(data)
if not doc.is_active then
  return {err='inactive'}
end

local now = tonumber(ARGV[1])
if doc.expires_at <= now then
  doc.is_active = false
  doc.revoked_at = now
  doc.revoked_reason = 'token_expired'
  redis.call('SET', KEYS[1], cjson.encode(doc))
  redis.call('ZREM', KEYS[2], doc.session_id)
  redis.call('ZREM', ARGV[5] .. doc.user_id .. ':' .. doc.provider, doc.session_id)
  return {err='expired'}
end

doc.access_token_digest = ARGV[2]
if ARGV[3] ~= '' then
  doc.refresh_token_digest = ARGV[3]
end
doc.expires_at = tonumber(ARGV[4])
doc.refreshed_at = now
doc.last_used_at = now
doc.refresh_count = (doc.refresh_count or 0) + 1

local encoded = cjson.encode(doc)
redis.call('SET', KEYS[1], encoded)
redis.call('ZADD', KEYS[2], tonumber(ARGV[4]), doc.session_id)
return encoded
`

var refreshSessionLua = redis.NewScript(refreshSessionScript)

// revokeSessionScript flips a session inactive. Revoking an already
// inactive session is a no-op that preserves the original reason.
//
// KEYS[1] = document key
// KEYS[2] = global active zset
// ARGV    = now, reason, per-(user,provider) zset prefix
//
// Returns 0 = not found, 1 = already inactive, 2 = revoked now.
const revokeSessionScript = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end

local doc = cjson.decode(data)
if not doc.is_active then
  return 1
end

local now = tonumber(ARGV[1])
doc.is_active = false
doc.revoked_at = now
doc.revoked_reason = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(doc))
redis.call('ZREM', KEYS[2], doc.session_id)
redis.call('ZREM', ARGV[3] .. doc.user_id .. ':' .. doc.provider, doc.session_id)
return 2
`

var revokeSessionLua = redis.NewScript(revokeSessionScript)

// purgeSessionScript deletes one retired session document and its index
// entries. Active documents are left untouched.
//
// KEYS[1] = document key
// KEYS[2] = global created zset
// ARGV    = session id, per-user set prefix
//
// Returns 1 when the document (or a dangling index entry) was removed.
const purgeSessionScript = `
local data = redis.call('GET', KEYS[1])
if not data then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 1
end

local doc = cjson.decode(data)
if doc.is_active then
  return 0
end

redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', ARGV[2] .. doc.user_id, ARGV[1])
return 1
`

var purgeSessionLua = redis.NewScript(purgeSessionScript)

// CreateInput carries everything needed to mint a provider session. Raw
// tokens are digested on the way in and never stored.
type CreateInput struct {
	UserID       string
	Provider     string
	SubjectID    string
	AccessToken  string
	RefreshToken string
	TTL          time.Duration
	Scopes       []string
	ClientIP     string
	UserAgent    string
}

// Store is the Redis-backed provider-session store.
//
// Store instances are intended to be configured during initialization and
// then treated as immutable unless documented otherwise.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	vault  *token.Vault
	cap    int
}

// NewStore creates a session [Store]. prefix sets the Redis key namespace;
// maxPerUserProvider caps active sessions per (user, provider) pair, with
// zero meaning unlimited.
func NewStore(redisClient redis.UniversalClient, prefix string, vault *token.Vault, maxPerUserProvider int) *Store {
	if prefix == "" {
		prefix = "ps"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
		vault:  vault,
		cap:    maxPerUserProvider,
	}
}

func (s *Store) docKey(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) docKeyPrefix() string {
	return s.prefix + ":s:"
}

func (s *Store) pairKey(userID, provider string) string {
	return s.prefix + ":up:" + userID + ":" + provider
}

func (s *Store) pairKeyPrefix() string {
	return s.prefix + ":up:"
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

func (s *Store) userKeyPrefix() string {
	return s.prefix + ":u:"
}

func (s *Store) activeKey() string {
	return s.prefix + ":active"
}

func (s *Store) createdKey() string {
	return s.prefix + ":created"
}

// Create mints a new session for in. When the per-(user,provider) cap is
// reached, the oldest active session is evicted atomically in the same
// script; its ID is returned alongside the new record.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Record, string, error) {
	tokenRec, err := s.vault.BuildRecord(in.AccessToken, in.Provider, in.TTL, in.RefreshToken, in.Scopes)
	if err != nil {
		return nil, "", err
	}

	rec := &Record{
		SessionID:          uuid.NewString(),
		UserID:             in.UserID,
		Provider:           in.Provider,
		SubjectID:          in.SubjectID,
		AccessTokenDigest:  tokenRec.AccessTokenDigest,
		RefreshTokenDigest: tokenRec.RefreshTokenDigest,
		Scopes:             tokenRec.Scopes,
		ClientIP:           in.ClientIP,
		UserAgent:          in.UserAgent,
		Fingerprint:        token.Fingerprint(in.AccessToken, in.UserAgent, in.ClientIP),
		CreatedAt:          tokenRec.CreatedAt.Unix(),
		ExpiresAt:          tokenRec.ExpiresAt.Unix(),
		LastUsedAt:         tokenRec.CreatedAt.Unix(),
		IsActive:           true,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, "", err
	}

	result, err := createSessionLua.Run(ctx, s.redis,
		[]string{
			s.pairKey(in.UserID, in.Provider),
			s.activeKey(),
			s.createdKey(),
			s.userKey(in.UserID),
			s.docKey(rec.SessionID),
		},
		string(data),
		rec.SessionID,
		s.cap,
		rec.CreatedAt,
		rec.ExpiresAt,
		s.docKeyPrefix(),
		time.Now().Unix(),
	).Result()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	evicted, _ := result.(string)
	return rec, evicted, nil
}

// Get returns the most recent active session for (userID, provider),
// updating its last-used timestamp. Expired sessions encountered on the
// way are retired in place. A missing session is (nil, nil), not an error.
func (s *Store) Get(ctx context.Context, userID, provider string) (*Record, error) {
	ids, err := s.redis.ZRevRange(ctx, s.pairKey(userID, provider), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	for _, id := range ids {
		rec, status, err := s.touch(ctx, id, true)
		if err != nil {
			return nil, err
		}
		if status == "active" {
			return rec, nil
		}
	}

	return nil, nil
}

// GetByID fetches one session in any state without bumping last-used.
// Lazy expiry still applies. A missing session is (nil, nil).
func (s *Store) GetByID(ctx context.Context, sessionID string) (*Record, error) {
	rec, _, err := s.touch(ctx, sessionID, false)
	return rec, err
}

func (s *Store) touch(ctx context.Context, sessionID string, updateLastUsed bool) (*Record, string, error) {
	flag := "0"
	if updateLastUsed {
		flag = "1"
	}

	result, err := touchSessionLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.activeKey()},
		time.Now().Unix(),
		flag,
		s.pairKeyPrefix(),
	).Result()
	if err != nil {
		if err.Error() == "not_found" {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) < 2 {
		return nil, "", fmt.Errorf("%w: invalid touch script response", ErrRedisUnavailable)
	}

	status, _ := parts[0].(string)
	raw, _ := parts[1].(string)

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return &rec, status, nil
}

// Refresh atomically replaces the token digests and extends expiry.
// Inactive or expired sessions fail with their respective sentinel error.
func (s *Store) Refresh(ctx context.Context, sessionID, accessToken, refreshToken string, ttl time.Duration) (*Record, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid refresh ttl %v", ttl)
	}

	rec, err := s.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}

	now := time.Now()
	accessDigest := s.vault.Digest(accessToken, rec.Provider)
	refreshDigest := ""
	if refreshToken != "" {
		refreshDigest = s.vault.Digest(refreshToken, rec.Provider+"_refresh")
	}

	result, err := refreshSessionLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.activeKey()},
		now.Unix(),
		accessDigest,
		refreshDigest,
		now.Add(ttl).Unix(),
		s.pairKeyPrefix(),
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return nil, ErrSessionNotFound
		case "inactive":
			return nil, ErrSessionInactive
		case "expired":
			return nil, ErrSessionExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	raw, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: invalid refresh script response", ErrRedisUnavailable)
	}

	var updated Record
	if err := json.Unmarshal([]byte(raw), &updated); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return &updated, nil
}

// Revoke flips a session inactive with the given reason. Revoking an
// already inactive session succeeds without changing it; only a missing
// session returns found=false.
func (s *Store) Revoke(ctx context.Context, sessionID, reason string) (bool, error) {
	if reason == "" {
		reason = ReasonUserRevoked
	}

	result, err := revokeSessionLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.activeKey()},
		time.Now().Unix(),
		reason,
		s.pairKeyPrefix(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	code, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("%w: invalid revoke script response", ErrRedisUnavailable)
	}

	return code > 0, nil
}

// ListActive returns all active sessions for a user across providers,
// newest first. Expired sessions are retired as a side effect and omitted.
func (s *Store) ListActive(ctx context.Context, userID string) ([]*Record, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, status, err := s.touch(ctx, id, false)
		if err != nil {
			return nil, err
		}
		if rec != nil && status == "active" {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})
	return records, nil
}

// DeleteForProvider revokes and deletes every session a user holds for one
// provider. Used when the provider link itself is removed.
func (s *Store) DeleteForProvider(ctx context.Context, userID, provider string) (int, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	deleted := 0
	for _, id := range ids {
		rec, _, err := s.touch(ctx, id, false)
		if err != nil {
			return deleted, err
		}
		if rec == nil || rec.Provider != provider {
			continue
		}

		if _, err := s.Revoke(ctx, id, ReasonProviderUnlinked); err != nil {
			return deleted, err
		}
		if err := s.purgeOne(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}

	return deleted, nil
}

// SweepExpired retires every active session whose expiry has passed.
// Returns the number of sessions flipped inactive.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	swept := 0
	now := time.Now().Unix()

	for {
		ids, err := s.redis.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", now),
			Count: sweepBatchSize,
		}).Result()
		if err != nil {
			return swept, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if len(ids) == 0 {
			return swept, nil
		}

		for _, id := range ids {
			rec, status, err := s.touch(ctx, id, false)
			if err != nil {
				return swept, err
			}
			if rec == nil {
				// Dangling index entry; drop it so the sweep terminates.
				if err := s.redis.ZRem(ctx, s.activeKey(), id).Err(); err != nil {
					return swept, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}
				continue
			}
			if status == "expired" {
				swept++
			}
		}
	}
}

// PurgeOld deletes retired session documents older than maxAge. Active
// sessions are never purged regardless of age.
func (s *Store) PurgeOld(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()

	ids, err := s.redis.ZRangeByScore(ctx, s.createdKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	purged := 0
	for _, id := range ids {
		// Run lazy expiry first so stale-but-active documents become purgeable.
		if _, _, err := s.touch(ctx, id, false); err != nil {
			return purged, err
		}

		result, err := purgeSessionLua.Run(ctx, s.redis,
			[]string{s.docKey(id), s.createdKey()},
			id,
			s.userKeyPrefix(),
		).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if code, _ := result.(int64); code == 1 {
			purged++
		}
	}

	return purged, nil
}

func (s *Store) purgeOne(ctx context.Context, sessionID string) error {
	_, err := purgeSessionLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.createdKey()},
		sessionID,
		s.userKeyPrefix(),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Stats summarizes a user's sessions per provider without mutating state.
func (s *Store) Stats(ctx context.Context, userID string) (Stats, error) {
	stats := Stats{Providers: map[string]ProviderStats{}}

	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return stats, nil
		}
		return stats, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := time.Now()
	for _, id := range ids {
		data, err := s.redis.Get(ctx, s.docKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return stats, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return stats, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		ps := stats.Providers[rec.Provider]
		stats.Total++
		if rec.IsActive && !rec.Expired(now) {
			stats.Active++
			ps.Active++
		} else {
			ps.Inactive++
		}
		if rec.LastUsedAt > ps.LastUsedAt {
			ps.LastUsedAt = rec.LastUsedAt
		}
		stats.Providers[rec.Provider] = ps
	}

	return stats, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
