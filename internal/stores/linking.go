package stores

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Linking session statuses. A session leaves "pending" exactly once.
const (
	LinkingStatusPending   = "pending"
	LinkingStatusCompleted = "completed"
	LinkingStatusCancelled = "cancelled"
	LinkingStatusExpired   = "expired"
	LinkingStatusFailed    = "failed"
)

var (
	ErrLinkingNotFound         = errors.New("linking session not found")
	ErrLinkingExpired          = errors.New("linking session expired")
	ErrLinkingNotPending       = errors.New("linking session not pending")
	ErrLinkingCodeMissing      = errors.New("no verification code issued")
	ErrLinkingCodeExpired      = errors.New("verification code expired")
	ErrLinkingCodeMismatch     = errors.New("verification code mismatch")
	ErrLinkingAttemptsExceeded = errors.New("verification attempts exceeded")
	ErrLinkingIncomplete       = errors.New("verification steps incomplete")
	ErrLinkingRedisUnavailable = errors.New("linking redis unavailable")
)

// LinkingRecord is a stored account-linking session. The verification code
// is held only as a keyed digest; the provider token only as ciphertext.
type LinkingRecord struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Provider  string   `json:"provider"`
	SubjectID string   `json:"subject_id"`
	Email     string   `json:"email"`
	Name      string   `json:"name,omitempty"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`

	Status string `json:"status"`

	// Requirement flags are snapshotted at initiation and recomputed by the
	// caller at completion; false values must round-trip, so no omitempty.
	EmailRequired    bool `json:"email_required"`
	PasswordRequired bool `json:"password_required"`
	EmailVerified    bool `json:"email_verified"`
	PasswordVerified bool `json:"password_verified"`

	EmailCodeDigest    string `json:"email_code_digest,omitempty"`
	EmailCodeExpiresAt int64  `json:"email_code_expires_at,omitempty"`
	EmailAttempts      int    `json:"email_attempts,omitempty"`
	PasswordAttempts   int    `json:"password_attempts,omitempty"`

	EncryptedToken string `json:"encrypted_token,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	ExpiresAt   int64 `json:"expires_at"`
	CompletedAt int64 `json:"completed_at,omitempty"`
	CancelledAt int64 `json:"cancelled_at,omitempty"`
}

// linkingGuard is the shared Lua prelude: load the doc, reject non-pending
// sessions, and lazily flip expired ones out of the pending index.
const linkingGuard = `
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end
local doc = cjson.decode(data)
if doc.status ~= 'pending' then
  return {err='not_pending'}
end
local now = tonumber(ARGV[1])
if doc.expires_at <= now then
  doc.status = 'expired'
  redis.call('SET', KEYS[1], cjson.encode(doc))
  redis.call('ZREM', KEYS[2], doc.session_id)
  return {err='expired'}
end
`

// linkingAttemptGuard is the prelude for the attempt-counting scripts. It
// differs from linkingGuard in one way: a session burned by exhausting its
// attempt budget keeps answering attempts_exceeded instead of not_pending,
// so callers see the same error on every try past the limit.
const linkingAttemptGuard = `
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end
local doc = cjson.decode(data)
if doc.status == 'failed' then
  return {err='attempts_exceeded'}
end
if doc.status ~= 'pending' then
  return {err='not_pending'}
end
local now = tonumber(ARGV[1])
if doc.expires_at <= now then
  doc.status = 'expired'
  redis.call('SET', KEYS[1], cjson.encode(doc))
  redis.call('ZREM', KEYS[2], doc.session_id)
  return {err='expired'}
end
`

// KEYS[1] = doc key, KEYS[2] = pending zset
// ARGV[1] = now
var getPendingLinkingLua = redis.NewScript(linkingGuard + `
return data
`)

// KEYS[1] = doc key, KEYS[2] = pending zset
// ARGV = now, code digest, code expiry
var setLinkingEmailCodeLua = redis.NewScript(linkingGuard + `
doc.email_code_digest = ARGV[2]
doc.email_code_expires_at = tonumber(ARGV[3])
doc.email_attempts = 0
local encoded = cjson.encode(doc)
redis.call('SET', KEYS[1], encoded)
return encoded
`)

// KEYS[1] = doc key, KEYS[2] = pending zset
// ARGV = now, provided digest, max attempts
//
// On a match returns {updated doc, stored digest} so the caller can repeat
// the comparison in constant time. Reaching the attempt limit fails the
// whole linking session, not just the code.
var consumeLinkingEmailCodeLua = redis.NewScript(linkingAttemptGuard + `
if not doc.email_code_digest or doc.email_code_digest == '' then
  return {err='code_missing'}
end
if doc.email_code_expires_at <= now then
  doc.email_code_digest = ''
  doc.email_code_expires_at = 0
  redis.call('SET', KEYS[1], cjson.encode(doc))
  return {err='code_expired'}
end

local maxAttempts = tonumber(ARGV[3])
local attempts = (doc.email_attempts or 0)
if attempts >= maxAttempts then
  doc.status = 'failed'
  redis.call('SET', KEYS[1], cjson.encode(doc))
  redis.call('ZREM', KEYS[2], doc.session_id)
  return {err='attempts_exceeded'}
end

if doc.email_code_digest ~= ARGV[2] then
  attempts = attempts + 1
  doc.email_attempts = attempts
  if attempts >= maxAttempts then
    doc.status = 'failed'
    redis.call('SET', KEYS[1], cjson.encode(doc))
    redis.call('ZREM', KEYS[2], doc.session_id)
    return {err='attempts_exceeded'}
  end
  redis.call('SET', KEYS[1], cjson.encode(doc))
  return {err='code_mismatch'}
end

local stored = doc.email_code_digest
doc.email_verified = true
doc.email_code_digest = ''
doc.email_code_expires_at = 0
local encoded = cjson.encode(doc)
redis.call('SET', KEYS[1], encoded)
return {encoded, stored}
`)

// KEYS[1] = doc key, KEYS[2] = pending zset
// ARGV = now, max attempts
var beginLinkingPasswordAttemptLua = redis.NewScript(linkingAttemptGuard + `
local maxAttempts = tonumber(ARGV[2])
if (doc.password_attempts or 0) >= maxAttempts then
  doc.status = 'failed'
  redis.call('SET', KEYS[1], cjson.encode(doc))
  redis.call('ZREM', KEYS[2], doc.session_id)
  return {err='attempts_exceeded'}
end
return data
`)

// KEYS[1] = doc key, KEYS[2] = pending zset
// ARGV = now, max attempts
//
// Returns the number of attempts remaining. Zero means the session was
// flipped to failed.
var recordLinkingPasswordFailureLua = redis.NewScript(linkingAttemptGuard + `
local maxAttempts = tonumber(ARGV[2])
local attempts = (doc.password_attempts or 0) + 1
doc.password_attempts = attempts
if attempts >= maxAttempts then
  doc.status = 'failed'
  redis.call('SET', KEYS[1], cjson.encode(doc))
  redis.call('ZREM', KEYS[2], doc.session_id)
  return 0
end
redis.call('SET', KEYS[1], cjson.encode(doc))
return maxAttempts - attempts
`)

// KEYS[1] = doc key, KEYS[2] = pending zset
// ARGV = now
var markLinkingPasswordVerifiedLua = redis.NewScript(linkingGuard + `
doc.password_verified = true
local encoded = cjson.encode(doc)
redis.call('SET', KEYS[1], encoded)
return encoded
`)

// KEYS[1] = doc key, KEYS[2] = pending zset
// ARGV = now
//
// Completion is the single compare-and-set that retires the session; the
// caller must only link the provider after this succeeds.
var completeLinkingLua = redis.NewScript(linkingGuard + `
if doc.email_required and not doc.email_verified then
  return {err='incomplete'}
end
if doc.password_required and not doc.password_verified then
  return {err='incomplete'}
end
doc.status = 'completed'
doc.completed_at = now
local encoded = cjson.encode(doc)
redis.call('SET', KEYS[1], encoded)
redis.call('ZREM', KEYS[2], doc.session_id)
return encoded
`)

// KEYS[1] = doc key, KEYS[2] = pending zset
// ARGV = now
//
// Returns 0 = not found, 1 = already terminal, 2 = cancelled now.
var cancelLinkingLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end
local doc = cjson.decode(data)
if doc.status ~= 'pending' then
  return 1
end
doc.status = 'cancelled'
doc.cancelled_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(doc))
redis.call('ZREM', KEYS[2], doc.session_id)
return 2
`)

// KEYS[1] = doc key, KEYS[2] = created zset, KEYS[3] = pending zset
// ARGV = session id, now
//
// Deletes terminal (and silently-expired) sessions; live pending sessions
// are left untouched.
var purgeLinkingLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 1
end
local doc = cjson.decode(data)
if doc.status == 'pending' and doc.expires_at > tonumber(ARGV[2]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// LinkingStore is the Redis-backed store for account-linking sessions.
//
// LinkingStore instances are intended to be configured during initialization
// and then treated as immutable unless documented otherwise.
type LinkingStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewLinkingStore(redisClient redis.UniversalClient, prefix string) *LinkingStore {
	if prefix == "" {
		prefix = "lk"
	}
	return &LinkingStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *LinkingStore) docKey(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *LinkingStore) pendingKey() string {
	return s.prefix + ":pending"
}

func (s *LinkingStore) createdKey() string {
	return s.prefix + ":created"
}

// Save writes a freshly initiated linking session and indexes it as pending.
func (s *LinkingStore) Save(ctx context.Context, record *LinkingRecord) error {
	if record.SessionID == "" {
		return errors.New("linking record missing session id")
	}
	record.Status = LinkingStatusPending

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.docKey(record.SessionID), data, 0)
	pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(record.ExpiresAt), Member: record.SessionID})
	pipe.ZAdd(ctx, s.createdKey(), redis.Z{Score: float64(record.CreatedAt), Member: record.SessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkingRedisUnavailable, err)
	}

	return nil
}

// GetPending returns a pending, unexpired linking session. An expired
// session is flipped to expired as a side effect and reported as such.
func (s *LinkingStore) GetPending(ctx context.Context, sessionID string) (*LinkingRecord, error) {
	result, err := getPendingLinkingLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.pendingKey()},
		time.Now().Unix(),
	).Result()
	if err != nil {
		return nil, mapLinkingScriptError(err)
	}
	return decodeLinkingResult(result)
}

// SetEmailCode stores a fresh verification-code digest and resets the
// attempt counter for the email step.
func (s *LinkingStore) SetEmailCode(ctx context.Context, sessionID, codeDigest string, codeExpiresAt int64) (*LinkingRecord, error) {
	result, err := setLinkingEmailCodeLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.pendingKey()},
		time.Now().Unix(),
		codeDigest,
		codeExpiresAt,
	).Result()
	if err != nil {
		return nil, mapLinkingScriptError(err)
	}
	return decodeLinkingResult(result)
}

// ConsumeEmailCode verifies a code digest against the stored one, counting
// failed attempts. A correct code marks the email step verified and clears
// the digest so the code is single-use.
func (s *LinkingStore) ConsumeEmailCode(ctx context.Context, sessionID, providedDigest string, maxAttempts int) (*LinkingRecord, error) {
	result, err := consumeLinkingEmailCodeLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.pendingKey()},
		time.Now().Unix(),
		providedDigest,
		maxAttempts,
	).Result()
	if err != nil {
		return nil, mapLinkingScriptError(err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) < 2 {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrLinkingRedisUnavailable)
	}
	encoded, _ := parts[0].(string)
	stored, _ := parts[1].(string)

	// Final constant-time comparison in Go as defense-in-depth
	// (Lua already checked, but Lua string comparison is not constant-time)
	if subtle.ConstantTimeCompare([]byte(stored), []byte(providedDigest)) != 1 {
		return nil, ErrLinkingCodeMismatch
	}

	var record LinkingRecord
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkingRedisUnavailable, err)
	}
	return &record, nil
}

// BeginPasswordAttempt gates a password check: it fails the session once
// the attempt limit is reached and otherwise returns the current record so
// the caller can verify the password hash out of band.
func (s *LinkingStore) BeginPasswordAttempt(ctx context.Context, sessionID string, maxAttempts int) (*LinkingRecord, error) {
	result, err := beginLinkingPasswordAttemptLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.pendingKey()},
		time.Now().Unix(),
		maxAttempts,
	).Result()
	if err != nil {
		return nil, mapLinkingScriptError(err)
	}
	return decodeLinkingResult(result)
}

// RecordPasswordFailure counts one failed password attempt and returns how
// many remain. Zero remaining means the session was flipped to failed.
func (s *LinkingStore) RecordPasswordFailure(ctx context.Context, sessionID string, maxAttempts int) (int, error) {
	result, err := recordLinkingPasswordFailureLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.pendingKey()},
		time.Now().Unix(),
		maxAttempts,
	).Result()
	if err != nil {
		return 0, mapLinkingScriptError(err)
	}

	remaining, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected lua result type", ErrLinkingRedisUnavailable)
	}
	return int(remaining), nil
}

// MarkPasswordVerified records a successful password check.
func (s *LinkingStore) MarkPasswordVerified(ctx context.Context, sessionID string) (*LinkingRecord, error) {
	result, err := markLinkingPasswordVerifiedLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.pendingKey()},
		time.Now().Unix(),
	).Result()
	if err != nil {
		return nil, mapLinkingScriptError(err)
	}
	return decodeLinkingResult(result)
}

// Complete atomically retires a pending session whose required steps are
// all verified. The returned record still carries the encrypted provider
// token for the caller to decrypt.
func (s *LinkingStore) Complete(ctx context.Context, sessionID string) (*LinkingRecord, error) {
	result, err := completeLinkingLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.pendingKey()},
		time.Now().Unix(),
	).Result()
	if err != nil {
		return nil, mapLinkingScriptError(err)
	}
	return decodeLinkingResult(result)
}

// Cancel retires a pending session. Cancelling an already terminal session
// succeeds without changing it; only a missing session reports found=false.
func (s *LinkingStore) Cancel(ctx context.Context, sessionID string) (bool, error) {
	result, err := cancelLinkingLua.Run(ctx, s.redis,
		[]string{s.docKey(sessionID), s.pendingKey()},
		time.Now().Unix(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLinkingRedisUnavailable, err)
	}

	code, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("%w: unexpected lua result type", ErrLinkingRedisUnavailable)
	}
	return code > 0, nil
}

// SweepExpired flips every pending session past its deadline to expired.
func (s *LinkingStore) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	ids, err := s.redis.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLinkingRedisUnavailable, err)
	}

	swept := 0
	for _, id := range ids {
		_, err := s.GetPending(ctx, id)
		switch {
		case errors.Is(err, ErrLinkingExpired):
			swept++
		case err == nil, errors.Is(err, ErrLinkingNotFound), errors.Is(err, ErrLinkingNotPending):
			// Raced with another writer; the index entry is already gone
			// or about to be.
			if remErr := s.redis.ZRem(ctx, s.pendingKey(), id).Err(); remErr != nil {
				return swept, fmt.Errorf("%w: %v", ErrLinkingRedisUnavailable, remErr)
			}
		default:
			return swept, err
		}
	}
	return swept, nil
}

// PurgeTerminal deletes terminal sessions created before maxAge ago.
// Pending, unexpired sessions are never purged.
func (s *LinkingStore) PurgeTerminal(ctx context.Context, maxAge time.Duration) (int, error) {
	now := time.Now()
	cutoff := now.Add(-maxAge).Unix()

	ids, err := s.redis.ZRangeByScore(ctx, s.createdKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLinkingRedisUnavailable, err)
	}

	purged := 0
	for _, id := range ids {
		result, err := purgeLinkingLua.Run(ctx, s.redis,
			[]string{s.docKey(id), s.createdKey(), s.pendingKey()},
			id,
			now.Unix(),
		).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrLinkingRedisUnavailable, err)
		}
		if code, _ := result.(int64); code == 1 {
			purged++
		}
	}
	return purged, nil
}

func mapLinkingScriptError(err error) error {
	switch err.Error() {
	case "not_found":
		return ErrLinkingNotFound
	case "not_pending":
		return ErrLinkingNotPending
	case "expired":
		return ErrLinkingExpired
	case "code_missing":
		return ErrLinkingCodeMissing
	case "code_expired":
		return ErrLinkingCodeExpired
	case "code_mismatch":
		return ErrLinkingCodeMismatch
	case "attempts_exceeded":
		return ErrLinkingAttemptsExceeded
	case "incomplete":
		return ErrLinkingIncomplete
	default:
		return fmt.Errorf("%w: %v", ErrLinkingRedisUnavailable, err)
	}
}

func decodeLinkingResult(result interface{}) (*LinkingRecord, error) {
	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrLinkingRedisUnavailable)
	}

	var record LinkingRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkingRedisUnavailable, err)
	}
	return &record, nil
}
