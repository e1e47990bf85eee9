package session

import "time"

// Revocation reasons recorded on retired sessions.
const (
	// ReasonTokenExpired marks sessions retired by lazy expiry or sweeps.
	ReasonTokenExpired = "token_expired"
	// ReasonSessionLimit marks the oldest session evicted at the per-provider cap.
	ReasonSessionLimit = "session_limit_exceeded"
	// ReasonProviderUnlinked marks sessions removed when a provider link is deleted.
	ReasonProviderUnlinked = "provider_unlinked"
	// ReasonUserRevoked marks sessions revoked explicitly by the account holder.
	ReasonUserRevoked = "user_revoked"
)

// Record is a stored provider session. Token fields hold keyed digests,
// never raw token material.
//
// Record instances are intended to be configured during initialization and
// then treated as immutable unless documented otherwise.
type Record struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Provider  string `json:"provider"`
	SubjectID string `json:"subject_id,omitempty"`

	AccessTokenDigest  string   `json:"access_token_digest"`
	RefreshTokenDigest string   `json:"refresh_token_digest,omitempty"`
	Scopes             []string `json:"scopes,omitempty"`

	ClientIP    string `json:"client_ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	CreatedAt    int64 `json:"created_at"`
	ExpiresAt    int64 `json:"expires_at"`
	LastUsedAt   int64 `json:"last_used_at"`
	RefreshedAt  int64 `json:"refreshed_at,omitempty"`
	RefreshCount int   `json:"refresh_count,omitempty"`

	IsActive      bool   `json:"is_active"`
	RevokedAt     int64  `json:"revoked_at,omitempty"`
	RevokedReason string `json:"revoked_reason,omitempty"`
}

// Expired reports whether the record's token lifetime has elapsed,
// regardless of whether a writer has flipped it inactive yet.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}

// ShouldRefresh reports whether the session is inside the refresh window:
// active, not yet expired, and within threshold of expiry.
func (r *Record) ShouldRefresh(threshold time.Duration, now time.Time) bool {
	if !r.IsActive || r.Expired(now) {
		return false
	}
	return now.Unix() >= r.ExpiresAt-int64(threshold.Seconds())
}

// ProviderStats aggregates session counts for one provider.
type ProviderStats struct {
	Active     int
	Inactive   int
	LastUsedAt int64
}

// Stats is the per-user session summary returned by [Store.Stats].
type Stats struct {
	Total     int
	Active    int
	Providers map[string]ProviderStats
}
