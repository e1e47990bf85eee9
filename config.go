package linkauth

import (
	"errors"
	"time"
)

/*
====================================
PROVIDERS CONFIG
====================================
*/

// GoogleProviderConfig defines a public type used by linkauth APIs.
//
// GoogleProviderConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type GoogleProviderConfig struct {
	Enabled bool

	// ClientID, when set, is enforced as the expected audience on Google
	// tokens. Leaving it empty skips the audience check.
	ClientID string
}

// GitHubProviderConfig defines a public type used by linkauth APIs.
//
// GitHubProviderConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type GitHubProviderConfig struct {
	Enabled bool

	// APIBaseURL overrides the GitHub API endpoint, mainly for tests.
	APIBaseURL string
}

// ProvidersConfig defines a public type used by linkauth APIs.
//
// ProvidersConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ProvidersConfig struct {
	Google GoogleProviderConfig
	GitHub GitHubProviderConfig

	// ValidationCacheTTL bounds how long a successful token verification is
	// reused without contacting the provider again.
	ValidationCacheTTL time.Duration

	// RequestTimeout caps each outbound call to a provider.
	RequestTimeout time.Duration
}

/*
====================================
TOKEN SECURITY CONFIG
====================================
*/

// TokenSecurityConfig defines a public type used by linkauth APIs.
//
// TokenSecurityConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type TokenSecurityConfig struct {
	// Secret keys every token digest and the token encryption key.
	// Minimum 32 bytes.
	Secret []byte

	// Salt feeds the KDF that derives the encryption key from Secret.
	// Minimum 16 bytes.
	Salt []byte

	// Argon2id cost parameters for the key derivation. Zero values pick
	// the library defaults.
	KDFMemoryKB    uint32
	KDFTime        uint32
	KDFParallelism uint8
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig defines a public type used by linkauth APIs.
//
// SessionConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SessionConfig struct {
	// RedisPrefix namespaces all session keys.
	RedisPrefix string

	// MaxPerUserProvider caps active sessions per (user, provider) pair.
	// The oldest session is evicted when the cap is hit. Zero means
	// unlimited.
	MaxPerUserProvider int

	// DefaultTTL is used when a provider token carries no expiry of its own.
	DefaultTTL time.Duration

	// RefreshThreshold is how close to expiry a session must be before
	// callers are told to refresh it.
	RefreshThreshold time.Duration

	// PurgeAfter is how long retired session records are kept for
	// inspection before the sweeper deletes them.
	PurgeAfter time.Duration
}

/*
====================================
LINKING CONFIG
====================================
*/

// LinkingConfig defines a public type used by linkauth APIs.
//
// LinkingConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type LinkingConfig struct {
	// RedisPrefix namespaces all linking-session keys.
	RedisPrefix string

	// SessionTTL bounds the whole linking flow from initiation to completion.
	SessionTTL time.Duration

	// CodeTTL bounds a single emailed verification code.
	CodeTTL time.Duration

	// CodeDigits is the verification code length, 4 to 10.
	CodeDigits int

	// MaxAttempts is the per-step failure budget. Exhausting it burns the
	// whole linking session.
	MaxAttempts int

	// ResendLimit and ResendWindow rate-limit verification emails per
	// linking session.
	ResendLimit  int
	ResendWindow time.Duration

	// PurgeAfter is how long completed, cancelled, and failed linking
	// sessions are kept before the sweeper deletes them.
	PurgeAfter time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig defines a public type used by linkauth APIs.
//
// PasswordConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PasswordConfig struct {
	// Argon2id parameters used to verify account password hashes during
	// linking. These must match how the application hashes passwords.
	MemoryKB    uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig defines a public type used by linkauth APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled bool

	// BufferSize is the dispatcher queue length between the engine and the
	// sink.
	BufferSize int

	// DropIfFull drops events instead of blocking when the queue is full.
	DropIfFull bool

	// PersistToRedis additionally appends every event to the queryable
	// Redis audit log.
	PersistToRedis bool

	// RedisPrefix namespaces the persisted audit keys.
	RedisPrefix string

	// Retention is how long persisted events are kept before the sweeper
	// deletes them.
	Retention time.Duration
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig defines a public type used by linkauth APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled bool
}

/*
====================================
SWEEP CONFIG
====================================
*/

// SweepConfig defines a public type used by linkauth APIs.
//
// SweepConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SweepConfig struct {
	// Enabled starts the background sweeper when the engine is built.
	Enabled bool

	// Interval is the pause between sweep rounds.
	Interval time.Duration
}

/*
====================================
ROOT CONFIG
====================================
*/

// Config defines a public type used by linkauth APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Providers     ProvidersConfig
	TokenSecurity TokenSecurityConfig
	Session       SessionConfig
	Linking       LinkingConfig
	Password      PasswordConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
	Sweep         SweepConfig

	// StoreTimeout caps each Redis round trip made on behalf of a caller.
	StoreTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Providers: ProvidersConfig{
			ValidationCacheTTL: 5 * time.Minute,
			RequestTimeout:     10 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:        "ps",
			MaxPerUserProvider: 10,
			DefaultTTL:         time.Hour,
			RefreshThreshold:   5 * time.Minute,
			PurgeAfter:         30 * 24 * time.Hour,
		},
		Linking: LinkingConfig{
			RedisPrefix:  "lk",
			SessionTTL:   15 * time.Minute,
			CodeTTL:      5 * time.Minute,
			CodeDigits:   6,
			MaxAttempts:  3,
			ResendLimit:  3,
			ResendWindow: 10 * time.Minute,
			PurgeAfter:   24 * time.Hour,
		},
		Password: PasswordConfig{
			MemoryKB:    64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:     true,
			BufferSize:  256,
			DropIfFull:  true,
			RedisPrefix: "al",
			Retention:   90 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		StoreTimeout: 5 * time.Second,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// cloneConfig deep-copies secret material so later caller mutations cannot
// reach into a running engine.
func cloneConfig(cfg Config) Config {
	out := cfg
	out.TokenSecurity.Secret = cloneBytes(cfg.TokenSecurity.Secret)
	out.TokenSecurity.Salt = cloneBytes(cfg.TokenSecurity.Salt)
	return out
}

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
func (c *Config) Validate() error {
	if len(c.TokenSecurity.Secret) < 32 {
		return errors.New("token security secret must be at least 32 bytes")
	}
	if len(c.TokenSecurity.Salt) < 16 {
		return errors.New("token security salt must be at least 16 bytes")
	}
	if c.Providers.ValidationCacheTTL < 0 {
		return errors.New("provider validation cache ttl cannot be negative")
	}
	if c.Session.MaxPerUserProvider < 0 {
		return errors.New("session cap cannot be negative")
	}
	if c.Session.DefaultTTL <= 0 {
		return errors.New("session default ttl must be positive")
	}
	if c.Linking.SessionTTL <= 0 {
		return errors.New("linking session ttl must be positive")
	}
	if c.Linking.CodeTTL <= 0 || c.Linking.CodeTTL > c.Linking.SessionTTL {
		return errors.New("linking code ttl must be positive and within the session ttl")
	}
	if c.Linking.CodeDigits < 4 || c.Linking.CodeDigits > 10 {
		return errors.New("linking code digits must be between 4 and 10")
	}
	if c.Linking.MaxAttempts < 1 {
		return errors.New("linking max attempts must be at least 1")
	}
	if c.Audit.Enabled && c.Audit.BufferSize < 1 {
		return errors.New("audit buffer size must be at least 1")
	}
	if c.Audit.Enabled && c.Audit.Retention <= 0 {
		return errors.New("audit retention must be positive")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("store timeout must be positive")
	}
	return nil
}
