package linkauth

import (
	"context"
	"errors"
	"io"
	"time"

	internalaudit "github.com/linkauth/linkauth/internal/audit"
	internalmetrics "github.com/linkauth/linkauth/internal/metrics"
	"github.com/linkauth/linkauth/session"
)

// AuthStatus defines a public type used by linkauth APIs.
//
// AuthStatus instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuthStatus string

const (
	// AuthStatusSignedIn is an exported constant or variable used by the identity engine.
	AuthStatusSignedIn AuthStatus = "signed_in"
	// AuthStatusSignedUp is an exported constant or variable used by the identity engine.
	AuthStatusSignedUp AuthStatus = "signed_up"
	// AuthStatusLinkRequired is an exported constant or variable used by the identity engine.
	AuthStatusLinkRequired AuthStatus = "link_required"
)

// ConflictType defines a public type used by linkauth APIs.
//
// ConflictType instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ConflictType string

const (
	// ConflictAccountExists is an exported constant or variable used by the identity engine.
	//
	// An account with the same email already exists and can absorb the new
	// provider identity through the verified linking flow.
	ConflictAccountExists ConflictType = "account_exists"
	// ConflictProviderMismatch is an exported constant or variable used by the identity engine.
	//
	// An account with the same email exists but linking is not available for
	// this identity, for example because the provider reported the email as
	// unverified.
	ConflictProviderMismatch ConflictType = "provider_mismatch"
)

// ProviderLink records one federated identity attached to an account.
type ProviderLink struct {
	Provider  string    `json:"provider"`
	SubjectID string    `json:"subject_id"`
	LinkedAt  time.Time `json:"linked_at,omitempty"`
}

// UserRecord defines a public type used by linkauth APIs.
//
// UserRecord instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type UserRecord struct {
	UserID    string         `json:"user_id"`
	Email     string         `json:"email"`
	Name      string         `json:"name,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Providers []ProviderLink `json:"providers,omitempty"`

	// PasswordHash is the account's PHC-encoded password hash, empty for
	// accounts that only sign in through providers.
	PasswordHash string `json:"-"`
}

// HasProvider reports whether the account already carries a link for the
// given provider.
func (u *UserRecord) HasProvider(provider string) bool {
	for _, link := range u.Providers {
		if link.Provider == provider {
			return true
		}
	}
	return false
}

// ProviderNames returns the providers linked to the account, in stored order.
func (u *UserRecord) ProviderNames() []string {
	names := make([]string, 0, len(u.Providers))
	for _, link := range u.Providers {
		names = append(names, link.Provider)
	}
	return names
}

// CreateUserInput defines a public type used by linkauth APIs.
//
// CreateUserInput instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CreateUserInput struct {
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
	Provider      string
	SubjectID     string
}

var (
	// ErrDirectoryNotFound is an exported constant or variable used by the identity engine.
	//
	// UserDirectory implementations return it from lookups that match no account.
	ErrDirectoryNotFound = errors.New("user not found in directory")
	// ErrProviderSubjectTaken is an exported constant or variable used by the identity engine.
	//
	// UserDirectory implementations return it from LinkProvider when the
	// (provider, subject) pair is already attached to a different account.
	ErrProviderSubjectTaken = errors.New("provider subject already linked to another account")
)

// UserDirectory is the application-supplied account backend. Implementations
// own persistence of user records and provider links; the engine never
// stores account data itself.
//
// LinkProvider must be atomic: when the (provider, subject) pair is already
// attached to a different account it returns [ErrProviderSubjectTaken] and
// changes nothing.
type UserDirectory interface {
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	GetUserByProviderSubject(ctx context.Context, provider, subjectID string) (UserRecord, error)
	GetUserByEmailFingerprint(ctx context.Context, fingerprint string) (UserRecord, error)
	CreateUser(ctx context.Context, input CreateUserInput) (UserRecord, error)
	LinkProvider(ctx context.Context, userID, provider, subjectID string) error
	UnlinkProvider(ctx context.Context, userID, provider string) error
}

// MailSender delivers verification codes during account linking. The code is
// the only secret handed to implementations; it must not be logged.
type MailSender interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

// Conflict describes why a federated authentication could not complete
// directly and what the caller can do about it.
type Conflict struct {
	Type ConflictType `json:"type"`
	// Provider is the identity provider the user just authenticated with.
	Provider string `json:"provider"`
	// ExistingProviders lists providers already linked to the conflicting
	// account, so the UI can suggest signing in with one of them.
	ExistingProviders []string `json:"existing_providers,omitempty"`
	// CanLink reports whether the verified linking flow is available.
	CanLink bool   `json:"can_link"`
	Message string `json:"message"`
}

// LinkingTicket is the caller-facing view of a pending linking session. It
// never exposes the verification code or provider token.
type LinkingTicket struct {
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`

	EmailRequired    bool `json:"email_required"`
	PasswordRequired bool `json:"password_required"`
	EmailVerified    bool `json:"email_verified"`
	PasswordVerified bool `json:"password_verified"`
}

// AuthOutcome is the result of [Engine.BeginFederatedAuth]. The populated
// fields track Status:
//
//   - signed_in / signed_up: User and Session are set.
//   - link_required: Conflict is set; User and Session are nil.
type AuthOutcome struct {
	Status   AuthStatus      `json:"status"`
	User     *UserRecord     `json:"user,omitempty"`
	Session  *session.Record `json:"session,omitempty"`
	Conflict *Conflict       `json:"conflict,omitempty"`
}

// LinkResult is the result of [Engine.CompleteLinking].
type LinkResult struct {
	User    UserRecord      `json:"user"`
	Session *session.Record `json:"session"`
}

/*
====================================
AUDIT RE-EXPORTS
====================================
*/

// AuditEvent defines a public type used by linkauth APIs.
//
// AuditEvent instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditEvent = internalaudit.Event

// AuditSink defines a public type used by linkauth APIs.
//
// AuditSink instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditSink = internalaudit.Sink

// NoOpSink defines a public type used by linkauth APIs.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink defines a public type used by linkauth APIs.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink defines a public type used by linkauth APIs.
type JSONWriterSink = internalaudit.JSONWriterSink

// AuditLog defines a public type used by linkauth APIs.
//
// AuditLog instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditLog = internalaudit.RedisLog

// NewChannelSink describes the newchannelsink operation and its observable behavior.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink describes the newjsonwritersink operation and its observable behavior.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

/*
====================================
METRICS RE-EXPORTS
====================================
*/

// MetricID defines a public type used by linkauth APIs.
//
// MetricID instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricID = internalmetrics.MetricID

const (
	// MetricFederatedSignIn is an exported constant or variable used by the identity engine.
	MetricFederatedSignIn = MetricID(internalmetrics.MetricFederatedSignIn)
	// MetricFederatedSignUp is an exported constant or variable used by the identity engine.
	MetricFederatedSignUp = MetricID(internalmetrics.MetricFederatedSignUp)
	// MetricFederatedConflict is an exported constant or variable used by the identity engine.
	MetricFederatedConflict = MetricID(internalmetrics.MetricFederatedConflict)
	// MetricVerifyFailure is an exported constant or variable used by the identity engine.
	MetricVerifyFailure = MetricID(internalmetrics.MetricVerifyFailure)
	// MetricProviderUnavailable is an exported constant or variable used by the identity engine.
	MetricProviderUnavailable = MetricID(internalmetrics.MetricProviderUnavailable)
	// MetricSessionCreated is an exported constant or variable used by the identity engine.
	MetricSessionCreated = MetricID(internalmetrics.MetricSessionCreated)
	// MetricSessionRefreshed is an exported constant or variable used by the identity engine.
	MetricSessionRefreshed = MetricID(internalmetrics.MetricSessionRefreshed)
	// MetricSessionRevoked is an exported constant or variable used by the identity engine.
	MetricSessionRevoked = MetricID(internalmetrics.MetricSessionRevoked)
	// MetricSessionExpired is an exported constant or variable used by the identity engine.
	MetricSessionExpired = MetricID(internalmetrics.MetricSessionExpired)
	// MetricSessionCapEvicted is an exported constant or variable used by the identity engine.
	MetricSessionCapEvicted = MetricID(internalmetrics.MetricSessionCapEvicted)
	// MetricLinkingInitiated is an exported constant or variable used by the identity engine.
	MetricLinkingInitiated = MetricID(internalmetrics.MetricLinkingInitiated)
	// MetricLinkingEmailSent is an exported constant or variable used by the identity engine.
	MetricLinkingEmailSent = MetricID(internalmetrics.MetricLinkingEmailSent)
	// MetricLinkingEmailVerified is an exported constant or variable used by the identity engine.
	MetricLinkingEmailVerified = MetricID(internalmetrics.MetricLinkingEmailVerified)
	// MetricLinkingPasswordVerified is an exported constant or variable used by the identity engine.
	MetricLinkingPasswordVerified = MetricID(internalmetrics.MetricLinkingPasswordVerified)
	// MetricLinkingCompleted is an exported constant or variable used by the identity engine.
	MetricLinkingCompleted = MetricID(internalmetrics.MetricLinkingCompleted)
	// MetricLinkingCancelled is an exported constant or variable used by the identity engine.
	MetricLinkingCancelled = MetricID(internalmetrics.MetricLinkingCancelled)
	// MetricLinkingFailed is an exported constant or variable used by the identity engine.
	MetricLinkingFailed = MetricID(internalmetrics.MetricLinkingFailed)
	// MetricLinkingAttemptsExceeded is an exported constant or variable used by the identity engine.
	MetricLinkingAttemptsExceeded = MetricID(internalmetrics.MetricLinkingAttemptsExceeded)
	// MetricProviderUnlinked is an exported constant or variable used by the identity engine.
	MetricProviderUnlinked = MetricID(internalmetrics.MetricProviderUnlinked)
)

// Metrics defines a public type used by linkauth APIs.
//
// Metrics instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot defines a public type used by linkauth APIs.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics describes the newmetrics operation and its observable behavior.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled: cfg.Enabled,
	})
}
