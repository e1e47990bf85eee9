package linkauth

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	internalaudit "github.com/linkauth/linkauth/internal/audit"
	"github.com/linkauth/linkauth/internal/rate"
	"github.com/linkauth/linkauth/internal/stores"
	"github.com/linkauth/linkauth/password"
	"github.com/linkauth/linkauth/session"
	"github.com/linkauth/linkauth/token"
	"github.com/linkauth/linkauth/verifier"
)

// Engine is the identity core. It verifies provider tokens, resolves
// account conflicts, runs the verified linking flow, and manages provider
// sessions. Build one with [New] and share it; all methods are safe for
// concurrent use.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	cfg Config

	redis     redis.UniversalClient
	directory UserDirectory
	mailer    MailSender

	verifiers *verifier.Registry
	cached    []*verifier.Cached

	vault    *token.Vault
	hasher   *password.Hasher
	sessions *session.Store
	linking  *stores.LinkingStore
	limiter  *rate.Limiter

	metrics  *Metrics
	audit    *internalaudit.Dispatcher
	auditLog *internalaudit.RedisLog

	sweeper *sweeper
}

// storeContext bounds a Redis round trip by the configured store timeout.
func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

func (e *Engine) metricInc(id MetricID) {
	e.metrics.Inc(id)
}

// MetricsSnapshot returns a point-in-time copy of all engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were dropped because the
// dispatcher queue was full.
func (e *Engine) AuditDropped() uint64 {
	if e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditTrail returns the most recent persisted audit events for a user,
// newest first. It requires audit persistence to be enabled.
//
// AuditTrail may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) AuditTrail(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	if e.auditLog == nil {
		return nil, ErrConfig.wrapErr(errors.New("audit persistence disabled"))
	}

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	events, err := e.auditLog.ForUser(storeCtx, userID, limit)
	if err != nil {
		return nil, ErrStorage.wrapErr(err)
	}
	return events, nil
}

// Close stops the background sweeper, drains the audit dispatcher, and
// halts the verifier caches. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e.sweeper != nil {
		e.sweeper.stop()
	}
	for _, c := range e.cached {
		c.Stop()
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// mapVerifierError translates verifier sentinels into the public taxonomy.
func mapVerifierError(err error) *AuthError {
	switch {
	case errors.Is(err, verifier.ErrTokenExpired):
		return ErrTokenExpired.wrapErr(err)
	case errors.Is(err, verifier.ErrTokenInvalid):
		return ErrInvalidToken.wrapErr(err)
	case errors.Is(err, verifier.ErrProviderUnavailable):
		return ErrProviderUnavailable.wrapErr(err)
	case errors.Is(err, verifier.ErrUnknownProvider):
		return ErrInvalidProvider.wrapErr(err)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrProviderTimeout.wrapErr(err)
	default:
		return ErrProviderError.wrapErr(err)
	}
}

// mapSessionStoreError translates session store sentinels into the public
// taxonomy.
func mapSessionStoreError(err error) *AuthError {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrSessionNotFound.wrapErr(err)
	case errors.Is(err, session.ErrSessionInactive):
		return ErrSessionInactive.wrapErr(err)
	case errors.Is(err, session.ErrSessionExpired):
		return ErrTokenExpired.wrapErr(err)
	case errors.Is(err, session.ErrRedisUnavailable):
		return ErrStorage.wrapErr(err)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrStoreTimeout.wrapErr(err)
	default:
		return ErrInternal.wrapErr(err)
	}
}

// mapLinkingStoreError translates linking store sentinels into the public
// taxonomy.
func mapLinkingStoreError(err error) *AuthError {
	switch {
	case errors.Is(err, stores.ErrLinkingNotFound):
		return ErrLinkingSessionNotFound.wrapErr(err)
	case errors.Is(err, stores.ErrLinkingExpired):
		return ErrLinkingSessionExpired.wrapErr(err)
	case errors.Is(err, stores.ErrLinkingNotPending):
		return ErrLinkingSessionNotFound.wrapErr(err)
	case errors.Is(err, stores.ErrLinkingCodeMissing):
		return ErrVerificationCodeInvalid.wrapErr(err)
	case errors.Is(err, stores.ErrLinkingCodeExpired):
		return ErrVerificationCodeExpired.wrapErr(err)
	case errors.Is(err, stores.ErrLinkingCodeMismatch):
		return ErrVerificationCodeInvalid.wrapErr(err)
	case errors.Is(err, stores.ErrLinkingAttemptsExceeded):
		return ErrVerificationAttempts.wrapErr(err)
	case errors.Is(err, stores.ErrLinkingIncomplete):
		return ErrVerificationIncomplete.wrapErr(err)
	case errors.Is(err, stores.ErrLinkingRedisUnavailable):
		return ErrStorage.wrapErr(err)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrStoreTimeout.wrapErr(err)
	default:
		return ErrInternal.wrapErr(err)
	}
}

// mapDirectoryError translates UserDirectory errors into the public
// taxonomy.
func mapDirectoryError(err error) *AuthError {
	switch {
	case errors.Is(err, ErrDirectoryNotFound):
		return ErrAccountNotFound.wrapErr(err)
	case errors.Is(err, ErrProviderSubjectTaken):
		return ErrAlreadyLinkedElsewhere.wrapErr(err)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrStoreTimeout.wrapErr(err)
	default:
		return ErrStorage.wrapErr(err)
	}
}
