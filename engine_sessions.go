package linkauth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/linkauth/linkauth/session"
)

// GetSession returns the newest active session for a (user, provider) pair,
// or nil when none exists. Reading it counts as use.
//
// GetSession may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) GetSession(ctx context.Context, userID, provider string) (*session.Record, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	record, err := e.sessions.Get(storeCtx, userID, provider)
	if err != nil {
		return nil, mapSessionStoreError(err)
	}
	return record, nil
}

// ListSessions returns the user's active sessions across all providers,
// newest first.
//
// ListSessions may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]*session.Record, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	records, err := e.sessions.ListActive(storeCtx, userID)
	if err != nil {
		return nil, mapSessionStoreError(err)
	}
	return records, nil
}

// SessionStats summarizes the user's sessions per provider.
//
// SessionStats may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) SessionStats(ctx context.Context, userID string) (session.Stats, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	stats, err := e.sessions.Stats(storeCtx, userID)
	if err != nil {
		return session.Stats{}, mapSessionStoreError(err)
	}
	return stats, nil
}

// RefreshSession replaces a session's token digests after the application
// refreshed the provider tokens. An empty refreshToken keeps the stored
// refresh digest.
//
// RefreshSession may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) RefreshSession(ctx context.Context, sessionID, accessToken, refreshToken string, ttl time.Duration) (*session.Record, error) {
	if ttl <= 0 {
		ttl = e.cfg.Session.DefaultTTL
	}

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	record, err := e.sessions.Refresh(storeCtx, sessionID, accessToken, refreshToken, ttl)
	if err != nil {
		authErr := mapSessionStoreError(err)
		if errors.Is(err, session.ErrSessionExpired) {
			e.metricInc(MetricSessionExpired)
		}
		e.emitAudit(ctx, auditEventSessionRefreshed, false, "", "", sessionID, authErr, nil)
		return nil, authErr
	}

	e.metricInc(MetricSessionRefreshed)
	e.emitAudit(ctx, auditEventSessionRefreshed, true, record.UserID, record.Provider, sessionID, nil, nil)

	return record, nil
}

// RevokeSession retires a session. It is idempotent and reports whether
// this call performed the revocation.
//
// RevokeSession may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) RevokeSession(ctx context.Context, sessionID string) (bool, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	revoked, err := e.sessions.Revoke(storeCtx, sessionID, session.ReasonUserRevoked)
	if err != nil {
		return false, mapSessionStoreError(err)
	}

	if revoked {
		userID, provider := "", ""
		if record, err := e.sessions.GetByID(storeCtx, sessionID); err == nil && record != nil {
			userID, provider = record.UserID, record.Provider
		}
		e.metricInc(MetricSessionRevoked)
		e.emitAudit(ctx, auditEventSessionRevoked, true, userID, provider, sessionID, nil, func() map[string]string {
			return map[string]string{"reason": session.ReasonUserRevoked}
		})
	}

	return revoked, nil
}

// UnlinkProvider removes a provider identity from an account and retires
// its sessions. The last remaining sign-in method cannot be removed: an
// account without a password must keep at least one provider.
//
// UnlinkProvider may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) UnlinkProvider(ctx context.Context, userID, provider string) error {
	user, err := e.directory.GetUserByID(ctx, userID)
	if err != nil {
		authErr := mapDirectoryError(err)
		e.emitAudit(ctx, auditEventProviderUnlinked, false, userID, provider, "", authErr, nil)
		return authErr
	}

	if !user.HasProvider(provider) {
		authErr := ErrAccountNotFound.withDetails(map[string]string{"provider": provider})
		e.emitAudit(ctx, auditEventProviderUnlinked, false, userID, provider, "", authErr, func() map[string]string {
			return map[string]string{"reason": "provider_not_linked"}
		})
		return authErr
	}

	if user.PasswordHash == "" && len(user.Providers) <= 1 {
		e.emitAudit(ctx, auditEventProviderUnlinked, false, userID, provider, "", ErrLastAuthMethod, func() map[string]string {
			return map[string]string{"reason": "last_auth_method"}
		})
		return ErrLastAuthMethod
	}

	if err := e.directory.UnlinkProvider(ctx, userID, provider); err != nil {
		authErr := mapDirectoryError(err)
		e.emitAudit(ctx, auditEventProviderUnlinked, false, userID, provider, "", authErr, nil)
		return authErr
	}

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	// Session cleanup is best effort: the link is already gone, and orphaned
	// sessions expire on their own.
	removed, err := e.sessions.DeleteForProvider(storeCtx, userID, provider)
	if err != nil {
		removed = 0
	}

	e.metricInc(MetricProviderUnlinked)
	e.emitAudit(ctx, auditEventProviderUnlinked, true, userID, provider, "", nil, func() map[string]string {
		return map[string]string{"sessions_removed": strconv.Itoa(removed)}
	})

	return nil
}
