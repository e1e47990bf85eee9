package linkauth

import (
	"context"
	"errors"
	"time"

	"github.com/linkauth/linkauth/session"
	"github.com/linkauth/linkauth/verifier"
)

// BeginFederatedAuth authenticates a provider token and resolves it to an
// account. refreshToken may be empty for providers that do not issue one.
//
// Outcomes:
//
//   - The (provider, subject) pair is already linked: the user is signed in
//     and a new provider session is issued.
//   - No account matches the subject or the email: a fresh account is
//     created from the provider claims and signed in.
//   - No account matches the subject but one matches the email: no session
//     is issued; the outcome carries a [Conflict] describing whether the
//     verified linking flow is available.
//
// BeginFederatedAuth may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) BeginFederatedAuth(ctx context.Context, provider, accessToken, refreshToken string) (*AuthOutcome, error) {
	v, err := e.verifiers.Get(provider)
	if err != nil {
		e.metricInc(MetricVerifyFailure)
		authErr := ErrInvalidProvider.wrapErr(err)
		e.emitAudit(ctx, auditEventFederatedAuth, false, "", provider, "", authErr, func() map[string]string {
			return map[string]string{"reason": "unknown_provider"}
		})
		return nil, authErr
	}

	claims, err := v.Verify(ctx, accessToken)
	if err != nil {
		authErr := mapVerifierError(err)
		if authErr.Kind == KindProviderUnavailable || authErr.Kind == KindTimeout {
			e.metricInc(MetricProviderUnavailable)
		} else {
			e.metricInc(MetricVerifyFailure)
		}
		e.emitAudit(ctx, auditEventFederatedAuth, false, "", provider, "", authErr, func() map[string]string {
			return map[string]string{"reason": string(auditErrorCode(authErr))}
		})
		return nil, authErr
	}

	// Known subject: plain sign-in.
	user, err := e.directory.GetUserByProviderSubject(ctx, provider, claims.SubjectID)
	if err == nil {
		record, authErr := e.issueSession(ctx, user.UserID, claims, accessToken, refreshToken)
		if authErr != nil {
			return nil, authErr
		}

		e.metricInc(MetricFederatedSignIn)
		e.emitAudit(ctx, auditEventFederatedAuth, true, user.UserID, provider, record.SessionID, nil, func() map[string]string {
			return map[string]string{"status": string(AuthStatusSignedIn)}
		})
		return &AuthOutcome{
			Status:  AuthStatusSignedIn,
			User:    &user,
			Session: record,
		}, nil
	}
	if !errors.Is(err, ErrDirectoryNotFound) {
		authErr := mapDirectoryError(err)
		e.emitAudit(ctx, auditEventFederatedAuth, false, "", provider, "", authErr, nil)
		return nil, authErr
	}

	if claims.Email == "" {
		authErr := ErrEmailMissing
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventFederatedAuth, false, "", provider, "", authErr, func() map[string]string {
			return map[string]string{"reason": "email_missing"}
		})
		return nil, authErr
	}

	// Unknown subject: decide between conflict and fresh sign-up by email.
	fingerprint := e.vault.EmailFingerprint(claims.Email)
	existing, err := e.directory.GetUserByEmailFingerprint(ctx, fingerprint)
	switch {
	case err == nil:
		return e.resolveConflict(ctx, existing, claims), nil
	case errors.Is(err, ErrDirectoryNotFound):
		return e.signUp(ctx, claims, accessToken, refreshToken)
	default:
		authErr := mapDirectoryError(err)
		e.emitAudit(ctx, auditEventFederatedAuth, false, "", provider, "", authErr, nil)
		return nil, authErr
	}
}

// resolveConflict classifies an email collision between fresh provider
// claims and an existing account. Linking is offered only when the account
// does not already hold a different identity from the same provider and the
// provider vouches for the email (or does not report verification at all).
func (e *Engine) resolveConflict(ctx context.Context, existing UserRecord, claims *verifier.Claims) *AuthOutcome {
	conflict := &Conflict{
		Provider:          claims.Provider,
		ExistingProviders: existing.ProviderNames(),
	}

	subjectTaken := false
	for _, link := range existing.Providers {
		if link.Provider == claims.Provider && link.SubjectID != claims.SubjectID {
			subjectTaken = true
			break
		}
	}

	switch {
	case subjectTaken:
		conflict.Type = ConflictProviderMismatch
		conflict.CanLink = false
		conflict.Message = "the account with this email is already connected to a different identity from this provider"
	case claims.EmailVerifiedKnown && !claims.EmailVerified:
		conflict.Type = ConflictProviderMismatch
		conflict.CanLink = false
		conflict.Message = "an account with this email exists, but the provider has not verified the email"
	default:
		conflict.Type = ConflictAccountExists
		conflict.CanLink = true
		conflict.Message = "an account with this email already exists; verify ownership to link it"
	}

	e.metricInc(MetricFederatedConflict)
	e.emitAudit(ctx, auditEventAccountConflict, true, existing.UserID, claims.Provider, "", nil, func() map[string]string {
		return map[string]string{
			"conflict_type": string(conflict.Type),
			"can_link":      boolString(conflict.CanLink),
		}
	})

	return &AuthOutcome{
		Status:   AuthStatusLinkRequired,
		Conflict: conflict,
	}
}

func (e *Engine) signUp(ctx context.Context, claims *verifier.Claims, accessToken, refreshToken string) (*AuthOutcome, error) {
	user, err := e.directory.CreateUser(ctx, CreateUserInput{
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		AvatarURL:     claims.AvatarURL,
		Provider:      claims.Provider,
		SubjectID:     claims.SubjectID,
	})
	if err != nil {
		authErr := mapDirectoryError(err)
		e.emitAudit(ctx, auditEventFederatedSignUp, false, "", claims.Provider, "", authErr, nil)
		return nil, authErr
	}

	record, authErr := e.issueSession(ctx, user.UserID, claims, accessToken, refreshToken)
	if authErr != nil {
		return nil, authErr
	}

	e.metricInc(MetricFederatedSignUp)
	e.emitAudit(ctx, auditEventFederatedSignUp, true, user.UserID, claims.Provider, record.SessionID, nil, nil)

	return &AuthOutcome{
		Status:  AuthStatusSignedUp,
		User:    &user,
		Session: record,
	}, nil
}

// issueSession writes a provider session for verified claims. Cap evictions
// surface as audit events, not errors.
func (e *Engine) issueSession(ctx context.Context, userID string, claims *verifier.Claims, accessToken, refreshToken string) (*session.Record, *AuthError) {
	ttl := e.cfg.Session.DefaultTTL
	if !claims.ExpiresAt.IsZero() {
		if until := time.Until(claims.ExpiresAt); until > 0 {
			ttl = until
		}
	}

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	record, evictedID, err := e.sessions.Create(storeCtx, session.CreateInput{
		UserID:       userID,
		Provider:     claims.Provider,
		SubjectID:    claims.SubjectID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TTL:          ttl,
		Scopes:       claims.Scopes,
		ClientIP:     clientIPFromContext(ctx),
		UserAgent:    userAgentFromContext(ctx),
	})
	if err != nil {
		authErr := mapSessionStoreError(err)
		e.emitAudit(ctx, auditEventSessionCreated, false, userID, claims.Provider, "", authErr, nil)
		return nil, authErr
	}

	if evictedID != "" {
		e.metricInc(MetricSessionCapEvicted)
		e.emitAudit(ctx, auditEventSessionRevoked, true, userID, claims.Provider, evictedID, nil, func() map[string]string {
			return map[string]string{"reason": session.ReasonSessionLimit}
		})
	}

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, userID, claims.Provider, record.SessionID, nil, nil)

	return record, nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
