package linkauth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/linkauth/linkauth/internal"
	"github.com/linkauth/linkauth/internal/stores"
	"github.com/linkauth/linkauth/verifier"
)

// emailCodeContext domain-separates verification code digests per linking
// session, so a code leaked from one session verifies nothing elsewhere.
func emailCodeContext(sessionID string) string {
	return "linking_email:" + sessionID
}

func ticketFromRecord(rec *stores.LinkingRecord) *LinkingTicket {
	return &LinkingTicket{
		SessionID:        rec.SessionID,
		Provider:         rec.Provider,
		Email:            rec.Email,
		ExpiresAt:        time.Unix(rec.ExpiresAt, 0).UTC(),
		EmailRequired:    rec.EmailRequired,
		PasswordRequired: rec.PasswordRequired,
		EmailVerified:    rec.EmailVerified,
		PasswordVerified: rec.PasswordVerified,
	}
}

// InitiateLinking opens a verified linking session for a provider identity
// whose email matches an existing account. The provider token is verified
// again here; the caller's word is never trusted.
//
// InitiateLinking may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) InitiateLinking(ctx context.Context, provider, accessToken string) (*LinkingTicket, error) {
	v, err := e.verifiers.Get(provider)
	if err != nil {
		e.metricInc(MetricVerifyFailure)
		authErr := ErrInvalidProvider.wrapErr(err)
		e.emitAudit(ctx, auditEventLinkingInitiated, false, "", provider, "", authErr, nil)
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
		e.emitAudit(ctx, auditEventLinkingInitiated, false, "", provider, "", authErr, nil)
		return nil, authErr
	}

	if claims.Email == "" {
		e.emitAudit(ctx, auditEventLinkingInitiated, false, "", provider, "", ErrEmailMissing, nil)
		return nil, ErrEmailMissing
	}
	if claims.EmailVerifiedKnown && !claims.EmailVerified {
		e.emitAudit(ctx, auditEventLinkingInitiated, false, "", provider, "", ErrEmailUnverified, nil)
		return nil, ErrEmailUnverified
	}

	fingerprint := e.vault.EmailFingerprint(claims.Email)
	user, err := e.directory.GetUserByEmailFingerprint(ctx, fingerprint)
	if err != nil {
		authErr := mapDirectoryError(err)
		e.emitAudit(ctx, auditEventLinkingInitiated, false, "", provider, "", authErr, nil)
		return nil, authErr
	}

	if user.HasProvider(provider) {
		e.emitAudit(ctx, auditEventLinkingInitiated, false, user.UserID, provider, "", ErrProviderAlreadyLinked, nil)
		return nil, ErrProviderAlreadyLinked
	}

	// The subject may already belong to somebody else even though the email
	// led here.
	if owner, err := e.directory.GetUserByProviderSubject(ctx, provider, claims.SubjectID); err == nil && owner.UserID != user.UserID {
		e.metricInc(MetricLinkingFailed)
		e.emitAudit(ctx, auditEventLinkingInitiated, false, user.UserID, provider, "", ErrAlreadyLinkedElsewhere, nil)
		return nil, ErrAlreadyLinkedElsewhere
	} else if err != nil && !errors.Is(err, ErrDirectoryNotFound) {
		authErr := mapDirectoryError(err)
		e.emitAudit(ctx, auditEventLinkingInitiated, false, user.UserID, provider, "", authErr, nil)
		return nil, authErr
	}

	encrypted, err := e.vault.Encrypt(accessToken)
	if err != nil {
		return nil, ErrCryptoFailure.wrapErr(err)
	}

	now := time.Now()
	record := &stores.LinkingRecord{
		SessionID: uuid.NewString(),
		UserID:    user.UserID,
		Provider:  provider,
		SubjectID: claims.SubjectID,
		Email:     claims.Email,
		Name:      claims.Name,
		AvatarURL: claims.AvatarURL,
		Scopes:    claims.Scopes,

		// Requirements are snapshotted here and recomputed at completion.
		EmailRequired:    true,
		PasswordRequired: user.PasswordHash != "",

		EncryptedToken: encrypted,
		CreatedAt:      now.Unix(),
		ExpiresAt:      now.Add(e.cfg.Linking.SessionTTL).Unix(),
	}

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	if err := e.linking.Save(storeCtx, record); err != nil {
		authErr := mapLinkingStoreError(err)
		e.emitAudit(ctx, auditEventLinkingInitiated, false, user.UserID, provider, "", authErr, nil)
		return nil, authErr
	}

	e.metricInc(MetricLinkingInitiated)
	e.emitAudit(ctx, auditEventLinkingInitiated, true, user.UserID, provider, record.SessionID, nil, func() map[string]string {
		return map[string]string{
			"password_required": boolString(record.PasswordRequired),
		}
	})

	return ticketFromRecord(record), nil
}

// SendEmailVerification generates a fresh verification code for a pending
// linking session and emails it to the address the provider asserted at
// initiation. Re-sending replaces the previous code and resets its attempt
// budget.
//
// SendEmailVerification may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) SendEmailVerification(ctx context.Context, sessionID string) error {
	if e.mailer == nil {
		return ErrConfig.wrapErr(errors.New("mail sender not configured"))
	}

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	record, err := e.linking.GetPending(storeCtx, sessionID)
	if err != nil {
		authErr := mapLinkingStoreError(err)
		e.emitAudit(ctx, auditEventLinkingEmailSent, false, "", "", sessionID, authErr, nil)
		return authErr
	}

	if record.EmailVerified {
		return nil
	}

	allowed, err := e.limiter.Allow(ctx, "lkmail:"+sessionID, e.cfg.Linking.ResendLimit, e.cfg.Linking.ResendWindow)
	if err != nil {
		return ErrStorage.wrapErr(err)
	}
	if !allowed {
		e.emitAudit(ctx, auditEventLinkingEmailSent, false, record.UserID, record.Provider, sessionID, ErrRateLimited, func() map[string]string {
			return map[string]string{"reason": "resend_limit"}
		})
		return ErrRateLimited
	}

	code, err := internal.NumericCode(e.cfg.Linking.CodeDigits)
	if err != nil {
		return ErrInternal.wrapErr(err)
	}

	digest := e.vault.Digest(code, emailCodeContext(sessionID))
	expiresAt := time.Now().Add(e.cfg.Linking.CodeTTL).Unix()
	if _, err := e.linking.SetEmailCode(storeCtx, sessionID, digest, expiresAt); err != nil {
		authErr := mapLinkingStoreError(err)
		e.emitAudit(ctx, auditEventLinkingEmailSent, false, record.UserID, record.Provider, sessionID, authErr, nil)
		return authErr
	}

	if err := e.mailer.SendVerificationCode(ctx, record.Email, code); err != nil {
		authErr := ErrMailDelivery.wrapErr(err)
		e.emitAudit(ctx, auditEventLinkingEmailSent, false, record.UserID, record.Provider, sessionID, authErr, nil)
		return authErr
	}

	e.metricInc(MetricLinkingEmailSent)
	e.emitAudit(ctx, auditEventLinkingEmailSent, true, record.UserID, record.Provider, sessionID, nil, nil)

	return nil
}

// VerifyEmailCode consumes one verification attempt. Exhausting the attempt
// budget burns the whole linking session.
//
// VerifyEmailCode may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) VerifyEmailCode(ctx context.Context, sessionID, code string) (*LinkingTicket, error) {
	digest := e.vault.Digest(code, emailCodeContext(sessionID))

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	record, err := e.linking.ConsumeEmailCode(storeCtx, sessionID, digest, e.cfg.Linking.MaxAttempts)
	if err != nil {
		authErr := mapLinkingStoreError(err)
		switch {
		case errors.Is(err, stores.ErrLinkingAttemptsExceeded):
			e.metricInc(MetricLinkingAttemptsExceeded)
		case errors.Is(err, stores.ErrLinkingCodeMismatch),
			errors.Is(err, stores.ErrLinkingCodeExpired),
			errors.Is(err, stores.ErrLinkingCodeMissing):
			e.metricInc(MetricLinkingFailed)
		}
		e.emitAudit(ctx, auditEventLinkingEmail, false, "", "", sessionID, authErr, func() map[string]string {
			return map[string]string{"reason": string(auditErrorCode(authErr))}
		})
		return nil, authErr
	}

	e.metricInc(MetricLinkingEmailVerified)
	e.emitAudit(ctx, auditEventLinkingEmail, true, record.UserID, record.Provider, sessionID, nil, nil)

	return ticketFromRecord(record), nil
}

// VerifyPassword consumes one password attempt against the account hash.
// Exhausting the attempt budget burns the whole linking session.
//
// VerifyPassword may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) VerifyPassword(ctx context.Context, sessionID, plaintext string) (*LinkingTicket, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	record, err := e.linking.BeginPasswordAttempt(storeCtx, sessionID, e.cfg.Linking.MaxAttempts)
	if err != nil {
		authErr := mapLinkingStoreError(err)
		if errors.Is(err, stores.ErrLinkingAttemptsExceeded) {
			e.metricInc(MetricLinkingAttemptsExceeded)
		}
		e.emitAudit(ctx, auditEventLinkingPassword, false, "", "", sessionID, authErr, nil)
		return nil, authErr
	}

	user, err := e.directory.GetUserByID(ctx, record.UserID)
	if err != nil {
		authErr := mapDirectoryError(err)
		e.emitAudit(ctx, auditEventLinkingPassword, false, record.UserID, record.Provider, sessionID, authErr, nil)
		return nil, authErr
	}

	ok := false
	if user.PasswordHash == "" {
		// The account lost its password after initiation; the step is moot.
		ok = true
	} else {
		ok, err = e.hasher.Verify(plaintext, user.PasswordHash)
		if err != nil {
			return nil, ErrInternal.wrapErr(err)
		}
	}

	if !ok {
		remaining, rerr := e.linking.RecordPasswordFailure(storeCtx, sessionID, e.cfg.Linking.MaxAttempts)
		if rerr != nil {
			return nil, mapLinkingStoreError(rerr)
		}

		e.metricInc(MetricLinkingFailed)
		if remaining == 0 {
			e.metricInc(MetricLinkingAttemptsExceeded)
			e.emitAudit(ctx, auditEventLinkingPassword, false, record.UserID, record.Provider, sessionID, ErrVerificationAttempts, func() map[string]string {
				return map[string]string{"reason": "attempts_exceeded"}
			})
			return nil, ErrVerificationAttempts
		}

		authErr := ErrInvalidPassword.withDetails(map[string]string{
			"attempts_remaining": strconv.Itoa(remaining),
		})
		e.emitAudit(ctx, auditEventLinkingPassword, false, record.UserID, record.Provider, sessionID, authErr, func() map[string]string {
			return map[string]string{"attempts_remaining": strconv.Itoa(remaining)}
		})
		return nil, authErr
	}

	verified, err := e.linking.MarkPasswordVerified(storeCtx, sessionID)
	if err != nil {
		return nil, mapLinkingStoreError(err)
	}

	e.metricInc(MetricLinkingPasswordVerified)
	e.emitAudit(ctx, auditEventLinkingPassword, true, record.UserID, record.Provider, sessionID, nil, nil)

	return ticketFromRecord(verified), nil
}

// CompleteLinking finishes a linking session: requirements are recomputed
// against the current account state, the provider link is committed, and a
// provider session is issued from the token captured at initiation.
//
// The session is consumed the moment its completion is committed, before the
// directory write. If that write then fails the session is already spent and
// the whole flow must be restarted; the alternative would risk linking the
// same identity twice.
//
// CompleteLinking may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) CompleteLinking(ctx context.Context, sessionID string) (*LinkResult, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	record, err := e.linking.GetPending(storeCtx, sessionID)
	if err != nil {
		authErr := mapLinkingStoreError(err)
		e.emitAudit(ctx, auditEventLinkingCompleted, false, "", "", sessionID, authErr, nil)
		return nil, authErr
	}

	user, err := e.directory.GetUserByID(ctx, record.UserID)
	if err != nil {
		authErr := mapDirectoryError(err)
		e.emitAudit(ctx, auditEventLinkingCompleted, false, record.UserID, record.Provider, sessionID, authErr, nil)
		return nil, authErr
	}

	// Requirements are re-derived here: a password set after initiation
	// still gates completion.
	passwordRequired := user.PasswordHash != ""
	if !record.EmailVerified || (passwordRequired && !record.PasswordVerified) {
		e.metricInc(MetricLinkingFailed)
		e.emitAudit(ctx, auditEventLinkingCompleted, false, user.UserID, record.Provider, sessionID, ErrVerificationIncomplete, func() map[string]string {
			return map[string]string{
				"email_verified":    boolString(record.EmailVerified),
				"password_verified": boolString(record.PasswordVerified),
				"password_required": boolString(passwordRequired),
			}
		})
		return nil, ErrVerificationIncomplete
	}

	completed, err := e.linking.Complete(storeCtx, sessionID)
	if err != nil {
		authErr := mapLinkingStoreError(err)
		e.emitAudit(ctx, auditEventLinkingCompleted, false, user.UserID, record.Provider, sessionID, authErr, nil)
		return nil, authErr
	}

	if err := e.directory.LinkProvider(ctx, user.UserID, completed.Provider, completed.SubjectID); err != nil {
		authErr := mapDirectoryError(err)
		e.metricInc(MetricLinkingFailed)
		e.emitAudit(ctx, auditEventLinkingCompleted, false, user.UserID, completed.Provider, sessionID, authErr, nil)
		return nil, authErr
	}

	accessToken, err := e.vault.Decrypt(completed.EncryptedToken)
	if err != nil {
		return nil, ErrCryptoFailure.wrapErr(err)
	}

	sessionRecord, authErr := e.issueSession(ctx, user.UserID, &verifier.Claims{
		Provider:  completed.Provider,
		SubjectID: completed.SubjectID,
		Scopes:    completed.Scopes,
	}, accessToken, "")
	if authErr != nil {
		return nil, authErr
	}

	if updated, err := e.directory.GetUserByID(ctx, user.UserID); err == nil {
		user = updated
	} else {
		user.Providers = append(user.Providers, ProviderLink{
			Provider:  completed.Provider,
			SubjectID: completed.SubjectID,
			LinkedAt:  time.Now().UTC(),
		})
	}

	e.metricInc(MetricLinkingCompleted)
	e.emitAudit(ctx, auditEventLinkingCompleted, true, user.UserID, completed.Provider, sessionID, nil, nil)

	return &LinkResult{
		User:    user,
		Session: sessionRecord,
	}, nil
}

// CancelLinking cancels a pending linking session. It is idempotent and
// reports whether this call performed the cancellation.
//
// CancelLinking may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) CancelLinking(ctx context.Context, sessionID string) (bool, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	cancelled, err := e.linking.Cancel(storeCtx, sessionID)
	if err != nil {
		return false, mapLinkingStoreError(err)
	}

	if cancelled {
		e.metricInc(MetricLinkingCancelled)
		e.emitAudit(ctx, auditEventLinkingCancelled, true, "", "", sessionID, nil, nil)
	}

	return cancelled, nil
}

// LinkingStatus returns the caller-facing view of a pending linking session.
//
// LinkingStatus may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) LinkingStatus(ctx context.Context, sessionID string) (*LinkingTicket, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	record, err := e.linking.GetPending(storeCtx, sessionID)
	if err != nil {
		return nil, mapLinkingStoreError(err)
	}
	return ticketFromRecord(record), nil
}
