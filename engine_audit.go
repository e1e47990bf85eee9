package linkauth

import (
	"context"
	"errors"
	"time"

	internalaudit "github.com/linkauth/linkauth/internal/audit"
)

// Audit event types emitted by the engine.
const (
	auditEventFederatedAuth    = "federated_auth"
	auditEventFederatedSignUp  = "federated_signup"
	auditEventAccountConflict  = "account_conflict"
	auditEventLinkingInitiated = "linking_initiated"
	auditEventLinkingEmailSent = "linking_email_sent"
	auditEventLinkingEmail     = "linking_email_verify"
	auditEventLinkingPassword  = "linking_password_verify"
	auditEventLinkingCompleted = "linking_completed"
	auditEventLinkingCancelled = "linking_cancelled"
	auditEventSessionCreated   = "session_created"
	auditEventSessionRefreshed = "session_refreshed"
	auditEventSessionRevoked   = "session_revoked"
	auditEventProviderUnlinked = "provider_unlinked"
	auditEventSweepCompleted   = "sweep_completed"
)

// AuditErrorCode defines a public type used by linkauth APIs.
//
// AuditErrorCode instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditErrorCode string

// Stable error codes recorded on failed audit events. Codes never carry
// message text, so downstream pipelines can aggregate on them.
const (
	auditErrInvalidToken        AuditErrorCode = "invalid_token"
	auditErrTokenExpired        AuditErrorCode = "token_expired"
	auditErrProviderUnavailable AuditErrorCode = "provider_unavailable"
	auditErrTimeout             AuditErrorCode = "timeout"
	auditErrInvalidProvider     AuditErrorCode = "invalid_provider"
	auditErrProvider            AuditErrorCode = "provider_error"
	auditErrAlreadyLinked       AuditErrorCode = "already_linked_elsewhere"
	auditErrLinking             AuditErrorCode = "linking_error"
	auditErrAccountNotFound     AuditErrorCode = "account_not_found"
	auditErrSecurity            AuditErrorCode = "security_error"
	auditErrStorage             AuditErrorCode = "storage_error"
	auditErrInternal            AuditErrorCode = "internal_error"
)

// auditErrorCode maps an engine error to its stable audit code.
func auditErrorCode(err error) AuditErrorCode {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return auditErrInternal
	}

	switch authErr.Kind {
	case KindInvalidToken:
		return auditErrInvalidToken
	case KindTokenExpired:
		return auditErrTokenExpired
	case KindProviderUnavailable:
		return auditErrProviderUnavailable
	case KindTimeout:
		return auditErrTimeout
	case KindInvalidProvider:
		return auditErrInvalidProvider
	case KindProviderError:
		return auditErrProvider
	case KindAlreadyLinkedElsewhere:
		return auditErrAlreadyLinked
	case KindLinkingError:
		return auditErrLinking
	case KindAccountNotFound:
		return auditErrAccountNotFound
	case KindSecurityError:
		return auditErrSecurity
	case KindStorageError:
		return auditErrStorage
	default:
		return auditErrInternal
	}
}

// emitAudit queues one audit event. metadataBuilder runs only when auditing
// is enabled so callers pay nothing otherwise. Error text is reduced to a
// stable code; raw errors never reach the sink.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	provider string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e.audit == nil {
		return
	}

	event := internalaudit.Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		Provider:  provider,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
	}
	if err != nil {
		event.Error = string(auditErrorCode(err))
	}
	if metadataBuilder != nil {
		event.Metadata = metadataBuilder()
	}

	e.audit.Emit(ctx, event)
}
