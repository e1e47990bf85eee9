package linkauth

import (
	"errors"
	"fmt"
)

// ErrorKind defines a public type used by linkauth APIs.
//
// ErrorKind instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ErrorKind string

// The closed set of error kinds surfaced by the engine. Callers branch on
// kind (and optionally reason) rather than on message text.
const (
	// KindInvalidToken is an exported constant or variable used by the identity engine.
	KindInvalidToken ErrorKind = "invalid_token"
	// KindTokenExpired is an exported constant or variable used by the identity engine.
	KindTokenExpired ErrorKind = "token_expired"
	// KindProviderUnavailable is an exported constant or variable used by the identity engine.
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	// KindTimeout is an exported constant or variable used by the identity engine.
	KindTimeout ErrorKind = "timeout"
	// KindInvalidProvider is an exported constant or variable used by the identity engine.
	KindInvalidProvider ErrorKind = "invalid_provider"
	// KindProviderError is an exported constant or variable used by the identity engine.
	KindProviderError ErrorKind = "provider_error"
	// KindAlreadyLinkedElsewhere is an exported constant or variable used by the identity engine.
	KindAlreadyLinkedElsewhere ErrorKind = "already_linked_elsewhere"
	// KindLinkingError is an exported constant or variable used by the identity engine.
	KindLinkingError ErrorKind = "linking_error"
	// KindAccountNotFound is an exported constant or variable used by the identity engine.
	KindAccountNotFound ErrorKind = "account_not_found"
	// KindConfigError is an exported constant or variable used by the identity engine.
	KindConfigError ErrorKind = "config_error"
	// KindSecurityError is an exported constant or variable used by the identity engine.
	KindSecurityError ErrorKind = "security_error"
	// KindStorageError is an exported constant or variable used by the identity engine.
	KindStorageError ErrorKind = "storage_error"
	// KindInternalError is an exported constant or variable used by the identity engine.
	KindInternalError ErrorKind = "internal_error"
)

// AuthError is the structured error returned by every engine operation.
// Message and Details are safe to show to end users: they never carry
// tokens, digests, or verification codes.
//
// AuthError instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuthError struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Details map[string]string
	Err     error
}

// Error describes the error operation and its observable behavior.
func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap describes the unwrap operation and its observable behavior.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches another [AuthError] by kind; when the target also sets a
// reason, both must match. This makes errors.Is work against the exported
// sentinels without comparing message text.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Reason == "" || e.Reason == t.Reason
}

// wrapErr returns a copy of the sentinel carrying cause for errors.Is /
// errors.Unwrap chains. The sentinel itself is never mutated.
func (e *AuthError) wrapErr(cause error) *AuthError {
	clone := *e
	clone.Err = cause
	return &clone
}

// withDetails returns a copy of the sentinel with user-safe detail fields.
func (e *AuthError) withDetails(details map[string]string) *AuthError {
	clone := *e
	clone.Details = details
	return &clone
}

var (
	// ErrInvalidToken is an exported constant or variable used by the identity engine.
	ErrInvalidToken = &AuthError{Kind: KindInvalidToken, Message: "provider token is invalid"}
	// ErrTokenExpired is an exported constant or variable used by the identity engine.
	ErrTokenExpired = &AuthError{Kind: KindTokenExpired, Message: "provider token has expired"}
	// ErrProviderUnavailable is an exported constant or variable used by the identity engine.
	ErrProviderUnavailable = &AuthError{Kind: KindProviderUnavailable, Message: "identity provider is temporarily unavailable"}
	// ErrProviderTimeout is an exported constant or variable used by the identity engine.
	ErrProviderTimeout = &AuthError{Kind: KindTimeout, Message: "identity provider did not respond in time"}
	// ErrStoreTimeout is an exported constant or variable used by the identity engine.
	ErrStoreTimeout = &AuthError{Kind: KindTimeout, Reason: "store_timeout", Message: "storage did not respond in time"}
	// ErrInvalidProvider is an exported constant or variable used by the identity engine.
	ErrInvalidProvider = &AuthError{Kind: KindInvalidProvider, Message: "unsupported identity provider"}
	// ErrProviderError is an exported constant or variable used by the identity engine.
	ErrProviderError = &AuthError{Kind: KindProviderError, Message: "identity provider returned an unexpected response"}
	// ErrAlreadyLinkedElsewhere is an exported constant or variable used by the identity engine.
	ErrAlreadyLinkedElsewhere = &AuthError{Kind: KindAlreadyLinkedElsewhere, Message: "this provider identity is already linked to another account"}
	// ErrLinkingError is an exported constant or variable used by the identity engine.
	ErrLinkingError = &AuthError{Kind: KindLinkingError, Message: "account linking failed"}
	// ErrLinkingSessionNotFound is an exported constant or variable used by the identity engine.
	ErrLinkingSessionNotFound = &AuthError{Kind: KindLinkingError, Reason: "session_not_found", Message: "linking session not found"}
	// ErrLinkingSessionExpired is an exported constant or variable used by the identity engine.
	ErrLinkingSessionExpired = &AuthError{Kind: KindLinkingError, Reason: "session_expired", Message: "linking session has expired, start again"}
	// ErrVerificationCodeInvalid is an exported constant or variable used by the identity engine.
	ErrVerificationCodeInvalid = &AuthError{Kind: KindLinkingError, Reason: "code_invalid", Message: "verification code is incorrect"}
	// ErrVerificationCodeExpired is an exported constant or variable used by the identity engine.
	ErrVerificationCodeExpired = &AuthError{Kind: KindLinkingError, Reason: "code_expired", Message: "verification code has expired, request a new one"}
	// ErrVerificationAttempts is an exported constant or variable used by the identity engine.
	ErrVerificationAttempts = &AuthError{Kind: KindLinkingError, Reason: "attempts_exceeded", Message: "too many failed attempts, start linking again"}
	// ErrVerificationIncomplete is an exported constant or variable used by the identity engine.
	ErrVerificationIncomplete = &AuthError{Kind: KindLinkingError, Reason: "steps_incomplete", Message: "required verification steps are not complete"}
	// ErrInvalidPassword is an exported constant or variable used by the identity engine.
	ErrInvalidPassword = &AuthError{Kind: KindLinkingError, Reason: "invalid_password", Message: "password is incorrect"}
	// ErrEmailMismatch is an exported constant or variable used by the identity engine.
	ErrEmailMismatch = &AuthError{Kind: KindLinkingError, Reason: "email_mismatch", Message: "provider email does not match the account email"}
	// ErrEmailMissing is an exported constant or variable used by the identity engine.
	ErrEmailMissing = &AuthError{Kind: KindProviderError, Reason: "email_missing", Message: "provider did not share an email address"}
	// ErrEmailUnverified is an exported constant or variable used by the identity engine.
	ErrEmailUnverified = &AuthError{Kind: KindLinkingError, Reason: "email_unverified", Message: "provider email is not verified"}
	// ErrProviderAlreadyLinked is an exported constant or variable used by the identity engine.
	ErrProviderAlreadyLinked = &AuthError{Kind: KindLinkingError, Reason: "already_linked", Message: "this provider is already linked to the account"}
	// ErrAccountNotFound is an exported constant or variable used by the identity engine.
	ErrAccountNotFound = &AuthError{Kind: KindAccountNotFound, Message: "account not found"}
	// ErrSessionNotFound is an exported constant or variable used by the identity engine.
	ErrSessionNotFound = &AuthError{Kind: KindStorageError, Reason: "session_not_found", Message: "session not found"}
	// ErrSessionInactive is an exported constant or variable used by the identity engine.
	ErrSessionInactive = &AuthError{Kind: KindStorageError, Reason: "session_inactive", Message: "session is no longer active"}
	// ErrLastAuthMethod is an exported constant or variable used by the identity engine.
	ErrLastAuthMethod = &AuthError{Kind: KindSecurityError, Reason: "last_auth_method", Message: "cannot remove the only way to sign in"}
	// ErrRateLimited is an exported constant or variable used by the identity engine.
	ErrRateLimited = &AuthError{Kind: KindLinkingError, Reason: "rate_limited", Message: "too many requests, try again later"}
	// ErrCryptoFailure is an exported constant or variable used by the identity engine.
	ErrCryptoFailure = &AuthError{Kind: KindSecurityError, Reason: "crypto_failure", Message: "token protection check failed"}
	// ErrConfig is an exported constant or variable used by the identity engine.
	ErrConfig = &AuthError{Kind: KindConfigError, Message: "engine configuration is invalid"}
	// ErrStorage is an exported constant or variable used by the identity engine.
	ErrStorage = &AuthError{Kind: KindStorageError, Message: "storage backend unavailable"}
	// ErrMailDelivery is an exported constant or variable used by the identity engine.
	ErrMailDelivery = &AuthError{Kind: KindInternalError, Reason: "mail_delivery", Message: "could not send the verification email"}
	// ErrInternal is an exported constant or variable used by the identity engine.
	ErrInternal = &AuthError{Kind: KindInternalError, Message: "internal error"}
	// ErrEngineNotReady is an exported constant or variable used by the identity engine.
	ErrEngineNotReady = &AuthError{Kind: KindInternalError, Reason: "not_ready", Message: "engine not initialized"}
)

// ErrorResponse is the externally visible form of an engine error, safe to
// serialize straight into an API response.
type ErrorResponse struct {
	Error   ErrorKind         `json:"error"`
	Reason  string            `json:"reason,omitempty"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Response reduces the error to its user-safe fields. The wrapped cause is
// deliberately omitted.
func (e *AuthError) Response() ErrorResponse {
	return ErrorResponse{
		Error:   e.Kind,
		Reason:  e.Reason,
		Message: e.Message,
		Details: e.Details,
	}
}

// ResponseFor maps any error returned by the engine to an [ErrorResponse].
// Non-engine errors collapse to a generic internal_error; their text never
// leaks outward.
func ResponseFor(err error) ErrorResponse {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Response()
	}
	return ErrorResponse{
		Error:   KindInternalError,
		Message: "internal error",
	}
}

// KindOf extracts the [ErrorKind] from any error produced by the engine.
// Non-engine errors report [KindInternalError].
func KindOf(err error) ErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindInternalError
}
