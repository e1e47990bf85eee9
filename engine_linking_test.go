package linkauth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// seedLinkable creates an account whose email matches the stub claims but
// with no stub provider link, so linking is required.
func seedLinkable(t *testing.T, f *engineFixture, withPassword bool) UserRecord {
	t.Helper()

	user := UserRecord{
		Email: "person@example.com",
		Providers: []ProviderLink{
			{Provider: "other", SubjectID: "other-subject"},
		},
	}
	if withPassword {
		user.PasswordHash = f.hashPassword(t, "correct horse")
	}
	return f.directory.seed(user)
}

func wrongCode(code string) string {
	replacement := "1"
	if strings.HasSuffix(code, "1") {
		replacement = "2"
	}
	return code[:len(code)-1] + replacement
}

func TestLinkingFullFlow(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	user := seedLinkable(t, f, true)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}
	if !ticket.EmailRequired || !ticket.PasswordRequired {
		t.Fatalf("unexpected requirements: %+v", ticket)
	}

	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err != nil {
		t.Fatalf("SendEmailVerification error: %v", err)
	}
	if f.mailer.lastTo != "person@example.com" || len(f.mailer.lastCode) != f.cfg.Linking.CodeDigits {
		t.Fatalf("unexpected mail: to=%q code=%q", f.mailer.lastTo, f.mailer.lastCode)
	}

	ticket, err = f.engine.VerifyEmailCode(ctx, ticket.SessionID, f.mailer.lastCode)
	if err != nil {
		t.Fatalf("VerifyEmailCode error: %v", err)
	}
	if !ticket.EmailVerified {
		t.Fatalf("expected email verified, got %+v", ticket)
	}

	ticket, err = f.engine.VerifyPassword(ctx, ticket.SessionID, "correct horse")
	if err != nil {
		t.Fatalf("VerifyPassword error: %v", err)
	}
	if !ticket.PasswordVerified {
		t.Fatalf("expected password verified, got %+v", ticket)
	}

	result, err := f.engine.CompleteLinking(ctx, ticket.SessionID)
	if err != nil {
		t.Fatalf("CompleteLinking error: %v", err)
	}
	if !result.User.HasProvider("stub") {
		t.Fatalf("expected stub link on user, got %+v", result.User.Providers)
	}
	if result.Session == nil || result.Session.UserID != user.UserID {
		t.Fatalf("unexpected session: %+v", result.Session)
	}

	// The linking session is spent.
	if _, err := f.engine.LinkingStatus(ctx, ticket.SessionID); !errors.Is(err, ErrLinkingSessionNotFound) {
		t.Fatalf("expected spent session, got %v", err)
	}

	// Subsequent federated auth signs straight in.
	outcome, err := f.engine.BeginFederatedAuth(ctx, "stub", "access-token", "")
	if err != nil {
		t.Fatalf("BeginFederatedAuth error: %v", err)
	}
	if outcome.Status != AuthStatusSignedIn {
		t.Fatalf("expected signed_in after linking, got %s", outcome.Status)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricLinkingCompleted] != 1 {
		t.Fatalf("expected 1 completed linking, got %d", snap.Counters[MetricLinkingCompleted])
	}
}

func TestLinkingWithoutPasswordSkipsPasswordStep(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, false)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}
	if ticket.PasswordRequired {
		t.Fatal("password must not be required without a hash")
	}

	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err != nil {
		t.Fatalf("SendEmailVerification error: %v", err)
	}
	if _, err := f.engine.VerifyEmailCode(ctx, ticket.SessionID, f.mailer.lastCode); err != nil {
		t.Fatalf("VerifyEmailCode error: %v", err)
	}

	if _, err := f.engine.CompleteLinking(ctx, ticket.SessionID); err != nil {
		t.Fatalf("CompleteLinking error: %v", err)
	}
}

func TestLinkingWrongCodeBurnsSessionAtLimit(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, false)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}
	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err != nil {
		t.Fatalf("SendEmailVerification error: %v", err)
	}

	bad := wrongCode(f.mailer.lastCode)
	for i := 0; i < f.cfg.Linking.MaxAttempts-1; i++ {
		if _, err := f.engine.VerifyEmailCode(ctx, ticket.SessionID, bad); !errors.Is(err, ErrVerificationCodeInvalid) {
			t.Fatalf("attempt %d: expected ErrVerificationCodeInvalid, got %v", i, err)
		}
	}
	if _, err := f.engine.VerifyEmailCode(ctx, ticket.SessionID, bad); !errors.Is(err, ErrVerificationAttempts) {
		t.Fatalf("expected ErrVerificationAttempts, got %v", err)
	}

	// The whole linking session is burned, not just the code.
	if _, err := f.engine.LinkingStatus(ctx, ticket.SessionID); !errors.Is(err, ErrLinkingSessionNotFound) {
		t.Fatalf("expected burned session, got %v", err)
	}

	// Further attempts on the burned session keep reporting the limit.
	if _, err := f.engine.VerifyEmailCode(ctx, ticket.SessionID, bad); !errors.Is(err, ErrVerificationAttempts) {
		t.Fatalf("expected ErrVerificationAttempts after burn, got %v", err)
	}
	if _, err := f.engine.VerifyPassword(ctx, ticket.SessionID, "anything"); !errors.Is(err, ErrVerificationAttempts) {
		t.Fatalf("expected ErrVerificationAttempts for password after burn, got %v", err)
	}

	if f.engine.MetricsSnapshot().Counters[MetricLinkingAttemptsExceeded] < 1 {
		t.Fatal("expected attempts-exceeded counter increment")
	}
}

func TestLinkingWrongPasswordReportsRemaining(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, true)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}

	_, err = f.engine.VerifyPassword(ctx, ticket.SessionID, "not it")
	if !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Details["attempts_remaining"] != "2" {
		t.Fatalf("expected 2 attempts remaining, got %+v", authErr)
	}

	// The right password still works before the budget runs out.
	verified, err := f.engine.VerifyPassword(ctx, ticket.SessionID, "correct horse")
	if err != nil {
		t.Fatalf("VerifyPassword error: %v", err)
	}
	if !verified.PasswordVerified {
		t.Fatalf("expected password verified, got %+v", verified)
	}
}

func TestLinkingCompleteRequiresVerification(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, true)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}

	if _, err := f.engine.CompleteLinking(ctx, ticket.SessionID); !errors.Is(err, ErrVerificationIncomplete) {
		t.Fatalf("expected ErrVerificationIncomplete, got %v", err)
	}

	// Email alone is not enough while a password exists.
	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err != nil {
		t.Fatalf("SendEmailVerification error: %v", err)
	}
	if _, err := f.engine.VerifyEmailCode(ctx, ticket.SessionID, f.mailer.lastCode); err != nil {
		t.Fatalf("VerifyEmailCode error: %v", err)
	}
	if _, err := f.engine.CompleteLinking(ctx, ticket.SessionID); !errors.Is(err, ErrVerificationIncomplete) {
		t.Fatalf("expected ErrVerificationIncomplete, got %v", err)
	}
}

func TestLinkingResendRateLimited(t *testing.T) {
	f := newTestEngine(t, func(c *Config) {
		c.Linking.ResendLimit = 2
	})
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, false)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err != nil {
			t.Fatalf("send %d error: %v", i, err)
		}
	}
	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLinkingResendReplacesCode(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, false)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}

	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err != nil {
		t.Fatalf("first send error: %v", err)
	}
	firstCode := f.mailer.lastCode

	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err != nil {
		t.Fatalf("second send error: %v", err)
	}
	secondCode := f.mailer.lastCode

	if firstCode != secondCode {
		if _, err := f.engine.VerifyEmailCode(ctx, ticket.SessionID, firstCode); !errors.Is(err, ErrVerificationCodeInvalid) {
			t.Fatalf("expected stale code rejection, got %v", err)
		}
	}
	if _, err := f.engine.VerifyEmailCode(ctx, ticket.SessionID, secondCode); err != nil {
		t.Fatalf("current code rejected: %v", err)
	}
}

func TestInitiateLinkingRejections(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()

	// No matching account.
	f.stub.set(stubClaims(), nil)
	if _, err := f.engine.InitiateLinking(ctx, "stub", "token"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	// Provider already on the account.
	f.directory.seed(UserRecord{
		Email: "person@example.com",
		Providers: []ProviderLink{
			{Provider: "stub", SubjectID: "subject-1"},
		},
	})
	if _, err := f.engine.InitiateLinking(ctx, "stub", "token"); !errors.Is(err, ErrProviderAlreadyLinked) {
		t.Fatalf("expected ErrProviderAlreadyLinked, got %v", err)
	}

	// Unverified provider email.
	claims := stubClaims()
	claims.Email = "someone@example.com"
	claims.EmailVerified = false
	f.stub.set(claims, nil)
	f.directory.seed(UserRecord{Email: "someone@example.com"})
	if _, err := f.engine.InitiateLinking(ctx, "stub", "token"); !errors.Is(err, ErrEmailUnverified) {
		t.Fatalf("expected ErrEmailUnverified, got %v", err)
	}
}

func TestInitiateLinkingSubjectOwnedElsewhere(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	ctx := context.Background()

	// The email matches one account, but the subject is linked to another.
	f.directory.seed(UserRecord{Email: "person@example.com"})
	f.directory.seed(UserRecord{
		Email: "else@example.com",
		Providers: []ProviderLink{
			{Provider: "stub", SubjectID: "subject-1"},
		},
	})

	if _, err := f.engine.InitiateLinking(ctx, "stub", "token"); !errors.Is(err, ErrAlreadyLinkedElsewhere) {
		t.Fatalf("expected ErrAlreadyLinkedElsewhere, got %v", err)
	}
}

func TestCompleteLinkingSubjectTakenDuringFlow(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, false)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}
	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err != nil {
		t.Fatalf("SendEmailVerification error: %v", err)
	}
	if _, err := f.engine.VerifyEmailCode(ctx, ticket.SessionID, f.mailer.lastCode); err != nil {
		t.Fatalf("VerifyEmailCode error: %v", err)
	}

	f.directory.linkErr = ErrProviderSubjectTaken

	if _, err := f.engine.CompleteLinking(ctx, ticket.SessionID); !errors.Is(err, ErrAlreadyLinkedElsewhere) {
		t.Fatalf("expected ErrAlreadyLinkedElsewhere, got %v", err)
	}
}

func TestCompleteLinkingTamperedTokenIsSecurityError(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, false)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}
	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err != nil {
		t.Fatalf("SendEmailVerification error: %v", err)
	}
	if _, err := f.engine.VerifyEmailCode(ctx, ticket.SessionID, f.mailer.lastCode); err != nil {
		t.Fatalf("VerifyEmailCode error: %v", err)
	}

	// Corrupt the stored provider-token ciphertext behind the engine's back.
	record, err := f.engine.linking.GetPending(ctx, ticket.SessionID)
	if err != nil {
		t.Fatalf("GetPending error: %v", err)
	}
	record.EncryptedToken = "AAAA"
	if err := f.engine.linking.Save(ctx, record); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	_, err = f.engine.CompleteLinking(ctx, ticket.SessionID)
	if !errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("expected ErrCryptoFailure, got %v", err)
	}
	if KindOf(err) != KindSecurityError {
		t.Fatalf("expected security_error kind, got %s", KindOf(err))
	}
}

func TestCancelLinkingIsIdempotent(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, false)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}

	cancelled, err := f.engine.CancelLinking(ctx, ticket.SessionID)
	if err != nil || !cancelled {
		t.Fatalf("expected first cancel to win, got %v %v", cancelled, err)
	}
	cancelled, err = f.engine.CancelLinking(ctx, ticket.SessionID)
	if err != nil || cancelled {
		t.Fatalf("expected second cancel to be a no-op, got %v %v", cancelled, err)
	}

	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); err == nil {
		t.Fatal("expected error on cancelled session")
	}
}

func TestSendEmailVerificationMailFailure(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	seedLinkable(t, f, false)
	ctx := context.Background()

	ticket, err := f.engine.InitiateLinking(ctx, "stub", "access-token")
	if err != nil {
		t.Fatalf("InitiateLinking error: %v", err)
	}

	f.mailer.sendErr = errors.New("smtp down")
	if err := f.engine.SendEmailVerification(ctx, ticket.SessionID); !errors.Is(err, ErrMailDelivery) {
		t.Fatalf("expected ErrMailDelivery, got %v", err)
	}
}
