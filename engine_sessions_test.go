package linkauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linkauth/linkauth/session"
)

func signIn(t *testing.T, f *engineFixture) *AuthOutcome {
	t.Helper()

	outcome, err := f.engine.BeginFederatedAuth(context.Background(), "stub", "access-token", "refresh-token")
	if err != nil {
		t.Fatalf("BeginFederatedAuth error: %v", err)
	}
	return outcome
}

func TestRefreshSessionRotatesDigests(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	ctx := context.Background()

	outcome := signIn(t, f)
	oldDigest := outcome.Session.AccessTokenDigest

	record, err := f.engine.RefreshSession(ctx, outcome.Session.SessionID, "new-access", "new-refresh", time.Hour)
	if err != nil {
		t.Fatalf("RefreshSession error: %v", err)
	}
	if record.AccessTokenDigest == oldDigest {
		t.Fatal("expected rotated access digest")
	}
	if record.RefreshCount != 1 {
		t.Fatalf("expected refresh count 1, got %d", record.RefreshCount)
	}

	if f.engine.MetricsSnapshot().Counters[MetricSessionRefreshed] != 1 {
		t.Fatal("expected refresh counter increment")
	}
}

func TestRefreshUnknownSession(t *testing.T) {
	f := newTestEngine(t, nil)

	if _, err := f.engine.RefreshSession(context.Background(), "missing", "a", "", time.Hour); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeSessionIsIdempotent(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	ctx := context.Background()

	outcome := signIn(t, f)

	revoked, err := f.engine.RevokeSession(ctx, outcome.Session.SessionID)
	if err != nil || !revoked {
		t.Fatalf("expected first revoke to win, got %v %v", revoked, err)
	}
	revoked, err = f.engine.RevokeSession(ctx, outcome.Session.SessionID)
	if err != nil || revoked {
		t.Fatalf("expected second revoke to be a no-op, got %v %v", revoked, err)
	}

	record, err := f.engine.GetSession(ctx, outcome.User.UserID, "stub")
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if record != nil {
		t.Fatalf("expected no active session, got %+v", record)
	}
}

func TestUnlinkProviderRemovesSessions(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	ctx := context.Background()

	user := f.directory.seed(UserRecord{
		Email: "person@example.com",
		Providers: []ProviderLink{
			{Provider: "stub", SubjectID: "subject-1"},
			{Provider: "other", SubjectID: "other-subject"},
		},
	})
	signIn(t, f)

	if err := f.engine.UnlinkProvider(ctx, user.UserID, "stub"); err != nil {
		t.Fatalf("UnlinkProvider error: %v", err)
	}

	updated, err := f.directory.GetUserByID(ctx, user.UserID)
	if err != nil {
		t.Fatalf("GetUserByID error: %v", err)
	}
	if updated.HasProvider("stub") {
		t.Fatalf("expected stub link removed, got %+v", updated.Providers)
	}

	sessions, err := f.engine.ListSessions(ctx, user.UserID)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions after unlink, got %d", len(sessions))
	}
}

func TestUnlinkLastMethodBlocked(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()

	user := f.directory.seed(UserRecord{
		Email: "person@example.com",
		Providers: []ProviderLink{
			{Provider: "stub", SubjectID: "subject-1"},
		},
	})

	if err := f.engine.UnlinkProvider(ctx, user.UserID, "stub"); !errors.Is(err, ErrLastAuthMethod) {
		t.Fatalf("expected ErrLastAuthMethod, got %v", err)
	}

	// A password on the account lifts the guard.
	f.directory.mu.Lock()
	f.directory.users[user.UserID].PasswordHash = "$argon2id$placeholder"
	f.directory.mu.Unlock()

	if err := f.engine.UnlinkProvider(ctx, user.UserID, "stub"); err != nil {
		t.Fatalf("UnlinkProvider error: %v", err)
	}
}

func TestUnlinkUnknownProvider(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()

	user := f.directory.seed(UserRecord{
		Email:        "person@example.com",
		PasswordHash: "$argon2id$placeholder",
	})

	if err := f.engine.UnlinkProvider(ctx, user.UserID, "stub"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSessionStats(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	ctx := context.Background()

	outcome := signIn(t, f)
	signIn(t, f)

	stats, err := f.engine.SessionStats(ctx, outcome.User.UserID)
	if err != nil {
		t.Fatalf("SessionStats error: %v", err)
	}
	if stats.Active != 2 || stats.Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Providers["stub"].Active != 2 {
		t.Fatalf("unexpected provider stats: %+v", stats.Providers)
	}
}

func TestSweepNowRetiresExpiredSessions(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()

	f.stub.set(stubClaims(), nil)
	outcome := signIn(t, f)

	// A nanosecond lifetime lands expiry in the current second, so the
	// session is already past its lifetime when the sweeper runs.
	_, _, err := f.engine.sessions.Create(ctx, session.CreateInput{
		UserID:      outcome.User.UserID,
		Provider:    "expired-provider",
		AccessToken: "stale-token",
		TTL:         time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	report, err := f.engine.SweepNow(ctx)
	if err != nil {
		t.Fatalf("SweepNow error: %v", err)
	}
	if report.SessionsExpired != 1 {
		t.Fatalf("expected 1 expired session, got %+v", report)
	}

	sessions, err := f.engine.ListSessions(ctx, outcome.User.UserID)
	if err != nil {
		t.Fatalf("ListSessions error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Provider != "stub" {
		t.Fatalf("expected only the live session, got %+v", sessions)
	}

	if f.engine.MetricsSnapshot().Counters[MetricSessionExpired] != 1 {
		t.Fatal("expected expired counter increment")
	}
}

func TestAuditTrailPersistsEvents(t *testing.T) {
	f := newTestEngine(t, nil)
	f.stub.set(stubClaims(), nil)
	ctx := context.Background()

	outcome := signIn(t, f)
	if _, err := f.engine.RevokeSession(ctx, outcome.Session.SessionID); err != nil {
		t.Fatalf("RevokeSession error: %v", err)
	}

	// Close drains the async dispatcher into the Redis log.
	f.engine.Close()

	events, err := f.engine.AuditTrail(ctx, outcome.User.UserID, 10)
	if err != nil {
		t.Fatalf("AuditTrail error: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected persisted audit events")
	}

	seen := map[string]bool{}
	for _, event := range events {
		seen[event.EventType] = true
		if event.Error != "" && len(event.Error) > 64 {
			t.Fatalf("audit error field should be a stable code, got %q", event.Error)
		}
	}
	if !seen[auditEventFederatedSignUp] || !seen[auditEventSessionRevoked] {
		t.Fatalf("expected signup and revoke events, got %v", seen)
	}
}
