package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTokenInfoServer(t *testing.T, handler http.HandlerFunc) *Google {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewGoogle(GoogleConfig{
		ClientID:     "client-123",
		TokenInfoURL: server.URL,
		HTTPClient:   server.Client(),
	})
}

func TestGoogleAccessTokenVerify(t *testing.T) {
	google := newTokenInfoServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("access_token"); got != "opaque-token" {
			t.Errorf("unexpected access_token %q", got)
		}
		exp := time.Now().Add(time.Hour).Unix()
		fmt.Fprintf(w, `{"aud":"client-123","sub":"subject-9","email":"person@example.com","email_verified":"true","exp":"%d","scope":"openid email"}`, exp)
	})

	claims, err := google.Verify(context.Background(), "opaque-token")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if claims.Provider != "google" || claims.SubjectID != "subject-9" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Email != "person@example.com" || !claims.EmailVerified || !claims.EmailVerifiedKnown {
		t.Fatalf("unexpected email claims: %+v", claims)
	}
	if len(claims.Scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %v", claims.Scopes)
	}
}

func TestGoogleAccessTokenRejected(t *testing.T) {
	google := newTokenInfoServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_token"}`, http.StatusBadRequest)
	})

	if _, err := google.Verify(context.Background(), "bad-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestGoogleOutageIsUnavailable(t *testing.T) {
	google := newTokenInfoServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	if _, err := google.Verify(context.Background(), "any-token"); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestGoogleMissingClaimsRejected(t *testing.T) {
	google := newTokenInfoServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"aud":"client-123","sub":"subject-9"}`)
	})

	if _, err := google.Verify(context.Background(), "no-email-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestGoogleAudienceMismatchRejected(t *testing.T) {
	google := newTokenInfoServer(t, func(w http.ResponseWriter, r *http.Request) {
		exp := time.Now().Add(time.Hour).Unix()
		fmt.Fprintf(w, `{"aud":"someone-else","sub":"subject-9","email":"person@example.com","exp":"%d"}`, exp)
	})

	if _, err := google.Verify(context.Background(), "stolen-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestGoogleExpiredTokenRejected(t *testing.T) {
	google := newTokenInfoServer(t, func(w http.ResponseWriter, r *http.Request) {
		exp := time.Now().Add(-time.Hour).Unix()
		fmt.Fprintf(w, `{"aud":"client-123","sub":"subject-9","email":"person@example.com","exp":"%d"}`, exp)
	})

	if _, err := google.Verify(context.Background(), "stale-token"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestGoogleEmptyTokenRejected(t *testing.T) {
	google := NewGoogle(GoogleConfig{})
	if _, err := google.Verify(context.Background(), ""); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}
