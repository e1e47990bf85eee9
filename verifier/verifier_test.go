package verifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubVerifier struct {
	provider string
	claims   *Claims
	err      error
	calls    atomic.Int64
}

func (s *stubVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

func (s *stubVerifier) Provider() string {
	return s.provider
}

func TestRegistryRouting(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&stubVerifier{provider: "google"})
	registry.Register(&stubVerifier{provider: "github"})

	v, err := registry.Get("github")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if v.Provider() != "github" {
		t.Fatalf("expected github verifier, got %s", v.Provider())
	}

	if _, err := registry.Get("gitlab"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}

	if len(registry.Providers()) != 2 {
		t.Fatalf("expected 2 providers, got %v", registry.Providers())
	}
}

func TestCachedVerifierDeduplicates(t *testing.T) {
	stub := &stubVerifier{
		provider: "google",
		claims: &Claims{
			Provider:  "google",
			SubjectID: "subject-1",
			Email:     "person@example.com",
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}
	cached := NewCached(stub, time.Minute, func(raw string) string { return "key:" + raw })
	t.Cleanup(cached.Stop)

	for i := 0; i < 3; i++ {
		claims, err := cached.Verify(context.Background(), "same-token")
		if err != nil {
			t.Fatalf("Verify error: %v", err)
		}
		if claims.SubjectID != "subject-1" {
			t.Fatalf("unexpected claims: %+v", claims)
		}
	}

	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("expected 1 provider call, got %d", got)
	}
}

func TestCachedVerifierDoesNotCacheFailures(t *testing.T) {
	stub := &stubVerifier{provider: "google", err: ErrTokenInvalid}
	cached := NewCached(stub, time.Minute, func(raw string) string { return "key:" + raw })
	t.Cleanup(cached.Stop)

	for i := 0; i < 2; i++ {
		if _, err := cached.Verify(context.Background(), "bad-token"); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("expected ErrTokenInvalid, got %v", err)
		}
	}

	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("failures must not be cached, got %d calls", got)
	}
}

func TestCachedVerifierRespectsClaimExpiry(t *testing.T) {
	stub := &stubVerifier{
		provider: "google",
		claims: &Claims{
			Provider:  "google",
			SubjectID: "subject-1",
			ExpiresAt: time.Now().Add(-time.Second),
		},
	}
	cached := NewCached(stub, time.Minute, func(raw string) string { return "key:" + raw })
	t.Cleanup(cached.Stop)

	if _, err := cached.Verify(context.Background(), "short-lived"); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if _, err := cached.Verify(context.Background(), "short-lived"); err != nil {
		t.Fatalf("Verify error: %v", err)
	}

	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("expired claims must be re-verified, got %d calls", got)
	}
}
