package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTokenInvalid is returned when the provider rejected the token.
	ErrTokenInvalid = errors.New("provider token invalid")
	// ErrTokenExpired is returned when the token itself carries an expiry in the past.
	ErrTokenExpired = errors.New("provider token expired")
	// ErrProviderUnavailable is returned for provider outages, transport
	// failures, and rate limiting.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrUnknownProvider is returned by [Registry.Get] for unregistered names.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Claims is the normalized identity extracted from a verified provider token.
type Claims struct {
	Provider  string
	SubjectID string
	Email     string
	// EmailVerified is meaningful only when EmailVerifiedKnown is true;
	// some providers do not report verification status on every path.
	EmailVerified      bool
	EmailVerifiedKnown bool
	Name               string
	AvatarURL          string
	Scopes             []string
	// ExpiresAt is zero when the provider does not report token expiry.
	ExpiresAt time.Time
}

// Verifier validates a raw provider token and returns normalized claims.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
	Provider() string
}

// Registry routes verification requests by provider name.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

func NewRegistry() *Registry {
	return &Registry{
		verifiers: make(map[string]Verifier),
	}
}

// Register adds or replaces the verifier for its provider name.
func (r *Registry) Register(v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[v.Provider()] = v
}

// Get returns the verifier for provider, or [ErrUnknownProvider].
func (r *Registry) Get(provider string) (Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.verifiers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return v, nil
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.verifiers))
	for name := range r.verifiers {
		names = append(names, name)
	}
	return names
}
