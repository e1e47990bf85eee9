package linkauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linkauth/linkauth/password"
	"github.com/linkauth/linkauth/token"
	"github.com/linkauth/linkauth/verifier"
)

func testConfig() Config {
	cfg := defaultConfig()
	cfg.TokenSecurity.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.TokenSecurity.Salt = []byte("fixed-test-salt-16b")
	cfg.TokenSecurity.KDFMemoryKB = 8192
	cfg.TokenSecurity.KDFTime = 1
	cfg.TokenSecurity.KDFParallelism = 1
	cfg.Password.MemoryKB = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Providers.ValidationCacheTTL = 0
	cfg.Audit.PersistToRedis = true
	cfg.Sweep.Enabled = false
	return cfg
}

// mockDirectory is an in-memory UserDirectory.
type mockDirectory struct {
	mu     sync.Mutex
	vault  *token.Vault
	users  map[string]*UserRecord
	nextID int

	linkErr   error
	lookupErr error
}

func (d *mockDirectory) seed(user UserRecord) UserRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	if user.UserID == "" {
		d.nextID++
		user.UserID = fmt.Sprintf("user-%d", d.nextID)
	}
	stored := user
	d.users[user.UserID] = &stored
	return user
}

func (d *mockDirectory) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, ok := d.users[userID]; ok {
		return *u, nil
	}
	return UserRecord{}, ErrDirectoryNotFound
}

func (d *mockDirectory) GetUserByProviderSubject(_ context.Context, provider, subjectID string) (UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lookupErr != nil {
		return UserRecord{}, d.lookupErr
	}
	for _, u := range d.users {
		for _, link := range u.Providers {
			if link.Provider == provider && link.SubjectID == subjectID {
				return *u, nil
			}
		}
	}
	return UserRecord{}, ErrDirectoryNotFound
}

func (d *mockDirectory) GetUserByEmailFingerprint(_ context.Context, fingerprint string) (UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, u := range d.users {
		if u.Email != "" && d.vault.EmailFingerprint(u.Email) == fingerprint {
			return *u, nil
		}
	}
	return UserRecord{}, ErrDirectoryNotFound
}

func (d *mockDirectory) CreateUser(_ context.Context, input CreateUserInput) (UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	user := UserRecord{
		UserID:    fmt.Sprintf("user-%d", d.nextID),
		Email:     input.Email,
		Name:      input.Name,
		AvatarURL: input.AvatarURL,
		Providers: []ProviderLink{{
			Provider:  input.Provider,
			SubjectID: input.SubjectID,
			LinkedAt:  time.Now().UTC(),
		}},
	}
	d.users[user.UserID] = &user
	return user, nil
}

func (d *mockDirectory) LinkProvider(_ context.Context, userID, provider, subjectID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.linkErr != nil {
		return d.linkErr
	}
	for id, u := range d.users {
		for _, link := range u.Providers {
			if link.Provider == provider && link.SubjectID == subjectID && id != userID {
				return ErrProviderSubjectTaken
			}
		}
	}
	u, ok := d.users[userID]
	if !ok {
		return ErrDirectoryNotFound
	}
	u.Providers = append(u.Providers, ProviderLink{
		Provider:  provider,
		SubjectID: subjectID,
		LinkedAt:  time.Now().UTC(),
	})
	return nil
}

func (d *mockDirectory) UnlinkProvider(_ context.Context, userID, provider string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[userID]
	if !ok {
		return ErrDirectoryNotFound
	}
	kept := u.Providers[:0]
	for _, link := range u.Providers {
		if link.Provider != provider {
			kept = append(kept, link)
		}
	}
	u.Providers = kept
	return nil
}

// mockMailer records sent verification codes.
type mockMailer struct {
	mu       sync.Mutex
	sendErr  error
	sent     int
	lastTo   string
	lastCode string
}

func (m *mockMailer) SendVerificationCode(_ context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent++
	m.lastTo = email
	m.lastCode = code
	return nil
}

// stubVerifier is a controllable verifier registered under the "stub"
// provider name.
type stubVerifier struct {
	mu       sync.Mutex
	provider string
	claims   *verifier.Claims
	err      error
}

func (s *stubVerifier) Provider() string {
	return s.provider
}

func (s *stubVerifier) Verify(_ context.Context, rawToken string) (*verifier.Claims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	if s.claims == nil || rawToken == "" {
		return nil, verifier.ErrTokenInvalid
	}
	claims := *s.claims
	return &claims, nil
}

func (s *stubVerifier) set(claims *verifier.Claims, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = claims
	s.err = err
}

type engineFixture struct {
	mr        *miniredis.Miniredis
	rdb       *redis.Client
	directory *mockDirectory
	mailer    *mockMailer
	stub      *stubVerifier
	vault     *token.Vault
	hasher    *password.Hasher
	engine    *Engine
	cfg       Config
}

func newTestEngine(t *testing.T, mutate func(*Config)) *engineFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	vault, err := token.NewVault(token.Config{
		Secret:         cfg.TokenSecurity.Secret,
		Salt:           cfg.TokenSecurity.Salt,
		KDFMemoryKB:    cfg.TokenSecurity.KDFMemoryKB,
		KDFTime:        cfg.TokenSecurity.KDFTime,
		KDFParallelism: cfg.TokenSecurity.KDFParallelism,
	})
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.MemoryKB,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}

	directory := &mockDirectory{
		vault: vault,
		users: map[string]*UserRecord{},
	}
	mailer := &mockMailer{}
	stub := &stubVerifier{provider: "stub"}

	engine, err := New().
		WithRedis(rdb).
		WithUserDirectory(directory).
		WithMailSender(mailer).
		WithVerifier(stub).
		WithConfig(cfg).
		Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	t.Cleanup(engine.Close)

	return &engineFixture{
		mr:        mr,
		rdb:       rdb,
		directory: directory,
		mailer:    mailer,
		stub:      stub,
		vault:     vault,
		hasher:    hasher,
		engine:    engine,
		cfg:       cfg,
	}
}

func stubClaims() *verifier.Claims {
	return &verifier.Claims{
		Provider:           "stub",
		SubjectID:          "subject-1",
		Email:              "person@example.com",
		EmailVerified:      true,
		EmailVerifiedKnown: true,
		Name:               "Person",
		ExpiresAt:          time.Now().Add(time.Hour),
	}
}

func (f *engineFixture) hashPassword(t *testing.T, plaintext string) string {
	t.Helper()

	hash, err := f.hasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	return hash
}

func TestBuilderRequiresDependencies(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	cfg.Providers.GitHub.Enabled = true

	if _, err := New().WithConfig(cfg).WithUserDirectory(&mockDirectory{}).Build(); err == nil {
		t.Fatal("expected error without redis")
	}
	if _, err := New().WithConfig(cfg).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected error without user directory")
	}

	cfg.Providers.GitHub.Enabled = false
	if _, err := New().WithConfig(cfg).WithRedis(rdb).WithUserDirectory(&mockDirectory{}).Build(); err == nil {
		t.Fatal("expected error without any provider")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	f := newTestEngine(t, nil)

	builder := New().
		WithRedis(f.rdb).
		WithUserDirectory(f.directory).
		WithVerifier(&stubVerifier{provider: "other"}).
		WithConfig(f.cfg)

	if _, err := builder.Build(); err != nil {
		t.Fatalf("first Build error: %v", err)
	}
	if _, err := builder.Build(); err == nil || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("expected builder reuse error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short secret", func(c *Config) { c.TokenSecurity.Secret = []byte("short") }},
		{"short salt", func(c *Config) { c.TokenSecurity.Salt = []byte("short") }},
		{"bad code digits", func(c *Config) { c.Linking.CodeDigits = 2 }},
		{"code ttl above session ttl", func(c *Config) { c.Linking.CodeTTL = c.Linking.SessionTTL + time.Minute }},
		{"zero attempts", func(c *Config) { c.Linking.MaxAttempts = 0 }},
		{"zero store timeout", func(c *Config) { c.StoreTimeout = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestAuthErrorMatching(t *testing.T) {
	wrapped := ErrVerificationCodeInvalid.wrapErr(errors.New("cause"))

	if !errors.Is(wrapped, ErrVerificationCodeInvalid) {
		t.Fatal("expected match on kind and reason")
	}
	if !errors.Is(wrapped, ErrLinkingError) {
		t.Fatal("expected match on bare kind sentinel")
	}
	if errors.Is(wrapped, ErrVerificationCodeExpired) {
		t.Fatal("unexpected match across reasons")
	}
	if KindOf(wrapped) != KindLinkingError {
		t.Fatalf("unexpected kind: %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindInternalError {
		t.Fatalf("plain errors must map to internal_error")
	}

	resp := ResponseFor(wrapped)
	if resp.Error != KindLinkingError || resp.Reason != "code_invalid" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp := ResponseFor(errors.New("boom")); resp.Message == "boom" {
		t.Fatal("non-engine error text must not leak into responses")
	}
}
