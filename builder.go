package linkauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	internalaudit "github.com/linkauth/linkauth/internal/audit"
	"github.com/linkauth/linkauth/internal/rate"
	"github.com/linkauth/linkauth/internal/stores"
	"github.com/linkauth/linkauth/password"
	"github.com/linkauth/linkauth/session"
	"github.com/linkauth/linkauth/token"
	"github.com/linkauth/linkauth/verifier"
)

// Builder assembles an [Engine]. Chain the With* methods and finish with
// Build; a builder is single-use.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	cfg       Config
	cfgSet    bool
	redis     redis.UniversalClient
	directory UserDirectory
	mailer    MailSender
	sink      AuditSink
	extra     []verifier.Verifier
	built     bool
}

// New starts an engine builder.
func New() *Builder {
	return &Builder{}
}

// WithConfig describes the withconfig operation and its observable behavior.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	b.cfgSet = true
	return b
}

// WithRedis describes the withredis operation and its observable behavior.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserDirectory describes the withuserdirectory operation and its observable behavior.
func (b *Builder) WithUserDirectory(directory UserDirectory) *Builder {
	b.directory = directory
	return b
}

// WithMailSender describes the withmailsender operation and its observable behavior.
func (b *Builder) WithMailSender(mailer MailSender) *Builder {
	b.mailer = mailer
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithVerifier registers an additional token verifier alongside the
// built-in providers. It is wrapped by the validation cache like the
// built-ins.
func (b *Builder) WithVerifier(v verifier.Verifier) *Builder {
	b.extra = append(b.extra, v)
	return b
}

// fanoutSink forwards each event to every wrapped sink.
type fanoutSink struct {
	sinks []AuditSink
}

func (f fanoutSink) Emit(ctx context.Context, event AuditEvent) {
	for _, s := range f.sinks {
		s.Emit(ctx, event)
	}
}

// Build validates the configuration, wires the stores and verifiers, and
// starts the background sweeper when enabled.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	// -------- CONFIG --------

	cfg := defaultConfig()
	if b.cfgSet {
		cfg = cloneConfig(b.cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.Providers.Google.Enabled && !cfg.Providers.GitHub.Enabled && len(b.extra) == 0 {
		return nil, errors.New("at least one identity provider must be enabled")
	}

	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.directory == nil {
		return nil, errors.New("user directory is required")
	}

	// -------- TOKEN SECURITY --------

	vault, err := token.NewVault(token.Config{
		Secret:         cfg.TokenSecurity.Secret,
		Salt:           cfg.TokenSecurity.Salt,
		KDFMemoryKB:    cfg.TokenSecurity.KDFMemoryKB,
		KDFTime:        cfg.TokenSecurity.KDFTime,
		KDFParallelism: cfg.TokenSecurity.KDFParallelism,
	})
	if err != nil {
		return nil, fmt.Errorf("token vault: %w", err)
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.MemoryKB,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}

	// -------- VERIFIERS --------

	registry := verifier.NewRegistry()

	providers := make([]verifier.Verifier, 0, 2+len(b.extra))
	if cfg.Providers.Google.Enabled {
		providers = append(providers, verifier.NewGoogle(verifier.GoogleConfig{
			ClientID: cfg.Providers.Google.ClientID,
			Timeout:  cfg.Providers.RequestTimeout,
		}))
	}
	if cfg.Providers.GitHub.Enabled {
		providers = append(providers, verifier.NewGitHub(verifier.GitHubConfig{
			APIBaseURL: cfg.Providers.GitHub.APIBaseURL,
			Timeout:    cfg.Providers.RequestTimeout,
		}))
	}
	providers = append(providers, b.extra...)

	var cached []*verifier.Cached
	for _, v := range providers {
		if cfg.Providers.ValidationCacheTTL <= 0 {
			registry.Register(v)
			continue
		}
		// Cache keys are keyed digests, never raw tokens.
		c := verifier.NewCached(v, cfg.Providers.ValidationCacheTTL, func(raw string) string {
			return vault.Digest(raw, "token_validation")
		})
		cached = append(cached, c)
		registry.Register(c)
	}

	// -------- STORES --------

	sessions := session.NewStore(b.redis, cfg.Session.RedisPrefix, vault, cfg.Session.MaxPerUserProvider)
	linking := stores.NewLinkingStore(b.redis, cfg.Linking.RedisPrefix)
	limiter := rate.New(b.redis, "rl")

	// -------- AUDIT --------

	var dispatcher *internalaudit.Dispatcher
	var auditLog *internalaudit.RedisLog
	if cfg.Audit.Enabled {
		if cfg.Audit.PersistToRedis {
			auditLog = internalaudit.NewRedisLog(b.redis, cfg.Audit.RedisPrefix)
		}

		sink := b.sink
		switch {
		case sink == nil && auditLog == nil:
			sink = NoOpSink{}
		case sink == nil:
			sink = auditLog
		case auditLog != nil:
			sink = fanoutSink{sinks: []AuditSink{sink, auditLog}}
		}

		dispatcher = internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    true,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, sink)
	}

	// -------- ENGINE --------

	engine := &Engine{
		cfg:       cfg,
		redis:     b.redis,
		directory: b.directory,
		mailer:    b.mailer,
		verifiers: registry,
		cached:    cached,
		vault:     vault,
		hasher:    hasher,
		sessions:  sessions,
		linking:   linking,
		limiter:   limiter,
		metrics:   NewMetrics(cfg.Metrics),
		audit:     dispatcher,
		auditLog:  auditLog,
	}

	if cfg.Sweep.Enabled {
		engine.sweeper = newSweeper(engine, cfg.Sweep.Interval)
		engine.sweeper.start()
	}

	return engine, nil
}
