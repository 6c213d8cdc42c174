package credlock

import (
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	internalaudit "github.com/Shahabul87/credlock/internal/audit"
	internalmetrics "github.com/Shahabul87/credlock/internal/metrics"
	"github.com/Shahabul87/credlock/internal/rate"
	"github.com/Shahabul87/credlock/internal/stores"
	"github.com/Shahabul87/credlock/jwt"
)

// Builder assembles an [Engine]. A Builder is single-use.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	logger *slog.Logger

	directory UserDirectory
	hasher    PasswordHasher
	notifier  Notifier
	auditSink AuditSink

	built bool
}

// New returns a Builder preloaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// DefaultConfig exposes the defaults so callers can tweak a copy and
// pass it back through WithConfig.
func DefaultConfig() Config {
	return defaultConfig()
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithUserDirectory(directory UserDirectory) *Builder {
	b.directory = directory
	return b
}

func (b *Builder) WithPasswordHasher(hasher PasswordHasher) *Builder {
	b.hasher = hasher
	return b
}

func (b *Builder) WithNotifier(notifier Notifier) *Builder {
	b.notifier = notifier
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	if sink != nil {
		b.config.Audit.Enabled = true
	}
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and dependencies and returns a
// ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.directory == nil {
		return nil, errors.New("user directory required")
	}
	if cfg.PasswordReset.Enabled && b.hasher == nil {
		return nil, errors.New("password reset requires a password hasher")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	issuer, err := jwt.NewIssuer(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	prefix := cfg.Redis.Prefix

	engine := &Engine{
		config:    cfg,
		logger:    logger,
		directory: b.directory,
		hasher:    b.hasher,
		notifier:  b.notifier,
		tokens:    issuer,

		secretStore: stores.NewSecretStore(b.redis, prefix+":sec"),
		familyStore: stores.NewFamilyStore(b.redis, prefix+":fam"),
		deviceStore: stores.NewDeviceStore(b.redis, prefix+":dev"),
	}

	// Issuance throttles stay fail-closed: losing abuse protection on
	// credential recovery is the worse outcome of a limiter outage.
	engine.magicLinkLimiter = rate.New(b.redis, prefix+":rl:ml", rate.Config{
		MaxAttempts: cfg.MagicLink.RequestLimit,
		Window:      cfg.MagicLink.RequestWindow,
		FailOpen:    false,
	}, logger)
	engine.resetLimiter = rate.New(b.redis, prefix+":rl:pr", rate.Config{
		MaxAttempts: cfg.PasswordReset.RequestLimit,
		Window:      cfg.PasswordReset.RequestWindow,
		FailOpen:    false,
	}, logger)
	engine.refreshLimiter = rate.New(b.redis, prefix+":rl:rf", rate.Config{
		MaxAttempts: cfg.Refresh.ThrottleMaxAttempts,
		Window:      cfg.Refresh.ThrottleWindow,
		FailOpen:    cfg.Refresh.ThrottleFailOpen,
		OnFailOpen:  func() { engine.metricInc(MetricRateLimiterFailOpen) },
	}, logger)

	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		OnDrop:     func() { engine.metricInc(MetricAuditDropped) },
	}, b.auditSink)
	engine.metrics = internalmetrics.New(internalmetrics.Config{
		Enabled:                 cfg.Metrics.Enabled,
		EnableLatencyHistograms: cfg.Metrics.EnableLatencyHistograms,
	})

	b.built = true

	return engine, nil
}
