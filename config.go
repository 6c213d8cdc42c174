package credlock

import (
	"errors"
	"math"
	"time"
)

// Config is the full engine configuration. Zero values are filled from
// defaultConfig by the Builder; callers typically start from the
// defaults and override the sections they care about.
type Config struct {
	MagicLink     MagicLinkConfig
	PasswordReset PasswordResetConfig
	JWT           JWTConfig
	Refresh       RefreshConfig
	DeviceTrust   DeviceTrustConfig
	Redis         RedisConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

/*
====================================
MAGIC LINK CONFIG
====================================
*/

type MagicLinkConfig struct {
	Enabled bool

	// TokenTTL bounds how long an issued link stays redeemable.
	TokenTTL time.Duration

	// MaxVerifyAttempts caps failed redemptions of one token before it
	// is burned.
	MaxVerifyAttempts int

	// RequestLimit / RequestWindow throttle issuance per email address.
	// Issuance is always fail-closed: when the counter store is down,
	// no links are issued.
	RequestLimit  int
	RequestWindow time.Duration

	// RetentionTTL keeps consumed and exhausted records readable for
	// audit after their logical lifetime ends. Physical deletion is
	// key expiry, nothing else.
	RetentionTTL time.Duration
}

/*
====================================
PASSWORD RESET CONFIG
====================================
*/

type PasswordResetConfig struct {
	Enabled bool

	TokenTTL time.Duration

	// MaxVerifyAttempts defaults to 1: a reset token tolerates no
	// failed guesses.
	MaxVerifyAttempts int

	RequestLimit  int
	RequestWindow time.Duration

	RetentionTTL time.Duration
}

/*
====================================
JWT CONFIG
====================================
*/

type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration

	// KeyID names the current signing key; VerifyKeys holds every key
	// still inside the rotation grace window, keyed by kid.
	KeyID      string
	VerifyKeys map[string][]byte
}

/*
====================================
REFRESH CONFIG
====================================
*/

type RefreshConfig struct {
	// RefreshTTL is the lifetime of a token family. Rotation does not
	// extend it.
	RefreshTTL time.Duration

	// ThrottleMaxAttempts / ThrottleWindow bound refresh presentations
	// per family. ThrottleFailOpen defaults to true: refresh is a
	// high-volume validation path and a limiter outage should not take
	// every session down with it.
	ThrottleMaxAttempts int
	ThrottleWindow      time.Duration
	ThrottleFailOpen    bool
}

/*
====================================
DEVICE TRUST CONFIG
====================================
*/

type DeviceTrustConfig struct {
	Enabled bool

	// InitialScore seeds a first sighting. SightingDelta is added on a
	// consistent sighting, MismatchDelta subtracted when a tracked
	// signal diverges. Scores clamp to [0,100]; the deltas are tuning
	// knobs, not contract.
	InitialScore  int
	SightingDelta int
	MismatchDelta int

	// TrustThreshold is the minimum score IsTrusted accepts.
	TrustThreshold int
}

/*
====================================
INFRA CONFIG
====================================
*/

type RedisConfig struct {
	// Prefix namespaces every key the engine writes.
	Prefix string
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		MagicLink: MagicLinkConfig{
			Enabled:           true,
			TokenTTL:          15 * time.Minute,
			MaxVerifyAttempts: 3,
			RequestLimit:      3,
			RequestWindow:     30 * time.Minute,
			RetentionTTL:      24 * time.Hour,
		},
		PasswordReset: PasswordResetConfig{
			Enabled:           true,
			TokenTTL:          60 * time.Minute,
			MaxVerifyAttempts: 1,
			RequestLimit:      3,
			RequestWindow:     30 * time.Minute,
			RetentionTTL:      24 * time.Hour,
		},
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "credlock",
		},
		Refresh: RefreshConfig{
			RefreshTTL:          30 * 24 * time.Hour,
			ThrottleMaxAttempts: 20,
			ThrottleWindow:      time.Minute,
			ThrottleFailOpen:    true,
		},
		DeviceTrust: DeviceTrustConfig{
			Enabled:        true,
			InitialScore:   50,
			SightingDelta:  5,
			MismatchDelta:  20,
			TrustThreshold: 70,
		},
		Redis: RedisConfig{
			Prefix: "cl",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.MagicLink.Enabled {
		if c.MagicLink.TokenTTL <= 0 {
			return errors.New("MagicLink TokenTTL must be positive")
		}
		if c.MagicLink.MaxVerifyAttempts <= 0 || c.MagicLink.MaxVerifyAttempts > math.MaxUint16 {
			return errors.New("MagicLink MaxVerifyAttempts must be within [1,65535]")
		}
		if c.MagicLink.RequestLimit <= 0 || c.MagicLink.RequestWindow <= 0 {
			return errors.New("MagicLink request throttle must be positive")
		}
		if c.MagicLink.RetentionTTL < c.MagicLink.TokenTTL {
			return errors.New("MagicLink RetentionTTL must cover TokenTTL")
		}
	}
	if c.PasswordReset.Enabled {
		if c.PasswordReset.TokenTTL <= 0 {
			return errors.New("PasswordReset TokenTTL must be positive")
		}
		if c.PasswordReset.MaxVerifyAttempts <= 0 || c.PasswordReset.MaxVerifyAttempts > math.MaxUint16 {
			return errors.New("PasswordReset MaxVerifyAttempts must be within [1,65535]")
		}
		if c.PasswordReset.RequestLimit <= 0 || c.PasswordReset.RequestWindow <= 0 {
			return errors.New("PasswordReset request throttle must be positive")
		}
		if c.PasswordReset.RetentionTTL < c.PasswordReset.TokenTTL {
			return errors.New("PasswordReset RetentionTTL must cover TokenTTL")
		}
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be positive")
	}
	switch c.JWT.SigningMethod {
	case "ed25519", "hs256":
	default:
		return errors.New("JWT SigningMethod must be ed25519 or hs256")
	}
	if c.Refresh.RefreshTTL <= 0 {
		return errors.New("Refresh RefreshTTL must be positive")
	}
	if c.Refresh.ThrottleMaxAttempts <= 0 || c.Refresh.ThrottleWindow <= 0 {
		return errors.New("Refresh throttle must be positive")
	}
	if c.DeviceTrust.Enabled {
		if c.DeviceTrust.InitialScore < 0 || c.DeviceTrust.InitialScore > 100 {
			return errors.New("DeviceTrust InitialScore must be within [0,100]")
		}
		if c.DeviceTrust.TrustThreshold < 0 || c.DeviceTrust.TrustThreshold > 100 {
			return errors.New("DeviceTrust TrustThreshold must be within [0,100]")
		}
		if c.DeviceTrust.SightingDelta < 0 || c.DeviceTrust.MismatchDelta < 0 {
			return errors.New("DeviceTrust deltas must be non-negative")
		}
	}
	if c.Redis.Prefix == "" {
		return errors.New("Redis Prefix must not be empty")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be positive")
	}
	return nil
}
