package rate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindowScript increments the counter and arms the window TTL in a
// single round trip, so two concurrent first hits cannot race between
// INCR and EXPIRE. Returns {count, remaining ms}.
const incrWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`

var incrWindowLua = redis.NewScript(incrWindowScript)

// Config tunes one limiter instance. Each flow gets its own instance;
// the request/verify budgets of different flows never share a config.
type Config struct {
	MaxAttempts int
	Window      time.Duration

	// FailOpen allows the action when the counter store is down,
	// logging a warning. Credential-recovery issuance paths must keep
	// this false: silently losing abuse protection there is the
	// higher-risk failure.
	FailOpen bool

	// OnFailOpen is invoked each time an attempt is allowed despite a
	// store outage, so callers can count how often protection lapsed.
	OnFailOpen func()
}

// Limiter is a fixed-window attempt counter keyed by an arbitrary
// string (email, IP, token family).
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
	logger *slog.Logger
}

// New creates a [Limiter] with its own key namespace.
func New(redisClient redis.UniversalClient, prefix string, cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
		logger: logger,
	}
}

func (l *Limiter) key(key string) string {
	return l.prefix + ":" + key
}

// Allow records one attempt against key and reports whether it is
// within budget. When denied, retryAfter is the remaining window.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := incrWindowLua.Run(ctx, l.redis, []string{l.key(key)}, l.config.Window.Milliseconds()).Slice()
	if err != nil {
		if l.config.FailOpen {
			l.logger.Warn("rate limiter unavailable, failing open",
				"prefix", l.prefix, "error", err)
			if l.config.OnFailOpen != nil {
				l.config.OnFailOpen()
			}
			return true, 0, nil
		}
		return false, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("%w: unexpected script reply", ErrStoreUnavailable)
	}

	count, _ := res[0].(int64)
	pttl, _ := res[1].(int64)

	if count > int64(l.config.MaxAttempts) {
		retryAfter := time.Duration(pttl) * time.Millisecond
		if retryAfter < 0 {
			retryAfter = l.config.Window
		}
		return false, retryAfter, nil
	}

	return true, 0, nil
}

// Clear resets the counter for key. Called when a legitimate success
// should forgive prior attempts.
func (l *Limiter) Clear(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Attempts returns the attempt count in the current window. Missing
// keys read as zero and do not reveal whether the key was ever seen.
func (l *Limiter) Attempts(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// RemainingCooldown returns how long until the current window expires,
// or zero when no window is active.
func (l *Limiter) RemainingCooldown(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.redis.PTTL(ctx, l.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// MaxAttempts exposes the configured budget for stats reporting.
func (l *Limiter) MaxAttempts() int {
	return l.config.MaxAttempts
}
