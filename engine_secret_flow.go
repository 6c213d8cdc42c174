package credlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shahabul87/credlock/internal/rate"
	"github.com/Shahabul87/credlock/internal/secret"
	"github.com/Shahabul87/credlock/internal/stores"
)

// secretFlowPolicy parameterizes the generic single-use secret
// machinery. Magic links and password resets are the same state machine
// with different budgets, TTLs, and event names.
type secretFlowPolicy struct {
	kind        stores.SecretKind
	notifyKind  NotifyKind
	tokenTTL    time.Duration
	maxAttempts int
	retention   time.Duration
	limiter     *rate.Limiter

	requestEvent  string
	limitedEvent  string
	requestMetric MetricID
	limitedMetric MetricID
}

// issueSecret runs the issuance half of a flow: throttle, resolve,
// persist, notify. Unknown addresses still get a token generated and
// returned so the caller's response shape never leaks whether an
// account exists; nothing is persisted or delivered for them.
func (e *Engine) issueSecret(ctx context.Context, email string, policy secretFlowPolicy) (string, error) {
	email = normalizeEmail(email)
	if email == "" {
		return "", fmt.Errorf("%w: empty email", ErrInvalidInput)
	}

	allowed, retryAfter, err := policy.limiter.Allow(ctx, email)
	if err != nil {
		e.metricInc(MetricStoreUnavailable)
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !allowed {
		e.metricInc(policy.limitedMetric)
		limitErr := &RateLimitError{RetryAfter: retryAfter}
		e.emitAudit(ctx, policy.limitedEvent, false, "", email, limitErr, nil)
		return "", limitErr
	}

	plaintext, digest, err := secret.Generate()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}

	identity, err := e.directory.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Indistinguishable from the real thing to the requester.
			e.emitAudit(ctx, policy.requestEvent, false, "", email, ErrUserNotFound, func() map[string]string {
				return map[string]string{"token_prefix": secret.DigestPrefix(digest)}
			})
			return plaintext, nil
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := time.Now()
	record := &stores.SecretRecord{
		Kind:        policy.kind,
		UserID:      identity.UserID,
		Email:       email,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(policy.tokenTTL).Unix(),
		MaxAttempts: uint16(policy.maxAttempts),
		RequestIP:   clientIPFromContext(ctx),
		RequestUA:   userAgentFromContext(ctx),
	}

	// Storage outlives the logical TTL so expired records stay
	// inspectable until retention ends.
	if err := e.secretStore.Save(ctx, digest, record, policy.tokenTTL+policy.retention); err != nil {
		e.metricInc(MetricStoreUnavailable)
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, email, policy.notifyKind, plaintext, map[string]string{
			"expires_at": time.Unix(record.ExpiresAt, 0).UTC().Format(time.RFC3339),
		}); err != nil {
			e.logger.Warn("notifier delivery failed",
				"kind", string(policy.notifyKind),
				"token_prefix", secret.DigestPrefix(digest),
				"error", err)
		}
	}

	e.metricInc(policy.requestMetric)
	e.emitAudit(ctx, policy.requestEvent, true, identity.UserID, email, nil, func() map[string]string {
		return map[string]string{"token_prefix": secret.DigestPrefix(digest)}
	})

	return plaintext, nil
}

// consumeSecret runs the redemption half: digest lookup plus the
// store's exactly-once consumption, with store errors mapped onto the
// public taxonomy. A malformed or unknown token and an expired one are
// deliberately reported the same way.
func (e *Engine) consumeSecret(ctx context.Context, plaintext string, policy secretFlowPolicy) (*stores.SecretRecord, string, error) {
	digest, err := secret.Digest(plaintext)
	if err != nil {
		return nil, "", ErrInvalidToken
	}
	prefix := secret.DigestPrefix(digest)

	record, err := e.secretStore.Consume(
		ctx,
		digest,
		policy.kind,
		clientIPFromContext(ctx),
		userAgentFromContext(ctx),
		policy.retention,
	)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrSecretNotFound):
			return nil, prefix, ErrInvalidToken
		case errors.Is(err, stores.ErrSecretExpired):
			e.metricInc(MetricSecretExpired)
			return nil, prefix, ErrExpired
		case errors.Is(err, stores.ErrSecretUsed):
			e.metricInc(MetricSecretAlreadyUsed)
			return nil, prefix, ErrAlreadyUsed
		case errors.Is(err, stores.ErrSecretAttemptsExceeded):
			return nil, prefix, ErrAttemptsExhausted
		default:
			e.metricInc(MetricStoreUnavailable)
			return nil, prefix, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return record, prefix, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
