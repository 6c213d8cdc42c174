package credlock

import (
	"context"
	"fmt"

	"github.com/Shahabul87/credlock/internal/stores"
)

func (e *Engine) magicLinkPolicy() secretFlowPolicy {
	return secretFlowPolicy{
		kind:          stores.SecretMagicLink,
		notifyKind:    NotifyMagicLink,
		tokenTTL:      e.config.MagicLink.TokenTTL,
		maxAttempts:   e.config.MagicLink.MaxVerifyAttempts,
		retention:     e.config.MagicLink.RetentionTTL,
		limiter:       e.magicLinkLimiter,
		requestEvent:  auditEventMagicLinkRequest,
		limitedEvent:  auditEventMagicLinkRateLimited,
		requestMetric: MetricMagicLinkRequest,
		limitedMetric: MetricMagicLinkRateLimited,
	}
}

// RequestMagicLink issues a single-use login link token for email and
// hands it to the notifier. The returned plaintext is the only copy
// that will ever exist; the engine stores its digest. The response is
// identical whether or not the address maps to an account.
func (e *Engine) RequestMagicLink(ctx context.Context, email string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	if !e.config.MagicLink.Enabled {
		return "", ErrMagicLinkDisabled
	}
	return e.issueSecret(ctx, email, e.magicLinkPolicy())
}

// VerifyMagicLink redeems a magic link token and returns the identity
// it was issued for. Exactly one concurrent redemption of the same
// token succeeds; the rest get ErrAlreadyUsed. A successful login
// forgives the address's issuance counter and, when device signals are
// attached to ctx, records a device sighting.
func (e *Engine) VerifyMagicLink(ctx context.Context, plaintext string) (*Identity, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.MagicLink.Enabled {
		return nil, ErrMagicLinkDisabled
	}

	record, tokenPrefix, err := e.consumeSecret(ctx, plaintext, e.magicLinkPolicy())
	if err != nil {
		e.metricInc(MetricMagicLinkFailure)
		e.emitAudit(ctx, auditEventMagicLinkVerify, false, "", "", err, func() map[string]string {
			if tokenPrefix == "" {
				return nil
			}
			return map[string]string{"token_prefix": tokenPrefix}
		})
		return nil, err
	}

	identity, err := e.directory.GetByID(ctx, record.UserID)
	if err != nil {
		e.metricInc(MetricMagicLinkFailure)
		e.emitAudit(ctx, auditEventMagicLinkVerify, false, record.UserID, record.Email, err, nil)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Legitimate login; prior requests were not abuse.
	if err := e.magicLinkLimiter.Clear(ctx, record.Email); err != nil {
		e.logger.Warn("magic link limiter clear failed", "error", err)
	}

	if signals, ok := deviceSignalsFromContext(ctx); ok && e.config.DeviceTrust.Enabled {
		if _, err := e.RecordSighting(ctx, identity.UserID, signals, clientIPFromContext(ctx)); err != nil {
			e.logger.Warn("device sighting failed", "user_id", identity.UserID, "error", err)
		}
	}

	e.metricInc(MetricMagicLinkSuccess)
	e.emitAudit(ctx, auditEventMagicLinkVerify, true, identity.UserID, record.Email, nil, func() map[string]string {
		return consumeMetadata(record, tokenPrefix)
	})

	return &identity, nil
}

// consumeMetadata surfaces the requester-vs-consumer split so audit
// consumers can flag issued-from-A-redeemed-from-B.
func consumeMetadata(record *stores.SecretRecord, tokenPrefix string) map[string]string {
	return map[string]string{
		"token_prefix": tokenPrefix,
		"request_ip":   record.RequestIP,
		"request_ua":   record.RequestUA,
		"consumer_ip":  record.ConsumerIP,
		"consumer_ua":  record.ConsumerUA,
	}
}
