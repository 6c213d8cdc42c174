package credlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Shahabul87/credlock/internal/stores"
)

func (e *Engine) passwordResetPolicy() secretFlowPolicy {
	return secretFlowPolicy{
		kind:          stores.SecretPasswordReset,
		notifyKind:    NotifyPasswordReset,
		tokenTTL:      e.config.PasswordReset.TokenTTL,
		maxAttempts:   e.config.PasswordReset.MaxVerifyAttempts,
		retention:     e.config.PasswordReset.RetentionTTL,
		limiter:       e.resetLimiter,
		requestEvent:  auditEventPasswordResetRequest,
		limitedEvent:  auditEventPasswordResetLimited,
		requestMetric: MetricPasswordResetRequest,
		limitedMetric: MetricPasswordResetRateLimited,
	}
}

// RequestPasswordReset issues a single-use reset token for email.
// Same anti-enumeration contract as RequestMagicLink: the requester
// cannot tell a real account from an unknown address.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled {
		return "", ErrPasswordResetOff
	}
	return e.issueSecret(ctx, email, e.passwordResetPolicy())
}

// ConfirmPasswordReset consumes a reset token and installs newPassword.
// On success every refresh family the user holds is revoked; a stolen
// session does not survive a password change. A reset token tolerates
// no failed consumption beyond its verify budget (default one).
func (e *Engine) ConfirmPasswordReset(ctx context.Context, plaintext, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled {
		return ErrPasswordResetOff
	}
	if newPassword == "" {
		return fmt.Errorf("%w: empty password", ErrInvalidInput)
	}

	record, tokenPrefix, err := e.consumeSecret(ctx, plaintext, e.passwordResetPolicy())
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		if errors.Is(err, ErrAttemptsExhausted) {
			e.metricInc(MetricPasswordResetAttemptsExceeded)
		}
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", err, func() map[string]string {
			if tokenPrefix == "" {
				return nil
			}
			return map[string]string{"token_prefix": tokenPrefix}
		})
		return err
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, record.UserID, record.Email, err, nil)
		return fmt.Errorf("hash password: %w", err)
	}

	if err := e.directory.UpdatePasswordHash(ctx, record.UserID, newHash); err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, record.UserID, record.Email, err, nil)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// The credential changed; no pre-existing session may outlive it.
	revoked, err := e.familyStore.RevokeAllForUser(ctx, record.UserID)
	e.markFamiliesRevoked(revoked...)
	if err != nil {
		e.logger.Warn("revoking refresh families after reset failed",
			"user_id", record.UserID, "revoked", len(revoked), "error", err)
	}
	for range revoked {
		e.metricInc(MetricFamilyRevoked)
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, record.UserID, record.Email, nil, func() map[string]string {
		meta := consumeMetadata(record, tokenPrefix)
		meta["families_revoked"] = strconv.Itoa(len(revoked))
		return meta
	})

	return nil
}

// ResetStats reports how email stands against the reset issuance limit,
// for "try again in N" messaging.
func (e *Engine) ResetStats(ctx context.Context, email string) (ResetStats, error) {
	if e == nil {
		return ResetStats{}, ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled {
		return ResetStats{}, ErrPasswordResetOff
	}

	email = normalizeEmail(email)
	if email == "" {
		return ResetStats{}, fmt.Errorf("%w: empty email", ErrInvalidInput)
	}

	attempts, err := e.resetLimiter.Attempts(ctx, email)
	if err != nil {
		return ResetStats{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	cooldown, err := e.resetLimiter.RemainingCooldown(ctx, email)
	if err != nil {
		return ResetStats{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return ResetStats{
		AttemptsUsed:      attempts,
		CooldownRemaining: cooldown,
		CanRequest:        attempts < e.resetLimiter.MaxAttempts(),
	}, nil
}
