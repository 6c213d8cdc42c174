package credlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Shahabul87/credlock/internal/secret"
	"github.com/Shahabul87/credlock/internal/stores"
)

// Refresh tokens travel as "<familyID>.<secret>": the family half routes
// the lookup, the secret half is the credential. Only the secret's
// digest is stored.
func encodeRefreshToken(familyID, plaintext string) string {
	return familyID + "." + plaintext
}

func splitRefreshToken(token string) (familyID, plaintext string, err error) {
	familyID, plaintext, ok := strings.Cut(token, ".")
	if !ok || familyID == "" || plaintext == "" {
		return "", "", ErrInvalidToken
	}
	return familyID, plaintext, nil
}

// IssueSession mints a fresh access/refresh pair for userID, opening a
// new refresh family.
func (e *Engine) IssueSession(ctx context.Context, userID string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	identity, err := e.directory.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	plaintext, digest, err := secret.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	now := time.Now()
	familyID := uuid.NewString()
	record := &stores.FamilyRecord{
		FamilyID:    familyID,
		UserID:      userID,
		CurrentHash: digest,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(e.config.Refresh.RefreshTTL).Unix(),
	}
	if err := e.familyStore.Create(ctx, record, e.config.Refresh.RefreshTTL); err != nil {
		e.metricInc(MetricStoreUnavailable)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	access, err := e.tokens.CreateAccess(userID, identity.Roles, familyID)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	e.metricInc(MetricSessionIssued)
	e.emitAudit(ctx, auditEventSessionIssued, true, userID, identity.Email, nil, func() map[string]string {
		return map[string]string{"family_id": familyID}
	})

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     encodeRefreshToken(familyID, plaintext),
		FamilyID:         familyID,
		AccessExpiresAt:  now.Add(e.config.JWT.AccessTTL),
		RefreshExpiresAt: time.Unix(record.ExpiresAt, 0),
	}, nil
}

// Refresh rotates a refresh token: the presented secret is retired and
// a new pair comes back under the same family. Presenting a secret
// that was already rotated away revokes the whole family and returns
// ErrReuseDetected; the losing side of a concurrent rotation is
// reported the same way, never silently re-validated.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	familyID, plaintext, err := splitRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	allowed, retryAfter, err := e.refreshLimiter.Allow(ctx, familyID)
	if err != nil {
		e.metricInc(MetricStoreUnavailable)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !allowed {
		e.metricInc(MetricRefreshRateLimited)
		limitErr := &RateLimitError{RetryAfter: retryAfter}
		e.emitAudit(ctx, auditEventRefreshRateLimited, false, "", "", limitErr, func() map[string]string {
			return map[string]string{"family_id": familyID}
		})
		return nil, limitErr
	}

	providedHash, err := secret.Digest(plaintext)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrInvalidToken
	}

	nextPlaintext, nextHash, err := secret.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	record, err := e.familyStore.Rotate(ctx, familyID, providedHash, nextHash)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrRefreshReuse):
			e.markFamiliesRevoked(familyID)
			e.metricInc(MetricRefreshReuseDetected)
			e.metricInc(MetricFamilyRevoked)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, "", "", ErrReuseDetected, func() map[string]string {
				return map[string]string{"family_id": familyID}
			})
			return nil, ErrReuseDetected
		case errors.Is(err, stores.ErrFamilyRevoked):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrFamilyRevoked, func() map[string]string {
				return map[string]string{"family_id": familyID}
			})
			return nil, ErrFamilyRevoked
		case errors.Is(err, stores.ErrFamilyNotFound), errors.Is(err, stores.ErrRefreshMismatch):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrInvalidToken, func() map[string]string {
				return map[string]string{"family_id": familyID}
			})
			return nil, ErrInvalidToken
		default:
			e.metricInc(MetricStoreUnavailable)
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	identity, err := e.directory.GetByID(ctx, record.UserID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	access, err := e.tokens.CreateAccess(record.UserID, identity.Roles, familyID)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, record.UserID, identity.Email, nil, func() map[string]string {
		return map[string]string{
			"family_id": familyID,
			"rotation":  fmt.Sprintf("%d", record.RotationCount),
		}
	})

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     encodeRefreshToken(familyID, nextPlaintext),
		FamilyID:         familyID,
		AccessExpiresAt:  time.Now().Add(e.config.JWT.AccessTTL),
		RefreshExpiresAt: time.Unix(record.ExpiresAt, 0),
	}, nil
}

// RevokeFamily invalidates a refresh family and every access token
// minted under it. Idempotent.
func (e *Engine) RevokeFamily(ctx context.Context, familyID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if familyID == "" {
		return fmt.Errorf("%w: empty family id", ErrInvalidInput)
	}

	if err := e.familyStore.Revoke(ctx, familyID); err != nil {
		e.metricInc(MetricStoreUnavailable)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	e.markFamiliesRevoked(familyID)

	e.metricInc(MetricFamilyRevoked)
	e.emitAudit(ctx, auditEventFamilyRevoked, true, "", "", nil, func() map[string]string {
		return map[string]string{"family_id": familyID}
	})
	return nil
}
