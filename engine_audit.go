package credlock

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventMagicLinkRequest     = "magic_link_request"
	auditEventMagicLinkRateLimited = "magic_link_rate_limited"
	auditEventMagicLinkVerify      = "magic_link_verify"
	auditEventPasswordResetRequest = "password_reset_request"
	auditEventPasswordResetLimited = "password_reset_rate_limited"
	auditEventPasswordResetConfirm = "password_reset_confirm"
	auditEventSessionIssued        = "session_issued"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshInvalid       = "refresh_invalid"
	auditEventRefreshRateLimited   = "refresh_rate_limited"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventFamilyRevoked        = "family_revoked"
	auditEventDeviceSighting       = "device_sighting"
	auditEventDeviceSignalMismatch = "device_signal_mismatch"
	auditEventDeviceBlocked        = "device_blocked"
	auditEventDeviceTrustRejected  = "device_trust_rejected"
)

// AuditErrorCode is the stable error classification carried in audit
// event metadata, decoupled from Go error strings.
type AuditErrorCode string

const (
	auditErrInvalidInput      AuditErrorCode = "invalid_input"
	auditErrInvalidToken      AuditErrorCode = "invalid_token"
	auditErrExpired           AuditErrorCode = "expired"
	auditErrAlreadyUsed       AuditErrorCode = "already_used"
	auditErrAttemptsExhausted AuditErrorCode = "attempts_exhausted"
	auditErrRateLimited       AuditErrorCode = "rate_limited"
	auditErrReuseDetected     AuditErrorCode = "reuse_detected"
	auditErrStoreUnavailable  AuditErrorCode = "store_unavailable"
	auditErrUserNotFound      AuditErrorCode = "user_not_found"
	auditErrDeviceBlocked     AuditErrorCode = "device_blocked"
	auditErrFamilyRevoked     AuditErrorCode = "family_revoked"
	auditErrDisabled          AuditErrorCode = "flow_disabled"
	auditErrInternal          AuditErrorCode = "internal"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	email string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	if err != nil {
		if code := auditErrorCode(err); code != "" {
			if metadata == nil {
				metadata = map[string]string{}
			}
			metadata["error_code"] = string(code)
		}
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		Email:     email,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return auditErrInvalidInput
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrExpired):
		return auditErrExpired
	case errors.Is(err, ErrAlreadyUsed):
		return auditErrAlreadyUsed
	case errors.Is(err, ErrAttemptsExhausted):
		return auditErrAttemptsExhausted
	case errors.Is(err, ErrReuseDetected):
		return auditErrReuseDetected
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrStoreUnavailable
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrDeviceBlocked):
		return auditErrDeviceBlocked
	case errors.Is(err, ErrFamilyRevoked):
		return auditErrFamilyRevoked
	case errors.Is(err, ErrInvalidToken):
		return auditErrInvalidToken
	case errors.Is(err, ErrMagicLinkDisabled),
		errors.Is(err, ErrPasswordResetOff),
		errors.Is(err, ErrDeviceTrustDisabled):
		return auditErrDisabled
	default:
		return auditErrInternal
	}
}
