package credlock

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpired             = errors.New("token expired")
	ErrAlreadyUsed         = errors.New("token already used")
	ErrAttemptsExhausted   = errors.New("token attempts exhausted")
	ErrRateLimited         = errors.New("rate limited")
	ErrReuseDetected       = errors.New("refresh token reuse detected")
	ErrStoreUnavailable    = errors.New("backing store unavailable")
	ErrUserNotFound        = errors.New("user not found")
	ErrDeviceBlocked       = errors.New("device blocked")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrFamilyRevoked       = errors.New("refresh family revoked")
	ErrMagicLinkDisabled   = errors.New("magic link flow disabled")
	ErrPasswordResetOff    = errors.New("password reset flow disabled")
	ErrDeviceTrustDisabled = errors.New("device trust disabled")
	ErrEngineNotReady      = errors.New("engine not initialized")
)

// RateLimitError carries the remaining cooldown alongside the
// ErrRateLimited sentinel, so callers can render "try again in N".
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
