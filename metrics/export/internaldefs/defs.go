package internaldefs

import (
	credlock "github.com/Shahabul87/credlock"
)

// CounterDef binds one engine counter to its stable exported name.
type CounterDef struct {
	ID   credlock.MetricID
	Name string
	Help string
}

// HistogramDef binds one engine histogram to its stable exported name.
type HistogramDef struct {
	ID   credlock.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: credlock.MetricMagicLinkRequest, Name: "credlock_magic_link_request_total", Help: "Magic link tokens issued."},
	{ID: credlock.MetricMagicLinkSuccess, Name: "credlock_magic_link_success_total", Help: "Magic link verifications that yielded an identity."},
	{ID: credlock.MetricMagicLinkFailure, Name: "credlock_magic_link_failure_total", Help: "Rejected magic link verifications."},
	{ID: credlock.MetricMagicLinkRateLimited, Name: "credlock_magic_link_rate_limited_total", Help: "Magic link requests denied by the issuance limit."},
	{ID: credlock.MetricPasswordResetRequest, Name: "credlock_password_reset_request_total", Help: "Password reset tokens issued."},
	{ID: credlock.MetricPasswordResetConfirmSuccess, Name: "credlock_password_reset_confirm_success_total", Help: "Successful password reset confirmations."},
	{ID: credlock.MetricPasswordResetConfirmFailure, Name: "credlock_password_reset_confirm_failure_total", Help: "Failed password reset confirmations."},
	{ID: credlock.MetricPasswordResetAttemptsExceeded, Name: "credlock_password_reset_attempts_exceeded_total", Help: "Reset tokens burned by the attempt cap."},
	{ID: credlock.MetricPasswordResetRateLimited, Name: "credlock_password_reset_rate_limited_total", Help: "Password reset requests denied by the issuance limit."},
	{ID: credlock.MetricSessionIssued, Name: "credlock_session_issued_total", Help: "Access/refresh pairs minted."},
	{ID: credlock.MetricRefreshSuccess, Name: "credlock_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: credlock.MetricRefreshFailure, Name: "credlock_refresh_failure_total", Help: "Rejected refresh presentations without reuse evidence."},
	{ID: credlock.MetricRefreshReuseDetected, Name: "credlock_refresh_reuse_detected_total", Help: "Spent-token presentations that revoked a family."},
	{ID: credlock.MetricRefreshRateLimited, Name: "credlock_refresh_rate_limited_total", Help: "Refresh presentations denied by the throttle."},
	{ID: credlock.MetricFamilyRevoked, Name: "credlock_family_revoked_total", Help: "Refresh families revoked."},
	{ID: credlock.MetricSecretExpired, Name: "credlock_secret_expired_total", Help: "Single-use secrets presented after their deadline."},
	{ID: credlock.MetricSecretAlreadyUsed, Name: "credlock_secret_already_used_total", Help: "Single-use secrets presented after consumption."},
	{ID: credlock.MetricDeviceSighting, Name: "credlock_device_sighting_total", Help: "Device sightings recorded."},
	{ID: credlock.MetricDeviceSignalMismatch, Name: "credlock_device_signal_mismatch_total", Help: "Sightings whose signals diverged from the stored record."},
	{ID: credlock.MetricDeviceBlocked, Name: "credlock_device_blocked_total", Help: "Device block operations."},
	{ID: credlock.MetricDeviceRejected, Name: "credlock_device_rejected_total", Help: "Trust checks that hit a blocked device."},
	{ID: credlock.MetricStoreUnavailable, Name: "credlock_store_unavailable_total", Help: "Operations that surfaced a backing store outage."},
	{ID: credlock.MetricRateLimiterFailOpen, Name: "credlock_rate_limiter_fail_open_total", Help: "Limiter checks allowed despite a store outage."},
	{ID: credlock.MetricAuditDropped, Name: "credlock_audit_dropped_total", Help: "Audit events discarded by a saturated dispatcher."},
}

var HistogramDefs = []HistogramDef{
	{ID: credlock.MetricVerifyLatency, Name: "credlock_verify_latency_seconds", Help: "Access token verification latency histogram."},
}

var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed
// eight-bucket layout.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative form
// both exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
