package credlock

import (
	internalmetrics "github.com/Shahabul87/credlock/internal/metrics"
)

// MetricID identifies a counter or histogram in the in-process metrics
// system. The IDs below re-export the full instrument set so exporters
// under metrics/export can reference them without touching internals.
type MetricID = internalmetrics.MetricID

const (
	MetricMagicLinkRequest              = internalmetrics.MetricMagicLinkRequest
	MetricMagicLinkSuccess              = internalmetrics.MetricMagicLinkSuccess
	MetricMagicLinkFailure              = internalmetrics.MetricMagicLinkFailure
	MetricMagicLinkRateLimited          = internalmetrics.MetricMagicLinkRateLimited
	MetricPasswordResetRequest          = internalmetrics.MetricPasswordResetRequest
	MetricPasswordResetConfirmSuccess   = internalmetrics.MetricPasswordResetConfirmSuccess
	MetricPasswordResetConfirmFailure   = internalmetrics.MetricPasswordResetConfirmFailure
	MetricPasswordResetAttemptsExceeded = internalmetrics.MetricPasswordResetAttemptsExceeded
	MetricPasswordResetRateLimited      = internalmetrics.MetricPasswordResetRateLimited
	MetricSessionIssued                 = internalmetrics.MetricSessionIssued
	MetricRefreshSuccess                = internalmetrics.MetricRefreshSuccess
	MetricRefreshFailure                = internalmetrics.MetricRefreshFailure
	MetricRefreshReuseDetected          = internalmetrics.MetricRefreshReuseDetected
	MetricRefreshRateLimited            = internalmetrics.MetricRefreshRateLimited
	MetricFamilyRevoked                 = internalmetrics.MetricFamilyRevoked
	MetricSecretExpired                 = internalmetrics.MetricSecretExpired
	MetricSecretAlreadyUsed             = internalmetrics.MetricSecretAlreadyUsed
	MetricDeviceSighting                = internalmetrics.MetricDeviceSighting
	MetricDeviceSignalMismatch          = internalmetrics.MetricDeviceSignalMismatch
	MetricDeviceBlocked                 = internalmetrics.MetricDeviceBlocked
	MetricDeviceRejected                = internalmetrics.MetricDeviceRejected
	MetricStoreUnavailable              = internalmetrics.MetricStoreUnavailable
	MetricRateLimiterFailOpen           = internalmetrics.MetricRateLimiterFailOpen
	MetricAuditDropped                  = internalmetrics.MetricAuditDropped
	MetricVerifyLatency                 = internalmetrics.MetricVerifyLatency
)

// Metrics is the engine's instrument set.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of every instrument value.
type MetricsSnapshot = internalmetrics.Snapshot

// MetricsSnapshot returns the current instrument values. Exporters poll
// this; the engine itself never pushes.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// MetricValue reads a single counter.
func (e *Engine) MetricValue(id MetricID) uint64 {
	if e == nil {
		return 0
	}
	return e.metrics.Value(id)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}
