package metrics

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter or histogram tracked by the engine.
type MetricID uint16

const (
	// MetricMagicLinkRequest counts magic link issuance requests that produced a token.
	MetricMagicLinkRequest MetricID = iota
	// MetricMagicLinkSuccess counts magic link verifications that yielded a session.
	MetricMagicLinkSuccess
	// MetricMagicLinkFailure counts magic link verifications rejected for any reason.
	MetricMagicLinkFailure
	// MetricMagicLinkRateLimited counts magic link requests denied by the issuance limiter.
	MetricMagicLinkRateLimited
	// MetricPasswordResetRequest counts password reset requests that produced a token.
	MetricPasswordResetRequest
	// MetricPasswordResetConfirmSuccess counts reset confirmations that changed a password.
	MetricPasswordResetConfirmSuccess
	// MetricPasswordResetConfirmFailure counts rejected reset confirmations.
	MetricPasswordResetConfirmFailure
	// MetricPasswordResetAttemptsExceeded counts reset tokens burned by the attempt cap.
	MetricPasswordResetAttemptsExceeded
	// MetricPasswordResetRateLimited counts reset requests denied by the issuance limiter.
	MetricPasswordResetRateLimited
	// MetricSessionIssued counts token pairs minted for verified principals.
	MetricSessionIssued
	// MetricRefreshSuccess counts refresh rotations that advanced a family.
	MetricRefreshSuccess
	// MetricRefreshFailure counts refresh presentations rejected without reuse evidence.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts spent-token presentations that revoked a family.
	MetricRefreshReuseDetected
	// MetricRefreshRateLimited counts refresh presentations denied by the limiter.
	MetricRefreshRateLimited
	// MetricFamilyRevoked counts refresh families revoked for any reason.
	MetricFamilyRevoked
	// MetricSecretExpired counts single-use secrets presented after their deadline.
	MetricSecretExpired
	// MetricSecretAlreadyUsed counts single-use secrets presented after consumption.
	MetricSecretAlreadyUsed
	// MetricDeviceSighting counts recorded device sightings.
	MetricDeviceSighting
	// MetricDeviceSignalMismatch counts sightings whose signals diverged from the stored record.
	MetricDeviceSignalMismatch
	// MetricDeviceBlocked counts device block operations.
	MetricDeviceBlocked
	// MetricDeviceRejected counts trust checks that failed against a blocked device.
	MetricDeviceRejected
	// MetricStoreUnavailable counts operations that surfaced a backing store outage.
	MetricStoreUnavailable
	// MetricRateLimiterFailOpen counts limiter checks allowed despite a store outage.
	MetricRateLimiterFailOpen
	// MetricAuditDropped counts audit events discarded by a saturated dispatcher.
	MetricAuditDropped
	// MetricVerifyLatency is the access-token verification latency histogram.
	MetricVerifyLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// paddedCounter keeps each slot on its own cache line so hot counters
// do not false-share under concurrent increments.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Config controls which instruments are recorded.
type Config struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// Metrics is a fixed-size, allocation-free set of atomic counters and
// latency histograms. The zero value is disabled; a nil receiver is safe.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// Snapshot is a point-in-time copy of all instrument values.
type Snapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func New(cfg Config) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to the counter. Unknown IDs and disabled receivers are no-ops.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a latency sample into the histogram for id.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricVerifyLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value reads a single counter without building a snapshot.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and, when latency histograms are enabled,
// every histogram bucket. It is safe to call concurrently with writers.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil || !m.enabled {
		return Snapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := Snapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricVerifyLatency].buckets[i])
		}
		s.Histograms[MetricVerifyLatency] = buckets
	}
	return s
}

// HistogramBucketCount reports the fixed bucket count shared by all histograms.
func HistogramBucketCount() int {
	return histBucketCount
}

// Upper bounds are fixed: 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, +Inf.
func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()
	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
