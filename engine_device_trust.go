package credlock

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Shahabul87/credlock/internal/fingerprint"
	"github.com/Shahabul87/credlock/internal/stores"
)

// DeviceFingerprint derives the stable identifier a set of signals maps
// to. A client-provided DeviceID wins; without one the identifier is
// built from the remaining signals together.
func DeviceFingerprint(signals DeviceSignals) [32]byte {
	if signals.DeviceID != "" {
		return fingerprint.Signal(signals.DeviceID)
	}
	return fingerprint.Device(signals.UserAgent, signals.Platform, signals.AcceptLanguage)
}

// RecordSighting folds one observation of a device into its trust
// record. First sighting creates the record at the configured initial
// score; consistent sightings raise it, a tracked signal diverging
// lowers it. Scores clamp to [0,100] and a blocked device stays blocked.
func (e *Engine) RecordSighting(ctx context.Context, userID string, signals DeviceSignals, ip string) (*DeviceRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.DeviceTrust.Enabled {
		return nil, ErrDeviceTrustDisabled
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	deviceHash := DeviceFingerprint(signals)
	uaHash := fingerprint.Signal(signals.UserAgent)
	platformHash := fingerprint.Signal(signals.Platform)
	cfg := e.config.DeviceTrust
	now := time.Now()

	mismatch := false
	record, err := e.deviceStore.Apply(ctx, userID, deviceHash, func(existing *stores.DeviceRecord) (*stores.DeviceRecord, error) {
		if existing == nil {
			return &stores.DeviceRecord{
				TrustScore:    cfg.InitialScore,
				FirstSeen:     now.Unix(),
				LastSeen:      now.Unix(),
				SeenCount:     1,
				UserAgentHash: uaHash,
				PlatformHash:  platformHash,
				LastIP:        ip,
			}, nil
		}

		next := *existing
		next.SeenCount++
		next.LastSeen = now.Unix()
		next.LastIP = ip

		consistent := fingerprint.Equal(existing.UserAgentHash, uaHash) &&
			fingerprint.Equal(existing.PlatformHash, platformHash)
		if consistent {
			next.TrustScore += cfg.SightingDelta
		} else {
			mismatch = true
			next.TrustScore -= cfg.MismatchDelta
		}
		next.UserAgentHash = uaHash
		next.PlatformHash = platformHash

		return &next, nil
	})
	if err != nil {
		e.metricInc(MetricStoreUnavailable)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metricInc(MetricDeviceSighting)
	if mismatch {
		e.metricInc(MetricDeviceSignalMismatch)
		e.emitAudit(ctx, auditEventDeviceSignalMismatch, false, userID, "", nil, func() map[string]string {
			return deviceMetadata(deviceHash, record)
		})
	} else {
		e.emitAudit(ctx, auditEventDeviceSighting, true, userID, "", nil, func() map[string]string {
			return deviceMetadata(deviceHash, record)
		})
	}

	return record, nil
}

// IsTrusted reports whether the device behind signals has earned the
// trust threshold for userID. An unknown device is simply not trusted;
// a blocked one never is, whatever its score.
func (e *Engine) IsTrusted(ctx context.Context, userID string, signals DeviceSignals) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}
	if !e.config.DeviceTrust.Enabled {
		return false, ErrDeviceTrustDisabled
	}

	record, err := e.deviceStore.Get(ctx, userID, DeviceFingerprint(signals))
	if err != nil {
		if errors.Is(err, stores.ErrDeviceNotFound) {
			return false, nil
		}
		e.metricInc(MetricStoreUnavailable)
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if record.Blocked {
		e.metricInc(MetricDeviceRejected)
		e.emitAudit(ctx, auditEventDeviceTrustRejected, false, userID, "", ErrDeviceBlocked, func() map[string]string {
			return deviceMetadata(record.DeviceHash, record)
		})
		return false, nil
	}

	return record.TrustScore >= e.config.DeviceTrust.TrustThreshold, nil
}

// GetDevice reads a device trust record without mutating it.
func (e *Engine) GetDevice(ctx context.Context, userID string, deviceHash [32]byte) (*DeviceRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	record, err := e.deviceStore.Get(ctx, userID, deviceHash)
	if err != nil {
		if errors.Is(err, stores.ErrDeviceNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return record, nil
}

// BlockDevice marks a device permanently untrusted. The block is
// one-way: later sightings keep it, and no score can lift it.
func (e *Engine) BlockDevice(ctx context.Context, userID string, deviceHash [32]byte, reason string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if !e.config.DeviceTrust.Enabled {
		return ErrDeviceTrustDisabled
	}
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	now := time.Now()
	_, err := e.deviceStore.Apply(ctx, userID, deviceHash, func(existing *stores.DeviceRecord) (*stores.DeviceRecord, error) {
		if existing == nil {
			// Blocking a device never seen still pins the block.
			return &stores.DeviceRecord{
				Blocked:     true,
				BlockReason: reason,
				FirstSeen:   now.Unix(),
				LastSeen:    now.Unix(),
			}, nil
		}
		next := *existing
		next.Blocked = true
		if reason != "" {
			next.BlockReason = reason
		}
		return &next, nil
	})
	if err != nil {
		e.metricInc(MetricStoreUnavailable)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metricInc(MetricDeviceBlocked)
	e.emitAudit(ctx, auditEventDeviceBlocked, true, userID, "", nil, func() map[string]string {
		return map[string]string{
			"device": hex.EncodeToString(deviceHash[:8]),
			"reason": reason,
		}
	})
	return nil
}

func deviceMetadata(deviceHash [32]byte, record *stores.DeviceRecord) map[string]string {
	meta := map[string]string{
		"device": hex.EncodeToString(deviceHash[:8]),
	}
	if record != nil {
		meta["trust_score"] = fmt.Sprintf("%d", record.TrustScore)
		meta["seen_count"] = fmt.Sprintf("%d", record.SeenCount)
	}
	return meta
}
