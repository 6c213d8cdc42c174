package credlock

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shahabul87/credlock/internal/audit"
	"github.com/Shahabul87/credlock/internal/metrics"
	"github.com/Shahabul87/credlock/internal/rate"
	"github.com/Shahabul87/credlock/internal/stores"
	"github.com/Shahabul87/credlock/jwt"
)

// Engine is the credential and session lifecycle engine. Construct one
// through [New] + [Builder.Build]; the zero value is not usable. All
// methods are safe for concurrent use.
type Engine struct {
	config Config
	logger *slog.Logger

	directory UserDirectory
	hasher    PasswordHasher
	notifier  Notifier

	secretStore *stores.SecretStore
	familyStore *stores.FamilyStore
	deviceStore *stores.DeviceStore

	magicLinkLimiter *rate.Limiter
	resetLimiter     *rate.Limiter
	refreshLimiter   *rate.Limiter

	audit   *audit.Dispatcher
	metrics *metrics.Metrics
	tokens  *jwt.Issuer

	// revokedFamilies is a copy-on-write set snapshot. VerifyAccess
	// reads it lock-free; RevokeFamily and reuse detection swap in a
	// new copy under revokeMu.
	revokedFamilies atomic.Value // map[string]struct{}
	revokeMu        sync.Mutex
}

// Close flushes and stops the audit dispatcher. The engine must not be
// used after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped reports how many audit events were discarded because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// VerifyAccess checks an access token's signature and registered claims
// and rejects tokens from revoked refresh families. It performs no I/O.
func (e *Engine) VerifyAccess(token string) (*AccessIdentity, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	claims, err := e.tokens.ParseAccess(token)
	e.metrics.Observe(MetricVerifyLatency, time.Since(start))
	if err != nil {
		return nil, ErrInvalidToken
	}

	if e.isFamilyRevoked(claims.FamilyID) {
		return nil, ErrFamilyRevoked
	}

	identity := &AccessIdentity{
		UserID:   claims.UID,
		Roles:    claims.Roles,
		FamilyID: claims.FamilyID,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

func (e *Engine) isFamilyRevoked(familyID string) bool {
	if familyID == "" {
		return false
	}
	set, _ := e.revokedFamilies.Load().(map[string]struct{})
	_, revoked := set[familyID]
	return revoked
}

func (e *Engine) markFamiliesRevoked(familyIDs ...string) {
	if len(familyIDs) == 0 {
		return
	}
	e.revokeMu.Lock()
	defer e.revokeMu.Unlock()

	old, _ := e.revokedFamilies.Load().(map[string]struct{})
	next := make(map[string]struct{}, len(old)+len(familyIDs))
	for id := range old {
		next[id] = struct{}{}
	}
	for _, id := range familyIDs {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	e.revokedFamilies.Store(next)
}
