package credlock

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/Shahabul87/credlock/internal/audit"
	"github.com/Shahabul87/credlock/internal/stores"
)

// Identity is the minimal user view the engine needs: who the user is,
// how to reach them, and what roles their access tokens should carry.
type Identity struct {
	UserID string
	Email  string
	Roles  []string
}

// UserDirectory is the caller-supplied account backend. The engine never
// stores user records itself; it resolves and updates them through this
// interface.
type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (Identity, error)
	GetByID(ctx context.Context, userID string) (Identity, error)
	UpdatePasswordHash(ctx context.Context, userID string, newHash string) error
}

// PasswordHasher is an opaque hashing capability. The engine passes
// plaintexts in and stores whatever comes out; the scheme is the
// caller's business.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) (bool, error)
}

// NotifyKind names the delivery template a Notifier should use.
type NotifyKind string

const (
	NotifyMagicLink     NotifyKind = "magic_link"
	NotifyPasswordReset NotifyKind = "password_reset"
)

// Notifier delivers a freshly issued token to its recipient. Delivery is
// fire-and-forget from the engine's side: a returned error is logged,
// never surfaced to the requester.
type Notifier interface {
	Notify(ctx context.Context, recipient string, kind NotifyKind, token string, metadata map[string]string) error
}

// TokenPair is a freshly minted access/refresh pair. RefreshToken is
// opaque; its only valid uses are Refresh and RevokeFamily via FamilyID.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	FamilyID         string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AccessIdentity is the verified content of an access token.
type AccessIdentity struct {
	UserID    string
	Roles     []string
	FamilyID  string
	TokenID   string
	ExpiresAt time.Time
}

// DeviceSignals are the client-reported attributes a device sighting is
// built from. DeviceID, when the client can provide one, becomes the
// fingerprint on its own and the other signals are tracked for drift;
// otherwise the fingerprint is derived from all signals together.
type DeviceSignals struct {
	DeviceID       string
	UserAgent      string
	Platform       string
	AcceptLanguage string
}

// ResetStats summarizes a requester's standing against the password
// reset issuance limit.
type ResetStats struct {
	AttemptsUsed      int
	CooldownRemaining time.Duration
	CanRequest        bool
}

// DeviceRecord is the stored trust state for one (user, device) pair.
type DeviceRecord = stores.DeviceRecord

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink discards all audit events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink buffers audit events on a channel for test and pipeline use.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON-encoded audit event per line.
type JSONWriterSink = internalaudit.JSONWriterSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
