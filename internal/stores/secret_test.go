package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Shahabul87/credlock/internal/secret"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestSecret(t *testing.T, store *SecretStore, kind SecretKind, ttl time.Duration, maxAttempts uint16) (string, [32]byte) {
	t.Helper()

	plaintext, digest, err := secret.Generate()
	if err != nil {
		t.Fatalf("secret.Generate failed: %v", err)
	}

	now := time.Now()
	record := &SecretRecord{
		Kind:        kind,
		UserID:      "u1",
		Email:       "alice@example.com",
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
		MaxAttempts: maxAttempts,
		RequestIP:   "203.0.113.5",
		RequestUA:   "test-agent/1.0",
	}
	if err := store.Save(context.Background(), digest, record, ttl); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	return plaintext, digest
}

func TestSecretRecordRoundTrip(t *testing.T) {
	record := &SecretRecord{
		Kind:        SecretPasswordReset,
		UserID:      "u42",
		Email:       "bob@example.com",
		CreatedAt:   100,
		ExpiresAt:   200,
		Used:        true,
		ConsumedAt:  150,
		Attempts:    2,
		MaxAttempts: 3,
		RequestIP:   "198.51.100.7",
		RequestUA:   "ua-a",
		ConsumerIP:  "203.0.113.9",
		ConsumerUA:  "ua-b",
	}

	encoded, err := encodeSecretRecord(record)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeSecretRecord(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if *decoded != *record {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, record)
	}
}

func TestConsumeSucceedsOnceThenReportsUsed(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSecretStore(rdb, "cls")
	ctx := context.Background()

	_, digest := newTestSecret(t, store, SecretMagicLink, 15*time.Minute, 3)

	record, err := store.Consume(ctx, digest, SecretMagicLink, "203.0.113.9", "ua-b", time.Hour)
	if err != nil {
		t.Fatalf("first Consume failed: %v", err)
	}
	if !record.Used || record.ConsumedAt == 0 {
		t.Fatal("expected consumed record to be marked used")
	}
	if record.ConsumerIP != "203.0.113.9" || record.ConsumerUA != "ua-b" {
		t.Fatal("expected consumer ip/ua to be captured at use time")
	}
	if record.RequestIP != "203.0.113.5" {
		t.Fatal("requester ip must survive consumption")
	}

	if _, err := store.Consume(ctx, digest, SecretMagicLink, "", "", time.Hour); !errors.Is(err, ErrSecretUsed) {
		t.Fatalf("second Consume: expected ErrSecretUsed, got %v", err)
	}
}

func TestConsumeRetainsRecordForAudit(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSecretStore(rdb, "cls")
	ctx := context.Background()

	_, digest := newTestSecret(t, store, SecretMagicLink, 15*time.Minute, 3)

	if _, err := store.Consume(ctx, digest, SecretMagicLink, "1.2.3.4", "ua", time.Hour); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	kept, err := store.Get(ctx, digest)
	if err != nil {
		t.Fatalf("expected consumed record to be retained, got %v", err)
	}
	if !kept.Used {
		t.Fatal("retained record must carry used=true")
	}
}

func TestConsumeUnknownDigest(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSecretStore(rdb, "cls")

	var digest [32]byte
	digest[0] = 0xAB

	if _, err := store.Consume(context.Background(), digest, SecretMagicLink, "", "", time.Hour); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestConsumeWrongKindIsNotFound(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSecretStore(rdb, "cls")

	_, digest := newTestSecret(t, store, SecretMagicLink, 15*time.Minute, 3)

	if _, err := store.Consume(context.Background(), digest, SecretPasswordReset, "", "", time.Hour); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound for cross-kind consume, got %v", err)
	}
}

func TestConsumeExpired(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSecretStore(rdb, "cls")
	ctx := context.Background()

	_, digest, err := secret.Generate()
	if err != nil {
		t.Fatalf("secret.Generate failed: %v", err)
	}

	record := &SecretRecord{
		Kind:        SecretMagicLink,
		UserID:      "u1",
		Email:       "alice@example.com",
		CreatedAt:   time.Now().Add(-time.Hour).Unix(),
		ExpiresAt:   time.Now().Add(-time.Minute).Unix(),
		MaxAttempts: 3,
	}
	// Long storage TTL, already-past logical expiry: expiry must be
	// enforced by the record, not the key.
	if err := store.Save(ctx, digest, record, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := store.Consume(ctx, digest, SecretMagicLink, "", "", time.Hour); !errors.Is(err, ErrSecretExpired) {
		t.Fatalf("expected ErrSecretExpired, got %v", err)
	}
}

func TestConsumeAttemptsExhausted(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSecretStore(rdb, "cls")
	ctx := context.Background()

	_, digest := newTestSecret(t, store, SecretPasswordReset, time.Hour, 1)

	// Burn the single attempt budget by pre-setting attempts at max.
	record, err := store.Get(ctx, digest)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	record.Attempts = record.MaxAttempts
	if err := store.Save(ctx, digest, record, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := store.Consume(ctx, digest, SecretPasswordReset, "", "", time.Hour); !errors.Is(err, ErrSecretAttemptsExceeded) {
		t.Fatalf("expected ErrSecretAttemptsExceeded, got %v", err)
	}

	// The counter moved even though the attempt failed.
	after, err := store.Get(ctx, digest)
	if err != nil {
		t.Fatalf("Get after exhaustion failed: %v", err)
	}
	if after.Attempts != record.Attempts+1 {
		t.Fatalf("expected attempts %d, got %d", record.Attempts+1, after.Attempts)
	}
	if after.Used {
		t.Fatal("exhausted record must not be marked used")
	}
}

func TestConcurrentConsumeHasExactlyOneWinner(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewSecretStore(rdb, "cls")
	ctx := context.Background()

	_, digest := newTestSecret(t, store, SecretMagicLink, 15*time.Minute, 10)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = store.Consume(ctx, digest, SecretMagicLink, "", "", time.Hour)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSecretUsed):
		default:
			t.Fatalf("unexpected racer error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
