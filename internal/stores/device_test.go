package stores

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApplyCreatesOnFirstSighting(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewDeviceStore(rdb, "cld")
	ctx := context.Background()

	hash := testHash("device-a")
	now := time.Now().Unix()

	record, err := store.Apply(ctx, "u1", hash, func(existing *DeviceRecord) (*DeviceRecord, error) {
		if existing != nil {
			t.Fatal("expected nil existing record on first sighting")
		}
		return &DeviceRecord{
			TrustScore: 50,
			FirstSeen:  now,
			LastSeen:   now,
			SeenCount:  1,
		}, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if record.UserID != "u1" || record.DeviceHash != hash {
		t.Fatal("store must stamp identity onto the record")
	}

	got, err := store.Get(ctx, "u1", hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TrustScore != 50 || got.SeenCount != 1 {
		t.Fatalf("unexpected stored record: %+v", got)
	}
}

func TestApplyMutatesExistingRecord(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewDeviceStore(rdb, "cld")
	ctx := context.Background()

	hash := testHash("device-a")
	seed := func(existing *DeviceRecord) (*DeviceRecord, error) {
		if existing == nil {
			return &DeviceRecord{TrustScore: 50, SeenCount: 1}, nil
		}
		existing.SeenCount++
		existing.TrustScore += 2
		return existing, nil
	}

	for i := 0; i < 3; i++ {
		if _, err := store.Apply(ctx, "u1", hash, seed); err != nil {
			t.Fatalf("Apply #%d failed: %v", i+1, err)
		}
	}

	got, err := store.Get(ctx, "u1", hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SeenCount != 3 {
		t.Fatalf("expected seen count 3, got %d", got.SeenCount)
	}
	if got.TrustScore != 54 {
		t.Fatalf("expected trust score 54, got %d", got.TrustScore)
	}
}

func TestApplyClampsTrustScore(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewDeviceStore(rdb, "cld")
	ctx := context.Background()

	record, err := store.Apply(ctx, "u1", testHash("d"), func(*DeviceRecord) (*DeviceRecord, error) {
		return &DeviceRecord{TrustScore: 900}, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if record.TrustScore != 100 {
		t.Fatalf("expected clamp to 100, got %d", record.TrustScore)
	}

	record, err = store.Apply(ctx, "u1", testHash("d"), func(existing *DeviceRecord) (*DeviceRecord, error) {
		existing.TrustScore = -40
		return existing, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if record.TrustScore != 0 {
		t.Fatalf("expected clamp to 0, got %d", record.TrustScore)
	}
}

func TestBlockIsOneWay(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewDeviceStore(rdb, "cld")
	ctx := context.Background()

	hash := testHash("stolen-laptop")

	if _, err := store.Apply(ctx, "u1", hash, func(*DeviceRecord) (*DeviceRecord, error) {
		return &DeviceRecord{TrustScore: 80, Blocked: true, BlockReason: "reported stolen"}, nil
	}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// A later sighting cannot lift the block, whatever it writes.
	record, err := store.Apply(ctx, "u1", hash, func(existing *DeviceRecord) (*DeviceRecord, error) {
		existing.Blocked = false
		existing.BlockReason = ""
		existing.TrustScore = 100
		return existing, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !record.Blocked {
		t.Fatal("block must be one-way")
	}
	if record.BlockReason != "reported stolen" {
		t.Fatalf("block reason must survive, got %q", record.BlockReason)
	}
}

func TestGetUnknownDevice(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewDeviceStore(rdb, "cld")

	if _, err := store.Get(context.Background(), "u1", testHash("never-seen")); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}
