package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
)

const deviceRecordVersionV1 = 1

var (
	ErrDeviceNotFound         = errors.New("device record not found")
	ErrDeviceStoreUnavailable = errors.New("device store unavailable")
)

// DeviceRecord is the per-(user, device) trust state. Records are
// created on first sighting and mutated forever after; there is no
// auto-deletion and no TTL.
type DeviceRecord struct {
	UserID     string
	DeviceHash [32]byte

	TrustScore  int
	Verified    bool
	Blocked     bool
	BlockReason string

	FirstSeen int64
	LastSeen  int64
	SeenCount uint32

	// Per-signal hashes from the last sighting, kept so the next
	// sighting can tell a consistent device from a partial mismatch.
	UserAgentHash [32]byte
	PlatformHash  [32]byte

	LastIP string
}

// DeviceStore persists device trust records in Redis, keyed by
// (user, fingerprint hash).
type DeviceStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewDeviceStore(redisClient redis.UniversalClient, prefix string) *DeviceStore {
	if prefix == "" {
		prefix = "cld"
	}
	return &DeviceStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *DeviceStore) key(userID string, deviceHash [32]byte) string {
	return s.prefix + ":" + userID + ":" + hex.EncodeToString(deviceHash[:])
}

func (s *DeviceStore) Get(ctx context.Context, userID string, deviceHash [32]byte) (*DeviceRecord, error) {
	data, err := s.redis.Get(ctx, s.key(userID, deviceHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceStoreUnavailable, err)
	}

	return decodeDeviceRecord(data)
}

// Apply upserts the record for (userID, deviceHash) under optimistic
// concurrency. mutate receives the existing record, or nil on first
// sighting, and returns the record to persist. A blocked record stays
// blocked no matter what mutate returns; unblocking is an
// administrative action outside this store.
func (s *DeviceStore) Apply(
	ctx context.Context,
	userID string,
	deviceHash [32]byte,
	mutate func(existing *DeviceRecord) (*DeviceRecord, error),
) (*DeviceRecord, error) {
	const maxRetries = 4
	key := s.key(userID, deviceHash)

	for i := 0; i < maxRetries; i++ {
		var applied *DeviceRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			var existing *DeviceRecord

			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				if existing, err = decodeDeviceRecord(data); err != nil {
					return err
				}
			case errors.Is(err, redis.Nil):
				existing = nil
			default:
				return err
			}

			next, err := mutate(existing)
			if err != nil {
				return err
			}
			if next == nil {
				return errors.New("device mutate returned nil record")
			}

			// Block is one-way.
			if existing != nil && existing.Blocked {
				next.Blocked = true
				if next.BlockReason == "" {
					next.BlockReason = existing.BlockReason
				}
			}
			next.TrustScore = clampTrustScore(next.TrustScore)
			next.UserID = userID
			next.DeviceHash = deviceHash

			encoded, err := encodeDeviceRecord(next)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			if err != nil {
				return err
			}

			applied = next
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrDeviceStoreUnavailable, err)
		}

		return applied, nil
	}

	return nil, fmt.Errorf("%w: upsert contention", ErrDeviceStoreUnavailable)
}

func clampTrustScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func encodeDeviceRecord(record *DeviceRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(deviceRecordVersionV1)
	writeBool(&buf, record.Verified)
	writeBool(&buf, record.Blocked)
	buf.WriteByte(byte(clampTrustScore(record.TrustScore)))

	if err := binary.Write(&buf, binary.BigEndian, record.SeenCount); err != nil {
		return nil, err
	}
	for _, ts := range []int64{record.FirstSeen, record.LastSeen} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	for _, field := range []string{record.UserID, record.BlockReason, record.LastIP} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}
	buf.Write(record.DeviceHash[:])
	buf.Write(record.UserAgentHash[:])
	buf.Write(record.PlatformHash[:])

	return buf.Bytes(), nil
}

func decodeDeviceRecord(data []byte) (*DeviceRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != deviceRecordVersionV1 {
		return nil, errors.New("invalid device record version")
	}

	record := &DeviceRecord{}
	if record.Verified, err = readBool(reader); err != nil {
		return nil, err
	}
	if record.Blocked, err = readBool(reader); err != nil {
		return nil, err
	}
	score, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.TrustScore = int(score)

	if err := binary.Read(reader, binary.BigEndian, &record.SeenCount); err != nil {
		return nil, err
	}
	for _, ts := range []*int64{&record.FirstSeen, &record.LastSeen} {
		if err := binary.Read(reader, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	for _, field := range []*string{&record.UserID, &record.BlockReason, &record.LastIP} {
		if *field, err = readString(reader); err != nil {
			return nil, err
		}
	}
	for _, h := range [][]byte{record.DeviceHash[:], record.UserAgentHash[:], record.PlatformHash[:]} {
		if _, err := io.ReadFull(reader, h); err != nil {
			return nil, err
		}
	}

	return record, nil
}
