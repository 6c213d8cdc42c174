package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const familyRecordVersionV1 = 1

var (
	ErrFamilyNotFound         = errors.New("refresh family not found")
	ErrFamilyRevoked          = errors.New("refresh family revoked")
	ErrRefreshMismatch        = errors.New("refresh secret mismatch")
	ErrRefreshReuse           = errors.New("refresh secret reuse detected")
	ErrFamilyStoreUnavailable = errors.New("refresh family store unavailable")
)

// FamilyRecord is the server-side state of one refresh-token lineage.
// Exactly one secret hash is current; every hash rotated away is kept
// in a spent set for the life of the family to detect reuse.
type FamilyRecord struct {
	FamilyID      string
	UserID        string
	CurrentHash   [32]byte
	Revoked       bool
	RotationCount uint32
	CreatedAt     int64
	ExpiresAt     int64
}

// FamilyStore persists refresh-token families in Redis. Rotation and
// revocation are optimistic transactions on the family key.
type FamilyStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewFamilyStore(redisClient redis.UniversalClient, prefix string) *FamilyStore {
	if prefix == "" {
		prefix = "clf"
	}
	return &FamilyStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *FamilyStore) key(familyID string) string {
	return s.prefix + ":f:" + familyID
}

func (s *FamilyStore) spentKey(familyID string) string {
	return s.prefix + ":s:" + familyID
}

func (s *FamilyStore) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

// Create persists a new family and indexes it under its user, so a
// credential change can revoke every family the user holds.
func (s *FamilyStore) Create(ctx context.Context, record *FamilyRecord, ttl time.Duration) error {
	encoded, err := encodeFamilyRecord(record)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(record.FamilyID), encoded, ttl)
		pipe.SAdd(ctx, s.userKey(record.UserID), record.FamilyID)
		pipe.PExpire(ctx, s.userKey(record.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFamilyStoreUnavailable, err)
	}

	return nil
}

func (s *FamilyStore) Get(ctx context.Context, familyID string) (*FamilyRecord, error) {
	data, err := s.redis.Get(ctx, s.key(familyID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFamilyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFamilyStoreUnavailable, err)
	}

	return decodeFamilyRecord(data)
}

// Rotate swaps the current secret hash for nextHash, retiring the
// provided hash into the spent set. Presenting a spent hash marks the
// whole family revoked and reports reuse; a hash that is neither
// current nor spent is a plain mismatch. The losing side of a
// concurrent rotation retries, finds its hash already spent, and is
// reported as reuse rather than silently re-validated.
func (s *FamilyStore) Rotate(
	ctx context.Context,
	familyID string,
	providedHash, nextHash [32]byte,
) (*FamilyRecord, error) {
	const maxRetries = 4
	key := s.key(familyID)
	spentKey := s.spentKey(familyID)

	for i := 0; i < maxRetries; i++ {
		var rotated *FamilyRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeFamilyRecord(data)
			if err != nil {
				return err
			}

			now := time.Now()
			if now.Unix() >= record.ExpiresAt {
				return ErrFamilyNotFound
			}
			if record.Revoked {
				return ErrFamilyRevoked
			}

			if subtle.ConstantTimeCompare(record.CurrentHash[:], providedHash[:]) != 1 {
				spent, err := tx.SIsMember(ctx, spentKey, hex.EncodeToString(providedHash[:])).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				if !spent {
					return ErrRefreshMismatch
				}

				// Theft signal: a rotated-away secret came back.
				record.Revoked = true
				updated, err := encodeFamilyRecord(record)
				if err != nil {
					return err
				}
				ttl := time.Until(time.Unix(record.ExpiresAt, 0))
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrRefreshReuse
			}

			retiring := record.CurrentHash
			record.CurrentHash = nextHash
			record.RotationCount++

			updated, err := encodeFamilyRecord(record)
			if err != nil {
				return err
			}
			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				return ErrFamilyNotFound
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				pipe.SAdd(ctx, spentKey, hex.EncodeToString(retiring[:]))
				pipe.PExpire(ctx, spentKey, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			rotated = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrFamilyNotFound
			case errors.Is(err, ErrFamilyNotFound),
				errors.Is(err, ErrFamilyRevoked),
				errors.Is(err, ErrRefreshMismatch),
				errors.Is(err, ErrRefreshReuse):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrFamilyStoreUnavailable, err)
			}
		}

		return rotated, nil
	}

	return nil, ErrRefreshMismatch
}

// Revoke marks every token in the family non-usable. Idempotent; a
// family that no longer exists is already as revoked as it gets.
func (s *FamilyStore) Revoke(ctx context.Context, familyID string) error {
	_, err := s.revokeExisting(ctx, familyID)
	return err
}

// revokeExisting revokes a family and reports whether a live record was
// there to revoke. Expired or missing families read as absent.
func (s *FamilyStore) revokeExisting(ctx context.Context, familyID string) (bool, error) {
	const maxRetries = 4
	key := s.key(familyID)

	for i := 0; i < maxRetries; i++ {
		found := true

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeFamilyRecord(data)
			if err != nil {
				return err
			}
			if record.Revoked {
				return nil
			}

			record.Revoked = true
			updated, err := encodeFamilyRecord(record)
			if err != nil {
				return err
			}
			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				found = false
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, nil
			}
			return false, fmt.Errorf("%w: %v", ErrFamilyStoreUnavailable, err)
		}

		return found, nil
	}

	return false, fmt.Errorf("%w: revoke contention", ErrFamilyStoreUnavailable)
}

// RevokeAllForUser revokes every family indexed under userID and returns
// the IDs of families that actually held a live record. Index entries
// whose family already expired are pruned, not reported.
func (s *FamilyStore) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	familyIDs, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrFamilyStoreUnavailable, err)
	}

	revoked := make([]string, 0, len(familyIDs))
	for _, familyID := range familyIDs {
		found, err := s.revokeExisting(ctx, familyID)
		if err != nil {
			return revoked, err
		}
		if !found {
			s.redis.SRem(ctx, s.userKey(userID), familyID)
			continue
		}
		revoked = append(revoked, familyID)
	}
	return revoked, nil
}

func encodeFamilyRecord(record *FamilyRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(familyRecordVersionV1)
	writeBool(&buf, record.Revoked)

	if err := binary.Write(&buf, binary.BigEndian, record.RotationCount); err != nil {
		return nil, err
	}
	for _, ts := range []int64{record.CreatedAt, record.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	if err := writeString(&buf, record.FamilyID); err != nil {
		return nil, err
	}
	if err := writeString(&buf, record.UserID); err != nil {
		return nil, err
	}
	buf.Write(record.CurrentHash[:])

	return buf.Bytes(), nil
}

func decodeFamilyRecord(data []byte) (*FamilyRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != familyRecordVersionV1 {
		return nil, errors.New("invalid family record version")
	}

	record := &FamilyRecord{}
	if record.Revoked, err = readBool(reader); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.RotationCount); err != nil {
		return nil, err
	}
	for _, ts := range []*int64{&record.CreatedAt, &record.ExpiresAt} {
		if err := binary.Read(reader, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	if record.FamilyID, err = readString(reader); err != nil {
		return nil, err
	}
	if record.UserID, err = readString(reader); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CurrentHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
