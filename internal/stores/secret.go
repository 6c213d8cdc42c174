package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const secretRecordVersionV1 = 1

var (
	ErrSecretNotFound         = errors.New("secret record not found")
	ErrSecretExpired          = errors.New("secret record expired")
	ErrSecretUsed             = errors.New("secret record already used")
	ErrSecretAttemptsExceeded = errors.New("secret attempts exceeded")
	ErrSecretStoreUnavailable = errors.New("secret store unavailable")
)

// SecretKind distinguishes the flows sharing this store. Both flows
// run the same state machine; only their policies differ.
type SecretKind uint8

const (
	SecretMagicLink SecretKind = iota
	SecretPasswordReset
)

// SecretRecord is one single-use, time-boxed secret, keyed by the
// digest of its plaintext. The plaintext itself is never persisted.
type SecretRecord struct {
	Kind        SecretKind
	UserID      string
	Email       string
	CreatedAt   int64
	ExpiresAt   int64
	Used        bool
	ConsumedAt  int64
	Attempts    uint16
	MaxAttempts uint16

	// Requester captured at issue time, consumer at use time. The
	// split lets audit consumers flag issued-from-A-redeemed-from-B.
	RequestIP   string
	RequestUA   string
	ConsumerIP  string
	ConsumerUA  string
}

// SecretStore persists single-use secrets in Redis. Consumption is a
// compare-and-set transition on the used flag: under concurrent
// verifications of the same token exactly one caller wins.
type SecretStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewSecretStore(redisClient redis.UniversalClient, prefix string) *SecretStore {
	if prefix == "" {
		prefix = "cls"
	}
	return &SecretStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *SecretStore) key(digest [32]byte) string {
	return s.prefix + ":" + hex.EncodeToString(digest[:])
}

func (s *SecretStore) Save(ctx context.Context, digest [32]byte, record *SecretRecord, ttl time.Duration) error {
	encoded, err := encodeSecretRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(digest), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	return nil
}

// Consume performs the single permitted use of a secret. The attempt
// counter is bumped before the outcome is decided, and the used flag
// flips under optimistic concurrency: a racer that loses the
// transaction retries, observes used=true, and gets ErrSecretUsed.
// Consumed and exhausted records are written back under retention
// rather than deleted; reclamation is left to key expiry.
func (s *SecretStore) Consume(
	ctx context.Context,
	digest [32]byte,
	expectedKind SecretKind,
	consumerIP, consumerUA string,
	retention time.Duration,
) (*SecretRecord, error) {
	const maxRetries = 4
	key := s.key(digest)

	for i := 0; i < maxRetries; i++ {
		var consumed *SecretRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeSecretRecord(data)
			if err != nil {
				return err
			}
			if record.Kind != expectedKind {
				return ErrSecretNotFound
			}

			now := time.Now()
			if now.Unix() >= record.ExpiresAt {
				return ErrSecretExpired
			}
			if record.Used {
				return ErrSecretUsed
			}

			record.Attempts++
			if record.Attempts > record.MaxAttempts {
				updated, err := encodeSecretRecord(record)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, retention)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrSecretAttemptsExceeded
			}

			record.Used = true
			record.ConsumedAt = now.Unix()
			record.ConsumerIP = consumerIP
			record.ConsumerUA = consumerUA

			updated, err := encodeSecretRecord(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, retention)
				return nil
			})
			if err != nil {
				return err
			}

			consumed = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrSecretNotFound
			case errors.Is(err, ErrSecretNotFound),
				errors.Is(err, ErrSecretExpired),
				errors.Is(err, ErrSecretUsed),
				errors.Is(err, ErrSecretAttemptsExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
			}
		}

		return consumed, nil
	}

	return nil, ErrSecretUsed
}

// Get reads a record without consuming it. Used records are returned
// as-is so audit callers can inspect consumption metadata.
func (s *SecretStore) Get(ctx context.Context, digest [32]byte) (*SecretRecord, error) {
	data, err := s.redis.Get(ctx, s.key(digest)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	return decodeSecretRecord(data)
}

func encodeSecretRecord(record *SecretRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(secretRecordVersionV1)
	buf.WriteByte(byte(record.Kind))
	writeBool(&buf, record.Used)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.MaxAttempts); err != nil {
		return nil, err
	}
	for _, ts := range []int64{record.CreatedAt, record.ExpiresAt, record.ConsumedAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	for _, field := range []string{
		record.UserID, record.Email,
		record.RequestIP, record.RequestUA,
		record.ConsumerIP, record.ConsumerUA,
	} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeSecretRecord(data []byte) (*SecretRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != secretRecordVersionV1 {
		return nil, errors.New("invalid secret record version")
	}

	kind, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record := &SecretRecord{Kind: SecretKind(kind)}

	if record.Used, err = readBool(reader); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.MaxAttempts); err != nil {
		return nil, err
	}
	for _, ts := range []*int64{&record.CreatedAt, &record.ExpiresAt, &record.ConsumedAt} {
		if err := binary.Read(reader, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	for _, field := range []*string{
		&record.UserID, &record.Email,
		&record.RequestIP, &record.RequestUA,
		&record.ConsumerIP, &record.ConsumerUA,
	} {
		if *field, err = readString(reader); err != nil {
			return nil, err
		}
	}

	if _, err := reader.ReadByte(); err != io.EOF {
		return nil, errors.New("trailing bytes in secret record")
	}

	return record, nil
}
