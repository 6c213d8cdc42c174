// Package credlock is an embeddable credential and session lifecycle
// engine: it issues, validates, rotates, and revokes magic links,
// password reset tokens, and access/refresh pairs, and tracks per-device
// trust, with Redis as the only shared mutable state.
//
// The package is designed for concurrent server workloads: Engine
// methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// credlock is the public surface. It exposes [Engine], [Builder],
// [Config], and value types (TokenPair, ResetStats, MetricsSnapshot).
// Coordination (secret storage, rate limiting, fingerprinting, audit
// dispatch, metric storage) lives under internal/ and is never
// exported. User accounts, token delivery, and password hashing are
// injected capabilities ([UserDirectory], [Notifier], [PasswordHasher]);
// the engine owns none of them.
//
// # Security contract
//
//   - Token plaintexts exist only in the return values handed to the
//     caller and the notifier; stores and logs see digests, and log
//     lines carry at most an 8-character digest prefix.
//   - Every single-use transition (consume, rotate) is a conditional
//     write; a lost race is surfaced as an error, never retried into a
//     second success.
//   - Issuance throttles fail closed when Redis is down; the refresh
//     throttle may be configured to fail open.
//
// # Performance contract
//
// VerifyAccess is the hot path. It performs no I/O: signature check,
// claim validation, and a lock-free read of the revoked-family
// snapshot.
package credlock
