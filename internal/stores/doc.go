// Package stores contains the Redis-backed persistence for single-use
// secrets, refresh-token families, and device trust records. Every
// state transition that must pick exactly one winner under concurrent
// callers is implemented as an optimistic WATCH transaction on the
// record's key.
package stores
