// Package metrics holds the engine's in-process instrument storage.
//
// Counters live in cache-line-padded uint64 slots and are written with
// atomic adds only; the hot path never allocates and never does I/O.
// Latency histograms use eight fixed buckets. Exporters live under
// metrics/export and read values through Snapshot; this package must
// not import siblings or perform any output itself.
package metrics
