// Package prometheus renders credlock metrics in Prometheus text
// exposition format.
//
// [NewExporter] wraps a [credlock.Engine] and exposes an http.Handler
// that renders every counter and histogram. Counter names are prefixed
// credlock_*_total; the single histogram is
// credlock_verify_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry; callers mount
//     the Handler.
//   - Mutate engine state.
package prometheus
