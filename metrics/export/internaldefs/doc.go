// Package internaldefs holds the stable metric name and bucket
// definitions shared by the exporter implementations.
//
// Counter and histogram definitions live here so the Prometheus and
// OTel exporters emit identical names and boundaries. A change here
// changes every exporter at once.
//
// # What this package must NOT do
//
//   - Import any exporter package.
//   - Perform I/O.
package internaldefs
