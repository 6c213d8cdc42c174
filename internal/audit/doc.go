// Package audit defines the event model and asynchronous dispatch used
// for security audit trails. Emission is best-effort by contract: no
// audit failure may ever fail the operation being audited.
package audit
