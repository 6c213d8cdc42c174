package rate

import "errors"

// ErrStoreUnavailable wraps Redis transport failures. Callers decide
// whether that fails open or closed; the limiter itself only decides
// when FailOpen is set.
var ErrStoreUnavailable = errors.New("rate limiter store unavailable")
