package credlock

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type deviceSignalsContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The engine
// records it on issued secrets, audit events, and device sightings.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithDeviceSignals attaches client device signals to ctx. When present,
// successful magic link verification records a sighting automatically.
func WithDeviceSignals(ctx context.Context, signals DeviceSignals) context.Context {
	return context.WithValue(ctx, deviceSignalsContextKey{}, signals)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func deviceSignalsFromContext(ctx context.Context) (DeviceSignals, bool) {
	if ctx == nil {
		return DeviceSignals{}, false
	}
	signals, ok := ctx.Value(deviceSignalsContextKey{}).(DeviceSignals)
	return signals, ok
}
