package linkauth

import "context"

type clientIPKey struct{}
type userAgentKey struct{}

// WithClientIP attaches the caller's IP address to the context so audit
// events and session records can carry it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// WithUserAgent attaches the caller's user agent to the context so audit
// events and session fingerprints can carry it.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	if userAgent == "" {
		return ctx
	}
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

func clientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	ua, _ := ctx.Value(userAgentKey{}).(string)
	return ua
}
