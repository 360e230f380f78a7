package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
)

// Meta carries the request identity the guard and handlers act on.
type Meta struct {
	RequestID string
	ActorID   string
	TenantID  string
	ClientIP  string
	UserAgent string
}

type metaContextKey struct{}

// ContextWithMeta attaches request metadata to a context.
func ContextWithMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaContextKey{}, meta)
}

// MetaFromContext extracts request metadata, if present.
func MetaFromContext(ctx context.Context) (Meta, bool) {
	meta, ok := ctx.Value(metaContextKey{}).(Meta)

	return meta, ok
}

// RequestMeta is a middleware that resolves the acting identity for each
// request. The actor is taken from the X-Actor-ID header when present;
// anonymous callers get a stable pseudo-identity hashed from IP and
// User-Agent so their limits still stick.
func RequestMeta(_ huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		ip := clientIP(ctx)
		ua := ctx.Header("User-Agent")

		actor := ctx.Header("X-Actor-ID")
		if actor == "" {
			actor = anonymousActor(ip, ua)
		}

		meta := Meta{
			RequestID: uuid.NewString(),
			ActorID:   actor,
			TenantID:  ctx.Header("X-Tenant-ID"),
			ClientIP:  ip,
			UserAgent: ua,
		}

		newCtx := ContextWithMeta(ctx.Context(), meta)
		ctx = huma.WithContext(ctx, newCtx)

		ctx.SetHeader("X-Request-ID", meta.RequestID)

		next(ctx)
	}
}

// anonymousActor derives a stable actor identity from IP and User-Agent.
func anonymousActor(ip, ua string) string {
	hash := sha256.Sum256([]byte(ip + "|" + ua))

	return "anon_" + hex.EncodeToString(hash[:8])
}

// clientIP extracts the client IP from the request, considering proxies.
func clientIP(ctx huma.Context) string {
	// Check X-Forwarded-For header (may contain multiple IPs)
	if xff := ctx.Header("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client)
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP header
	if xri := ctx.Header("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to Host (which contains remote addr in Huma context)
	host := ctx.Host()

	ip, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}

	return ip
}
