package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratekeeper-go/internal/ratelimit"
	"go.uber.org/zap"
)

// GuardMetadataKey is the operation-metadata key holding a GuardConfig.
const GuardMetadataKey = "rateGuard"

// GuardConfig is the per-operation guard configuration, attached to huma
// operations via the Metadata field.
type GuardConfig struct {
	// Action selects the policy rule. Empty falls back to the policy
	// default via the limiter's own resolution.
	Action string

	// Disabled skips the guard entirely for this operation.
	Disabled bool
}

// Guard returns a middleware enforcing the per-actor and, when the request
// names a resource, the aggregate per-resource rate limit. Rejections get a
// 429 with a Retry-After header; store trouble never surfaces here because
// the limiter fails open.
func Guard(api huma.API, limiter *ratelimit.Limiter, logger *zap.Logger) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		cfg := guardConfig(ctx)
		if cfg.Disabled {
			next(ctx)

			return
		}

		meta, ok := MetaFromContext(ctx.Context())
		if !ok {
			logger.Error("guard invoked without request metadata",
				zap.String("method", ctx.Method()),
			)
			next(ctx)

			return
		}

		action := cfg.Action
		if action == "" {
			action = ctx.Method() + " " + operationPath(ctx)
		}

		resource := ctx.Header("X-Resource-ID")

		decision := limiter.CheckAndIncrement(ctx.Context(), meta.ActorID, action, resource)
		if !decision.Allowed {
			logger.Warn("request rate limited",
				zap.String("request_id", meta.RequestID),
				zap.String("actor", meta.ActorID),
				zap.String("action", action),
				zap.Int("count", decision.Count),
				zap.Int("retry_after_seconds", decision.RetryAfterSeconds()),
			)

			ctx.SetHeader("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
			_ = huma.WriteErr(api, ctx, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded, retry after %d seconds", decision.RetryAfterSeconds()))

			return
		}

		next(ctx)
	}
}

func guardConfig(ctx huma.Context) GuardConfig {
	op := ctx.Operation()
	if op == nil || op.Metadata == nil {
		return GuardConfig{}
	}

	cfg, ok := op.Metadata[GuardMetadataKey].(GuardConfig)
	if !ok {
		return GuardConfig{}
	}

	return cfg
}

func operationPath(ctx huma.Context) string {
	if op := ctx.Operation(); op != nil {
		return op.Path
	}

	return ""
}
