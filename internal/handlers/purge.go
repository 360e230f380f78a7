package handlers

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratekeeper-go/internal/middleware"
	"github.com/serroba/ratekeeper-go/internal/ratelimit"
	"github.com/serroba/ratekeeper-go/internal/retention"
	"go.uber.org/zap"
)

// ActionManualPurge is the rate-limit action for operator-triggered sweeps.
// Operators are bounded too; the default policy allows five per hour.
const ActionManualPurge = "manual_purge"

// PurgeHandler exposes the manual retention-sweep trigger.
type PurgeHandler struct {
	sweeper    *retention.Sweeper
	limiter    *ratelimit.Limiter
	adminToken string
	logger     *zap.Logger
}

// NewPurgeHandler creates the purge trigger handler.
func NewPurgeHandler(sweeper *retention.Sweeper, limiter *ratelimit.Limiter, adminToken string, logger *zap.Logger) *PurgeHandler {
	return &PurgeHandler{
		sweeper:    sweeper,
		limiter:    limiter,
		adminToken: adminToken,
		logger:     logger,
	}
}

// PurgeInput carries the operator's bearer token.
type PurgeInput struct {
	Authorization string `header:"Authorization" doc:"Bearer token for the admin API"`
}

// PurgeResponse reports what one triggered sweep actually deleted.
type PurgeResponse struct {
	Body retention.Report
}

// Trigger runs a full sweep on demand. The caller is authenticated against
// the configured admin token first, then rate limited under the
// manual_purge action; only then does the sweep run.
func (h *PurgeHandler) Trigger(ctx context.Context, input *PurgeInput) (*PurgeResponse, error) {
	if !h.authorized(input.Authorization) {
		return nil, huma.Error403Forbidden("not authorized to trigger a purge")
	}

	operator := "operator"
	if meta, ok := middleware.MetaFromContext(ctx); ok {
		operator = meta.ActorID
	}

	decision := h.limiter.CheckAndIncrement(ctx, operator, ActionManualPurge, "")
	if !decision.Allowed {
		return nil, huma.Error429TooManyRequests(
			"purge trigger limit reached, retry after " +
				decision.RetryAfter.Round(time.Second).String())
	}

	report := h.sweeper.Run(ctx, operator)

	h.logger.Info("manual purge finished",
		zap.String("run_id", report.RunID),
		zap.String("triggered_by", operator),
		zap.Int("tenants", report.TenantsProcessed),
		zap.Int("deleted", report.TotalDeleted),
	)

	return &PurgeResponse{Body: report}, nil
}

func (h *PurgeHandler) authorized(header string) bool {
	if h.adminToken == "" {
		return false
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}
