package handlers_test

import (
	"context"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratekeeper-go/internal/docstore"
	"github.com/serroba/ratekeeper-go/internal/handlers"
	"github.com/serroba/ratekeeper-go/internal/middleware"
	"github.com/serroba/ratekeeper-go/internal/ratelimit"
	"github.com/serroba/ratekeeper-go/internal/retention"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAdminToken = "test-admin-token"

func newPurgeHandler(t *testing.T) *handlers.PurgeHandler {
	t.Helper()

	store := docstore.NewMemory()
	sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store), zap.NewNop())

	policy := &ratelimit.Policy{
		Rules: map[string]ratelimit.Rule{
			handlers.ActionManualPurge: {Window: time.Hour, MaxRequests: 2},
		},
		Default: ratelimit.Rule{Window: time.Minute, MaxRequests: 60},
	}
	limiter := ratelimit.NewLimiter(store, policy, zap.NewNop())

	return handlers.NewPurgeHandler(sweeper, limiter, testAdminToken, zap.NewNop())
}

func operatorContext(actor string) context.Context {
	return middleware.ContextWithMeta(context.Background(), middleware.Meta{
		ActorID:  actor,
		TenantID: "t1",
	})
}

func statusOf(t *testing.T, err error) int {
	t.Helper()

	var statusErr huma.StatusError
	require.ErrorAs(t, err, &statusErr)

	return statusErr.GetStatus()
}

func TestPurgeTrigger(t *testing.T) {
	t.Run("rejects a missing token", func(t *testing.T) {
		h := newPurgeHandler(t)

		_, err := h.Trigger(operatorContext("ops"), &handlers.PurgeInput{})

		assert.Equal(t, 403, statusOf(t, err))
	})

	t.Run("rejects a wrong token", func(t *testing.T) {
		h := newPurgeHandler(t)

		_, err := h.Trigger(operatorContext("ops"), &handlers.PurgeInput{
			Authorization: "Bearer wrong",
		})

		assert.Equal(t, 403, statusOf(t, err))
	})

	t.Run("runs the sweep and reports the result", func(t *testing.T) {
		h := newPurgeHandler(t)

		resp, err := h.Trigger(operatorContext("ops"), &handlers.PurgeInput{
			Authorization: "Bearer " + testAdminToken,
		})

		require.NoError(t, err)
		assert.Equal(t, "ops", resp.Body.TriggeredBy)
		assert.NotEmpty(t, resp.Body.RunID)
		assert.Zero(t, resp.Body.TotalDeleted)
	})

	t.Run("operators are rate limited too", func(t *testing.T) {
		h := newPurgeHandler(t)
		input := &handlers.PurgeInput{Authorization: "Bearer " + testAdminToken}

		for range 2 {
			_, err := h.Trigger(operatorContext("ops"), input)
			require.NoError(t, err)
		}

		_, err := h.Trigger(operatorContext("ops"), input)

		assert.Equal(t, 429, statusOf(t, err))
	})

	t.Run("unauthorized calls do not consume the trigger budget", func(t *testing.T) {
		h := newPurgeHandler(t)

		for range 5 {
			_, err := h.Trigger(operatorContext("ops"), &handlers.PurgeInput{})
			assert.Equal(t, 403, statusOf(t, err))
		}

		_, err := h.Trigger(operatorContext("ops"), &handlers.PurgeInput{
			Authorization: "Bearer " + testAdminToken,
		})

		require.NoError(t, err)
	})
}
