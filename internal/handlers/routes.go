package handlers

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratekeeper-go/internal/middleware"
)

// RegisterRoutes registers the guard-facing API with per-operation rate
// limit configuration.
func RegisterRoutes(api huma.API, signals *SignalsHandler, messages *MessagesHandler, purge *PurgeHandler) {
	// POST /signals - signal ingestion.
	// The handler runs the full guard sequence itself (dedup needs to run
	// before the rate limit), so the middleware guard is disabled here.
	huma.Register(api, huma.Operation{
		Method:      http.MethodPost,
		Path:        "/signals",
		Summary:     "Ingest a client signal",
		Description: "Runs deduplication and rate limiting before accepting the signal.",
		Tags:        []string{"Signals"},
		Metadata: map[string]any{
			middleware.GuardMetadataKey: middleware.GuardConfig{Disabled: true},
		},
	}, signals.Ingest)

	// GET /tenants/{tenantId}/messages - retained message log.
	huma.Register(api, huma.Operation{
		Method:      http.MethodGet,
		Path:        "/tenants/{tenantId}/messages",
		Summary:     "List retained messages",
		Description: "Lists the tenant's ephemeral messages that have not aged out yet.",
		Tags:        []string{"Messages"},
		Metadata: map[string]any{
			// No dedicated policy rule; resolves to the default.
			middleware.GuardMetadataKey: middleware.GuardConfig{Action: "message_list"},
		},
	}, messages.List)

	// POST /admin/purge - manual retention sweep.
	// Authorization happens in the handler before its own rate-limit
	// check, so unauthorized calls never consume the operator's budget.
	huma.Register(api, huma.Operation{
		Method:      http.MethodPost,
		Path:        "/admin/purge",
		Summary:     "Trigger a retention sweep",
		Description: "Deletes aged counter records and tenant messages; requires the admin token.",
		Tags:        []string{"Admin"},
		Metadata: map[string]any{
			middleware.GuardMetadataKey: middleware.GuardConfig{Disabled: true},
		},
	}, purge.Trigger)
}
