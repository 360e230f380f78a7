package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratekeeper-go/internal/events"
	"github.com/serroba/ratekeeper-go/internal/middleware"
)

// SignalsHandler accepts client signals over HTTP and runs them through the
// same guard sequence as the stream intake: deduplication for coarse event
// classes, then the per-actor and per-resource rate limits.
type SignalsHandler struct {
	intake *events.Intake
}

// NewSignalsHandler creates the signal ingestion handler.
func NewSignalsHandler(intake *events.Intake) *SignalsHandler {
	return &SignalsHandler{intake: intake}
}

// SignalInput is the ingestion request.
type SignalInput struct {
	Body struct {
		EventType  string `json:"eventType" minLength:"1" doc:"Signal class, e.g. presence or typing"`
		ResourceID string `json:"resourceId,omitempty" doc:"Space the signal targets"`
		Payload    string `json:"payload,omitempty"`
	}
}

// SignalResponse reports the guard decision for one signal.
type SignalResponse struct {
	Body struct {
		Status            string `json:"status" enum:"accepted,duplicate,rejected" doc:"Guard outcome"`
		Duplicate         bool   `json:"duplicate,omitempty"`
		RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	}
}

// Ingest processes one signal. Duplicates are a successful no-op, not an
// error; only a rate-limit rejection surfaces as an HTTP failure.
func (h *SignalsHandler) Ingest(ctx context.Context, input *SignalInput) (*SignalResponse, error) {
	meta, ok := middleware.MetaFromContext(ctx)
	if !ok || meta.TenantID == "" {
		return nil, huma.Error400BadRequest("missing tenant identity (X-Tenant-ID)")
	}

	event := &events.SignalEvent{
		TenantID:   meta.TenantID,
		ActorID:    meta.ActorID,
		EventType:  input.Body.EventType,
		ResourceID: input.Body.ResourceID,
		Body:       input.Body.Payload,
		OccurredAt: time.Now(),
	}

	resp := &SignalResponse{}

	outcome, decision := h.intake.Process(ctx, event)

	switch outcome {
	case events.OutcomeDuplicate:
		resp.Body.Status = "duplicate"
		resp.Body.Duplicate = true
	case events.OutcomeRateLimited:
		resp.Body.Status = "rejected"
		resp.Body.RetryAfterSeconds = decision.RetryAfterSeconds()
	case events.OutcomeStoreFailed:
		return nil, huma.Error500InternalServerError("failed to persist signal")
	case events.OutcomeAccepted:
		resp.Body.Status = "accepted"
	}

	return resp, nil
}
