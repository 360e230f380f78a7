package events

import (
	"time"

	"github.com/serroba/ratekeeper-go/internal/retention"
)

// Topics for the Redis stream transport.
const (
	TopicSignals        = "signals"
	TopicPurgeCompleted = "purge_completed"
)

// SignalEvent is a bursty, low-stakes event emitted by clients (presence,
// typing and similar). Signals pass through deduplication and rate limiting
// before any handler sees them.
type SignalEvent struct {
	TenantID   string    `json:"tenantId"`
	ActorID    string    `json:"actorId"`
	EventType  string    `json:"eventType"`
	ResourceID string    `json:"resourceId,omitempty"`
	Body       string    `json:"body,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PurgeCompletedEvent is the audit record published after every sweep run.
type PurgeCompletedEvent struct {
	retention.Report
}
