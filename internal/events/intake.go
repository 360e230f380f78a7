package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/serroba/ratekeeper-go/internal/docstore"
	"github.com/serroba/ratekeeper-go/internal/ratelimit"
	"github.com/serroba/ratekeeper-go/internal/retention"
	"go.uber.org/zap"
)

// ActionSignal is the rate-limit action under which signal intake runs.
const ActionSignal = "signal"

// MessageRecord is the stored form of an accepted signal, kept in the
// tenant's ephemeral message log until the retention sweeper ages it out.
type MessageRecord struct {
	Version   int    `json:"version"`
	TenantID  string `json:"tenantId"`
	ActorID   string `json:"actorId"`
	EventType string `json:"eventType"`
	Body      string `json:"body,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// DuplicateChecker suppresses near-duplicate events per time bucket.
type DuplicateChecker interface {
	ShouldProcess(ctx context.Context, tenantID, actorID, eventType string) bool
}

// RateChecker makes the accept/reject decision for one actor and action.
type RateChecker interface {
	CheckAndIncrement(ctx context.Context, actorID, action, resourceID string) ratelimit.Decision
}

// DefaultDedupEventTypes lists the coarse event classes that pass through
// deduplication. Everything else goes straight to the rate limiter.
func DefaultDedupEventTypes() map[string]bool {
	return map[string]bool{
		"presence": true,
		"typing":   true,
	}
}

// Intake consumes signal events and runs each through the guard sequence:
// deduplication (for configured event classes), then the per-actor and
// per-resource rate limits, then persistence into the tenant message log.
//
// The two guard steps are independent, non-atomic checks: an event can
// claim its dedup bucket and still be rejected by the rate limiter. No
// compensation is attempted.
type Intake struct {
	subscriber message.Subscriber
	store      docstore.Store
	dedup      DuplicateChecker
	limiter    RateChecker
	dedupTypes map[string]bool
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
	cancel     context.CancelFunc
	done       chan struct{}
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

// WithDedupEventTypes overrides the event classes subject to deduplication.
func WithDedupEventTypes(types map[string]bool) IntakeOption {
	return func(i *Intake) { i.dedupTypes = types }
}

// WithIntakeClock replaces the time source, for tests.
func WithIntakeClock(now func() time.Time) IntakeOption {
	return func(i *Intake) { i.now = now }
}

// NewIntake creates a signal intake consumer.
func NewIntake(
	subscriber message.Subscriber,
	store docstore.Store,
	dedup DuplicateChecker,
	limiter RateChecker,
	logger *zap.Logger,
	opts ...IntakeOption,
) *Intake {
	i := &Intake{
		subscriber: subscriber,
		store:      store,
		dedup:      dedup,
		limiter:    limiter,
		dedupTypes: DefaultDedupEventTypes(),
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Start begins consuming signal events.
func (i *Intake) Start(ctx context.Context) error {
	ctx, i.cancel = context.WithCancel(ctx)

	msgs, err := i.subscriber.Subscribe(ctx, TopicSignals)
	if err != nil {
		return err
	}

	go i.consumeLoop(ctx, msgs)

	return nil
}

func (i *Intake) consumeLoop(ctx context.Context, msgs <-chan *message.Message) {
	defer close(i.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			i.handleSignal(ctx, msg)
		}
	}
}

func (i *Intake) handleSignal(ctx context.Context, msg *message.Message) {
	var event SignalEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		i.logger.Error("failed to unmarshal signal event", zap.Error(err))
		msg.Nack()

		return
	}

	if event.TenantID == "" || event.ActorID == "" {
		i.logger.Warn("dropping signal without tenant or actor",
			zap.String("event_type", event.EventType),
		)
		msg.Ack()

		return
	}

	outcome, _ := i.Process(ctx, &event)

	switch outcome {
	case OutcomeAccepted, OutcomeDuplicate, OutcomeRateLimited:
		// Duplicates and rejections are terminal decisions, not transport
		// failures; redelivery would only repeat them.
		msg.Ack()
	case OutcomeStoreFailed:
		msg.Nack()
	}
}

// Outcome classifies what happened to one signal.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeDuplicate
	OutcomeRateLimited
	OutcomeStoreFailed
)

// Process runs the guard sequence for a single event and, when accepted,
// appends it to the tenant's message log. The returned decision carries the
// retry-after hint when the outcome is OutcomeRateLimited.
func (i *Intake) Process(ctx context.Context, event *SignalEvent) (Outcome, ratelimit.Decision) {
	if i.dedupTypes[event.EventType] {
		if !i.dedup.ShouldProcess(ctx, event.TenantID, event.ActorID, event.EventType) {
			i.logger.Debug("duplicate signal suppressed",
				zap.String("tenant", event.TenantID),
				zap.String("actor", event.ActorID),
				zap.String("event_type", event.EventType),
			)

			return OutcomeDuplicate, ratelimit.Decision{}
		}
	}

	decision := i.limiter.CheckAndIncrement(ctx, event.ActorID, ActionSignal, event.ResourceID)
	if !decision.Allowed {
		i.logger.Warn("signal rate limited",
			zap.String("tenant", event.TenantID),
			zap.String("actor", event.ActorID),
			zap.Int("retry_after_seconds", decision.RetryAfterSeconds()),
		)

		return OutcomeRateLimited, decision
	}

	record := &MessageRecord{
		Version:   1,
		TenantID:  event.TenantID,
		ActorID:   event.ActorID,
		EventType: event.EventType,
		Body:      event.Body,
		CreatedAt: i.now().UnixMilli(),
	}

	key := retention.MessagePrefix(event.TenantID) + i.newID()

	if err := docstore.PutAs(ctx, i.store, key, record); err != nil {
		i.logger.Error("failed to persist signal",
			zap.String("tenant", event.TenantID),
			zap.Error(err),
		)

		return OutcomeStoreFailed, decision
	}

	return OutcomeAccepted, decision
}

// Shutdown stops the consumer and waits for in-flight messages to complete.
func (i *Intake) Shutdown() error {
	if i.cancel != nil {
		i.cancel()
	}

	<-i.done

	return i.subscriber.Close()
}
