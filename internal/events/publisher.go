package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/serroba/ratekeeper-go/internal/retention"
	"go.uber.org/zap"
)

// Publish is a function that publishes a typed event.
type Publish[T any] func(event *T) error

// NewPublishFunc creates a typed publish function for a specific topic.
func NewPublishFunc[T any](publisher message.Publisher, topic string) Publish[T] {
	return func(event *T) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}

		msg := message.NewMessage(watermill.NewUUID(), payload)

		return publisher.Publish(topic, msg)
	}
}

// PurgeAuditHook returns a sweeper completion hook that publishes the run
// report as a PurgeCompletedEvent. Publish failures are logged only; an
// audit gap must not fail the sweep.
func PurgeAuditHook(publisher message.Publisher, logger *zap.Logger) func(retention.Report) {
	publish := NewPublishFunc[PurgeCompletedEvent](publisher, TopicPurgeCompleted)

	return func(report retention.Report) {
		if err := publish(&PurgeCompletedEvent{Report: report}); err != nil {
			logger.Error("failed to publish purge audit event",
				zap.String("run_id", report.RunID),
				zap.Error(err),
			)
		}
	}
}

// PublisherGroup manages the underlying publisher lifecycle.
type PublisherGroup struct {
	publisher message.Publisher
}

// NewPublisherGroup creates a new publisher group.
func NewPublisherGroup(publisher message.Publisher) *PublisherGroup {
	return &PublisherGroup{publisher: publisher}
}

// Publisher returns the underlying message publisher for creating typed
// publish functions.
func (g *PublisherGroup) Publisher() message.Publisher {
	return g.publisher
}

// Shutdown closes the underlying publisher.
func (g *PublisherGroup) Shutdown() error {
	return g.publisher.Close()
}
