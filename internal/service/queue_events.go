package service

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/office-hours-api/internal/models"
	"github.com/noah-isme/office-hours-api/pkg/events"
)

// QueueEventBus adapts the generic dispatcher to queue events. Publish
// failures are logged and swallowed so a saturated bus never fails a
// committed transition.
type QueueEventBus struct {
	dispatcher *events.Dispatcher
	metrics    *MetricsService
	logger     *zap.Logger
}

// NewQueueEventBus wraps a dispatcher.
func NewQueueEventBus(dispatcher *events.Dispatcher, metrics *MetricsService, logger *zap.Logger) *QueueEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueEventBus{dispatcher: dispatcher, metrics: metrics, logger: logger}
}

// PublishQueueEvent fans the event out to subscribed bridges.
func (b *QueueEventBus) PublishQueueEvent(event models.QueueEvent) {
	if b == nil || b.dispatcher == nil {
		return
	}
	err := b.dispatcher.Publish(events.Event{
		ID:      uuid.NewString(),
		Kind:    string(event.Kind),
		Payload: event,
	})
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordEventDropped()
		}
		b.logger.Warn("queue event publish failed",
			zap.String("kind", string(event.Kind)),
			zap.String("instructor_id", event.InstructorID),
			zap.Error(err))
	}
}
