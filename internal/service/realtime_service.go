package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/office-hours-api/internal/models"
	"github.com/noah-isme/office-hours-api/pkg/events"
)

// RealtimeService is the realtime bridge: it pushes committed queue events
// onto a per-instructor Redis channel that websocket gateways subscribe to.
type RealtimeService struct {
	client        *redis.Client
	channelPrefix string
	enabled       bool
	logger        *zap.Logger
}

// NewRealtimeService creates a realtime publisher.
func NewRealtimeService(client *redis.Client, channelPrefix string, enabled bool, logger *zap.Logger) *RealtimeService {
	if channelPrefix == "" {
		channelPrefix = "queue:events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeService{client: client, channelPrefix: channelPrefix, enabled: enabled, logger: logger}
}

// HandleQueueEvent is the dispatcher subscription.
func (s *RealtimeService) HandleQueueEvent(ctx context.Context, event events.Event) error {
	if !s.enabled || s.client == nil {
		return nil
	}
	queueEvent, ok := event.Payload.(models.QueueEvent)
	if !ok {
		s.logger.Warn("realtime bridge received unexpected payload", zap.String("kind", event.Kind))
		return nil
	}

	payload, err := json.Marshal(queueEvent)
	if err != nil {
		s.logger.Error("failed to marshal queue event", zap.Error(err))
		return nil
	}

	channel := fmt.Sprintf("%s:%s", s.channelPrefix, queueEvent.InstructorID)
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish queue event to %s: %w", channel, err)
	}
	return nil
}
