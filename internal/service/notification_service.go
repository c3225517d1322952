package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/office-hours-api/internal/models"
	"github.com/noah-isme/office-hours-api/pkg/events"
	appErrors "github.com/noah-isme/office-hours-api/pkg/errors"
)

type notificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error)
	MarkRead(ctx context.Context, id, userID string) (bool, error)
}

// NotificationService is the notification bridge: it turns committed queue
// events into inbox rows and serves the inbox endpoints. A failed write only
// loses the notification, never the transition that caused it.
type NotificationService struct {
	repo   notificationRepository
	logger *zap.Logger
}

// NewNotificationService creates a notification service.
func NewNotificationService(repo notificationRepository, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{repo: repo, logger: logger}
}

// HandleQueueEvent is the dispatcher subscription. Returning an error lets
// the dispatcher retry the delivery.
func (s *NotificationService) HandleQueueEvent(ctx context.Context, event events.Event) error {
	queueEvent, ok := event.Payload.(models.QueueEvent)
	if !ok {
		s.logger.Warn("notification bridge received unexpected payload", zap.String("kind", event.Kind))
		return nil
	}

	notification := buildNotification(queueEvent)
	if notification == nil {
		return nil
	}
	if err := s.repo.Create(ctx, notification); err != nil {
		return fmt.Errorf("persist notification for %s: %w", event.Kind, err)
	}
	return nil
}

// List returns the user's inbox page plus pagination metadata.
func (s *NotificationService) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, *models.Pagination, error) {
	notifications, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to list notifications")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	return notifications, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// MarkRead acknowledges one notification for the user.
func (s *NotificationService) MarkRead(ctx context.Context, id, userID string) error {
	ok, err := s.repo.MarkRead(ctx, id, userID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to mark notification read")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
	}
	return nil
}

// buildNotification maps a queue transition to the inbox row for the party
// that needs to hear about it.
func buildNotification(event models.QueueEvent) *models.Notification {
	switch event.Kind {
	case models.QueueEventJoined:
		return &models.Notification{
			UserID: event.InstructorID,
			Kind:   string(event.Kind),
			Title:  "New student in your queue",
			Body:   "A student joined your office hours queue.",
		}
	case models.QueueEventAdmitted:
		return &models.Notification{
			UserID: event.StudentID,
			Kind:   string(event.Kind),
			Title:  "It's your turn",
			Body:   "The instructor is ready to see you now.",
		}
	case models.QueueEventCompleted:
		return &models.Notification{
			UserID: event.StudentID,
			Kind:   string(event.Kind),
			Title:  "Session completed",
			Body:   "Your office hours session was marked as completed.",
		}
	case models.QueueEventCancelled:
		return &models.Notification{
			UserID: event.InstructorID,
			Kind:   string(event.Kind),
			Title:  "Queue entry cancelled",
			Body:   "An entry in your office hours queue was cancelled.",
		}
	default:
		return nil
	}
}
