package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/office-hours-api/internal/models"
	"github.com/noah-isme/office-hours-api/internal/repository"
	appErrors "github.com/noah-isme/office-hours-api/pkg/errors"
)

type queueRepository interface {
	InstructorTx(ctx context.Context, instructorID string, fn func(store repository.QueueStore) error) error
	FindByID(ctx context.Context, id string) (*models.QueueEntry, error)
	FindLiveByStudent(ctx context.Context, instructorID, studentID string) (*models.QueueEntry, error)
	ListWaiting(ctx context.Context, instructorID string) ([]models.QueueEntry, error)
	ListActive(ctx context.Context, instructorID string) ([]models.QueueEntry, error)
	Stats(ctx context.Context, instructorID string, completedSince time.Time) (models.QueueStats, error)
}

type scheduleChecker interface {
	IsJoinable(ctx context.Context, instructorID, scheduleID string) (bool, error)
	FindByID(ctx context.Context, id string) (*models.Schedule, error)
}

type queueEventPublisher interface {
	PublishQueueEvent(event models.QueueEvent)
}

// JoinQueueRequest describes the payload for joining an instructor's queue.
type JoinQueueRequest struct {
	InstructorID string `json:"instructor_id" validate:"required"`
	ScheduleID   string `json:"schedule_id" validate:"required"`
	Question     string `json:"question"`
}

// JoinQueueResult is the entry plus its derived position at join time.
type JoinQueueResult struct {
	Entry    *models.QueueEntry `json:"entry"`
	Position int                `json:"position"`
}

// QueueService is the office hours queue engine. It owns the entry state
// machine and serializes all state-changing operations per instructor through
// the repository's InstructorTx boundary. Positions are derived on every
// read, never stored. Events reach the bridges only after commit.
type QueueService struct {
	repo           queueRepository
	schedules      scheduleChecker
	publisher      queueEventPublisher
	cache          *CacheService
	metrics        *MetricsService
	validator      *validator.Validate
	logger         *zap.Logger
	maxQuestionLen int
}

// NewQueueService instantiates the queue engine.
func NewQueueService(repo queueRepository, schedules scheduleChecker, publisher queueEventPublisher, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, maxQuestionLen int) *QueueService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxQuestionLen <= 0 {
		maxQuestionLen = 500
	}
	return &QueueService{
		repo:           repo,
		schedules:      schedules,
		publisher:      publisher,
		cache:          cache,
		metrics:        metrics,
		validator:      validate,
		logger:         logger,
		maxQuestionLen: maxQuestionLen,
	}
}

// Join places the student in the instructor's queue. A retried join while a
// live entry exists returns that entry instead of erroring, so the operation
// is idempotent under client retries.
func (s *QueueService) Join(ctx context.Context, studentID string, req JoinQueueRequest) (*JoinQueueResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid join payload")
	}
	question := strings.TrimSpace(req.Question)
	if len(question) > s.maxQuestionLen {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("question exceeds %d characters", s.maxQuestionLen))
	}

	var (
		result  models.QueueEntry
		pos     int
		created bool
	)

	err := s.repo.InstructorTx(ctx, req.InstructorID, func(store repository.QueueStore) error {
		joinable, err := s.schedules.IsJoinable(ctx, req.InstructorID, req.ScheduleID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to check schedule")
		}
		if !joinable {
			return appErrors.Clone(appErrors.ErrScheduleNotJoinable, "")
		}

		existing, err := store.FindLiveByStudent(ctx, req.InstructorID, studentID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to check existing entry")
		}
		if existing != nil {
			result = *existing
			waiting, err := store.ListWaiting(ctx, req.InstructorID)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to compute position")
			}
			pos = positionOf(waiting, existing.ID)
			return nil
		}

		sched, err := s.schedules.FindByID(ctx, req.ScheduleID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrScheduleNotJoinable, "")
			}
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load schedule")
		}

		scheduleID := sched.ID
		entry := models.QueueEntry{
			InstructorID: req.InstructorID,
			StudentID:    studentID,
			ScheduleID:   &scheduleID,
			Question:     question,
			Status:       models.QueueStatusWaiting,
			DayOfWeek:    sched.DayOfWeek,
			StartTime:    sched.StartTime,
			EndTime:      sched.EndTime,
			JoinedAt:     time.Now().UTC(),
		}
		if err := store.Insert(ctx, &entry); err != nil {
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to create queue entry")
		}

		waiting, err := store.ListWaiting(ctx, req.InstructorID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to compute position")
		}
		pos = positionOf(waiting, entry.ID)
		result = entry
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Position = pos
	if created {
		s.afterTransition(ctx, models.QueueEventJoined, &result)
	}
	return &JoinQueueResult{Entry: &result, Position: pos}, nil
}

// Admit moves a waiting entry to admitted. The instructor may admit any
// waiting entry, not just the head of the line.
func (s *QueueService) Admit(ctx context.Context, instructorID, queueID string) (*models.QueueEntry, error) {
	entry, err := s.transition(ctx, instructorID, queueID, models.QueueStatusWaiting, models.QueueStatusAdmitted)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil && entry.AdmittedAt != nil {
		s.metrics.ObserveQueueWait(entry.AdmittedAt.Sub(entry.JoinedAt))
	}
	s.afterTransition(ctx, models.QueueEventAdmitted, entry)
	return entry, nil
}

// Complete moves an admitted entry to completed.
func (s *QueueService) Complete(ctx context.Context, instructorID, queueID string) (*models.QueueEntry, error) {
	entry, err := s.transition(ctx, instructorID, queueID, models.QueueStatusAdmitted, models.QueueStatusCompleted)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, models.QueueEventCompleted, entry)
	return entry, nil
}

// Cancel moves a live entry to cancelled. Students may cancel their own
// entries, instructors any entry in their queue. Cancelling an already
// terminal entry is a no-op so duplicate client requests stay harmless.
func (s *QueueService) Cancel(ctx context.Context, callerID string, role models.UserRole, queueID string) error {
	peek, err := s.repo.FindByID(ctx, queueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
		}
		return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load queue entry")
	}

	var (
		cancelled models.QueueEntry
		changed   bool
	)
	err = s.repo.InstructorTx(ctx, peek.InstructorID, func(store repository.QueueStore) error {
		entry, err := store.FindByID(ctx, queueID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
			}
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load queue entry")
		}

		switch role {
		case models.RoleStudent:
			if entry.StudentID != callerID {
				return appErrors.Clone(appErrors.ErrForbidden, "entry belongs to another student")
			}
		case models.RoleInstructor:
			if entry.InstructorID != callerID {
				return appErrors.Clone(appErrors.ErrForbidden, "entry belongs to another instructor's queue")
			}
		case models.RoleAdmin:
		default:
			return appErrors.Clone(appErrors.ErrForbidden, "")
		}

		if entry.Status.Terminal() {
			return nil
		}

		entry.Status = models.QueueStatusCancelled
		if err := store.UpdateStatus(ctx, entry); err != nil {
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to cancel queue entry")
		}
		cancelled = *entry
		changed = true
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		s.afterTransition(ctx, models.QueueEventCancelled, &cancelled)
	}
	return nil
}

// GetQueue returns the instructor's active entries with derived positions and
// counts by status. The snapshot may be served from a short-lived cache;
// writes invalidate it.
func (s *QueueService) GetQueue(ctx context.Context, instructorID string) (*models.QueueSnapshot, error) {
	cacheKey := queueSnapshotKey(instructorID)
	if s.cache.Enabled() {
		var cached models.QueueSnapshot
		if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
			return &cached, nil
		}
	}

	entries, err := s.repo.ListActive(ctx, instructorID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to list queue")
	}
	applyPositions(entries)

	stats, err := s.repo.Stats(ctx, instructorID, startOfUTCDay(time.Now().UTC()))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load queue stats")
	}

	if s.metrics != nil {
		s.metrics.SetQueueDepth(instructorID, stats.Waiting)
	}

	snapshot := &models.QueueSnapshot{Entries: entries, Stats: stats}
	if s.cache.Enabled() {
		_ = s.cache.Set(ctx, cacheKey, snapshot, 0)
	}
	return snapshot, nil
}

// GetMyStatus returns the student's own live entry and position, if any.
// Read-only; never takes the instructor lock.
func (s *QueueService) GetMyStatus(ctx context.Context, instructorID, studentID string) (*models.StudentQueueStatus, error) {
	entry, err := s.repo.FindLiveByStudent(ctx, instructorID, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.StudentQueueStatus{InQueue: false}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load queue status")
	}

	status := &models.StudentQueueStatus{InQueue: true, Entry: entry}
	if entry.Status == models.QueueStatusWaiting {
		waiting, err := s.repo.ListWaiting(ctx, instructorID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to compute position")
		}
		status.Position = positionOf(waiting, entry.ID)
		entry.Position = status.Position
	}
	return status, nil
}

// transition applies one owner-checked state machine step under the
// instructor lock and returns the updated entry.
func (s *QueueService) transition(ctx context.Context, instructorID, queueID string, from, to models.QueueStatus) (*models.QueueEntry, error) {
	var updated models.QueueEntry
	err := s.repo.InstructorTx(ctx, instructorID, func(store repository.QueueStore) error {
		entry, err := store.FindByID(ctx, queueID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
			}
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load queue entry")
		}
		if entry.InstructorID != instructorID {
			return appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
		}
		if entry.Status != from {
			return appErrors.Clone(appErrors.ErrInvalidTransition,
				fmt.Sprintf("entry is %s, expected %s", strings.ToLower(string(entry.Status)), strings.ToLower(string(from))))
		}

		now := time.Now().UTC()
		entry.Status = to
		switch to {
		case models.QueueStatusAdmitted:
			entry.AdmittedAt = &now
		case models.QueueStatusCompleted:
			entry.CompletedAt = &now
		}

		if err := store.UpdateStatus(ctx, entry); err != nil {
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to update queue entry")
		}
		updated = *entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// afterTransition runs the post-commit side effects: metrics, cache
// invalidation and event publication. None of them can fail the transition.
func (s *QueueService) afterTransition(ctx context.Context, kind models.QueueEventKind, entry *models.QueueEntry) {
	if s.metrics != nil {
		s.metrics.RecordQueueTransition(string(kind))
	}
	if s.cache.Enabled() {
		if err := s.cache.Invalidate(ctx, queueSnapshotKey(entry.InstructorID)); err != nil {
			s.logger.Warn("queue snapshot invalidation failed", zap.String("instructor_id", entry.InstructorID), zap.Error(err))
		}
	}
	if s.publisher != nil {
		s.publisher.PublishQueueEvent(models.QueueEvent{
			Kind:         kind,
			InstructorID: entry.InstructorID,
			StudentID:    entry.StudentID,
			Entry:        *entry,
			OccurredAt:   time.Now().UTC(),
		})
	}
}

// positionOf returns the 1-based FIFO rank of the entry among the waiting
// list, or 0 when the entry is not waiting. The list must already be ordered
// by (joined_at, id).
func positionOf(waiting []models.QueueEntry, id string) int {
	for i := range waiting {
		if waiting[i].ID == id {
			return i + 1
		}
	}
	return 0
}

// applyPositions stamps derived positions onto waiting entries in place.
func applyPositions(entries []models.QueueEntry) {
	pos := 0
	for i := range entries {
		if entries[i].Status == models.QueueStatusWaiting {
			pos++
			entries[i].Position = pos
		}
	}
}

func queueSnapshotKey(instructorID string) string {
	return "queue:snapshot:" + instructorID
}

func startOfUTCDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
