package service

import (
	"context"
	"database/sql"
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/office-hours-api/internal/models"
	appErrors "github.com/noah-isme/office-hours-api/pkg/errors"
)

type scheduleRepository interface {
	ListByInstructor(ctx context.Context, instructorID string) ([]models.Schedule, error)
	FindByID(ctx context.Context, id string) (*models.Schedule, error)
	FindDuplicate(ctx context.Context, instructorID string, dayOfWeek int, startTime, endTime string) ([]models.Schedule, error)
	IsJoinable(ctx context.Context, instructorID, scheduleID string) (bool, error)
	Create(ctx context.Context, schedule *models.Schedule) error
	Update(ctx context.Context, schedule *models.Schedule) error
	Delete(ctx context.Context, id string) error
}

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// CreateScheduleRequest describes the payload for a new availability window.
type CreateScheduleRequest struct {
	DayOfWeek int    `json:"day_of_week" validate:"min=0,max=6"`
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
}

// UpdateScheduleRequest patches an existing window. Nil fields are left as is.
type UpdateScheduleRequest struct {
	DayOfWeek *int    `json:"day_of_week" validate:"omitempty,min=0,max=6"`
	StartTime *string `json:"start_time"`
	EndTime   *string `json:"end_time"`
	IsActive  *bool   `json:"is_active"`
}

// ScheduleService manages instructor availability windows. Deactivating or
// deleting a window never touches queue entries; they carry their own copy of
// the window and keep moving through the state machine.
type ScheduleService struct {
	repo      scheduleRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewScheduleService creates a schedule service.
func NewScheduleService(repo scheduleRepository, validate *validator.Validate, logger *zap.Logger) *ScheduleService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleService{repo: repo, validator: validate, logger: logger}
}

// ListByInstructor returns the instructor's windows ordered by day and time.
func (s *ScheduleService) ListByInstructor(ctx context.Context, instructorID string) ([]models.Schedule, error) {
	schedules, err := s.repo.ListByInstructor(ctx, instructorID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to list schedules")
	}
	return schedules, nil
}

// Create registers a new availability window for the instructor.
func (s *ScheduleService) Create(ctx context.Context, instructorID string, req CreateScheduleRequest) (*models.Schedule, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid schedule payload")
	}
	if err := validateWindow(req.StartTime, req.EndTime); err != nil {
		return nil, err
	}

	dupes, err := s.repo.FindDuplicate(ctx, instructorID, req.DayOfWeek, req.StartTime, req.EndTime)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to check schedule duplicates")
	}
	if len(dupes) > 0 {
		return nil, appErrors.Clone(appErrors.ErrConflict, "an identical active schedule already exists")
	}

	schedule := &models.Schedule{
		InstructorID: instructorID,
		DayOfWeek:    req.DayOfWeek,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		IsActive:     true,
	}
	if err := s.repo.Create(ctx, schedule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to create schedule")
	}

	s.logger.Info("schedule created",
		zap.String("schedule_id", schedule.ID),
		zap.String("instructor_id", instructorID),
		zap.Int("day_of_week", schedule.DayOfWeek))
	return schedule, nil
}

// Update patches the instructor's window.
func (s *ScheduleService) Update(ctx context.Context, instructorID, scheduleID string, req UpdateScheduleRequest) (*models.Schedule, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid schedule payload")
	}

	schedule, err := s.ownedSchedule(ctx, instructorID, scheduleID)
	if err != nil {
		return nil, err
	}

	if req.DayOfWeek != nil {
		schedule.DayOfWeek = *req.DayOfWeek
	}
	if req.StartTime != nil {
		schedule.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		schedule.EndTime = *req.EndTime
	}
	if req.IsActive != nil {
		schedule.IsActive = *req.IsActive
	}
	if err := validateWindow(schedule.StartTime, schedule.EndTime); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, schedule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to update schedule")
	}
	return schedule, nil
}

// Delete removes the instructor's window.
func (s *ScheduleService) Delete(ctx context.Context, instructorID, scheduleID string) error {
	if _, err := s.ownedSchedule(ctx, instructorID, scheduleID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, scheduleID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to delete schedule")
	}
	s.logger.Info("schedule deleted", zap.String("schedule_id", scheduleID), zap.String("instructor_id", instructorID))
	return nil
}

// IsJoinable reports whether the schedule is an active window of the
// instructor. The queue engine consults it before admitting a join.
func (s *ScheduleService) IsJoinable(ctx context.Context, instructorID, scheduleID string) (bool, error) {
	return s.repo.IsJoinable(ctx, instructorID, scheduleID)
}

// FindByID loads a schedule; persistence errors pass through unwrapped for
// callers that distinguish sql.ErrNoRows.
func (s *ScheduleService) FindByID(ctx context.Context, id string) (*models.Schedule, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *ScheduleService) ownedSchedule(ctx context.Context, instructorID, scheduleID string) (*models.Schedule, error) {
	schedule, err := s.repo.FindByID(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "schedule not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load schedule")
	}
	if schedule.InstructorID != instructorID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "schedule not found")
	}
	return schedule, nil
}

// validateWindow checks the HH:MM clock format and the start < end ordering.
// Zero-padded clock strings compare correctly as plain strings.
func validateWindow(start, end string) error {
	if !clockPattern.MatchString(start) || !clockPattern.MatchString(end) {
		return appErrors.Clone(appErrors.ErrValidation, "times must use 24h HH:MM format")
	}
	if start >= end {
		return appErrors.Clone(appErrors.ErrInvalidRange, "start time must be before end time")
	}
	return nil
}
