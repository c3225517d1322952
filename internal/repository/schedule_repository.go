package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/office-hours-api/internal/models"
)

const scheduleColumns = "id, instructor_id, day_of_week, start_time, end_time, is_active, created_at, updated_at"

// ScheduleRepository provides persistence for office hours schedules.
type ScheduleRepository struct {
	db *sqlx.DB
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sqlx.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// ListByInstructor returns an instructor's schedules ordered by day and time.
func (r *ScheduleRepository) ListByInstructor(ctx context.Context, instructorID string) ([]models.Schedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM office_hours_schedules WHERE instructor_id = $1 ORDER BY day_of_week ASC, start_time ASC`, scheduleColumns)
	var schedules []models.Schedule
	if err := r.db.SelectContext(ctx, &schedules, query, instructorID); err != nil {
		return nil, fmt.Errorf("list schedules by instructor: %w", err)
	}
	return schedules, nil
}

// FindByID loads a schedule by id.
func (r *ScheduleRepository) FindByID(ctx context.Context, id string) (*models.Schedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM office_hours_schedules WHERE id = $1`, scheduleColumns)
	var sched models.Schedule
	if err := r.db.GetContext(ctx, &sched, query, id); err != nil {
		return nil, err
	}
	return &sched, nil
}

// FindDuplicate returns active schedules of the instructor with an identical
// (day, start, end) window, used for advisory duplicate detection.
func (r *ScheduleRepository) FindDuplicate(ctx context.Context, instructorID string, dayOfWeek int, startTime, endTime string) ([]models.Schedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM office_hours_schedules WHERE instructor_id = $1 AND day_of_week = $2 AND start_time = $3 AND end_time = $4 AND is_active = TRUE`, scheduleColumns)
	var schedules []models.Schedule
	if err := r.db.SelectContext(ctx, &schedules, query, instructorID, dayOfWeek, startTime, endTime); err != nil {
		return nil, fmt.Errorf("find duplicate schedules: %w", err)
	}
	return schedules, nil
}

// IsJoinable reports whether the schedule exists, belongs to the instructor
// and is active. Used inside the join path.
func (r *ScheduleRepository) IsJoinable(ctx context.Context, instructorID, scheduleID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM office_hours_schedules WHERE id = $1 AND instructor_id = $2 AND is_active = TRUE)`
	var joinable bool
	if err := r.db.GetContext(ctx, &joinable, query, scheduleID, instructorID); err != nil {
		return false, fmt.Errorf("check schedule joinable: %w", err)
	}
	return joinable, nil
}

// Create stores a new schedule record.
func (r *ScheduleRepository) Create(ctx context.Context, schedule *models.Schedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now

	const query = `INSERT INTO office_hours_schedules (id, instructor_id, day_of_week, start_time, end_time, is_active, created_at, updated_at)
		VALUES (:id, :instructor_id, :day_of_week, :start_time, :end_time, :is_active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, schedule); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// Update modifies a schedule record.
func (r *ScheduleRepository) Update(ctx context.Context, schedule *models.Schedule) error {
	schedule.UpdatedAt = time.Now().UTC()
	const query = `UPDATE office_hours_schedules SET day_of_week = :day_of_week, start_time = :start_time, end_time = :end_time, is_active = :is_active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, schedule); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return nil
}

// Delete removes a schedule by id. Queue entries keep their denormalized
// window so the reference going dangling is harmless.
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM office_hours_schedules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
