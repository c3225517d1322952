package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/office-hours-api/internal/models"
	appErrors "github.com/noah-isme/office-hours-api/pkg/errors"
)

type mockScheduleRepo struct {
	schedules map[string]models.Schedule
	deleted   []string
}

func newMockScheduleRepo() *mockScheduleRepo {
	return &mockScheduleRepo{schedules: make(map[string]models.Schedule)}
}

func (m *mockScheduleRepo) ListByInstructor(ctx context.Context, instructorID string) ([]models.Schedule, error) {
	var list []models.Schedule
	for _, sched := range m.schedules {
		if sched.InstructorID == instructorID {
			list = append(list, sched)
		}
	}
	return list, nil
}

func (m *mockScheduleRepo) FindByID(ctx context.Context, id string) (*models.Schedule, error) {
	if sched, ok := m.schedules[id]; ok {
		return &sched, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockScheduleRepo) FindDuplicate(ctx context.Context, instructorID string, dayOfWeek int, startTime, endTime string) ([]models.Schedule, error) {
	var dupes []models.Schedule
	for _, sched := range m.schedules {
		if sched.InstructorID == instructorID && sched.DayOfWeek == dayOfWeek &&
			sched.StartTime == startTime && sched.EndTime == endTime && sched.IsActive {
			dupes = append(dupes, sched)
		}
	}
	return dupes, nil
}

func (m *mockScheduleRepo) IsJoinable(ctx context.Context, instructorID, scheduleID string) (bool, error) {
	sched, ok := m.schedules[scheduleID]
	return ok && sched.InstructorID == instructorID && sched.IsActive, nil
}

func (m *mockScheduleRepo) Create(ctx context.Context, schedule *models.Schedule) error {
	if schedule.ID == "" {
		schedule.ID = "sched-new"
	}
	m.schedules[schedule.ID] = *schedule
	return nil
}

func (m *mockScheduleRepo) Update(ctx context.Context, schedule *models.Schedule) error {
	m.schedules[schedule.ID] = *schedule
	return nil
}

func (m *mockScheduleRepo) Delete(ctx context.Context, id string) error {
	delete(m.schedules, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func newScheduleServiceForTest() (*ScheduleService, *mockScheduleRepo) {
	repo := newMockScheduleRepo()
	return NewScheduleService(repo, validator.New(), zap.NewNop()), repo
}

func TestScheduleCreate(t *testing.T) {
	svc, _ := newScheduleServiceForTest()

	sched, err := svc.Create(context.Background(), "inst-1", CreateScheduleRequest{
		DayOfWeek: 3,
		StartTime: "09:00",
		EndTime:   "11:30",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sched.ID)
	assert.Equal(t, "inst-1", sched.InstructorID)
	assert.True(t, sched.IsActive)
}

func TestScheduleCreateRejectsInvertedWindow(t *testing.T) {
	svc, _ := newScheduleServiceForTest()

	_, err := svc.Create(context.Background(), "inst-1", CreateScheduleRequest{
		DayOfWeek: 3,
		StartTime: "16:00",
		EndTime:   "14:00",
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInvalidRange.Code, appErr.Code)
}

func TestScheduleCreateRejectsBadClockFormat(t *testing.T) {
	svc, _ := newScheduleServiceForTest()

	for _, bad := range []string{"9:00", "25:00", "14:61", "1400"} {
		_, err := svc.Create(context.Background(), "inst-1", CreateScheduleRequest{
			DayOfWeek: 1,
			StartTime: bad,
			EndTime:   "23:00",
		})
		var appErr *appErrors.Error
		require.ErrorAs(t, err, &appErr, "start %q should be rejected", bad)
		assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	}
}

func TestScheduleCreateRejectsDuplicateWindow(t *testing.T) {
	svc, repo := newScheduleServiceForTest()
	repo.schedules["sched-1"] = models.Schedule{
		ID: "sched-1", InstructorID: "inst-1", DayOfWeek: 3,
		StartTime: "09:00", EndTime: "11:30", IsActive: true,
	}

	_, err := svc.Create(context.Background(), "inst-1", CreateScheduleRequest{
		DayOfWeek: 3,
		StartTime: "09:00",
		EndTime:   "11:30",
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestScheduleUpdatePatchesFields(t *testing.T) {
	svc, repo := newScheduleServiceForTest()
	repo.schedules["sched-1"] = models.Schedule{
		ID: "sched-1", InstructorID: "inst-1", DayOfWeek: 3,
		StartTime: "09:00", EndTime: "11:30", IsActive: true,
	}

	inactive := false
	end := "12:00"
	updated, err := svc.Update(context.Background(), "inst-1", "sched-1", UpdateScheduleRequest{
		EndTime:  &end,
		IsActive: &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, "12:00", updated.EndTime)
	assert.False(t, updated.IsActive)
	assert.Equal(t, "09:00", updated.StartTime)
}

func TestScheduleUpdateEnforcesOwnership(t *testing.T) {
	svc, repo := newScheduleServiceForTest()
	repo.schedules["sched-1"] = models.Schedule{
		ID: "sched-1", InstructorID: "inst-1", DayOfWeek: 3,
		StartTime: "09:00", EndTime: "11:30", IsActive: true,
	}

	_, err := svc.Update(context.Background(), "inst-2", "sched-1", UpdateScheduleRequest{})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestScheduleDelete(t *testing.T) {
	svc, repo := newScheduleServiceForTest()
	repo.schedules["sched-1"] = models.Schedule{
		ID: "sched-1", InstructorID: "inst-1", DayOfWeek: 3,
		StartTime: "09:00", EndTime: "11:30", IsActive: true,
	}

	require.NoError(t, svc.Delete(context.Background(), "inst-1", "sched-1"))
	assert.Equal(t, []string{"sched-1"}, repo.deleted)

	err := svc.Delete(context.Background(), "inst-1", "sched-1")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}
