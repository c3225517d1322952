package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/office-hours-api/internal/models"
)

func newQueueRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func queueRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "instructor_id", "student_id", "schedule_id", "question", "status", "day_of_week", "start_time", "end_time", "joined_at", "admitted_at", "completed_at"})
}

func TestQueueRepositoryListActive(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	rows := queueRows().
		AddRow("q-1", "inst-1", "stu-1", "sched-1", "goroutine leak", models.QueueStatusWaiting, 2, "14:00", "16:00", time.Now(), nil, nil).
		AddRow("q-2", "inst-1", "stu-2", "sched-1", "", models.QueueStatusAdmitted, 2, "14:00", "16:00", time.Now(), nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, instructor_id, student_id, schedule_id, question, status, day_of_week, start_time, end_time, joined_at, admitted_at, completed_at FROM queue_entries WHERE instructor_id = $1 AND status IN ($2, $3) ORDER BY joined_at ASC, id ASC")).
		WithArgs("inst-1", models.QueueStatusWaiting, models.QueueStatusAdmitted).
		WillReturnRows(rows)

	entries, err := repo.ListActive(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "stu-1", entries[0].StudentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryFindLiveByStudentNoRows(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM queue_entries WHERE instructor_id = $1 AND student_id = $2 AND status IN ($3, $4) LIMIT 1")).
		WithArgs("inst-1", "stu-1", models.QueueStatusWaiting, models.QueueStatusAdmitted).
		WillReturnRows(queueRows())

	_, err := repo.FindLiveByStudent(context.Background(), "inst-1", "stu-1")
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryStats(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	cutoff := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"waiting", "admitted", "completed"}).AddRow(3, 1, 7)
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(*) FILTER (WHERE status = $2)")).
		WithArgs("inst-1", models.QueueStatusWaiting, models.QueueStatusAdmitted, models.QueueStatusCompleted, cutoff).
		WillReturnRows(rows)

	stats, err := repo.Stats(context.Background(), "inst-1", cutoff)
	require.NoError(t, err)
	require.Equal(t, models.QueueStats{Waiting: 3, Admitted: 1, Completed: 7}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryInstructorTxAcquiresLockAndCommits(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("inst-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO queue_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.InstructorTx(context.Background(), "inst-1", func(store QueueStore) error {
		return store.Insert(context.Background(), &models.QueueEntry{
			InstructorID: "inst-1",
			StudentID:    "stu-1",
			Status:       models.QueueStatusWaiting,
			DayOfWeek:    2,
			StartTime:    "14:00",
			EndTime:      "16:00",
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryInstructorTxRollsBackOnError(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("inst-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	wantErr := errors.New("business rule failed")
	err := repo.InstructorTx(context.Background(), "inst-1", func(store QueueStore) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryListHistoryClampsLimit(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM queue_entries WHERE instructor_id = $1 ORDER BY joined_at DESC LIMIT 500")).
		WithArgs("inst-1").
		WillReturnRows(queueRows())

	entries, err := repo.ListHistory(context.Background(), "inst-1", -1)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoError(t, mock.ExpectationsWereMet())
}
