package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/office-hours-api/internal/models"
)

const queueColumns = "id, instructor_id, student_id, schedule_id, question, status, day_of_week, start_time, end_time, joined_at, admitted_at, completed_at"

// QueueStore is the set of queue operations available inside the
// per-instructor serialization boundary.
type QueueStore interface {
	FindByID(ctx context.Context, id string) (*models.QueueEntry, error)
	FindLiveByStudent(ctx context.Context, instructorID, studentID string) (*models.QueueEntry, error)
	ListWaiting(ctx context.Context, instructorID string) ([]models.QueueEntry, error)
	Insert(ctx context.Context, entry *models.QueueEntry) error
	UpdateStatus(ctx context.Context, entry *models.QueueEntry) error
}

// QueueRepository provides persistence for queue entries. All state-changing
// access goes through InstructorTx so that join/admit/complete/cancel for one
// instructor are linearized; read methods run lock-free.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// InstructorTx runs fn inside a transaction holding the instructor's advisory
// lock. The lock is keyed by instructor id, so different instructors' queues
// never contend. It is released on commit and on every error path.
func (r *QueueRepository) InstructorTx(ctx context.Context, instructorID string, fn func(store QueueStore) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin instructor tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instructorID); err != nil {
		return fmt.Errorf("acquire instructor lock: %w", err)
	}

	if err := fn(&txQueueStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit instructor tx: %w", err)
	}
	return nil
}

// FindByID loads a queue entry by id.
func (r *QueueRepository) FindByID(ctx context.Context, id string) (*models.QueueEntry, error) {
	return findQueueEntryByID(ctx, r.db, id)
}

// FindLiveByStudent returns the student's waiting or admitted entry with the
// instructor, if any.
func (r *QueueRepository) FindLiveByStudent(ctx context.Context, instructorID, studentID string) (*models.QueueEntry, error) {
	return findLiveQueueEntry(ctx, r.db, instructorID, studentID)
}

// ListWaiting returns waiting entries in FIFO order.
func (r *QueueRepository) ListWaiting(ctx context.Context, instructorID string) ([]models.QueueEntry, error) {
	return listWaitingEntries(ctx, r.db, instructorID)
}

// ListActive returns waiting and admitted entries in join order.
func (r *QueueRepository) ListActive(ctx context.Context, instructorID string) ([]models.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE instructor_id = $1 AND status IN ($2, $3) ORDER BY joined_at ASC, id ASC`, queueColumns)
	var entries []models.QueueEntry
	if err := r.db.SelectContext(ctx, &entries, query, instructorID, models.QueueStatusWaiting, models.QueueStatusAdmitted); err != nil {
		return nil, fmt.Errorf("list active queue entries: %w", err)
	}
	return entries, nil
}

// ListHistory returns the most recent entries for an instructor regardless of
// status, newest first.
func (r *QueueRepository) ListHistory(ctx context.Context, instructorID string, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE instructor_id = $1 ORDER BY joined_at DESC LIMIT %d`, queueColumns, limit)
	var entries []models.QueueEntry
	if err := r.db.SelectContext(ctx, &entries, query, instructorID); err != nil {
		return nil, fmt.Errorf("list queue history: %w", err)
	}
	return entries, nil
}

// Stats counts entries by status; completed is restricted to completions at
// or after the provided cutoff.
func (r *QueueRepository) Stats(ctx context.Context, instructorID string, completedSince time.Time) (models.QueueStats, error) {
	const query = `SELECT
		COUNT(*) FILTER (WHERE status = $2) AS waiting,
		COUNT(*) FILTER (WHERE status = $3) AS admitted,
		COUNT(*) FILTER (WHERE status = $4 AND completed_at >= $5) AS completed
		FROM queue_entries WHERE instructor_id = $1`
	var stats models.QueueStats
	if err := r.db.GetContext(ctx, &stats, query, instructorID,
		models.QueueStatusWaiting, models.QueueStatusAdmitted, models.QueueStatusCompleted, completedSince); err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// txQueueStore exposes QueueStore operations bound to the lock-holding tx.
type txQueueStore struct {
	tx *sqlx.Tx
}

func (s *txQueueStore) FindByID(ctx context.Context, id string) (*models.QueueEntry, error) {
	return findQueueEntryByID(ctx, s.tx, id)
}

func (s *txQueueStore) FindLiveByStudent(ctx context.Context, instructorID, studentID string) (*models.QueueEntry, error) {
	return findLiveQueueEntry(ctx, s.tx, instructorID, studentID)
}

func (s *txQueueStore) ListWaiting(ctx context.Context, instructorID string) ([]models.QueueEntry, error) {
	return listWaitingEntries(ctx, s.tx, instructorID)
}

func (s *txQueueStore) Insert(ctx context.Context, entry *models.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = time.Now().UTC()
	}
	const query = `INSERT INTO queue_entries (id, instructor_id, student_id, schedule_id, question, status, day_of_week, start_time, end_time, joined_at, admitted_at, completed_at)
		VALUES (:id, :instructor_id, :student_id, :schedule_id, :question, :status, :day_of_week, :start_time, :end_time, :joined_at, :admitted_at, :completed_at)`
	if _, err := s.tx.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (s *txQueueStore) UpdateStatus(ctx context.Context, entry *models.QueueEntry) error {
	const query = `UPDATE queue_entries SET status = :status, admitted_at = :admitted_at, completed_at = :completed_at WHERE id = :id`
	if _, err := s.tx.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("update queue entry status: %w", err)
	}
	return nil
}

func findQueueEntryByID(ctx context.Context, q sqlx.QueryerContext, id string) (*models.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE id = $1`, queueColumns)
	var entry models.QueueEntry
	if err := sqlx.GetContext(ctx, q, &entry, query, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

func findLiveQueueEntry(ctx context.Context, q sqlx.QueryerContext, instructorID, studentID string) (*models.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE instructor_id = $1 AND student_id = $2 AND status IN ($3, $4) LIMIT 1`, queueColumns)
	var entry models.QueueEntry
	if err := sqlx.GetContext(ctx, q, &entry, query, instructorID, studentID, models.QueueStatusWaiting, models.QueueStatusAdmitted); err != nil {
		return nil, err
	}
	return &entry, nil
}

func listWaitingEntries(ctx context.Context, q sqlx.QueryerContext, instructorID string) ([]models.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE instructor_id = $1 AND status = $2 ORDER BY joined_at ASC, id ASC`, queueColumns)
	var entries []models.QueueEntry
	if err := sqlx.SelectContext(ctx, q, &entries, query, instructorID, models.QueueStatusWaiting); err != nil {
		return nil, fmt.Errorf("list waiting queue entries: %w", err)
	}
	return entries, nil
}
