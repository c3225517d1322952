package models

import "time"

// QueueStatus represents the lifecycle of a queue entry.
type QueueStatus string

// Possible queue entry statuses. WAITING and ADMITTED are the live states;
// COMPLETED and CANCELLED are terminal.
const (
	QueueStatusWaiting   QueueStatus = "WAITING"
	QueueStatusAdmitted  QueueStatus = "ADMITTED"
	QueueStatusCompleted QueueStatus = "COMPLETED"
	QueueStatusCancelled QueueStatus = "CANCELLED"
)

// Live reports whether the status counts against the one-live-entry rule.
func (s QueueStatus) Live() bool {
	return s == QueueStatusWaiting || s == QueueStatusAdmitted
}

// Terminal reports whether the status admits no further transitions.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusCancelled
}

// QueueEntry is one student's request to be seen by an instructor.
// DayOfWeek/StartTime/EndTime are a snapshot of the schedule window taken at
// join time so later schedule edits or deletes do not corrupt history.
// Position is derived at read time and never persisted.
type QueueEntry struct {
	ID           string      `db:"id" json:"id"`
	InstructorID string      `db:"instructor_id" json:"instructor_id"`
	StudentID    string      `db:"student_id" json:"student_id"`
	ScheduleID   *string     `db:"schedule_id" json:"schedule_id,omitempty"`
	Question     string      `db:"question" json:"question,omitempty"`
	Status       QueueStatus `db:"status" json:"status"`
	DayOfWeek    int         `db:"day_of_week" json:"day_of_week"`
	StartTime    string      `db:"start_time" json:"start_time"`
	EndTime      string      `db:"end_time" json:"end_time"`
	JoinedAt     time.Time   `db:"joined_at" json:"joined_at"`
	AdmittedAt   *time.Time  `db:"admitted_at" json:"admitted_at,omitempty"`
	CompletedAt  *time.Time  `db:"completed_at" json:"completed_at,omitempty"`

	Position int `db:"-" json:"position,omitempty"`
}

// QueueStats are per-instructor counts by status. Completed is scoped to the
// current UTC day to keep the number meaningful for a dashboard.
type QueueStats struct {
	Waiting   int `db:"waiting" json:"waiting"`
	Admitted  int `db:"admitted" json:"admitted"`
	Completed int `db:"completed" json:"completed"`
}

// QueueSnapshot is the instructor dashboard view of one queue.
type QueueSnapshot struct {
	Entries []QueueEntry `json:"queue"`
	Stats   QueueStats   `json:"stats"`
}

// StudentQueueStatus is the student-facing projection of their own entry.
type StudentQueueStatus struct {
	InQueue  bool        `json:"in_queue"`
	Entry    *QueueEntry `json:"entry,omitempty"`
	Position int         `json:"position,omitempty"`
}

// QueueEventKind identifies a queue state transition.
type QueueEventKind string

const (
	QueueEventJoined    QueueEventKind = "JOINED"
	QueueEventAdmitted  QueueEventKind = "ADMITTED"
	QueueEventCompleted QueueEventKind = "COMPLETED"
	QueueEventCancelled QueueEventKind = "CANCELLED"
)

// QueueEvent is published after a transition commits. Entry is a snapshot of
// the row at commit time.
type QueueEvent struct {
	Kind         QueueEventKind `json:"kind"`
	InstructorID string         `json:"instructor_id"`
	StudentID    string         `json:"student_id"`
	Entry        QueueEntry     `json:"entry"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
