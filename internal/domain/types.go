package domain

import (
	"encoding/json"
	"time"
)

// TaskRecord is the single pending delayed action for a subject.
type TaskRecord struct {
	SubjectID string          `json:"subject_id"`
	TaskID    string          `json:"task_id"`
	FireAt    time.Time       `json:"fire_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Firing    bool            `json:"firing,omitempty"` // action callback already claimed
	CreatedAt time.Time       `json:"created_at"`
}

// Remaining returns the delay left until FireAt, never negative.
func (r TaskRecord) Remaining(now time.Time) time.Duration {
	d := r.FireAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

type ImmunityRecord struct {
	SubjectID string    `json:"subject_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the immunity window is still open at now.
func (r ImmunityRecord) Active(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

type EventKind string

const (
	EventPreWarning           EventKind = "pre_warning"
	EventFired                EventKind = "fired"
	EventSkippedDueToImmunity EventKind = "skipped_immunity"
)

// Event is emitted to action sinks when a scheduled action warns, fires or is suppressed.
type Event struct {
	Kind      EventKind       `json:"kind"`
	SubjectID string          `json:"subject_id"`
	TaskID    string          `json:"task_id"`
	FireAt    time.Time       `json:"fire_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	At        time.Time       `json:"at"`
}

func NewEvent(kind EventKind, rec TaskRecord, at time.Time) Event {
	return Event{
		Kind:      kind,
		SubjectID: rec.SubjectID,
		TaskID:    rec.TaskID,
		FireAt:    rec.FireAt,
		Metadata:  rec.Metadata,
		At:        at,
	}
}
