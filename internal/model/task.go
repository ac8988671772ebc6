package model

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusCurrent   Status = "current"
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCurrent, StatusCompleted, StatusPending:
		return true
	}
	return false
}

var (
	ErrEmptyTitle    = errors.New("title is required")
	ErrInvalidStatus = errors.New("invalid status")
)

// Subtask is a checklist item owned by a task.
type Subtask struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// URL is a link attached to a task.
type URL struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Task represents a single item in the planner.
type Task struct {
	ID                    string          `json:"id"`
	Title                 string          `json:"title"`
	Status                Status          `json:"status"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
	DueDate               *time.Time      `json:"dueDate,omitempty"`
	CompletedAt           *time.Time      `json:"completedAt,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
	Category              string          `json:"category,omitempty"`
	Subtasks              []Subtask       `json:"subtasks,omitempty"`
	URLs                  []URL           `json:"urls,omitempty"`
	Recurrence            *RecurrenceRule `json:"recurrence,omitempty"`
	IsRecurringInstance   bool            `json:"isRecurringInstance,omitempty"`
	ParentRecurringTaskID string          `json:"parentRecurringTaskId,omitempty"`
	// Occurrence is the 1-based position of the task within its recurring lineage.
	Occurrence int   `json:"occurrence,omitempty"`
	Version    int64 `json:"version"`
}

// Clone returns a deep copy so callers can mutate slices and pointers freely.
func (t Task) Clone() Task {
	out := t
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	if t.Subtasks != nil {
		out.Subtasks = append([]Subtask(nil), t.Subtasks...)
	}
	if t.URLs != nil {
		out.URLs = append([]URL(nil), t.URLs...)
	}
	if t.Recurrence != nil {
		r := t.Recurrence.Clone()
		out.Recurrence = &r
	}
	return out
}

// LineageRoot returns the id of the first task in the recurring lineage.
func (t Task) LineageRoot() string {
	if t.ParentRecurringTaskID != "" {
		return t.ParentRecurringTaskID
	}
	return t.ID
}

// AllSubtasksCompleted reports whether the task has subtasks and all of them are done.
func (t Task) AllSubtasksCompleted() bool {
	if len(t.Subtasks) == 0 {
		return false
	}
	for _, st := range t.Subtasks {
		if !st.Completed {
			return false
		}
	}
	return true
}

// Matches reports whether the query appears in the title or notes, ignoring case.
func (t Task) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(t.Title), q) ||
		strings.Contains(strings.ToLower(t.Notes), q)
}

// NewTask is the input for creating a task.
type NewTask struct {
	Title      string
	Notes      string
	Category   string
	DueDate    *time.Time
	Subtasks   []string
	URLs       []string
	Recurrence *RecurrenceRule
}

// Validate checks the input shape before a task is built from it.
func (n NewTask) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return ErrEmptyTitle
	}
	if n.Recurrence != nil {
		return n.Recurrence.Validate()
	}
	return nil
}

// TaskUpdate describes a partial edit. Nil fields are left unchanged.
type TaskUpdate struct {
	Title      *string
	Status     *Status
	Notes      *string
	Category   *string
	DueDate    *time.Time
	Subtasks   *[]Subtask
	URLs       *[]URL
	Recurrence *RecurrenceRule

	ClearDueDate    bool
	ClearRecurrence bool
}

// Validate checks the update shape.
func (u TaskUpdate) Validate() error {
	if u.Title != nil && strings.TrimSpace(*u.Title) == "" {
		return ErrEmptyTitle
	}
	if u.Status != nil && !u.Status.Valid() {
		return ErrInvalidStatus
	}
	if u.Recurrence != nil {
		return u.Recurrence.Validate()
	}
	return nil
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
