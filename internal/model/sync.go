package model

import "time"

// Tables published on the change feed.
const (
	TableTasks    = "tasks"
	TableSubtasks = "subtasks"
	TableTaskURLs = "task_urls"
)

// ChangeKind is the kind of row change carried by a ChangeEvent.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent notifies subscribers that a row in Table changed.
type ChangeEvent struct {
	Table string     `json:"table"`
	Kind  ChangeKind `json:"kind"`
	RowID string     `json:"rowId"`
	At    time.Time  `json:"at"`
}

// OperationKind names a queued offline mutation.
type OperationKind string

const (
	OpAdd        OperationKind = "add"
	OpUpdate     OperationKind = "update"
	OpDelete     OperationKind = "delete"
	OpBulkStatus OperationKind = "bulk_status"
)

// PendingOperation is a mutation applied locally while offline and not yet
// written to the remote store.
type PendingOperation struct {
	ID        string        `json:"id"`
	Kind      OperationKind `json:"kind"`
	TaskID    string        `json:"taskId,omitempty"`
	Task      *Task         `json:"task,omitempty"`
	TaskIDs   []string      `json:"taskIds,omitempty"`
	Status    Status        `json:"status,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
