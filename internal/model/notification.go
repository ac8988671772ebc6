package model

import "time"

const NotificationOverdue = "overdue_tasks"

// Notification is a session-scoped alert. It is never persisted.
type Notification struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	Read        bool      `json:"read"`
	Tasks       []Task    `json:"tasks"`
}
