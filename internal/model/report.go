package model

import "time"

// ReportStats summarizes task activity over a report period.
type ReportStats struct {
	Total          int            `json:"total"`
	Created        int            `json:"created"`
	Completed      int            `json:"completed"`
	Current        int            `json:"current"`
	Pending        int            `json:"pending"`
	Overdue        int            `json:"overdue"`
	CompletionRate float64        `json:"completionRate"`
	ByCategory     map[string]int `json:"byCategory,omitempty"`
}

// Report is a stored narrative productivity report.
type Report struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	Title       string      `json:"title"`
	PeriodStart time.Time   `json:"periodStart"`
	PeriodEnd   time.Time   `json:"periodEnd"`
	Content     string      `json:"content"`
	Stats       ReportStats `json:"stats"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}
