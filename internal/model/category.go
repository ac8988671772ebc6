package model

// Category is a named label a task may reference.
type Category struct {
	ID     uint   `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// DefaultCategories are seeded for a user who has none yet.
var DefaultCategories = []string{"Work", "Personal", "Shopping", "Health", "Study"}
