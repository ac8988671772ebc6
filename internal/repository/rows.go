package repository

import (
	"time"

	"taskflow/internal/model"
)

type taskRow struct {
	ID                       string `gorm:"primaryKey"`
	UserID                   string `gorm:"index"`
	Title                    string
	Status                   string `gorm:"index"`
	DueDate                  *time.Time
	CompletedAt              *time.Time
	Notes                    string
	Category                 string
	RecurrenceType           string
	RecurrenceInterval       int
	RecurrenceEndDate        *time.Time
	RecurrenceMaxOccurrences *int
	IsRecurringInstance      bool   `gorm:"default:false"`
	ParentRecurringTaskID    string `gorm:"index"`
	Occurrence               int
	Version                  int64
	CreatedAt                time.Time
	UpdatedAt                time.Time
	Subtasks                 []subtaskRow `gorm:"foreignKey:TaskID"`
	URLs                     []taskURLRow `gorm:"foreignKey:TaskID"`
}

func (taskRow) TableName() string { return model.TableTasks }

type subtaskRow struct {
	ID        string `gorm:"primaryKey"`
	TaskID    string `gorm:"primaryKey"`
	Position  int
	Title     string
	Completed bool `gorm:"default:false"`
}

func (subtaskRow) TableName() string { return model.TableSubtasks }

type taskURLRow struct {
	ID       string `gorm:"primaryKey"`
	TaskID   string `gorm:"primaryKey"`
	Position int
	URL      string
}

func (taskURLRow) TableName() string { return model.TableTaskURLs }

// taskToRow maps every Task field onto its row. Adding a field to Task
// without extending this function and rowToTask is a bug.
func taskToRow(userID string, t model.Task) taskRow {
	row := taskRow{
		ID:                    t.ID,
		UserID:                userID,
		Title:                 t.Title,
		Status:                string(t.Status),
		DueDate:               t.DueDate,
		CompletedAt:           t.CompletedAt,
		Notes:                 t.Notes,
		Category:              t.Category,
		IsRecurringInstance:   t.IsRecurringInstance,
		ParentRecurringTaskID: t.ParentRecurringTaskID,
		Occurrence:            t.Occurrence,
		Version:               t.Version,
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
		Subtasks:              subtasksToRows(t.ID, t.Subtasks),
		URLs:                  urlsToRows(t.ID, t.URLs),
	}
	if rule := model.NormalizeRule(t.Recurrence); rule != nil {
		row.RecurrenceType = string(rule.Type)
		row.RecurrenceInterval = rule.Interval
		row.RecurrenceEndDate = rule.EndDate
		row.RecurrenceMaxOccurrences = rule.MaxOccurrences
	}
	return row
}

func rowToTask(row taskRow) model.Task {
	t := model.Task{
		ID:                    row.ID,
		Title:                 row.Title,
		Status:                model.Status(row.Status),
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
		DueDate:               row.DueDate,
		CompletedAt:           row.CompletedAt,
		Notes:                 row.Notes,
		Category:              row.Category,
		IsRecurringInstance:   row.IsRecurringInstance,
		ParentRecurringTaskID: row.ParentRecurringTaskID,
		Occurrence:            row.Occurrence,
		Version:               row.Version,
	}
	if row.RecurrenceType != "" && row.RecurrenceType != string(model.RecurrenceNone) {
		t.Recurrence = &model.RecurrenceRule{
			Type:           model.RecurrenceType(row.RecurrenceType),
			Interval:       row.RecurrenceInterval,
			EndDate:        row.RecurrenceEndDate,
			MaxOccurrences: row.RecurrenceMaxOccurrences,
		}
	}
	for _, s := range row.Subtasks {
		t.Subtasks = append(t.Subtasks, model.Subtask{ID: s.ID, Title: s.Title, Completed: s.Completed})
	}
	for _, u := range row.URLs {
		t.URLs = append(t.URLs, model.URL{ID: u.ID, URL: u.URL})
	}
	return t
}

// taskColumns lists the mutable columns written by an update.
func taskColumns(row taskRow) map[string]interface{} {
	return map[string]interface{}{
		"title":                      row.Title,
		"status":                     row.Status,
		"due_date":                   row.DueDate,
		"completed_at":               row.CompletedAt,
		"notes":                      row.Notes,
		"category":                   row.Category,
		"recurrence_type":            row.RecurrenceType,
		"recurrence_interval":        row.RecurrenceInterval,
		"recurrence_end_date":        row.RecurrenceEndDate,
		"recurrence_max_occurrences": row.RecurrenceMaxOccurrences,
		"is_recurring_instance":      row.IsRecurringInstance,
		"parent_recurring_task_id":   row.ParentRecurringTaskID,
		"occurrence":                 row.Occurrence,
	}
}

func subtasksToRows(taskID string, subtasks []model.Subtask) []subtaskRow {
	if len(subtasks) == 0 {
		return nil
	}
	rows := make([]subtaskRow, 0, len(subtasks))
	for i, s := range subtasks {
		rows = append(rows, subtaskRow{ID: s.ID, TaskID: taskID, Position: i, Title: s.Title, Completed: s.Completed})
	}
	return rows
}

func urlsToRows(taskID string, urls []model.URL) []taskURLRow {
	if len(urls) == 0 {
		return nil
	}
	rows := make([]taskURLRow, 0, len(urls))
	for i, u := range urls {
		rows = append(rows, taskURLRow{ID: u.ID, TaskID: taskID, Position: i, URL: u.URL})
	}
	return rows
}
