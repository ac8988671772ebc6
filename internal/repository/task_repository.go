package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"taskflow/internal/model"
)

// TaskRepository handles CRUD for tasks and their subtasks and URLs.
type TaskRepository struct {
	db   *gorm.DB
	feed *ChangeFeed
	now  func() time.Time
}

func NewTaskRepository(db *gorm.DB, feed *ChangeFeed) *TaskRepository {
	return &TaskRepository{db: db, feed: feed, now: time.Now}
}

// ListByUser returns all tasks of a user, newest first, with children in order.
func (r *TaskRepository) ListByUser(ctx context.Context, userID string) ([]model.Task, error) {
	var rows []taskRow
	err := r.db.WithContext(ctx).
		Preload("Subtasks", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("URLs", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]model.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, rowToTask(row))
	}
	return tasks, nil
}

// FindByID returns a single task.
func (r *TaskRepository) FindByID(ctx context.Context, userID, taskID string) (model.Task, error) {
	var row taskRow
	err := r.db.WithContext(ctx).
		Preload("Subtasks", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("URLs", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("user_id = ? AND id = ?", userID, taskID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Task{}, model.ErrNotFound
		}
		return model.Task{}, fmt.Errorf("find task: %w", err)
	}
	return rowToTask(row), nil
}

// Insert stores a new task under a server-assigned id and returns the stored
// copy. The id carried by task is ignored.
func (r *TaskRepository) Insert(ctx context.Context, userID string, task model.Task) (model.Task, error) {
	now := r.now()
	task = task.Clone()
	task.ID = uuid.NewString()
	task.Version = 1
	task.UpdatedAt = now
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	assignChildIDs(&task)

	row := taskToRow(userID, task)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}

	r.publish(model.ChangeInsert, task)
	return task, nil
}

// Update writes task if its version still matches the stored one. Subtasks and
// URLs are replaced wholesale. The returned task carries the new version.
func (r *TaskRepository) Update(ctx context.Context, userID string, task model.Task) (model.Task, error) {
	now := r.now()
	task = task.Clone()
	assignChildIDs(&task)
	row := taskToRow(userID, task)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cols := taskColumns(row)
		cols["version"] = gorm.Expr("version + 1")
		cols["updated_at"] = now

		res := tx.Model(&taskRow{}).
			Where("id = ? AND user_id = ? AND version = ?", task.ID, userID, task.Version).
			Updates(cols)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&taskRow{}).Where("id = ? AND user_id = ?", task.ID, userID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return model.ErrNotFound
			}
			return model.ErrConflict
		}

		if err := replaceChildren(tx, task.ID, row); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrConflict) {
			return model.Task{}, err
		}
		return model.Task{}, fmt.Errorf("update task: %w", err)
	}

	task.Version++
	task.UpdatedAt = now
	r.publish(model.ChangeUpdate, task)
	return task, nil
}

// Delete removes a task together with its children.
func (r *TaskRepository) Delete(ctx context.Context, userID, taskID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("user_id = ? AND id = ?", userID, taskID).Delete(&taskRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		if err := tx.Where("task_id = ?", taskID).Delete(&subtaskRow{}).Error; err != nil {
			return err
		}
		return tx.Where("task_id = ?", taskID).Delete(&taskURLRow{}).Error
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete task: %w", err)
	}

	r.feed.Publish(model.ChangeEvent{Table: model.TableTasks, Kind: model.ChangeDelete, RowID: taskID, At: r.now()})
	return nil
}

// BulkUpdateStatus sets status on every listed task of the user in one statement.
func (r *TaskRepository) BulkUpdateStatus(ctx context.Context, userID string, ids []string, status model.Status) error {
	if len(ids) == 0 {
		return nil
	}
	now := r.now()
	cols := map[string]interface{}{
		"status":     string(status),
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	if status == model.StatusCompleted {
		cols["completed_at"] = now
	} else {
		cols["completed_at"] = nil
	}

	res := r.db.WithContext(ctx).Model(&taskRow{}).
		Where("user_id = ? AND id IN ?", userID, ids).
		Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("bulk update tasks: %w", res.Error)
	}

	events := make([]model.ChangeEvent, 0, len(ids))
	for _, id := range ids {
		events = append(events, model.ChangeEvent{Table: model.TableTasks, Kind: model.ChangeUpdate, RowID: id, At: now})
	}
	r.feed.Publish(events...)
	return nil
}

func replaceChildren(tx *gorm.DB, taskID string, row taskRow) error {
	if err := tx.Where("task_id = ?", taskID).Delete(&subtaskRow{}).Error; err != nil {
		return err
	}
	if err := tx.Where("task_id = ?", taskID).Delete(&taskURLRow{}).Error; err != nil {
		return err
	}
	if len(row.Subtasks) > 0 {
		if err := tx.Create(&row.Subtasks).Error; err != nil {
			return err
		}
	}
	if len(row.URLs) > 0 {
		if err := tx.Create(&row.URLs).Error; err != nil {
			return err
		}
	}
	return nil
}

func assignChildIDs(task *model.Task) {
	for i := range task.Subtasks {
		if task.Subtasks[i].ID == "" {
			task.Subtasks[i].ID = uuid.NewString()
		}
	}
	for i := range task.URLs {
		if task.URLs[i].ID == "" {
			task.URLs[i].ID = uuid.NewString()
		}
	}
}

func (r *TaskRepository) publish(kind model.ChangeKind, task model.Task) {
	at := r.now()
	events := []model.ChangeEvent{{Table: model.TableTasks, Kind: kind, RowID: task.ID, At: at}}
	for _, s := range task.Subtasks {
		events = append(events, model.ChangeEvent{Table: model.TableSubtasks, Kind: kind, RowID: s.ID, At: at})
	}
	for _, u := range task.URLs {
		events = append(events, model.ChangeEvent{Table: model.TableTaskURLs, Kind: kind, RowID: u.ID, At: at})
	}
	r.feed.Publish(events...)
}
