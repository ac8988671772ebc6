package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"taskflow/internal/model"
)

var ErrUnauthenticated = errors.New("no signed-in user")

// Remote exposes the task tables of one signed-in user as the remote store the
// sync controller reconciles against.
type Remote struct {
	db     *gorm.DB
	tasks  *TaskRepository
	feed   *ChangeFeed
	userID string
}

func NewRemote(db *gorm.DB, tasks *TaskRepository, feed *ChangeFeed, userID string) *Remote {
	return &Remote{db: db, tasks: tasks, feed: feed, userID: userID}
}

func (r *Remote) CurrentUserID(ctx context.Context) (string, error) {
	if r.userID == "" {
		return "", ErrUnauthenticated
	}
	return r.userID, nil
}

func (r *Remote) FetchTasks(ctx context.Context, userID string) ([]model.Task, error) {
	return r.tasks.ListByUser(ctx, userID)
}

func (r *Remote) InsertTask(ctx context.Context, userID string, task model.Task) (model.Task, error) {
	return r.tasks.Insert(ctx, userID, task)
}

func (r *Remote) UpdateTask(ctx context.Context, userID string, task model.Task) (model.Task, error) {
	return r.tasks.Update(ctx, userID, task)
}

func (r *Remote) DeleteTask(ctx context.Context, userID, taskID string) error {
	return r.tasks.Delete(ctx, userID, taskID)
}

func (r *Remote) BulkUpdateStatus(ctx context.Context, userID string, ids []string, status model.Status) error {
	return r.tasks.BulkUpdateStatus(ctx, userID, ids, status)
}

func (r *Remote) Subscribe(tables []string, fn func(model.ChangeEvent)) func() {
	return r.feed.Subscribe(tables, fn)
}

// Ping checks that the database answers.
func (r *Remote) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}
