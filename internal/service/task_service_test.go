package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/cache"
	"taskflow/internal/model"
)

var yesterday = testNow.AddDate(0, 0, -1)

func TestStart_ReclassifiesOverdueOnce(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "late", Title: "late", Status: model.StatusCurrent, DueDate: timePtr(testNow.AddDate(0, 0, -2)), CreatedAt: testNow.AddDate(0, 0, -5)})
	remote.seed(model.Task{ID: "undated", Title: "undated", Status: model.StatusCurrent, CreatedAt: yesterday})
	remote.seed(model.Task{ID: "future", Title: "future", Status: model.StatusCurrent, DueDate: timePtr(testNow.AddDate(0, 0, 5)), CreatedAt: yesterday})
	remote.seed(model.Task{ID: "fresh", Title: "fresh", Status: model.StatusCurrent, CreatedAt: testNow.Add(-time.Hour)})
	remote.seed(model.Task{ID: "done", Title: "done", Status: model.StatusCompleted, DueDate: timePtr(testNow.AddDate(0, 0, -9))})
	remote.seed(model.Task{ID: "today", Title: "today", Status: model.StatusCurrent, DueDate: timePtr(model.StartOfDay(testNow)), CreatedAt: yesterday})

	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	tasks := fx.svc.Tasks()
	require.Len(t, tasks, 6)
	for _, tc := range []struct {
		id   string
		want model.Status
	}{
		{"late", model.StatusPending},
		{"undated", model.StatusPending},
		{"future", model.StatusCurrent},
		{"fresh", model.StatusCurrent},
		{"done", model.StatusCompleted},
		{"today", model.StatusCurrent},
	} {
		task, ok := findTask(tasks, tc.id)
		require.True(t, ok, tc.id)
		assert.Equal(t, tc.want, task.Status, tc.id)
	}

	require.Len(t, remote.bulk, 1)
	assert.ElementsMatch(t, []string{"late", "undated"}, remote.bulk[0])
	row, _ := remote.row("late")
	assert.Equal(t, model.StatusPending, row.Status)

	notes := fx.svc.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, model.NotificationOverdue, notes[0].Type)
	assert.ElementsMatch(t, []string{"late", "undated"}, taskIDs(notes[0].Tasks))
	require.Len(t, fx.notifier.all(), 1)

	// A second load neither reclassifies nor notifies again.
	require.NoError(t, fx.svc.Refresh(context.Background()))
	assert.Len(t, remote.bulk, 1)
	assert.Len(t, fx.svc.Notifications(), 1)

	// Local versions follow the bulk write, so editing does not conflict.
	_, err := fx.svc.UpdateTask(context.Background(), "late", model.TaskUpdate{Title: strPtr("late, renamed")})
	require.NoError(t, err)
	row, _ = remote.row("late")
	assert.Equal(t, "late, renamed", row.Title)

	assert.False(t, fx.svc.LastSync().IsZero())
	assert.False(t, fx.svc.Syncing())
}

func TestStart_HydratesFromMirrorWhenOffline(t *testing.T) {
	storage := cache.NewMemoryStorage()
	require.NoError(t, cache.NewMirror(storage).SaveTasks([]model.Task{
		{ID: "cached", Title: "from cache", Status: model.StatusCurrent, CreatedAt: yesterday},
	}))

	remote := newFakeRemote()
	fx := newFixtureWithStorage(t, remote, storage, TaskServiceOptions{StartOffline: true})
	fx.start(t)

	tasks := fx.svc.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "from cache", tasks[0].Title)
	fetches, _, _, _ := remote.counts()
	assert.Zero(t, fetches)
	assert.False(t, remote.subscribed())
	assert.ErrorIs(t, fx.svc.Refresh(context.Background()), ErrOffline)
}

func TestStart_CorruptCacheFallsThroughToRemote(t *testing.T) {
	storage := cache.NewMemoryStorage()
	require.NoError(t, storage.Set(cache.KeyTasks, []byte("{not json")))
	require.NoError(t, storage.Set(cache.KeyPendingOps, []byte("[[[")))

	remote := newFakeRemote()
	remote.seed(model.Task{ID: "r1", Title: "remote", Status: model.StatusCurrent})

	fx := newFixtureWithStorage(t, remote, storage, TaskServiceOptions{})
	fx.start(t)

	require.Len(t, fx.svc.Tasks(), 1)
	assert.Empty(t, fx.svc.PendingOperations())

	cached, err := fx.mirror.LoadTasks()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, taskIDs(cached))
}

func TestAddTask_AdoptsServerID(t *testing.T) {
	fx := newFixture(t, newFakeRemote(), TaskServiceOptions{})
	fx.start(t)

	task, err := fx.svc.AddTask(context.Background(), model.NewTask{
		Title:    "  Buy milk ",
		Category: "Shopping",
		Subtasks: []string{"check fridge", " "},
		URLs:     []string{"https://shop.example", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", task.ID)
	assert.Equal(t, "Buy milk", task.Title)
	assert.Equal(t, model.StatusCurrent, task.Status)
	assert.EqualValues(t, 1, task.Version)
	require.Len(t, task.Subtasks, 1)
	require.Len(t, task.URLs, 1)
	assert.Equal(t, testNow, task.CreatedAt)

	tasks := fx.svc.Tasks()
	assert.Equal(t, []string{"srv-1"}, taskIDs(tasks))

	cached, err := fx.mirror.LoadTasks()
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-1"}, taskIDs(cached))
	assert.Zero(t, fx.svc.locks.size())
}

func TestAddTask_RejectsInvalidInput(t *testing.T) {
	fx := newFixture(t, newFakeRemote(), TaskServiceOptions{})
	fx.start(t)

	_, err := fx.svc.AddTask(context.Background(), model.NewTask{Title: "  "})
	require.ErrorIs(t, err, model.ErrEmptyTitle)

	_, err = fx.svc.AddTask(context.Background(), model.NewTask{
		Title:      "bad rule",
		Recurrence: &model.RecurrenceRule{Type: model.RecurrenceDaily, Interval: 0},
	})
	require.ErrorIs(t, err, model.ErrInvalidRecurrence)

	_, err = fx.svc.AddTasks(context.Background(), []model.NewTask{{Title: "ok"}, {Title: ""}})
	require.ErrorIs(t, err, model.ErrEmptyTitle)
	assert.Empty(t, fx.svc.Tasks())
}

func TestAddTask_RevertsWhenInsertFails(t *testing.T) {
	remote := newFakeRemote()
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	remote.set(func(f *fakeRemote) { f.failInsert = errors.New("network down") })
	_, err := fx.svc.AddTask(context.Background(), model.NewTask{Title: "doomed"})
	require.Error(t, err)

	assert.Empty(t, fx.svc.Tasks())
	assert.Contains(t, fx.svc.LastError(), "network down")
	cached, err := fx.mirror.LoadTasks()
	require.NoError(t, err)
	assert.Empty(t, cached)

	fx.svc.ClearError()
	assert.Empty(t, fx.svc.LastError())
}

func TestAddTasks(t *testing.T) {
	fx := newFixture(t, newFakeRemote(), TaskServiceOptions{})
	fx.start(t)

	added, err := fx.svc.AddTasks(context.Background(), []model.NewTask{{Title: "one"}, {Title: "two"}})
	require.NoError(t, err)
	require.Len(t, added, 2)

	tasks := fx.svc.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "one", tasks[0].Title)
	assert.Equal(t, "two", tasks[1].Title)
}

func TestUpdateTask_FailureRefetches(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "t1", Title: "server title", Status: model.StatusCurrent})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	remote.set(func(f *fakeRemote) { f.failUpdate = errors.New("timeout") })
	_, err := fx.svc.UpdateTask(context.Background(), "t1", model.TaskUpdate{Title: strPtr("local title")})
	require.Error(t, err)

	task, ok := fx.svc.Task("t1")
	require.True(t, ok)
	assert.Equal(t, "server title", task.Title)
	assert.Contains(t, fx.svc.LastError(), "timeout")
}

func TestUpdateTask_Conflict(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "t1", Title: "v1", Status: model.StatusCurrent})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	// Another session writes first.
	remote.set(func(f *fakeRemote) {
		row := f.rows["t1"]
		row.Title = "theirs"
		row.Version = 2
		f.rows["t1"] = row
	})

	_, err := fx.svc.UpdateTask(context.Background(), "t1", model.TaskUpdate{Title: strPtr("mine")})
	require.ErrorIs(t, err, model.ErrConflict)

	task, _ := fx.svc.Task("t1")
	assert.Equal(t, "theirs", task.Title)
	assert.EqualValues(t, 2, task.Version)
}

func TestUpdateTask_NotFound(t *testing.T) {
	fx := newFixture(t, newFakeRemote(), TaskServiceOptions{})
	fx.start(t)

	_, err := fx.svc.UpdateTask(context.Background(), "missing", model.TaskUpdate{Title: strPtr("x")})
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.ErrorIs(t, fx.svc.DeleteTask(context.Background(), "missing"), ErrTaskNotFound)
}

func TestUpdateTasks(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "a", Title: "a", Status: model.StatusCurrent})
	remote.seed(model.Task{ID: "b", Title: "b", Status: model.StatusCurrent})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	updated, err := fx.svc.UpdateTasks(context.Background(), []string{"a", "b", "nope"}, model.TaskUpdate{Category: strPtr("Work")})
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.Len(t, updated, 2)

	for _, id := range []string{"a", "b"} {
		row, _ := remote.row(id)
		assert.Equal(t, "Work", row.Category)
		assert.EqualValues(t, 2, row.Version)
	}
}

func TestDeleteTask(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "a", Title: "a", Status: model.StatusCurrent})
	remote.seed(model.Task{ID: "b", Title: "b", Status: model.StatusCurrent})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	require.NoError(t, fx.svc.DeleteTask(context.Background(), "a"))
	assert.Equal(t, []string{"b"}, taskIDs(fx.svc.Tasks()))
	_, ok := remote.row("a")
	assert.False(t, ok)

	// Already gone remotely counts as deleted.
	remote.set(func(f *fakeRemote) { delete(f.rows, "b") })
	require.NoError(t, fx.svc.DeleteTask(context.Background(), "b"))
	assert.Empty(t, fx.svc.LastError())
}

func TestDeleteTask_FailureRefetches(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "a", Title: "a", Status: model.StatusCurrent})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	remote.set(func(f *fakeRemote) { f.failDelete = errors.New("503") })
	require.Error(t, fx.svc.DeleteTask(context.Background(), "a"))
	assert.Equal(t, []string{"a"}, taskIDs(fx.svc.Tasks()))
	assert.NotEmpty(t, fx.svc.LastError())
}

func TestCompletionCascadesToSubtasks(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{
		ID:     "t1",
		Title:  "pack",
		Status: model.StatusCurrent,
		Subtasks: []model.Subtask{
			{ID: "s1", Title: "socks", Completed: true},
			{ID: "s2", Title: "shirts"},
		},
	})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)
	ctx := context.Background()

	done, err := fx.svc.UpdateTask(ctx, "t1", model.TaskUpdate{Status: statusPtr(model.StatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	for _, st := range done.Subtasks {
		assert.True(t, st.Completed, st.ID)
	}

	back, err := fx.svc.UpdateTask(ctx, "t1", model.TaskUpdate{Status: statusPtr(model.StatusCurrent)})
	require.NoError(t, err)
	assert.Nil(t, back.CompletedAt)
	for _, st := range back.Subtasks {
		assert.False(t, st.Completed, st.ID)
	}

	row, _ := remote.row("t1")
	assert.Equal(t, model.StatusCurrent, row.Status)
	assert.EqualValues(t, 3, row.Version)
}

func TestToggleSubtask_DerivesStatus(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{
		ID:       "t1",
		Title:    "pack",
		Status:   model.StatusCurrent,
		Subtasks: []model.Subtask{{ID: "s1", Title: "socks", Completed: true}, {ID: "s2", Title: "shirts"}},
	})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)
	ctx := context.Background()

	task, err := fx.svc.ToggleSubtask(ctx, "t1", "s2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, task.Status)
	assert.NotNil(t, task.CompletedAt)

	task, err = fx.svc.ToggleSubtask(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCurrent, task.Status)
	assert.Nil(t, task.CompletedAt)
	assert.False(t, task.Subtasks[0].Completed)
	assert.True(t, task.Subtasks[1].Completed)

	_, err = fx.svc.ToggleSubtask(ctx, "t1", "nope")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestApplyUpdate(t *testing.T) {
	due := testNow.AddDate(0, 0, 3)
	base := model.Task{
		ID:         "t",
		Title:      "base",
		Status:     model.StatusCurrent,
		DueDate:    &due,
		Subtasks:   []model.Subtask{{ID: "a", Title: "a"}, {ID: "b", Title: "b", Completed: true}},
		Recurrence: &model.RecurrenceRule{Type: model.RecurrenceWeekly, Interval: 1},
		Occurrence: 1,
	}

	t.Run("clear fields", func(t *testing.T) {
		got := applyUpdate(base, model.TaskUpdate{ClearDueDate: true, ClearRecurrence: true}, testNow)
		assert.Nil(t, got.DueDate)
		assert.Nil(t, got.Recurrence)
		assert.NotNil(t, base.DueDate)
		assert.NotNil(t, base.Recurrence)
	})

	t.Run("pending keeps subtasks", func(t *testing.T) {
		got := applyUpdate(base, model.TaskUpdate{Status: statusPtr(model.StatusPending)}, testNow)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.False(t, got.Subtasks[0].Completed)
		assert.True(t, got.Subtasks[1].Completed)
	})

	t.Run("explicit status beats subtask derivation", func(t *testing.T) {
		subtasks := []model.Subtask{{ID: "a", Title: "a"}}
		got := applyUpdate(base, model.TaskUpdate{Status: statusPtr(model.StatusCompleted), Subtasks: &subtasks}, testNow)
		assert.Equal(t, model.StatusCompleted, got.Status)
		assert.True(t, got.Subtasks[0].Completed)
		assert.Equal(t, testNow, *got.CompletedAt)
	})

	t.Run("new subtasks get ids", func(t *testing.T) {
		subtasks := []model.Subtask{{Title: "fresh"}}
		got := applyUpdate(base, model.TaskUpdate{Subtasks: &subtasks}, testNow)
		require.Len(t, got.Subtasks, 1)
		assert.NotEmpty(t, got.Subtasks[0].ID)
		assert.Equal(t, model.StatusCurrent, got.Status)
	})

	t.Run("none rule clears recurrence", func(t *testing.T) {
		got := applyUpdate(base, model.TaskUpdate{Recurrence: &model.RecurrenceRule{Type: model.RecurrenceNone}}, testNow)
		assert.Nil(t, got.Recurrence)
	})
}

func TestRecurringCompletionGeneratesNextInstance(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{
		ID:         "root",
		Title:      "water plants",
		Status:     model.StatusCurrent,
		DueDate:    timePtr(date(2024, 1, 20)),
		Subtasks:   []model.Subtask{{ID: "s1", Title: "balcony"}},
		Recurrence: &model.RecurrenceRule{Type: model.RecurrenceDaily, Interval: 2, MaxOccurrences: intPtr(3)},
		Occurrence: 1,
	})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)
	ctx := context.Background()
	completed := statusPtr(model.StatusCompleted)

	_, err := fx.svc.UpdateTask(ctx, "root", model.TaskUpdate{Status: completed})
	require.NoError(t, err)

	tasks := fx.svc.Tasks()
	require.Len(t, tasks, 2)
	second := tasks[0]
	assert.Equal(t, "water plants", second.Title)
	assert.Equal(t, model.StatusCurrent, second.Status)
	assert.Equal(t, date(2024, 1, 22), *second.DueDate)
	assert.True(t, second.IsRecurringInstance)
	assert.Equal(t, "root", second.ParentRecurringTaskID)
	assert.Equal(t, 2, second.Occurrence)
	require.Len(t, second.Subtasks, 1)
	assert.False(t, second.Subtasks[0].Completed)
	_, ok := remote.row(second.ID)
	assert.True(t, ok)

	// Re-completing the root does not generate the same occurrence twice.
	_, err = fx.svc.UpdateTask(ctx, "root", model.TaskUpdate{Status: statusPtr(model.StatusCurrent)})
	require.NoError(t, err)
	_, err = fx.svc.UpdateTask(ctx, "root", model.TaskUpdate{Status: completed})
	require.NoError(t, err)
	assert.Len(t, fx.svc.Tasks(), 2)

	_, err = fx.svc.UpdateTask(ctx, second.ID, model.TaskUpdate{Status: completed})
	require.NoError(t, err)
	tasks = fx.svc.Tasks()
	require.Len(t, tasks, 3)
	third := tasks[0]
	assert.Equal(t, 3, third.Occurrence)
	assert.Equal(t, "root", third.ParentRecurringTaskID)
	assert.Equal(t, date(2024, 1, 24), *third.DueDate)

	// The third occurrence is the last one.
	_, err = fx.svc.UpdateTask(ctx, third.ID, model.TaskUpdate{Status: completed})
	require.NoError(t, err)
	assert.Len(t, fx.svc.Tasks(), 3)
}

func TestRecurringCompletionRespectsEndDate(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{
		ID:         "root",
		Title:      "standup",
		Status:     model.StatusCurrent,
		DueDate:    timePtr(date(2024, 1, 20)),
		Recurrence: &model.RecurrenceRule{Type: model.RecurrenceDaily, Interval: 2, EndDate: timePtr(time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC))},
	})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	_, err := fx.svc.UpdateTask(context.Background(), "root", model.TaskUpdate{Status: statusPtr(model.StatusCompleted)})
	require.NoError(t, err)
	assert.Len(t, fx.svc.Tasks(), 1)
}

func TestDuplicateTask(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{
		ID:                    "orig",
		Title:                 "report",
		Status:                model.StatusCompleted,
		CompletedAt:           timePtr(yesterday),
		Notes:                 "quarterly",
		Category:              "Work",
		Subtasks:              []model.Subtask{{ID: "s1", Title: "draft", Completed: true}},
		URLs:                  []model.URL{{ID: "u1", URL: "https://docs.example"}},
		Recurrence:            &model.RecurrenceRule{Type: model.RecurrenceMonthly, Interval: 3},
		IsRecurringInstance:   true,
		ParentRecurringTaskID: "older",
		Occurrence:            4,
	})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	dup, err := fx.svc.DuplicateTask(context.Background(), "orig")
	require.NoError(t, err)
	assert.NotEqual(t, "orig", dup.ID)
	assert.Equal(t, "report", dup.Title)
	assert.Equal(t, model.StatusCurrent, dup.Status)
	assert.Nil(t, dup.CompletedAt)
	assert.Equal(t, "quarterly", dup.Notes)
	assert.Equal(t, "Work", dup.Category)
	require.Len(t, dup.Subtasks, 1)
	assert.False(t, dup.Subtasks[0].Completed)
	assert.NotEqual(t, "s1", dup.Subtasks[0].ID)
	require.Len(t, dup.URLs, 1)
	assert.Equal(t, "https://docs.example", dup.URLs[0].URL)
	require.NotNil(t, dup.Recurrence)
	assert.Equal(t, model.RecurrenceMonthly, dup.Recurrence.Type)
	assert.False(t, dup.IsRecurringInstance)
	assert.Empty(t, dup.ParentRecurringTaskID)
	assert.Equal(t, 1, dup.Occurrence)
	assert.Equal(t, testNow, dup.CreatedAt)

	assert.Len(t, fx.svc.Tasks(), 2)
}

func TestMoveOverdueToToday(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "late", Title: "late", Status: model.StatusCurrent, DueDate: timePtr(testNow.AddDate(0, 0, -3))})
	remote.seed(model.Task{ID: "undated", Title: "undated", Status: model.StatusCurrent, CreatedAt: yesterday})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	moved, err := fx.svc.MoveOverdueToToday(context.Background())
	require.NoError(t, err)
	require.Len(t, moved, 2)
	today := model.StartOfDay(testNow)
	for _, task := range moved {
		assert.Equal(t, model.StatusCurrent, task.Status)
		assert.Equal(t, today, *task.DueDate)
	}

	require.NoError(t, fx.svc.Refresh(context.Background()))
	for _, task := range fx.svc.Tasks() {
		assert.Equal(t, model.StatusCurrent, task.Status, task.ID)
	}
	assert.Len(t, remote.bulk, 1)
}

func TestOfflineMutationsReplayOnReconnect(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "s1", Title: "existing", Status: model.StatusCurrent})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.SetOnline(ctx, false))
	assert.False(t, fx.svc.Online())
	assert.False(t, remote.subscribed())

	added, err := fx.svc.AddTask(ctx, model.NewTask{Title: "draft"})
	require.NoError(t, err)
	tempID := added.ID

	_, err = fx.svc.UpdateTask(ctx, tempID, model.TaskUpdate{Title: strPtr("final")})
	require.NoError(t, err)
	_, err = fx.svc.UpdateTask(ctx, "s1", model.TaskUpdate{Title: strPtr("edited offline")})
	require.NoError(t, err)

	gone, err := fx.svc.AddTask(ctx, model.NewTask{Title: "never mind"})
	require.NoError(t, err)
	require.NoError(t, fx.svc.DeleteTask(ctx, gone.ID))

	pending := fx.svc.PendingOperations()
	require.Len(t, pending, 2)
	assert.Equal(t, model.OpAdd, pending[0].Kind)
	assert.Equal(t, "final", pending[0].Task.Title)
	assert.Equal(t, model.OpUpdate, pending[1].Kind)

	queued, err := fx.mirror.LoadPending()
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	_, inserts, updates, _ := remote.counts()
	assert.Zero(t, inserts)
	assert.Zero(t, updates)

	require.NoError(t, fx.svc.SetOnline(ctx, true))
	assert.True(t, remote.subscribed())
	assert.Empty(t, fx.svc.PendingOperations())

	tasks := fx.svc.Tasks()
	require.Len(t, tasks, 2)
	synced, ok := fx.svc.Task(tempID)
	require.True(t, ok, "temporary id still resolves")
	assert.Equal(t, "final", synced.Title)
	assert.NotEqual(t, tempID, synced.ID)

	row, ok := remote.row(synced.ID)
	require.True(t, ok)
	assert.Equal(t, "final", row.Title)
	row, _ = remote.row("s1")
	assert.Equal(t, "edited offline", row.Title)

	_, inserts, _, deletes := remote.counts()
	assert.Equal(t, 1, inserts)
	assert.Zero(t, deletes)

	queued, err = fx.mirror.LoadPending()
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestOfflineDeleteOfSyncedTaskIsQueued(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "s1", Title: "existing", Status: model.StatusCurrent})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.SetOnline(ctx, false))
	_, err := fx.svc.UpdateTask(ctx, "s1", model.TaskUpdate{Title: strPtr("edited")})
	require.NoError(t, err)
	require.NoError(t, fx.svc.DeleteTask(ctx, "s1"))

	pending := fx.svc.PendingOperations()
	require.Len(t, pending, 1)
	assert.Equal(t, model.OpDelete, pending[0].Kind)

	require.NoError(t, fx.svc.SetOnline(ctx, true))
	_, ok := remote.row("s1")
	assert.False(t, ok)
	assert.Empty(t, fx.svc.Tasks())
}

func TestFlushStopsOnTransportFailure(t *testing.T) {
	remote := newFakeRemote()
	fx := newFixture(t, remote, TaskServiceOptions{StartOffline: true})
	fx.start(t)
	ctx := context.Background()

	_, err := fx.svc.AddTask(ctx, model.NewTask{Title: "one"})
	require.NoError(t, err)
	_, err = fx.svc.AddTask(ctx, model.NewTask{Title: "two"})
	require.NoError(t, err)

	remote.set(func(f *fakeRemote) { f.failInsert = errors.New("connection reset") })
	require.Error(t, fx.svc.SetOnline(ctx, true))
	assert.Len(t, fx.svc.PendingOperations(), 2)
	assert.Len(t, fx.svc.Tasks(), 2)
	assert.Contains(t, fx.svc.LastError(), "connection reset")

	remote.set(func(f *fakeRemote) { f.failInsert = nil })
	require.NoError(t, fx.svc.Flush(ctx))
	assert.Empty(t, fx.svc.PendingOperations())

	require.NoError(t, fx.svc.Refresh(ctx))
	titles := []string{}
	for _, task := range fx.svc.Tasks() {
		titles = append(titles, task.Title)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, titles)
}

func TestFlushConflictServerWins(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "s1", Title: "v1", Status: model.StatusCurrent})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.SetOnline(ctx, false))
	_, err := fx.svc.UpdateTask(ctx, "s1", model.TaskUpdate{Title: strPtr("mine")})
	require.NoError(t, err)

	remote.set(func(f *fakeRemote) {
		row := f.rows["s1"]
		row.Title = "theirs"
		row.Version = 5
		f.rows["s1"] = row
	})

	require.NoError(t, fx.svc.SetOnline(ctx, true))
	assert.Empty(t, fx.svc.PendingOperations())
	task, _ := fx.svc.Task("s1")
	assert.Equal(t, "theirs", task.Title)
}

func TestRefreshKeepsUnsyncedLocalWrites(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "s1", Title: "v1", Status: model.StatusCurrent})
	remote.seed(model.Task{ID: "s2", Title: "doomed", Status: model.StatusCurrent})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.SetOnline(ctx, false))
	added, err := fx.svc.AddTask(ctx, model.NewTask{Title: "offline add"})
	require.NoError(t, err)
	_, err = fx.svc.UpdateTask(ctx, "s1", model.TaskUpdate{Title: strPtr("offline edit")})
	require.NoError(t, err)
	require.NoError(t, fx.svc.DeleteTask(ctx, "s2"))

	// Merge as a refetch would, without replaying the queue.
	fetched, err := remote.FetchTasks(ctx, "user-1")
	require.NoError(t, err)
	fx.svc.mu.Lock()
	merged, kept := fx.svc.mergeLocked(fetched)
	fx.svc.mu.Unlock()

	assert.ElementsMatch(t, []string{added.ID, "s1"}, taskIDs(merged))
	s1, _ := findTask(merged, "s1")
	assert.Equal(t, "offline edit", s1.Title)
	assert.True(t, kept[added.ID])
	assert.True(t, kept["s1"])
}

func TestConcurrentUpdatesAreSerializedPerTask(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "s1", Title: "v0", Status: model.StatusCurrent})
	remote.updateDelay = 2 * time.Millisecond
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := fx.svc.UpdateTask(context.Background(), "s1", model.TaskUpdate{Notes: strPtr(fmt.Sprintf("note %d", i))})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	row, _ := remote.row("s1")
	assert.EqualValues(t, writers+1, row.Version)
	remote.set(func(f *fakeRemote) { assert.False(t, f.overlapped) })
	assert.Zero(t, fx.svc.locks.size())
}

func TestUpdateWaitsForInFlightInsert(t *testing.T) {
	remote := newFakeRemote()
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)
	ctx := context.Background()

	gate := make(chan struct{})
	remote.set(func(f *fakeRemote) {
		f.insertGate = gate
		f.insertStarted = make(chan struct{}, 1)
	})
	started := remote.insertStarted

	type result struct {
		task model.Task
		err  error
	}
	addDone := make(chan result, 1)
	go func() {
		task, err := fx.svc.AddTask(ctx, model.NewTask{Title: "draft"})
		addDone <- result{task, err}
	}()
	<-started

	tempID := fx.svc.Tasks()[0].ID
	updDone := make(chan error, 1)
	go func() {
		_, err := fx.svc.UpdateTask(ctx, tempID, model.TaskUpdate{Title: strPtr("final")})
		updDone <- err
	}()
	require.Eventually(t, func() bool {
		task, ok := fx.svc.Task(tempID)
		return ok && task.Title == "final"
	}, time.Second, 5*time.Millisecond)

	close(gate)
	added := <-addDone
	require.NoError(t, added.err)
	require.NoError(t, <-updDone)

	row, ok := remote.row(added.task.ID)
	require.True(t, ok)
	assert.Equal(t, "final", row.Title)
	assert.EqualValues(t, 2, row.Version)
	assert.Len(t, fx.svc.Tasks(), 1)
}

func TestChangeEventsTriggerRefetch(t *testing.T) {
	remote := newFakeRemote()
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)
	require.True(t, remote.subscribed())

	remote.seed(model.Task{ID: "other", Title: "from another device", Status: model.StatusCurrent})
	remote.emit(model.ChangeEvent{Table: model.TableTasks, Kind: model.ChangeInsert, RowID: "other"})

	require.Eventually(t, func() bool {
		_, ok := fx.svc.Task("other")
		return ok
	}, time.Second, 5*time.Millisecond)

	fx.svc.Close()
	assert.False(t, remote.subscribed())
}

func TestNotifications(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "late", Title: "late", Status: model.StatusCurrent, DueDate: timePtr(yesterday)})
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	notes := fx.svc.Notifications()
	require.Len(t, notes, 1)
	assert.False(t, notes[0].Read)
	assert.Equal(t, "1 task is overdue", notes[0].Title)

	assert.True(t, fx.svc.MarkNotificationRead(notes[0].ID))
	assert.False(t, fx.svc.MarkNotificationRead("unknown"))
	assert.True(t, fx.svc.Notifications()[0].Read)

	st := fx.svc.Status()
	assert.Equal(t, "user-1", st.UserID)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Tasks)
	assert.Equal(t, 1, st.Notifications)
}

func TestRefreshFailureRecordsError(t *testing.T) {
	remote := newFakeRemote()
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	remote.set(func(f *fakeRemote) { f.failFetch = errors.New("dns") })
	require.Error(t, fx.svc.Refresh(context.Background()))
	assert.Contains(t, fx.svc.LastError(), "dns")
}

func TestBulkFailureIsQueued(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(model.Task{ID: "late", Title: "late", Status: model.StatusCurrent, DueDate: timePtr(yesterday)})
	remote.failBulk = errors.New("flaky")
	fx := newFixture(t, remote, TaskServiceOptions{})
	fx.start(t)

	pending := fx.svc.PendingOperations()
	require.Len(t, pending, 1)
	assert.Equal(t, model.OpBulkStatus, pending[0].Kind)
	assert.Equal(t, []string{"late"}, pending[0].TaskIDs)
	task, _ := fx.svc.Task("late")
	assert.Equal(t, model.StatusPending, task.Status)

	remote.set(func(f *fakeRemote) { f.failBulk = nil })
	require.NoError(t, fx.svc.Flush(context.Background()))
	assert.Empty(t, fx.svc.PendingOperations())
	row, _ := remote.row("late")
	assert.Equal(t, model.StatusPending, row.Status)

	_, err := fx.svc.UpdateTask(context.Background(), "late", model.TaskUpdate{Notes: strPtr("after replay")})
	require.NoError(t, err)
}
