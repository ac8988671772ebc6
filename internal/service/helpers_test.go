package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskflow/internal/cache"
	"taskflow/internal/model"
)

var testNow = time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)

const (
	timeoutShort = time.Second
	tick         = 5 * time.Millisecond
)

func fixedNow() time.Time { return testNow }

func strPtr(s string) *string { return &s }

func statusPtr(s model.Status) *model.Status { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// fakeRemote is an in-memory RemoteStore with switchable failures.
type fakeRemote struct {
	mu     sync.Mutex
	userID string
	rows   map[string]model.Task
	nextID int

	fetches int
	inserts int
	updates int
	deletes int
	bulk    [][]string

	failFetch  error
	failInsert error
	failUpdate error
	failDelete error
	failBulk   error

	// insertGate, when set, holds every insert until it is closed.
	insertGate    chan struct{}
	insertStarted chan struct{}

	updateDelay time.Duration
	inflight    map[string]int
	overlapped  bool

	subscriber func(model.ChangeEvent)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		userID:   "user-1",
		rows:     make(map[string]model.Task),
		inflight: make(map[string]int),
	}
}

func (f *fakeRemote) seed(t model.Task) model.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.Version == 0 {
		t.Version = 1
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = testNow
	}
	f.rows[t.ID] = t.Clone()
	return t
}

func (f *fakeRemote) row(id string) (model.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	return t.Clone(), ok
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRemote) counts() (fetches, inserts, updates, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.inserts, f.updates, f.deletes
}

func (f *fakeRemote) emit(ev model.ChangeEvent) {
	f.mu.Lock()
	fn := f.subscriber
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *fakeRemote) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriber != nil
}

func (f *fakeRemote) CurrentUserID(ctx context.Context) (string, error) {
	return f.userID, nil
}

func (f *fakeRemote) FetchTasks(ctx context.Context, userID string) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failFetch != nil {
		return nil, f.failFetch
	}
	out := make([]model.Task, 0, len(f.rows))
	for _, t := range f.rows {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeRemote) InsertTask(ctx context.Context, userID string, task model.Task) (model.Task, error) {
	f.mu.Lock()
	gate, started := f.insertGate, f.insertStarted
	f.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.failInsert != nil {
		return model.Task{}, f.failInsert
	}
	f.nextID++
	task = task.Clone()
	task.ID = fmt.Sprintf("srv-%d", f.nextID)
	task.Version = 1
	for i := range task.Subtasks {
		if task.Subtasks[i].ID == "" {
			task.Subtasks[i].ID = fmt.Sprintf("%s-st-%d", task.ID, i)
		}
	}
	f.rows[task.ID] = task.Clone()
	return task, nil
}

func (f *fakeRemote) UpdateTask(ctx context.Context, userID string, task model.Task) (model.Task, error) {
	f.mu.Lock()
	f.inflight[task.ID]++
	if f.inflight[task.ID] > 1 {
		f.overlapped = true
	}
	delay := f.updateDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[task.ID]--
	f.updates++
	if f.failUpdate != nil {
		return model.Task{}, f.failUpdate
	}
	current, ok := f.rows[task.ID]
	if !ok {
		return model.Task{}, model.ErrNotFound
	}
	if current.Version != task.Version {
		return model.Task{}, model.ErrConflict
	}
	task = task.Clone()
	task.Version++
	f.rows[task.ID] = task.Clone()
	return task, nil
}

func (f *fakeRemote) DeleteTask(ctx context.Context, userID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.failDelete != nil {
		return f.failDelete
	}
	if _, ok := f.rows[taskID]; !ok {
		return model.ErrNotFound
	}
	delete(f.rows, taskID)
	return nil
}

func (f *fakeRemote) BulkUpdateStatus(ctx context.Context, userID string, ids []string, status model.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulk = append(f.bulk, append([]string(nil), ids...))
	if f.failBulk != nil {
		return f.failBulk
	}
	for _, id := range ids {
		if t, ok := f.rows[id]; ok {
			t.Status = status
			t.Version++
			f.rows[id] = t
		}
	}
	return nil
}

func (f *fakeRemote) Subscribe(tables []string, fn func(model.ChangeEvent)) func() {
	f.mu.Lock()
	f.subscriber = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.subscriber = nil
		f.mu.Unlock()
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (n *recordingNotifier) NotifyOverdue(ctx context.Context, note model.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

func (n *recordingNotifier) all() []model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Notification(nil), n.sent...)
}

type serviceFixture struct {
	svc      *TaskService
	remote   *fakeRemote
	mirror   *cache.Mirror
	storage  *cache.MemoryStorage
	notifier *recordingNotifier
}

func newFixture(t *testing.T, remote *fakeRemote, opts TaskServiceOptions) *serviceFixture {
	t.Helper()
	storage := cache.NewMemoryStorage()
	return newFixtureWithStorage(t, remote, storage, opts)
}

func newFixtureWithStorage(t *testing.T, remote *fakeRemote, storage *cache.MemoryStorage, opts TaskServiceOptions) *serviceFixture {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	notifier := &recordingNotifier{}
	if opts.Notifier == nil {
		opts.Notifier = notifier
	}
	mirror := cache.NewMirror(storage)
	svc := NewTaskService(remote, mirror, opts)
	t.Cleanup(svc.Close)
	return &serviceFixture{svc: svc, remote: remote, mirror: mirror, storage: storage, notifier: notifier}
}

func (fx *serviceFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.svc.Start(context.Background()))
}

func taskIDs(tasks []model.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func findTask(tasks []model.Task, id string) (model.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return model.Task{}, false
}
