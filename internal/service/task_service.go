package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taskflow/internal/logging"
	"taskflow/internal/model"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrOffline      = errors.New("remote store is offline")
)

// RemoteStore is the authoritative, shared task store.
type RemoteStore interface {
	CurrentUserID(ctx context.Context) (string, error)
	FetchTasks(ctx context.Context, userID string) ([]model.Task, error)
	InsertTask(ctx context.Context, userID string, task model.Task) (model.Task, error)
	UpdateTask(ctx context.Context, userID string, task model.Task) (model.Task, error)
	DeleteTask(ctx context.Context, userID, taskID string) error
	BulkUpdateStatus(ctx context.Context, userID string, ids []string, status model.Status) error
	Subscribe(tables []string, fn func(model.ChangeEvent)) func()
}

// Mirror is the durable local copy of the controller state.
type Mirror interface {
	LoadTasks() ([]model.Task, error)
	SaveTasks(tasks []model.Task) error
	LastSync() (time.Time, error)
	SetLastSync(ts time.Time) error
	LoadPending() ([]model.PendingOperation, error)
	SavePending(ops []model.PendingOperation) error
}

// Notifier receives overdue alerts as they are raised.
type Notifier interface {
	NotifyOverdue(ctx context.Context, n model.Notification)
}

// TaskServiceOptions tune a TaskService. Zero values pick sensible defaults.
type TaskServiceOptions struct {
	Now          func() time.Time
	Location     *time.Location
	Notifier     Notifier
	StartOffline bool
	// RefreshTimeout bounds each refetch triggered by a change event.
	RefreshTimeout time.Duration
}

var watchedTables = []string{model.TableTasks, model.TableSubtasks, model.TableTaskURLs}

// TaskService keeps the in-memory task list of the signed-in user in sync
// with the remote store and the local mirror. Mutations are applied locally
// first and written to the remote afterwards; while offline they are queued
// and replayed on reconnect.
type TaskService struct {
	remote    RemoteStore
	mirror    Mirror
	notifier  Notifier
	reminders *ReminderService
	now       func() time.Time
	loc       *time.Location
	timeout   time.Duration
	log       zerolog.Logger

	mu            sync.RWMutex
	userID        string
	tasks         []model.Task
	revision      uint64
	lastErr       string
	online        bool
	syncing       int
	lastSync      time.Time
	query         string
	filter        filterMemo
	notifications []model.Notification
	notified      map[string]struct{}
	pending       []model.PendingOperation
	// writes counts remote adds and updates in flight per task id; deletes
	// counts remote deletes in flight.
	writes  map[string]int
	deletes map[string]int
	aliases map[string]string

	locks     *keyedMutex
	flushMu   sync.Mutex
	refreshMu sync.Mutex
	persistMu sync.Mutex

	refreshCh   chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
	subMu       sync.Mutex
	unsubscribe func()
	startOnce   sync.Once
	closeOnce   sync.Once
}

func NewTaskService(remote RemoteStore, mirror Mirror, opts TaskServiceOptions) *TaskService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	return &TaskService{
		remote:    remote,
		mirror:    mirror,
		notifier:  opts.Notifier,
		reminders: NewReminderService(opts.Location),
		now:       opts.Now,
		loc:       opts.Location,
		timeout:   opts.RefreshTimeout,
		log:       logging.Component("tasks"),
		online:    !opts.StartOffline,
		notified:  make(map[string]struct{}),
		writes:    make(map[string]int),
		deletes:   make(map[string]int),
		aliases:   make(map[string]string),
		locks:     newKeyedMutex(),
		refreshCh: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start hydrates from the mirror, resolves the signed-in user and, when
// online, replays queued operations, refetches and subscribes to changes.
// Hydrated state stays usable even when Start returns an error.
func (s *TaskService) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		s.hydrate()

		s.wg.Add(1)
		go s.refreshLoop()

		userID, uerr := s.remote.CurrentUserID(ctx)
		if uerr != nil {
			s.fail("resolve user", uerr)
			err = fmt.Errorf("resolve user: %w", uerr)
			return
		}
		s.mu.Lock()
		s.userID = userID
		online := s.online
		s.mu.Unlock()

		if !online {
			return
		}
		s.subscribe()
		if ferr := s.Flush(ctx); ferr != nil {
			err = ferr
			return
		}
		err = s.Refresh(ctx)
	})
	return err
}

// Close unsubscribes from the change feed and stops the refresh worker.
func (s *TaskService) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribeFeed()
		close(s.stop)
		s.wg.Wait()
	})
}

func (s *TaskService) hydrate() {
	tasks, err := s.mirror.LoadTasks()
	if err != nil {
		s.log.Error().Err(err).Msg("cached tasks unreadable, starting empty")
		tasks = nil
	}
	pending, err := s.mirror.LoadPending()
	if err != nil {
		s.log.Error().Err(err).Msg("cached pending operations unreadable, dropping them")
		pending = nil
	}
	lastSync, err := s.mirror.LastSync()
	if err != nil {
		s.log.Error().Err(err).Msg("cached sync time unreadable")
		lastSync = time.Time{}
	}

	s.mu.Lock()
	s.tasks = tasks
	s.pending = pending
	s.lastSync = lastSync
	s.revision++
	s.mu.Unlock()

	s.log.Info().Int("tasks", len(tasks)).Int("pending_ops", len(pending)).Msg("hydrated from local cache")
}

func (s *TaskService) subscribe() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.unsubscribe != nil {
		return
	}
	s.unsubscribe = s.remote.Subscribe(watchedTables, func(model.ChangeEvent) {
		s.requestRefresh()
	})
}

func (s *TaskService) unsubscribeFeed() {
	s.subMu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.subMu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// requestRefresh signals the refresh worker. Signals raised while one is
// already waiting collapse into it.
func (s *TaskService) requestRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

func (s *TaskService) refreshLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.refreshCh:
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrOffline) {
				s.log.Debug().Err(err).Msg("change-triggered refresh failed")
			}
			cancel()
		}
	}
}

// Tasks returns a copy of the canonical task list.
func (s *TaskService) Tasks() []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTasks(s.tasks)
}

// Task returns one task by id. Temporary ids of synced tasks still resolve.
func (s *TaskService) Task(id string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexLocked(s.resolveLocked(id))
	if idx < 0 {
		return model.Task{}, false
	}
	return s.tasks[idx].Clone(), true
}

// LastError returns the most recent remote failure, or "" when none is recorded.
func (s *TaskService) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *TaskService) ClearError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}

func (s *TaskService) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Syncing reports whether a refetch or queue replay is running.
func (s *TaskService) Syncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncing > 0
}

func (s *TaskService) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

func (s *TaskService) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Notifications returns the session's alerts, oldest first.
func (s *TaskService) Notifications() []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		n.Tasks = cloneTasks(n.Tasks)
		out = append(out, n)
	}
	return out
}

// MarkNotificationRead flags one notification as read. It reports whether
// the id was known.
func (s *TaskService) MarkNotificationRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Read = true
			return true
		}
	}
	return false
}

// PendingOperations returns the queued offline mutations in replay order.
func (s *TaskService) PendingOperations() []model.PendingOperation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePending(s.pending)
}

// Status is a point-in-time view of the controller for status endpoints.
type Status struct {
	UserID        string    `json:"userId"`
	Online        bool      `json:"online"`
	Syncing       bool      `json:"syncing"`
	LastSync      time.Time `json:"lastSync"`
	LastError     string    `json:"lastError,omitempty"`
	Tasks         int       `json:"tasks"`
	PendingOps    int       `json:"pendingOps"`
	Notifications int       `json:"notifications"`
}

func (s *TaskService) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		UserID:        s.userID,
		Online:        s.online,
		Syncing:       s.syncing > 0,
		LastSync:      s.lastSync,
		LastError:     s.lastErr,
		Tasks:         len(s.tasks),
		PendingOps:    len(s.pending),
		Notifications: len(s.notifications),
	}
}

// fail records a remote failure for the UI and logs it.
func (s *TaskService) fail(op string, err error) {
	s.log.Warn().Err(err).Str("op", op).Msg("remote operation failed")
	s.mu.Lock()
	s.lastErr = fmt.Sprintf("%s: %v", op, err)
	s.mu.Unlock()
}

func (s *TaskService) beginSync() {
	s.mu.Lock()
	s.syncing++
	s.mu.Unlock()
}

func (s *TaskService) endSync() {
	s.mu.Lock()
	s.syncing--
	s.mu.Unlock()
}

// persist writes the current task list and queue to the mirror. Snapshots
// are taken under persistMu so writes land in mutation order.
func (s *TaskService) persist() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	tasks := cloneTasks(s.tasks)
	pending := clonePending(s.pending)
	s.mu.RUnlock()

	if err := s.mirror.SaveTasks(tasks); err != nil {
		s.log.Error().Err(err).Msg("save tasks to local cache")
	}
	if err := s.mirror.SavePending(pending); err != nil {
		s.log.Error().Err(err).Msg("save pending operations to local cache")
	}
}

// resolveLocked follows temporary-to-server id aliases.
func (s *TaskService) resolveLocked(id string) string {
	for i := 0; i < 8; i++ {
		next, ok := s.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

func (s *TaskService) resolve(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(id)
}

func (s *TaskService) indexLocked(id string) int {
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// lockTask serializes remote writes per task. It returns the id the lock
// is held for, which follows any alias created while waiting.
func (s *TaskService) lockTask(id string) (string, func()) {
	for {
		rid := s.resolve(id)
		unlock := s.locks.Lock(rid)
		if s.resolve(id) == rid {
			return rid, unlock
		}
		unlock()
	}
}

func cloneTasks(tasks []model.Task) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return out
}

func clonePending(ops []model.PendingOperation) []model.PendingOperation {
	out := make([]model.PendingOperation, 0, len(ops))
	for _, op := range ops {
		if op.Task != nil {
			t := op.Task.Clone()
			op.Task = &t
		}
		op.TaskIDs = append([]string(nil), op.TaskIDs...)
		out = append(out, op)
	}
	return out
}
