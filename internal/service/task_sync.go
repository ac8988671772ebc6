package service

import (
	"context"
	"errors"
	"time"

	"taskflow/internal/model"
)

// SetOnline records a connectivity change. Coming back online subscribes to
// the change feed, replays queued operations and refetches; going offline
// drops the subscription.
func (s *TaskService) SetOnline(ctx context.Context, online bool) error {
	s.mu.Lock()
	was := s.online
	s.online = online
	userID := s.userID
	s.mu.Unlock()

	if was == online {
		return nil
	}
	s.log.Info().Bool("online", online).Msg("connectivity changed")

	if !online {
		s.unsubscribeFeed()
		return nil
	}

	if userID == "" {
		id, err := s.remote.CurrentUserID(ctx)
		if err != nil {
			s.fail("resolve user", err)
			return err
		}
		s.mu.Lock()
		s.userID = id
		s.mu.Unlock()
	}

	s.subscribe()
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.Refresh(ctx)
}

// Refresh refetches the full task list, reclassifies overdue tasks and
// replaces the local list, keeping tasks that still carry unsynced writes.
func (s *TaskService) Refresh(ctx context.Context) error {
	s.mu.RLock()
	online, userID := s.online, s.userID
	s.mu.RUnlock()
	if !online || userID == "" {
		return ErrOffline
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.beginSync()
	defer s.endSync()

	fetched, err := s.remote.FetchTasks(ctx, userID)
	if err != nil {
		s.fail("fetch tasks", err)
		return err
	}

	now := s.now()
	today := model.StartOfDay(now.In(s.loc))

	s.mu.Lock()
	merged, local := s.mergeLocked(fetched)
	var overdueIDs []string
	var fresh []model.Task
	for i := range merged {
		t := &merged[i]
		if local[t.ID] || !s.isOverdue(*t, today) {
			continue
		}
		t.Status = model.StatusPending
		t.UpdatedAt = now
		overdueIDs = append(overdueIDs, t.ID)
		if _, seen := s.notified[t.ID]; !seen {
			s.notified[t.ID] = struct{}{}
			fresh = append(fresh, t.Clone())
		}
	}
	s.tasks = merged
	s.revision++
	s.lastSync = now

	var note *model.Notification
	if len(fresh) > 0 {
		n := s.reminders.OverdueNotification(fresh, now)
		s.notifications = append(s.notifications, n)
		note = &n
	}
	s.mu.Unlock()

	s.persist()
	if err := s.mirror.SetLastSync(now); err != nil {
		s.log.Error().Err(err).Msg("save sync time to local cache")
	}

	if len(overdueIDs) > 0 {
		s.reclassify(ctx, userID, overdueIDs)
	}
	if note != nil && s.notifier != nil {
		s.notifier.NotifyOverdue(ctx, *note)
	}

	s.log.Debug().Int("tasks", len(merged)).Int("overdue", len(overdueIDs)).Msg("refreshed")
	return nil
}

// isOverdue: a current task is overdue when its due date is before today, or,
// lacking a due date, when it was created before today.
func (s *TaskService) isOverdue(t model.Task, today time.Time) bool {
	if t.Status != model.StatusCurrent {
		return false
	}
	if t.DueDate != nil {
		return model.StartOfDay(t.DueDate.In(s.loc)).Before(today)
	}
	return model.StartOfDay(t.CreatedAt.In(s.loc)).Before(today)
}

// reclassify writes the pending status of overdue tasks to the remote. When
// the write fails it is queued so the next reconnect replays it.
func (s *TaskService) reclassify(ctx context.Context, userID string, ids []string) {
	s.mu.RLock()
	before := s.versionsLocked(ids)
	s.mu.RUnlock()

	err := s.remote.BulkUpdateStatus(ctx, userID, ids, model.StatusPending)

	s.mu.Lock()
	if err != nil {
		s.enqueueLocked(model.PendingOperation{
			Kind:    model.OpBulkStatus,
			TaskIDs: append([]string(nil), ids...),
			Status:  model.StatusPending,
		})
	} else {
		s.bumpVersionsLocked(before)
	}
	s.mu.Unlock()
	s.persist()

	if err != nil {
		s.fail("mark overdue tasks", err)
	}
}

func (s *TaskService) versionsLocked(ids []string) map[string]int64 {
	out := make(map[string]int64, len(ids))
	for _, id := range ids {
		if i := s.indexLocked(id); i >= 0 {
			out[id] = s.tasks[i].Version
		}
	}
	return out
}

// bumpVersionsLocked accounts for one bulk write per task. A task a refetch
// already brought past its recorded version is left as fetched.
func (s *TaskService) bumpVersionsLocked(before map[string]int64) {
	for id, v := range before {
		if i := s.indexLocked(id); i >= 0 && s.tasks[i].Version == v {
			s.tasks[i].Version = v + 1
		}
	}
}

// mergeLocked combines a fetched list with local state. Tasks with an unsynced
// add or update keep their local copy, and tasks with an unsynced delete stay
// removed. The returned set names the tasks kept from local state.
func (s *TaskService) mergeLocked(fetched []model.Task) ([]model.Task, map[string]bool) {
	keep := make(map[string]bool)
	drop := make(map[string]bool)
	for id := range s.writes {
		keep[s.resolveLocked(id)] = true
	}
	for id := range s.deletes {
		drop[s.resolveLocked(id)] = true
	}
	for _, op := range s.pending {
		id := s.resolveLocked(op.TaskID)
		switch op.Kind {
		case model.OpAdd, model.OpUpdate:
			keep[id] = true
		case model.OpDelete:
			drop[id] = true
		case model.OpBulkStatus:
			for _, tid := range op.TaskIDs {
				keep[s.resolveLocked(tid)] = true
			}
		}
	}

	local := make(map[string]model.Task, len(s.tasks))
	for _, t := range s.tasks {
		local[t.ID] = t
	}

	kept := make(map[string]bool)
	seen := make(map[string]bool, len(fetched))
	var unsynced []model.Task
	for _, t := range s.tasks {
		if keep[t.ID] && !drop[t.ID] && !containsTask(fetched, t.ID) {
			unsynced = append(unsynced, t.Clone())
			kept[t.ID] = true
		}
	}

	merged := make([]model.Task, 0, len(unsynced)+len(fetched))
	merged = append(merged, unsynced...)
	for _, t := range fetched {
		if drop[t.ID] || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if l, ok := local[t.ID]; ok && keep[t.ID] {
			merged = append(merged, l.Clone())
			kept[t.ID] = true
			continue
		}
		merged = append(merged, t.Clone())
	}
	return merged, kept
}

func containsTask(tasks []model.Task, id string) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Flush replays queued offline operations in order. A transport failure stops
// the replay and keeps the rest of the queue. Conflicts and missing rows drop
// the operation, and the remote copy wins on the refetch that follows.
func (s *TaskService) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	online, userID := s.online, s.userID
	ops := clonePending(s.pending)
	s.mu.RUnlock()
	if len(ops) == 0 {
		return nil
	}
	if !online || userID == "" {
		return ErrOffline
	}

	s.beginSync()
	defer s.endSync()

	s.log.Info().Int("pending_ops", len(ops)).Msg("replaying queued operations")

	rejected := false
	for _, op := range ops {
		err := s.replay(ctx, userID, op)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrNotFound):
			s.log.Warn().Err(err).Str("op", string(op.Kind)).Str("task_id", op.TaskID).Msg("queued operation rejected, remote copy wins")
			rejected = true
		default:
			s.fail("replay "+string(op.Kind), err)
			s.persist()
			return err
		}
		s.mu.Lock()
		s.removePendingLocked(op.ID)
		s.mu.Unlock()
		s.persist()
	}

	if rejected {
		s.refreshAfterFailure(ctx)
	}
	return nil
}

func (s *TaskService) replay(ctx context.Context, userID string, op model.PendingOperation) error {
	switch op.Kind {
	case model.OpAdd:
		return s.replayAdd(ctx, userID, op)
	case model.OpUpdate:
		return s.replayUpdate(ctx, userID, op)
	case model.OpDelete:
		id, unlock := s.lockTask(op.TaskID)
		defer unlock()
		err := s.remote.DeleteTask(ctx, userID, id)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	case model.OpBulkStatus:
		s.mu.RLock()
		ids := make([]string, 0, len(op.TaskIDs))
		for _, id := range op.TaskIDs {
			ids = append(ids, s.resolveLocked(id))
		}
		before := s.versionsLocked(ids)
		s.mu.RUnlock()
		if err := s.remote.BulkUpdateStatus(ctx, userID, ids, op.Status); err != nil {
			return err
		}
		s.mu.Lock()
		s.bumpVersionsLocked(before)
		s.revision++
		s.mu.Unlock()
		return nil
	default:
		s.log.Warn().Str("op", string(op.Kind)).Msg("unknown queued operation dropped")
		return nil
	}
}

func (s *TaskService) replayAdd(ctx context.Context, userID string, op model.PendingOperation) error {
	id, unlock := s.lockTask(op.TaskID)
	defer unlock()

	s.mu.RLock()
	var task model.Task
	if idx := s.indexLocked(id); idx >= 0 {
		task = s.tasks[idx].Clone()
	} else if op.Task != nil {
		task = op.Task.Clone()
	}
	s.mu.RUnlock()
	if task.ID == "" {
		return nil
	}

	stored, err := s.remote.InsertTask(ctx, userID, task)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.adoptLocked(id, stored)
	s.mu.Unlock()
	return nil
}

func (s *TaskService) replayUpdate(ctx context.Context, userID string, op model.PendingOperation) error {
	id, unlock := s.lockTask(op.TaskID)
	defer unlock()

	s.mu.RLock()
	var task model.Task
	idx := s.indexLocked(id)
	switch {
	case idx >= 0:
		task = s.tasks[idx].Clone()
	case op.Task != nil:
		task = op.Task.Clone()
		task.ID = id
	}
	s.mu.RUnlock()
	if task.ID == "" {
		return nil
	}

	stored, err := s.remote.UpdateTask(ctx, userID, task)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.tasks[i].Version = stored.Version
		s.tasks[i].UpdatedAt = stored.UpdatedAt
		s.revision++
	}
	s.mu.Unlock()
	return nil
}

func (s *TaskService) removePendingLocked(opID string) {
	for i, op := range s.pending {
		if op.ID == opID {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *TaskService) refreshAfterFailure(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrOffline) {
		s.log.Debug().Err(err).Msg("refetch after failed write")
	}
}
