package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/model"
)

// AddTask creates a task. Online, the returned task carries the server id;
// offline it carries a temporary id until the queued insert is replayed.
func (s *TaskService) AddTask(ctx context.Context, in model.NewTask) (model.Task, error) {
	if err := in.Validate(); err != nil {
		return model.Task{}, err
	}
	out, err := s.addTasks(ctx, []model.Task{s.buildTask(in)})
	if err != nil {
		return model.Task{}, err
	}
	return out[0], nil
}

// AddTasks creates several tasks in one optimistic step. Nothing is applied
// when any input is invalid.
func (s *TaskService) AddTasks(ctx context.Context, inputs []model.NewTask) ([]model.Task, error) {
	tasks := make([]model.Task, 0, len(inputs))
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		tasks = append(tasks, s.buildTask(in))
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return s.addTasks(ctx, tasks)
}

// UpdateTask applies upd to one task.
func (s *TaskService) UpdateTask(ctx context.Context, id string, upd model.TaskUpdate) (model.Task, error) {
	out, err := s.updateTasks(ctx, []string{id}, upd)
	if len(out) == 0 {
		return model.Task{}, err
	}
	return out[0], err
}

// UpdateTasks applies the same update to every listed task.
func (s *TaskService) UpdateTasks(ctx context.Context, ids []string, upd model.TaskUpdate) ([]model.Task, error) {
	return s.updateTasks(ctx, ids, upd)
}

// DeleteTask removes a task. A row already gone on the remote counts as deleted.
func (s *TaskService) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	rid := s.resolveLocked(id)
	idx := s.indexLocked(rid)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	s.tasks = append(s.tasks[:idx:idx], s.tasks[idx+1:]...)
	s.revision++
	online, userID := s.online && s.userID != "", s.userID
	if online {
		s.deletes[rid]++
	} else {
		s.enqueueDeleteLocked(rid)
	}
	s.mu.Unlock()
	s.persist()

	if !online {
		return nil
	}

	rid, unlock := s.lockTask(rid)
	err := s.remote.DeleteTask(ctx, userID, rid)
	unlock()

	s.mu.Lock()
	s.doneLocked(s.deletes, rid)
	s.mu.Unlock()

	if err != nil && !errors.Is(err, model.ErrNotFound) {
		s.fail("delete task", err)
		s.refreshAfterFailure(ctx)
		return err
	}
	return nil
}

// DuplicateTask adds a fresh copy of a task. The copy starts its own lineage
// with every subtask open.
func (s *TaskService) DuplicateTask(ctx context.Context, id string) (model.Task, error) {
	src, ok := s.Task(id)
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	now := s.now()
	dup := model.Task{
		ID:        uuid.NewString(),
		Title:     src.Title,
		Status:    model.StatusCurrent,
		CreatedAt: now,
		UpdatedAt: now,
		Notes:     src.Notes,
		Category:  src.Category,
	}
	for _, st := range src.Subtasks {
		dup.Subtasks = append(dup.Subtasks, model.Subtask{ID: uuid.NewString(), Title: st.Title})
	}
	for _, u := range src.URLs {
		dup.URLs = append(dup.URLs, model.URL{ID: uuid.NewString(), URL: u.URL})
	}
	if src.Recurrence != nil {
		rule := src.Recurrence.Clone()
		dup.Recurrence = &rule
		dup.Occurrence = 1
	}

	out, err := s.addTasks(ctx, []model.Task{dup})
	if err != nil {
		return model.Task{}, err
	}
	return out[0], nil
}

// ToggleSubtask flips one subtask. The task status follows its subtasks.
func (s *TaskService) ToggleSubtask(ctx context.Context, taskID, subtaskID string) (model.Task, error) {
	task, ok := s.Task(taskID)
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	found := false
	for i := range task.Subtasks {
		if task.Subtasks[i].ID == subtaskID {
			task.Subtasks[i].Completed = !task.Subtasks[i].Completed
			found = true
		}
	}
	if !found {
		return model.Task{}, fmt.Errorf("%w: subtask %s", ErrTaskNotFound, subtaskID)
	}
	return s.UpdateTask(ctx, task.ID, model.TaskUpdate{Subtasks: &task.Subtasks})
}

// MoveOverdueToToday turns every pending task back into a current task due today.
func (s *TaskService) MoveOverdueToToday(ctx context.Context) ([]model.Task, error) {
	s.mu.RLock()
	var ids []string
	for _, t := range s.tasks {
		if t.Status == model.StatusPending {
			ids = append(ids, t.ID)
		}
	}
	s.mu.RUnlock()
	if len(ids) == 0 {
		return nil, nil
	}

	today := model.StartOfDay(s.now().In(s.loc))
	status := model.StatusCurrent
	return s.updateTasks(ctx, ids, model.TaskUpdate{Status: &status, DueDate: &today})
}

func (s *TaskService) buildTask(in model.NewTask) model.Task {
	now := s.now()
	task := model.Task{
		ID:         uuid.NewString(),
		Title:      strings.TrimSpace(in.Title),
		Status:     model.StatusCurrent,
		CreatedAt:  now,
		UpdatedAt:  now,
		Notes:      strings.TrimSpace(in.Notes),
		Category:   strings.TrimSpace(in.Category),
		Recurrence: model.NormalizeRule(in.Recurrence),
	}
	if in.DueDate != nil {
		d := *in.DueDate
		task.DueDate = &d
	}
	for _, title := range in.Subtasks {
		if title = strings.TrimSpace(title); title != "" {
			task.Subtasks = append(task.Subtasks, model.Subtask{ID: uuid.NewString(), Title: title})
		}
	}
	for _, raw := range in.URLs {
		if raw = strings.TrimSpace(raw); raw != "" {
			task.URLs = append(task.URLs, model.URL{ID: uuid.NewString(), URL: raw})
		}
	}
	if task.Recurrence != nil {
		task.Occurrence = 1
	}
	return task
}

// addTasks prepends tasks to the list so the newest show first, then inserts
// them remotely one by one. A failed insert removes its task again.
func (s *TaskService) addTasks(ctx context.Context, tasks []model.Task) ([]model.Task, error) {
	s.mu.Lock()
	s.tasks = append(cloneTasks(tasks), s.tasks...)
	s.revision++
	online, userID := s.online && s.userID != "", s.userID
	for _, t := range tasks {
		if online {
			s.writes[t.ID]++
			continue
		}
		c := t.Clone()
		s.enqueueLocked(model.PendingOperation{Kind: model.OpAdd, TaskID: t.ID, Task: &c})
	}
	s.mu.Unlock()
	s.persist()

	if !online {
		return cloneTasks(tasks), nil
	}

	out := make([]model.Task, 0, len(tasks))
	var firstErr error
	for _, t := range tasks {
		stored, err := s.insertRemote(ctx, userID, t.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, stored)
	}
	return out, firstErr
}

func (s *TaskService) insertRemote(ctx context.Context, userID, tempID string) (model.Task, error) {
	id, unlock := s.lockTask(tempID)
	defer unlock()

	s.mu.RLock()
	idx := s.indexLocked(id)
	var task model.Task
	if idx >= 0 {
		task = s.tasks[idx].Clone()
	}
	s.mu.RUnlock()

	if idx < 0 {
		// Deleted locally before the insert went out.
		s.mu.Lock()
		s.doneLocked(s.writes, id)
		s.mu.Unlock()
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, tempID)
	}

	stored, err := s.remote.InsertTask(ctx, userID, task)

	s.mu.Lock()
	s.doneLocked(s.writes, id)
	if err != nil {
		if i := s.indexLocked(id); i >= 0 {
			s.tasks = append(s.tasks[:i:i], s.tasks[i+1:]...)
			s.revision++
		}
		s.mu.Unlock()
		s.fail("add task", err)
		s.persist()
		return model.Task{}, err
	}
	result := s.adoptLocked(id, stored)
	s.mu.Unlock()
	s.persist()

	s.log.Debug().Str("task_id", stored.ID).Str("temp_id", tempID).Msg("task inserted")
	return result, nil
}

// adoptLocked swaps a temporary id for the server-assigned one everywhere it
// is referenced and returns the local copy under its new id.
func (s *TaskService) adoptLocked(tempID string, stored model.Task) model.Task {
	serverID := stored.ID
	if tempID != serverID {
		s.aliases[tempID] = serverID
	}

	result := stored
	idx := s.indexLocked(tempID)
	if idx >= 0 {
		local := s.tasks[idx]
		local.ID = serverID
		local.Version = stored.Version
		local.UpdatedAt = stored.UpdatedAt
		result = local.Clone()

		if existing := s.indexLocked(serverID); existing >= 0 && existing != idx {
			// A refetch already delivered the row; the local copy is at least as new.
			s.tasks[existing] = local
			s.tasks = append(s.tasks[:idx:idx], s.tasks[idx+1:]...)
		} else {
			s.tasks[idx] = local
		}
	}

	for i := range s.tasks {
		if s.tasks[i].ParentRecurringTaskID == tempID {
			s.tasks[i].ParentRecurringTaskID = serverID
		}
	}
	for i := range s.pending {
		op := &s.pending[i]
		if op.TaskID == tempID {
			op.TaskID = serverID
		}
		for j, tid := range op.TaskIDs {
			if tid == tempID {
				op.TaskIDs[j] = serverID
			}
		}
		if op.Task != nil {
			if op.Task.ID == tempID {
				op.Task.ID = serverID
			}
			if op.Task.ParentRecurringTaskID == tempID {
				op.Task.ParentRecurringTaskID = serverID
			}
		}
	}
	for _, counts := range []map[string]int{s.writes, s.deletes} {
		if n, ok := counts[tempID]; ok && tempID != serverID {
			counts[serverID] += n
			delete(counts, tempID)
		}
	}
	s.revision++
	return result
}

func (s *TaskService) updateTasks(ctx context.Context, ids []string, upd model.TaskUpdate) ([]model.Task, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	var (
		changed   []model.Task
		completed []bool
		missing   []string
	)

	s.mu.Lock()
	online, userID := s.online && s.userID != "", s.userID
	for _, raw := range ids {
		id := s.resolveLocked(raw)
		idx := s.indexLocked(id)
		if idx < 0 {
			missing = append(missing, raw)
			continue
		}
		before := s.tasks[idx]
		after := applyUpdate(before, upd, now)
		s.tasks[idx] = after
		changed = append(changed, after.Clone())
		completed = append(completed, before.Status != model.StatusCompleted && after.Status == model.StatusCompleted)
		if online {
			s.writes[id]++
		} else {
			s.enqueueUpdateLocked(after)
		}
	}
	if len(changed) > 0 {
		s.revision++
	}
	s.mu.Unlock()

	var err error
	if len(missing) > 0 {
		err = fmt.Errorf("%w: %s", ErrTaskNotFound, strings.Join(missing, ", "))
	}
	if len(changed) == 0 {
		return nil, err
	}
	s.persist()

	if !online {
		for i, t := range changed {
			if completed[i] {
				s.generateNext(ctx, t)
			}
		}
		return changed, err
	}

	failed := false
	for i, t := range changed {
		stored, perr := s.pushUpdate(ctx, userID, t.ID)
		if perr != nil {
			if errors.Is(perr, ErrTaskNotFound) {
				continue
			}
			failed = true
			if err == nil {
				err = perr
			}
			continue
		}
		changed[i] = stored
		if completed[i] {
			s.generateNext(ctx, stored)
		}
	}
	if failed {
		s.refreshAfterFailure(ctx)
	}
	return changed, err
}

// pushUpdate writes the current local copy of a task to the remote.
func (s *TaskService) pushUpdate(ctx context.Context, userID, id string) (model.Task, error) {
	rid, unlock := s.lockTask(id)
	defer unlock()

	s.mu.RLock()
	idx := s.indexLocked(rid)
	var task model.Task
	if idx >= 0 {
		task = s.tasks[idx].Clone()
	}
	s.mu.RUnlock()

	if idx < 0 {
		s.mu.Lock()
		s.doneLocked(s.writes, rid)
		s.mu.Unlock()
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	stored, err := s.remote.UpdateTask(ctx, userID, task)

	s.mu.Lock()
	s.doneLocked(s.writes, rid)
	if err != nil {
		s.mu.Unlock()
		s.fail("update task", err)
		return model.Task{}, err
	}
	result := stored
	if i := s.indexLocked(rid); i >= 0 {
		s.tasks[i].Version = stored.Version
		s.tasks[i].UpdatedAt = stored.UpdatedAt
		result = s.tasks[i].Clone()
		s.revision++
	}
	s.mu.Unlock()
	s.persist()
	return result, nil
}

// generateNext routes the next occurrence of a just-completed recurring task
// through the regular add path, unless that occurrence already exists.
func (s *TaskService) generateNext(ctx context.Context, completed model.Task) {
	ok, err := ShouldGenerateNextInstance(completed)
	if err != nil {
		s.fail("generate recurring instance", err)
		return
	}
	if !ok {
		return
	}
	next, err := CreateRecurringTaskInstance(completed)
	if err != nil {
		s.fail("generate recurring instance", err)
		return
	}

	s.mu.RLock()
	root := s.resolveLocked(next.ParentRecurringTaskID)
	exists := false
	for _, t := range s.tasks {
		if s.resolveLocked(t.LineageRoot()) == root && occurrence(t) == next.Occurrence {
			exists = true
			break
		}
	}
	s.mu.RUnlock()
	if exists {
		s.log.Debug().Str("task_id", completed.ID).Int("occurrence", next.Occurrence).Msg("next occurrence already exists")
		return
	}

	now := s.now()
	next.ID = uuid.NewString()
	next.ParentRecurringTaskID = root
	next.CreatedAt = now
	next.UpdatedAt = now
	for i := range next.Subtasks {
		next.Subtasks[i].ID = uuid.NewString()
	}
	for i := range next.URLs {
		next.URLs[i].ID = uuid.NewString()
	}

	if _, err := s.addTasks(ctx, []model.Task{next}); err != nil {
		s.log.Warn().Err(err).Str("task_id", completed.ID).Msg("insert next occurrence")
	}
}

// applyUpdate returns before with upd applied. Status and subtasks are kept
// consistent: an explicit completion closes every subtask, an explicit
// revert from completed reopens them, and replacing subtasks without a
// status derives the status from them.
func applyUpdate(before model.Task, upd model.TaskUpdate, now time.Time) model.Task {
	t := before.Clone()

	if upd.Title != nil {
		t.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Notes != nil {
		t.Notes = strings.TrimSpace(*upd.Notes)
	}
	if upd.Category != nil {
		t.Category = strings.TrimSpace(*upd.Category)
	}
	if upd.ClearDueDate {
		t.DueDate = nil
	} else if upd.DueDate != nil {
		d := *upd.DueDate
		t.DueDate = &d
	}
	if upd.URLs != nil {
		t.URLs = nil
		for _, u := range *upd.URLs {
			if u.URL = strings.TrimSpace(u.URL); u.URL == "" {
				continue
			}
			if u.ID == "" {
				u.ID = uuid.NewString()
			}
			t.URLs = append(t.URLs, u)
		}
	}
	if upd.ClearRecurrence {
		t.Recurrence = nil
	} else if upd.Recurrence != nil {
		t.Recurrence = model.NormalizeRule(upd.Recurrence)
		if t.Recurrence != nil && t.Occurrence == 0 {
			t.Occurrence = 1
		}
	}

	if upd.Subtasks != nil {
		t.Subtasks = nil
		for _, st := range *upd.Subtasks {
			if st.ID == "" {
				st.ID = uuid.NewString()
			}
			t.Subtasks = append(t.Subtasks, st)
		}
		if upd.Status == nil && len(t.Subtasks) > 0 {
			switch {
			case t.AllSubtasksCompleted():
				t.Status = model.StatusCompleted
			case t.Status == model.StatusCompleted:
				t.Status = model.StatusCurrent
			}
		}
	}

	if upd.Status != nil {
		t.Status = *upd.Status
		if *upd.Status != before.Status {
			switch {
			case *upd.Status == model.StatusCompleted:
				setSubtasks(&t, true)
			case before.Status == model.StatusCompleted && *upd.Status == model.StatusCurrent:
				setSubtasks(&t, false)
			}
		}
	}

	if t.Status == model.StatusCompleted {
		if t.CompletedAt == nil {
			c := now
			t.CompletedAt = &c
		}
	} else {
		t.CompletedAt = nil
	}
	t.UpdatedAt = now
	return t
}

func setSubtasks(t *model.Task, completed bool) {
	for i := range t.Subtasks {
		t.Subtasks[i].Completed = completed
	}
}

func (s *TaskService) enqueueLocked(op model.PendingOperation) {
	op.ID = uuid.NewString()
	op.Timestamp = s.now()
	s.pending = append(s.pending, op)
}

// enqueueUpdateLocked folds a queued update into the latest queued add or
// update of the same task when nothing else touched it in between.
func (s *TaskService) enqueueUpdateLocked(t model.Task) {
	for i := len(s.pending) - 1; i >= 0; i-- {
		op := &s.pending[i]
		if op.TaskID == t.ID && (op.Kind == model.OpAdd || op.Kind == model.OpUpdate) {
			c := t.Clone()
			op.Task = &c
			op.Timestamp = s.now()
			return
		}
		if op.TaskID == t.ID || containsID(op.TaskIDs, t.ID) {
			break
		}
	}
	c := t.Clone()
	s.enqueueLocked(model.PendingOperation{Kind: model.OpUpdate, TaskID: t.ID, Task: &c})
}

// enqueueDeleteLocked drops queued writes for the task. A task that was only
// ever added offline needs no remote delete at all.
func (s *TaskService) enqueueDeleteLocked(id string) {
	addedOffline := false
	kept := make([]model.PendingOperation, 0, len(s.pending))
	for _, op := range s.pending {
		if op.TaskID == id && (op.Kind == model.OpAdd || op.Kind == model.OpUpdate) {
			if op.Kind == model.OpAdd {
				addedOffline = true
			}
			continue
		}
		kept = append(kept, op)
	}
	s.pending = kept
	if !addedOffline {
		s.enqueueLocked(model.PendingOperation{Kind: model.OpDelete, TaskID: id})
	}
}

func (s *TaskService) doneLocked(counts map[string]int, id string) {
	id = s.resolveLocked(id)
	if counts[id] <= 1 {
		delete(counts, id)
		return
	}
	counts[id]--
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
