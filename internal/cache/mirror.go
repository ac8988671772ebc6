package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"taskflow/internal/model"
)

const (
	KeyTasks      = "taskflow.tasks"
	KeyLastSync   = "taskflow.lastSync"
	KeyPendingOps = "taskflow.pendingOps"
)

// Mirror stores whole snapshots. Every save overwrites the previous value.
type Mirror struct {
	store Storage
}

func NewMirror(store Storage) *Mirror {
	return &Mirror{store: store}
}

// LoadTasks returns the cached task list. A missing key yields no tasks and no
// error; undecodable data yields ErrCorrupt.
func (m *Mirror) LoadTasks() ([]model.Task, error) {
	var tasks []model.Task
	if err := m.load(KeyTasks, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (m *Mirror) SaveTasks(tasks []model.Task) error {
	if tasks == nil {
		tasks = []model.Task{}
	}
	return m.save(KeyTasks, tasks)
}

func (m *Mirror) LastSync() (time.Time, error) {
	var ts time.Time
	if err := m.load(KeyLastSync, &ts); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func (m *Mirror) SetLastSync(ts time.Time) error {
	return m.save(KeyLastSync, ts)
}

func (m *Mirror) LoadPending() ([]model.PendingOperation, error) {
	var ops []model.PendingOperation
	if err := m.load(KeyPendingOps, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func (m *Mirror) SavePending(ops []model.PendingOperation) error {
	if len(ops) == 0 {
		return m.store.Delete(KeyPendingOps)
	}
	return m.save(KeyPendingOps, ops)
}

func (m *Mirror) load(key string, dst interface{}) error {
	data, ok, err := m.store.Get(key)
	if err != nil {
		return err
	}
	if !ok || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: key %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

func (m *Mirror) save(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return m.store.Set(key, data)
}
