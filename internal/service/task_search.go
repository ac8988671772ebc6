package service

import (
	"strings"

	"taskflow/internal/model"
)

type filterMemo struct {
	valid    bool
	query    string
	revision uint64
	tasks    []model.Task
}

// SetQuery sets the search text used by Filtered.
func (s *TaskService) SetQuery(q string) {
	s.mu.Lock()
	s.query = strings.TrimSpace(q)
	s.mu.Unlock()
}

func (s *TaskService) Query() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query
}

// Filtered returns the tasks matching the current query. The view is derived
// from the canonical list and recomputed only when the query or list changes.
func (s *TaskService) Filtered() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filter.valid && s.filter.query == s.query && s.filter.revision == s.revision {
		return cloneTasks(s.filter.tasks)
	}

	view := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Matches(s.query) {
			view = append(view, t.Clone())
		}
	}
	s.filter = filterMemo{valid: true, query: s.query, revision: s.revision, tasks: view}
	return cloneTasks(view)
}

// Search filters the current list by q without touching the stored query.
func (s *TaskService) Search(q string) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.Matches(q) {
			out = append(out, t.Clone())
		}
	}
	return out
}
