package main

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"taskflow/internal/model"
)

type exportDoc struct {
	User       string       `yaml:"user"`
	ExportedAt string       `yaml:"exported_at"`
	Tasks      []exportTask `yaml:"tasks"`
}

type exportTask struct {
	ID          string          `yaml:"id"`
	Title       string          `yaml:"title"`
	Status      string          `yaml:"status"`
	Category    string          `yaml:"category,omitempty"`
	Notes       string          `yaml:"notes,omitempty"`
	Due         string          `yaml:"due,omitempty"`
	CompletedAt string          `yaml:"completed_at,omitempty"`
	Subtasks    []exportSubtask `yaml:"subtasks,omitempty"`
	URLs        []string        `yaml:"urls,omitempty"`
	Recurrence  *exportRule     `yaml:"recurrence,omitempty"`
	Occurrence  int             `yaml:"occurrence,omitempty"`
}

type exportSubtask struct {
	Title string `yaml:"title"`
	Done  bool   `yaml:"done"`
}

type exportRule struct {
	Type           string `yaml:"type"`
	Interval       int    `yaml:"interval"`
	EndDate        string `yaml:"end_date,omitempty"`
	MaxOccurrences int    `yaml:"max_occurrences,omitempty"`
}

func newExport(user string, tasks []model.Task, loc *time.Location, now time.Time) exportDoc {
	if loc == nil {
		loc = time.Local
	}
	doc := exportDoc{
		User:       user,
		ExportedAt: now.In(loc).Format(time.RFC3339),
		Tasks:      make([]exportTask, 0, len(tasks)),
	}

	for _, t := range tasks {
		et := exportTask{
			ID:         t.ID,
			Title:      t.Title,
			Status:     string(t.Status),
			Category:   t.Category,
			Notes:      t.Notes,
			Occurrence: t.Occurrence,
		}
		if t.DueDate != nil {
			et.Due = t.DueDate.In(loc).Format("2006-01-02")
		}
		if t.CompletedAt != nil {
			et.CompletedAt = t.CompletedAt.In(loc).Format(time.RFC3339)
		}
		for _, st := range t.Subtasks {
			et.Subtasks = append(et.Subtasks, exportSubtask{Title: st.Title, Done: st.Completed})
		}
		for _, u := range t.URLs {
			et.URLs = append(et.URLs, u.URL)
		}
		if r := t.Recurrence; r != nil {
			rule := &exportRule{Type: string(r.Type), Interval: r.Interval}
			if r.EndDate != nil {
				rule.EndDate = r.EndDate.In(loc).Format("2006-01-02")
			}
			if r.MaxOccurrences != nil {
				rule.MaxOccurrences = *r.MaxOccurrences
			}
			et.Recurrence = rule
		}
		doc.Tasks = append(doc.Tasks, et)
	}
	return doc
}

func writeExport(w io.Writer, doc exportDoc) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return enc.Close()
}
