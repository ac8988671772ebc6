package service

import (
	"context"
	"strings"

	"taskflow/internal/ai"
	"taskflow/internal/model"
)

// TaskExtractor turns free text into task drafts.
type TaskExtractor interface {
	ExtractTasks(ctx context.Context, text string, transcript bool, categories []string) ([]ai.TaskDraft, error)
}

// GenerateService feeds AI-extracted drafts into the task list.
type GenerateService struct {
	extractor  TaskExtractor
	categories *CategoryService
	tasks      *TaskService
}

func NewGenerateService(extractor TaskExtractor, categories *CategoryService, tasks *TaskService) *GenerateService {
	return &GenerateService{extractor: extractor, categories: categories, tasks: tasks}
}

// Drafts returns the new-task inputs found in text without adding them.
func (s *GenerateService) Drafts(ctx context.Context, text string, transcript bool) ([]model.NewTask, error) {
	var known []string
	if s.categories != nil {
		names, err := s.categories.Names(ctx, s.tasks.UserID())
		if err != nil {
			return nil, err
		}
		known = names
	}

	drafts, err := s.extractor.ExtractTasks(ctx, text, transcript, known)
	if err != nil {
		return nil, err
	}
	return draftsToInputs(drafts, known), nil
}

// Generate extracts drafts from text and adds them as new tasks.
func (s *GenerateService) Generate(ctx context.Context, text string, transcript bool) ([]model.Task, error) {
	inputs, err := s.Drafts(ctx, text, transcript)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	return s.tasks.AddTasks(ctx, inputs)
}

// draftsToInputs skips blank titles and keeps a category only when it names
// a known one, using the known spelling.
func draftsToInputs(drafts []ai.TaskDraft, known []string) []model.NewTask {
	canonical := make(map[string]string, len(known))
	for _, name := range known {
		canonical[strings.ToLower(strings.TrimSpace(name))] = name
	}

	inputs := make([]model.NewTask, 0, len(drafts))
	for _, d := range drafts {
		title := strings.TrimSpace(d.Title)
		if title == "" {
			continue
		}
		in := model.NewTask{Title: title, Subtasks: d.Subtasks}
		if name, ok := canonical[strings.ToLower(strings.TrimSpace(d.Category))]; ok {
			in.Category = name
		}
		inputs = append(inputs, in)
	}
	return inputs
}
