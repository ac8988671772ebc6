package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TaskDraft is one task proposed by the model.
type TaskDraft struct {
	Title    string   `json:"title"`
	Subtasks []string `json:"subtasks,omitempty"`
	Category string   `json:"category,omitempty"`
}

const extractPrompt = `You turn free-form notes into a to-do list.
Reply with JSON only, no prose: {"tasks":[{"title":"...","subtasks":["..."],"category":"..."}]}.
Keep titles short and actionable. Use subtasks only for clear multi-step work.
Pick a category only from this list, or leave it empty: %s.`

const transcriptHint = `The input is a spoken transcript. Ignore filler words, repetitions and small talk.`

// ExtractTasks asks the model for task drafts found in text. Drafts with a
// blank title are skipped.
func (c *Client) ExtractTasks(ctx context.Context, text string, transcript bool, categories []string) ([]TaskDraft, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	system := fmt.Sprintf(extractPrompt, strings.Join(categories, ", "))
	if transcript {
		system += "\n" + transcriptHint
	}

	reply, err := c.Complete(ctx, system, text)
	if err != nil {
		return nil, err
	}
	drafts, err := parseDrafts(reply)
	if err != nil {
		return nil, err
	}
	return drafts, nil
}

func parseDrafts(reply string) ([]TaskDraft, error) {
	cleaned := stripFences(reply)

	var wrapped struct {
		Tasks []TaskDraft `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapped); err != nil {
		// Some models answer with a bare array.
		var bare []TaskDraft
		if berr := json.Unmarshal([]byte(cleaned), &bare); berr != nil {
			return nil, fmt.Errorf("parse task drafts: %w (raw: %s)", err, reply)
		}
		wrapped.Tasks = bare
	}

	out := make([]TaskDraft, 0, len(wrapped.Tasks))
	for _, d := range wrapped.Tasks {
		d.Title = strings.TrimSpace(d.Title)
		if d.Title == "" {
			continue
		}
		d.Category = strings.TrimSpace(d.Category)
		subtasks := d.Subtasks[:0]
		for _, st := range d.Subtasks {
			if st = strings.TrimSpace(st); st != "" {
				subtasks = append(subtasks, st)
			}
		}
		d.Subtasks = subtasks
		out = append(out, d)
	}
	return out, nil
}
