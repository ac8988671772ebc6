package service

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/model"
)

// ReminderService builds human-readable alerts and summaries.
type ReminderService struct {
	loc *time.Location
}

func NewReminderService(loc *time.Location) *ReminderService {
	if loc == nil {
		loc = time.Local
	}
	return &ReminderService{loc: loc}
}

// OverdueNotification describes tasks that were just moved to pending.
func (s *ReminderService) OverdueNotification(tasks []model.Task, now time.Time) model.Notification {
	title := "1 task is overdue"
	if len(tasks) != 1 {
		title = fmt.Sprintf("%d tasks are overdue", len(tasks))
	}

	names := make([]string, 0, len(tasks))
	for _, t := range tasks {
		names = append(names, strings.TrimSpace(t.Title))
	}
	const shown = 3
	description := strings.Join(names, ", ")
	if len(names) > shown {
		description = fmt.Sprintf("%s and %d more", strings.Join(names[:shown], ", "), len(names)-shown)
	}

	copied := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		copied = append(copied, t.Clone())
	}

	return model.Notification{
		ID:          uuid.NewString(),
		Type:        model.NotificationOverdue,
		Title:       title,
		Description: description,
		CreatedAt:   now,
		Tasks:       copied,
	}
}

// DailySummary renders open tasks as Telegram-flavoured HTML.
func (s *ReminderService) DailySummary(tasks []model.Task, now time.Time) string {
	now = now.In(s.loc)

	var current, pending, recurring []model.Task
	for _, task := range tasks {
		switch task.Status {
		case model.StatusCurrent:
			if task.Recurrence != nil {
				recurring = append(recurring, task)
			} else {
				current = append(current, task)
			}
		case model.StatusPending:
			pending = append(pending, task)
		}
	}
	sortByDueDate(current)
	sortByDueDate(pending)
	sortByDueDate(recurring)

	var builder strings.Builder
	builder.WriteString("📋 <b>Daily summary</b>\n")
	builder.WriteString(fmt.Sprintf("🗓 %s\n\n", now.Format("2006-01-02")))

	builder.WriteString("🔥 <b>Current tasks</b>\n")
	if len(current) == 0 {
		builder.WriteString("— nothing open\n")
	} else {
		for _, task := range current {
			builder.WriteString(s.formatTask(task, now))
		}
	}

	builder.WriteString("\n⚠️ <b>Overdue</b>\n")
	if len(pending) == 0 {
		builder.WriteString("— nothing overdue\n")
	} else {
		for _, task := range pending {
			builder.WriteString(s.formatTask(task, now))
		}
	}

	builder.WriteString("\n♻️ <b>Recurring</b>\n")
	if len(recurring) == 0 {
		builder.WriteString("— no recurring tasks\n")
	} else {
		for _, task := range recurring {
			builder.WriteString(s.formatRecurring(task, now))
		}
	}

	return strings.TrimSpace(builder.String())
}

func sortByDueDate(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		switch {
		case tasks[i].DueDate == nil && tasks[j].DueDate == nil:
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		case tasks[i].DueDate == nil:
			return false
		case tasks[j].DueDate == nil:
			return true
		default:
			return tasks[i].DueDate.Before(*tasks[j].DueDate)
		}
	})
}

func (s *ReminderService) formatTask(task model.Task, now time.Time) string {
	var sb strings.Builder

	icon := "🟢"
	if task.DueDate != nil {
		d := task.DueDate.In(s.loc)
		switch {
		case now.After(d):
			icon = "⚠️"
		case d.Sub(now) <= 48*time.Hour:
			icon = "⏳"
		}
	}

	sb.WriteString(fmt.Sprintf("%s %s", icon, html.EscapeString(strings.TrimSpace(task.Title))))
	if category := strings.TrimSpace(task.Category); category != "" {
		sb.WriteString(fmt.Sprintf(" <i>(%s)</i>", html.EscapeString(category)))
	}

	if task.DueDate != nil {
		d := task.DueDate.In(s.loc)
		if now.After(d) {
			sb.WriteString(fmt.Sprintf("\n   ⏰ due %s · <b>overdue</b>", d.Format("2006-01-02")))
		} else {
			daysLeft := int(d.Sub(now).Hours()/24) + 1
			sb.WriteString(fmt.Sprintf("\n   ⏰ due %s · ≈%d days left", d.Format("2006-01-02"), daysLeft))
		}
	}

	if len(task.Subtasks) > 0 {
		done := 0
		for _, st := range task.Subtasks {
			if st.Completed {
				done++
			}
		}
		sb.WriteString(fmt.Sprintf("\n   ☑️ %d/%d subtasks", done, len(task.Subtasks)))
	}

	if notes := strings.TrimSpace(task.Notes); notes != "" {
		sb.WriteString(fmt.Sprintf("\n   📝 %s", html.EscapeString(notes)))
	}

	sb.WriteByte('\n')
	return sb.String()
}

func (s *ReminderService) formatRecurring(task model.Task, now time.Time) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("♻️ %s", html.EscapeString(strings.TrimSpace(task.Title))))
	if category := strings.TrimSpace(task.Category); category != "" {
		sb.WriteString(fmt.Sprintf(" <i>(%s)</i>", html.EscapeString(category)))
	}

	rule := task.Recurrence
	sb.WriteString(fmt.Sprintf("\n   🔁 every %d %s", rule.Interval, recurrenceUnit(rule.Type, rule.Interval)))
	if task.DueDate != nil {
		sb.WriteString(fmt.Sprintf("\n   📆 next due %s", task.DueDate.In(s.loc).Format("2006-01-02")))
	}
	if rule.MaxOccurrences != nil {
		sb.WriteString(fmt.Sprintf(" · occurrence %d of %d", occurrence(task), *rule.MaxOccurrences))
	}

	sb.WriteByte('\n')
	return sb.String()
}

func recurrenceUnit(t model.RecurrenceType, n int) string {
	unit := map[model.RecurrenceType]string{
		model.RecurrenceDaily:   "day",
		model.RecurrenceWeekly:  "week",
		model.RecurrenceMonthly: "month",
		model.RecurrenceYearly:  "year",
	}[t]
	if n != 1 {
		unit += "s"
	}
	return unit
}
