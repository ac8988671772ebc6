package service

import (
	"fmt"
	"time"

	"taskflow/internal/model"
)

// NextDueDate advances base by rule.Interval units of rule.Type, keeping the
// time of day. Monthly and yearly steps clamp to the last day of the target
// month when the day does not exist there (Jan 31 + 1 month is Feb 28 or 29).
func NextDueDate(base time.Time, rule model.RecurrenceRule) (time.Time, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}

	switch rule.Type {
	case model.RecurrenceDaily:
		return base.AddDate(0, 0, rule.Interval), nil
	case model.RecurrenceWeekly:
		return base.AddDate(0, 0, 7*rule.Interval), nil
	case model.RecurrenceMonthly:
		return addMonthsClamped(base, rule.Interval), nil
	case model.RecurrenceYearly:
		return addMonthsClamped(base, 12*rule.Interval), nil
	default:
		return time.Time{}, fmt.Errorf("%w: type %q has no next date", model.ErrInvalidRecurrence, rule.Type)
	}
}

// ShouldGenerateNextInstance decides whether completing task yields another
// occurrence. A malformed rule is reported as an error rather than skipped.
func ShouldGenerateNextInstance(task model.Task) (bool, error) {
	rule := task.Recurrence
	if rule == nil || rule.Type == model.RecurrenceNone {
		return false, nil
	}
	if err := rule.Validate(); err != nil {
		return false, err
	}

	if rule.MaxOccurrences != nil && occurrence(task) >= *rule.MaxOccurrences {
		return false, nil
	}

	if rule.EndDate != nil {
		next, err := NextDueDate(recurrenceBase(task), *rule)
		if err != nil {
			return false, err
		}
		end := model.StartOfDay(*rule.EndDate)
		if model.StartOfDay(next.In(end.Location())).After(end) {
			return false, nil
		}
	}
	return true, nil
}

// CreateRecurringTaskInstance builds the next occurrence of a completed
// recurring task. The result has no id and no creation time; the caller
// assigns both when it inserts the task.
func CreateRecurringTaskInstance(completed model.Task) (model.Task, error) {
	if completed.Recurrence == nil || completed.Recurrence.Type == model.RecurrenceNone {
		return model.Task{}, fmt.Errorf("%w: task %s has no recurrence rule", model.ErrInvalidRecurrence, completed.ID)
	}

	next, err := NextDueDate(recurrenceBase(completed), *completed.Recurrence)
	if err != nil {
		return model.Task{}, err
	}

	rule := completed.Recurrence.Clone()
	instance := model.Task{
		Title:                 completed.Title,
		Status:                model.StatusCurrent,
		DueDate:               &next,
		Notes:                 completed.Notes,
		Category:              completed.Category,
		Recurrence:            &rule,
		IsRecurringInstance:   true,
		ParentRecurringTaskID: completed.LineageRoot(),
		Occurrence:            occurrence(completed) + 1,
	}
	for _, st := range completed.Subtasks {
		instance.Subtasks = append(instance.Subtasks, model.Subtask{Title: st.Title})
	}
	for _, u := range completed.URLs {
		instance.URLs = append(instance.URLs, model.URL{URL: u.URL})
	}
	return instance, nil
}

// recurrenceBase is the date the next occurrence is computed from: the due
// date, or the completion date when the task had none.
func recurrenceBase(task model.Task) time.Time {
	switch {
	case task.DueDate != nil:
		return *task.DueDate
	case task.CompletedAt != nil:
		return *task.CompletedAt
	default:
		return task.CreatedAt
	}
}

func occurrence(task model.Task) int {
	if task.Occurrence < 1 {
		return 1
	}
	return task.Occurrence
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	total := int(month) - 1 + months
	targetYear := year + total/12
	targetMonth := time.Month(total%12 + 1)

	if last := daysInMonth(targetMonth, targetYear); day > last {
		day = last
	}
	return time.Date(targetYear, targetMonth, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(month time.Month, year int) int {
	// Move to next month, roll back a day.
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	firstOfNextMonth := firstOfMonth.AddDate(0, 1, 0)
	lastOfMonth := firstOfNextMonth.AddDate(0, 0, -1)
	return lastOfMonth.Day()
}
