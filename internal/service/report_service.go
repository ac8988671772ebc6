package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskflow/internal/logging"
	"taskflow/internal/model"
	"taskflow/internal/repository"
)

// Completer produces narrative text from a prompt.
type Completer interface {
	Configured() bool
	Complete(ctx context.Context, system, user string) (string, error)
}

var ErrInvalidPeriod = errors.New("report period end must be after start")

const reportPrompt = `You write short, encouraging productivity reports for a personal task list.
Use plain text with at most three short paragraphs. Mention concrete numbers from the statistics.
Finish with one practical suggestion for the next period.`

// ReportService builds, stores and edits productivity reports.
type ReportService struct {
	repo  *repository.ReportRepository
	tasks *TaskService
	ai    Completer
	now   func() time.Time
	loc   *time.Location
	log   zerolog.Logger
}

func NewReportService(repo *repository.ReportRepository, tasks *TaskService, completer Completer, loc *time.Location) *ReportService {
	if loc == nil {
		loc = time.Local
	}
	return &ReportService{
		repo:  repo,
		tasks: tasks,
		ai:    completer,
		now:   time.Now,
		loc:   loc,
		log:   logging.Component("reports"),
	}
}

// Generate computes statistics for [start, end) over the current task list,
// writes a narrative and stores the report.
func (s *ReportService) Generate(ctx context.Context, start, end time.Time) (model.Report, error) {
	if !end.After(start) {
		return model.Report{}, ErrInvalidPeriod
	}

	now := s.now()
	tasks := s.tasks.Tasks()
	stats := ComputeStats(tasks, start, end, model.StartOfDay(now.In(s.loc)))
	title := fmt.Sprintf("Report %s to %s", start.In(s.loc).Format("2006-01-02"), end.Add(-time.Nanosecond).In(s.loc).Format("2006-01-02"))

	content := s.templateNarrative(stats)
	if s.ai != nil && s.ai.Configured() {
		text, err := s.ai.Complete(ctx, reportPrompt, s.reportInput(title, stats, tasks, start, end))
		switch {
		case err != nil:
			s.log.Warn().Err(err).Msg("ai narrative failed, using template")
		case strings.TrimSpace(text) != "":
			content = strings.TrimSpace(text)
		}
	}

	return s.repo.Create(ctx, model.Report{
		UserID:      s.tasks.UserID(),
		Title:       title,
		PeriodStart: start,
		PeriodEnd:   end,
		Content:     content,
		Stats:       stats,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// GenerateLastDays builds a report over the last n calendar days including today.
func (s *ReportService) GenerateLastDays(ctx context.Context, n int) (model.Report, error) {
	if n < 1 {
		n = 1
	}
	end := model.StartOfDay(s.now().In(s.loc)).AddDate(0, 0, 1)
	return s.Generate(ctx, end.AddDate(0, 0, -n), end)
}

func (s *ReportService) List(ctx context.Context) ([]model.Report, error) {
	return s.repo.ListByUser(ctx, s.tasks.UserID())
}

func (s *ReportService) Get(ctx context.Context, id string) (model.Report, error) {
	return s.repo.FindByID(ctx, s.tasks.UserID(), id)
}

// Update replaces the editable title and content of a stored report.
func (s *ReportService) Update(ctx context.Context, id, title, content string) (model.Report, error) {
	report, err := s.Get(ctx, id)
	if err != nil {
		return model.Report{}, err
	}
	if t := strings.TrimSpace(title); t != "" {
		report.Title = t
	}
	if c := strings.TrimSpace(content); c != "" {
		report.Content = c
	}
	return s.repo.Update(ctx, report)
}

func (s *ReportService) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, s.tasks.UserID(), id)
}

// ComputeStats summarizes tasks for the period [start, end). Overdue counts
// pending tasks and current tasks already past their due date.
func ComputeStats(tasks []model.Task, start, end, today time.Time) model.ReportStats {
	stats := model.ReportStats{Total: len(tasks), ByCategory: map[string]int{}}
	createdDone := 0

	for _, t := range tasks {
		switch t.Status {
		case model.StatusCurrent:
			stats.Current++
			if t.DueDate != nil && model.StartOfDay(t.DueDate.In(today.Location())).Before(today) {
				stats.Overdue++
			}
		case model.StatusPending:
			stats.Pending++
			stats.Overdue++
		}

		if inPeriod(t.CreatedAt, start, end) {
			stats.Created++
			category := strings.TrimSpace(t.Category)
			if category == "" {
				category = "Uncategorized"
			}
			stats.ByCategory[category]++
			if t.Status == model.StatusCompleted {
				createdDone++
			}
		}
		if t.CompletedAt != nil && inPeriod(*t.CompletedAt, start, end) {
			stats.Completed++
		}
	}

	if stats.Created > 0 {
		stats.CompletionRate = float64(createdDone) / float64(stats.Created)
	}
	return stats
}

func inPeriod(ts, start, end time.Time) bool {
	return !ts.Before(start) && ts.Before(end)
}

func (s *ReportService) templateNarrative(stats model.ReportStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You created %d tasks and completed %d in this period.", stats.Created, stats.Completed)
	if stats.Created > 0 {
		fmt.Fprintf(&b, " %.0f%% of the tasks created in the period are done.", stats.CompletionRate*100)
	}
	fmt.Fprintf(&b, "\n\n%d tasks are open and %d are overdue.", stats.Current+stats.Pending, stats.Overdue)

	if len(stats.ByCategory) > 0 {
		names := make([]string, 0, len(stats.ByCategory))
		for name := range stats.ByCategory {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if stats.ByCategory[names[i]] != stats.ByCategory[names[j]] {
				return stats.ByCategory[names[i]] > stats.ByCategory[names[j]]
			}
			return names[i] < names[j]
		})
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s %d", name, stats.ByCategory[name]))
		}
		fmt.Fprintf(&b, " New work by category: %s.", strings.Join(parts, ", "))
	}

	if stats.Overdue > 0 {
		b.WriteString("\n\nStart the next period by moving overdue tasks to today or dropping the ones that no longer matter.")
	} else {
		b.WriteString("\n\nNothing is overdue. Keep the same pace next period.")
	}
	return b.String()
}

func (s *ReportService) reportInput(title string, stats model.ReportStats, tasks []model.Task, start, end time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", title)
	fmt.Fprintf(&b, "Statistics: total=%d created=%d completed=%d current=%d pending=%d overdue=%d completion_rate=%.2f\n",
		stats.Total, stats.Created, stats.Completed, stats.Current, stats.Pending, stats.Overdue, stats.CompletionRate)
	for name, n := range stats.ByCategory {
		fmt.Fprintf(&b, "Category %s: %d\n", name, n)
	}
	b.WriteString("Tasks completed in the period:\n")
	for _, t := range tasks {
		if t.CompletedAt != nil && inPeriod(*t.CompletedAt, start, end) {
			fmt.Fprintf(&b, "- %s\n", t.Title)
		}
	}
	return b.String()
}
