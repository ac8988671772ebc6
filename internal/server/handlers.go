package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskflow/internal/ai"
	"taskflow/internal/model"
	"taskflow/internal/service"
)

const (
	maxGenerateText = 64 << 10 // 64KB
	maxReportDays   = 366
)

type taskRequest struct {
	Title      string                `json:"title"`
	Notes      string                `json:"notes"`
	Category   string                `json:"category"`
	DueDate    string                `json:"dueDate"`
	Subtasks   []string              `json:"subtasks"`
	URLs       []string              `json:"urls"`
	Recurrence *model.RecurrenceRule `json:"recurrence"`
}

func (r taskRequest) toNewTask() (model.NewTask, error) {
	in := model.NewTask{
		Title:      r.Title,
		Notes:      r.Notes,
		Category:   r.Category,
		Subtasks:   r.Subtasks,
		URLs:       r.URLs,
		Recurrence: r.Recurrence,
	}
	if strings.TrimSpace(r.DueDate) != "" {
		due, err := parseDate(r.DueDate)
		if err != nil {
			return model.NewTask{}, err
		}
		in.DueDate = &due
	}
	return in, nil
}

type updateRequest struct {
	Title           *string               `json:"title"`
	Status          *model.Status         `json:"status"`
	Notes           *string               `json:"notes"`
	Category        *string               `json:"category"`
	DueDate         *string               `json:"dueDate"`
	Subtasks        *[]model.Subtask      `json:"subtasks"`
	URLs            *[]model.URL          `json:"urls"`
	Recurrence      *model.RecurrenceRule `json:"recurrence"`
	ClearDueDate    bool                  `json:"clearDueDate"`
	ClearRecurrence bool                  `json:"clearRecurrence"`
}

func (r updateRequest) toUpdate() (model.TaskUpdate, error) {
	upd := model.TaskUpdate{
		Title:           r.Title,
		Status:          r.Status,
		Notes:           r.Notes,
		Category:        r.Category,
		Subtasks:        r.Subtasks,
		URLs:            r.URLs,
		Recurrence:      r.Recurrence,
		ClearDueDate:    r.ClearDueDate,
		ClearRecurrence: r.ClearRecurrence,
	}
	if r.DueDate != nil {
		if strings.TrimSpace(*r.DueDate) == "" {
			upd.ClearDueDate = true
		} else {
			due, err := parseDate(*r.DueDate)
			if err != nil {
				return model.TaskUpdate{}, err
			}
			upd.DueDate = &due
		}
	}
	return upd, nil
}

var (
	errBadDate         = errors.New("invalid date")
	errReportsDisabled = errors.New("reports are not available")
)

// parseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates, the
// latter read as local midnight.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w %q, expected YYYY-MM-DD or RFC 3339", errBadDate, raw)
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrEmptyTitle),
		errors.Is(err, model.ErrInvalidStatus),
		errors.Is(err, model.ErrInvalidRecurrence),
		errors.Is(err, errBadDate),
		errors.Is(err, service.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrOffline), errors.Is(err, ai.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

func failErr(c *gin.Context, err error) {
	fail(c, errorStatus(err), err)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  s.tasks.Status(),
	})
}

func (s *Server) handleSync(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.tasks.Flush(ctx); err != nil {
		failErr(c, err)
		return
	}
	if err := s.tasks.Refresh(ctx); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  s.tasks.Status(),
	})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var tasks []model.Task
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		tasks = s.tasks.Search(q)
	} else {
		tasks = s.tasks.Tasks()
	}

	if status := model.Status(c.Query("status")); status != "" {
		if !status.Valid() {
			fail(c, http.StatusBadRequest, model.ErrInvalidStatus)
			return
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []model.Task{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tasks":   tasks,
		"count":   len(tasks),
	})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	in, err := req.toNewTask()
	if err != nil {
		failErr(c, err)
		return
	}

	task, err := s.tasks.AddTask(c.Request.Context(), in)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"task":    task,
	})
}

func (s *Server) handleCreateTasks(c *gin.Context) {
	var req struct {
		Tasks []taskRequest `json:"tasks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if len(req.Tasks) == 0 {
		fail(c, http.StatusBadRequest, errors.New("tasks must not be empty"))
		return
	}

	inputs := make([]model.NewTask, 0, len(req.Tasks))
	for _, r := range req.Tasks {
		in, err := r.toNewTask()
		if err != nil {
			failErr(c, err)
			return
		}
		inputs = append(inputs, in)
	}

	tasks, err := s.tasks.AddTasks(c.Request.Context(), inputs)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"tasks":   tasks,
		"count":   len(tasks),
	})
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	upd, err := req.toUpdate()
	if err != nil {
		failErr(c, err)
		return
	}

	task, err := s.tasks.UpdateTask(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"task":    task,
	})
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.tasks.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDuplicateTask(c *gin.Context) {
	task, err := s.tasks.DuplicateTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"task":    task,
	})
}

func (s *Server) handleToggleSubtask(c *gin.Context) {
	task, err := s.tasks.ToggleSubtask(c.Request.Context(), c.Param("id"), c.Param("subtaskId"))
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"task":    task,
	})
}

func (s *Server) handleMoveOverdue(c *gin.Context) {
	tasks, err := s.tasks.MoveOverdueToToday(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tasks":   tasks,
		"count":   len(tasks),
	})
}

func (s *Server) handleNotifications(c *gin.Context) {
	notes := s.tasks.Notifications()
	unread := 0
	for _, n := range notes {
		if !n.Read {
			unread++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"notifications": notes,
		"unread":        unread,
	})
}

func (s *Server) handleReadNotification(c *gin.Context) {
	if !s.tasks.MarkNotificationRead(c.Param("id")) {
		fail(c, http.StatusNotFound, errors.New("notification not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleListCategories(c *gin.Context) {
	categories, err := s.categories.List(c.Request.Context(), s.tasks.UserID())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"categories": categories,
	})
}

func (s *Server) handleCreateCategory(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		fail(c, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	category, err := s.categories.Add(c.Request.Context(), s.tasks.UserID(), req.Name)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"category": category,
	})
}

func (s *Server) handleDeleteCategory(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		fail(c, http.StatusBadRequest, errors.New("name query parameter required"))
		return
	}
	if err := s.categories.Remove(c.Request.Context(), s.tasks.UserID(), name); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			failErr(c, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleGenerateTasks(c *gin.Context) {
	if s.generator == nil {
		failErr(c, ai.ErrNotConfigured)
		return
	}

	var req struct {
		Text       string `json:"text"`
		Transcript bool   `json:"transcript"`
		Preview    bool   `json:"preview"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		fail(c, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if len(req.Text) > maxGenerateText {
		fail(c, http.StatusBadRequest, errors.New("text exceeds maximum size of 64KB"))
		return
	}

	ctx := c.Request.Context()
	if req.Preview {
		drafts, err := s.generator.Drafts(ctx, req.Text, req.Transcript)
		if err != nil {
			failErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"drafts":  drafts,
			"count":   len(drafts),
		})
		return
	}

	tasks, err := s.generator.Generate(ctx, req.Text, req.Transcript)
	if err != nil {
		failErr(c, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"tasks":   tasks,
		"count":   len(tasks),
	})
}

func (s *Server) handleListReports(c *gin.Context) {
	if s.reports == nil {
		fail(c, http.StatusServiceUnavailable, errReportsDisabled)
		return
	}
	reports, err := s.reports.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"reports": reports,
		"count":   len(reports),
	})
}

func (s *Server) handleCreateReport(c *gin.Context) {
	if s.reports == nil {
		fail(c, http.StatusServiceUnavailable, errReportsDisabled)
		return
	}

	var req struct {
		Days  int    `json:"days"`
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	var (
		report model.Report
		err    error
	)
	switch {
	case req.Start != "" || req.End != "":
		start, perr := parseDate(req.Start)
		if perr != nil {
			failErr(c, perr)
			return
		}
		end, perr := parseDate(req.End)
		if perr != nil {
			failErr(c, perr)
			return
		}
		// The end date is inclusive.
		report, err = s.reports.Generate(ctx, start, end.AddDate(0, 0, 1))
	default:
		days := req.Days
		if days <= 0 {
			days = 7
		}
		if days > maxReportDays {
			fail(c, http.StatusBadRequest, fmt.Errorf("days must be at most %d", maxReportDays))
			return
		}
		report, err = s.reports.GenerateLastDays(ctx, days)
	}
	if err != nil {
		if errorStatus(err) == http.StatusBadRequest {
			failErr(c, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"report":  report,
	})
}

func (s *Server) handleGetReport(c *gin.Context) {
	if s.reports == nil {
		fail(c, http.StatusServiceUnavailable, errReportsDisabled)
		return
	}
	report, err := s.reports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"report":  report,
	})
}

func (s *Server) handleUpdateReport(c *gin.Context) {
	if s.reports == nil {
		fail(c, http.StatusServiceUnavailable, errReportsDisabled)
		return
	}

	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	report, err := s.reports.Update(c.Request.Context(), c.Param("id"), req.Title, req.Content)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"report":  report,
	})
}

func (s *Server) handleDeleteReport(c *gin.Context) {
	if s.reports == nil {
		fail(c, http.StatusServiceUnavailable, errReportsDisabled)
		return
	}
	if err := s.reports.Delete(c.Request.Context(), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
