package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"taskflow/internal/logging"
	"taskflow/internal/model"
	"taskflow/internal/service"
)

const (
	iconDefault   = "🟢"
	iconDue       = "⏳"
	iconOverdue   = "⚠️"
	iconRecurring = "♻️"
	iconDone      = "✅"
)

const helpText = "ℹ️ <b>Commands</b>\n" +
	"• /tasks — open tasks, numbered\n" +
	"• /add &lt;title&gt; — add a task\n" +
	"• /done &lt;n&gt; — complete task n from the last list\n" +
	"• /delete &lt;n&gt; — delete task n from the last list\n" +
	"• /search &lt;text&gt; — find tasks by title or notes\n" +
	"• /overdue — move overdue tasks to today\n" +
	"• /report [days] — daily summary, or a stored report for the last days\n" +
	"• /generate &lt;text&gt; — turn notes into tasks"

var errNoList = errors.New("no task list")

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Deps are the services chat commands delegate to. Reports and Generator may
// be nil.
type Deps struct {
	Tasks     *service.TaskService
	Reports   *service.ReportService
	Generator *service.GenerateService
}

// Bot aggregates Telegram API with services.
type Bot struct {
	api       *tgbotapi.BotAPI
	out       sender
	chatID    int64
	loc       *time.Location
	reminders *service.ReminderService
	deps      Deps
	log       zerolog.Logger

	mu    sync.Mutex
	lists map[int64][]string
}

// New connects to the Telegram API. chatID is where alerts and summaries go;
// when set, messages from other chats are ignored.
func New(token string, chatID int64, loc *time.Location) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	b := newBot(api, chatID, loc)
	b.api = api
	b.log.Info().Str("account", api.Self.UserName).Msg("bot authorized")
	return b, nil
}

func newBot(out sender, chatID int64, loc *time.Location) *Bot {
	if loc == nil {
		loc = time.Local
	}
	return &Bot{
		out:       out,
		chatID:    chatID,
		loc:       loc,
		reminders: service.NewReminderService(loc),
		log:       logging.Component("bot"),
		lists:     make(map[int64][]string),
	}
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context, deps Deps) error {
	b.deps = deps

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	b.log.Info().Msg("start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		if update.Message == nil || update.Message.Chat == nil {
			continue
		}
		if err := b.handleMessage(ctx, update.Message); err != nil {
			b.log.Error().Err(err).Int64("chat", update.Message.Chat.ID).Msg("handle message")
		}
	}

	return nil
}

// NotifyOverdue sends an overdue alert to the configured chat.
func (b *Bot) NotifyOverdue(ctx context.Context, n model.Notification) {
	if b.chatID == 0 {
		return
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("%s <b>%s</b>\n", iconOverdue, escape(n.Title)))
	now := time.Now()
	for _, task := range n.Tasks {
		builder.WriteString("• " + b.formatTask(task, now) + "\n")
	}
	builder.WriteString("\nSend /overdue to move them to today.")

	if err := b.sendText(b.chatID, builder.String()); err != nil {
		b.log.Warn().Err(err).Msg("send overdue alert")
	}
}

// SendDailySummary sends the open-task summary to the configured chat.
func (b *Bot) SendDailySummary(tasks []model.Task, now time.Time) error {
	if b.chatID == 0 {
		return nil
	}
	return b.sendText(b.chatID, b.reminders.DailySummary(tasks, now))
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if b.chatID != 0 && msg.Chat.ID != b.chatID {
		b.log.Debug().Int64("chat", msg.Chat.ID).Msg("ignoring message from unknown chat")
		return nil
	}
	if !msg.IsCommand() {
		return b.sendText(msg.Chat.ID, "I only understand commands. Send /help for the list.")
	}

	b.log.Info().Int64("chat", msg.Chat.ID).Str("command", msg.Command()).Msg("command")
	return b.handleCommand(ctx, msg)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		return b.sendText(chatID, helpText)
	case "tasks":
		return b.sendTaskList(chatID, "📋 <b>Open tasks</b>", openTasks(b.deps.Tasks.Tasks()))
	case "add":
		return b.handleAdd(ctx, chatID, args)
	case "done":
		return b.handleDone(ctx, chatID, args)
	case "delete":
		return b.handleDelete(ctx, chatID, args)
	case "search":
		if args == "" {
			return b.sendText(chatID, "Usage: /search &lt;text&gt;")
		}
		return b.sendTaskList(chatID, fmt.Sprintf("🔎 <b>Matches for</b> %s", escape(args)), b.deps.Tasks.Search(args))
	case "overdue":
		return b.handleOverdue(ctx, chatID)
	case "report":
		return b.handleReport(ctx, chatID, args)
	case "generate":
		return b.handleGenerate(ctx, chatID, args)
	default:
		return b.sendText(chatID, "Unknown command. See /help.")
	}
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, title string) error {
	if title == "" {
		return b.sendText(chatID, "Usage: /add &lt;title&gt;")
	}
	task, err := b.deps.Tasks.AddTask(ctx, model.NewTask{Title: title})
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Could not add the task: %s", escape(err.Error())))
	}
	return b.sendText(chatID, fmt.Sprintf("%s Added <b>%s</b>", iconDone, escape(task.Title)))
}

func (b *Bot) handleDone(ctx context.Context, chatID int64, arg string) error {
	id, err := b.pick(chatID, arg)
	if err != nil {
		return b.sendText(chatID, pickError(err))
	}
	status := model.StatusCompleted
	task, err := b.deps.Tasks.UpdateTask(ctx, id, model.TaskUpdate{Status: &status})
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Could not complete the task: %s", escape(err.Error())))
	}
	return b.sendText(chatID, fmt.Sprintf("%s Completed <b>%s</b>", iconDone, escape(task.Title)))
}

func (b *Bot) handleDelete(ctx context.Context, chatID int64, arg string) error {
	id, err := b.pick(chatID, arg)
	if err != nil {
		return b.sendText(chatID, pickError(err))
	}
	task, _ := b.deps.Tasks.Task(id)
	if err := b.deps.Tasks.DeleteTask(ctx, id); err != nil {
		return b.sendText(chatID, fmt.Sprintf("Could not delete the task: %s", escape(err.Error())))
	}
	b.forget(chatID, id)
	return b.sendText(chatID, fmt.Sprintf("🗑 Deleted <b>%s</b>", escape(task.Title)))
}

func (b *Bot) handleOverdue(ctx context.Context, chatID int64) error {
	moved, err := b.deps.Tasks.MoveOverdueToToday(ctx)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Could not move overdue tasks: %s", escape(err.Error())))
	}
	if len(moved) == 0 {
		return b.sendText(chatID, "Nothing is overdue.")
	}
	return b.sendText(chatID, fmt.Sprintf("Moved %d tasks to today.", len(moved)))
}

func (b *Bot) handleReport(ctx context.Context, chatID int64, arg string) error {
	if arg == "" {
		return b.sendText(chatID, b.reminders.DailySummary(b.deps.Tasks.Tasks(), time.Now()))
	}
	if b.deps.Reports == nil {
		return b.sendText(chatID, "Reports are not available.")
	}
	days, err := strconv.Atoi(arg)
	if err != nil || days < 1 {
		return b.sendText(chatID, "Usage: /report [days]")
	}

	report, err := b.deps.Reports.GenerateLastDays(ctx, days)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Could not build the report: %s", escape(err.Error())))
	}
	return b.sendText(chatID, fmt.Sprintf("📊 <b>%s</b>\n\n%s", escape(report.Title), escape(report.Content)))
}

func (b *Bot) handleGenerate(ctx context.Context, chatID int64, text string) error {
	if b.deps.Generator == nil {
		return b.sendText(chatID, "Task generation is not configured.")
	}
	if text == "" {
		return b.sendText(chatID, "Usage: /generate &lt;text&gt;")
	}

	tasks, err := b.deps.Generator.Generate(ctx, text, false)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Could not generate tasks: %s", escape(err.Error())))
	}
	if len(tasks) == 0 {
		return b.sendText(chatID, "No tasks found in that text.")
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("%s <b>Added %d tasks</b>\n", iconDone, len(tasks)))
	for _, t := range tasks {
		builder.WriteString("• " + escape(t.Title) + "\n")
	}
	return b.sendText(chatID, strings.TrimSpace(builder.String()))
}

// sendTaskList numbers tasks and remembers the numbering for /done and
// /delete.
func (b *Bot) sendTaskList(chatID int64, header string, tasks []model.Task) error {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	b.mu.Lock()
	b.lists[chatID] = ids
	b.mu.Unlock()

	if len(tasks) == 0 {
		return b.sendText(chatID, "No tasks here. Add one with /add.")
	}
	return b.sendText(chatID, header+"\n"+b.formatList(tasks, time.Now()))
}

func (b *Bot) pick(chatID int64, arg string) (string, error) {
	b.mu.Lock()
	ids, ok := b.lists[chatID]
	b.mu.Unlock()
	if !ok {
		return "", errNoList
	}
	n, err := parseIndex(arg, len(ids))
	if err != nil {
		return "", err
	}
	if ids[n-1] == "" {
		return "", fmt.Errorf("task number %d was deleted", n)
	}
	return ids[n-1], nil
}

// forget blanks a deleted task in the remembered list so the other numbers
// stay valid.
func (b *Bot) forget(chatID int64, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listed := range b.lists[chatID] {
		if listed == id {
			b.lists[chatID][i] = ""
		}
	}
}

func pickError(err error) string {
	if errors.Is(err, errNoList) {
		return "Send /tasks first, then refer to a task by its number."
	}
	return escape(err.Error())
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := b.out.Send(msg)
	return err
}

// parseIndex reads a 1-based position within a list of n items.
func parseIndex(arg string, n int) (int, error) {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), "#")
	if arg == "" {
		return 0, errors.New("give the task number, for example /done 2")
	}
	i, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%q is not a task number", arg)
	}
	if i < 1 || i > n {
		return 0, fmt.Errorf("no task number %d in the last list", i)
	}
	return i, nil
}

// openTasks returns current and pending tasks, overdue ones first, then by
// due date with undated tasks last.
func openTasks(tasks []model.Task) []model.Task {
	open := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != model.StatusCompleted {
			open = append(open, t)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		a, b := open[i], open[j]
		if (a.Status == model.StatusPending) != (b.Status == model.StatusPending) {
			return a.Status == model.StatusPending
		}
		switch {
		case a.DueDate != nil && b.DueDate != nil:
			return a.DueDate.Before(*b.DueDate)
		case a.DueDate != nil:
			return true
		default:
			return false
		}
	})
	return open
}

func (b *Bot) formatList(tasks []model.Task, now time.Time) string {
	var builder strings.Builder
	for i, task := range tasks {
		builder.WriteString(fmt.Sprintf("%d. %s\n", i+1, b.formatTask(task, now)))
	}
	return strings.TrimSpace(builder.String())
}

func (b *Bot) formatTask(task model.Task, now time.Time) string {
	icon := iconDefault
	switch {
	case task.Status == model.StatusCompleted:
		icon = iconDone
	case task.Status == model.StatusPending:
		icon = iconOverdue
	case task.Recurrence != nil:
		icon = iconRecurring
	case task.DueDate != nil:
		icon = iconDue
	}

	parts := []string{icon + " " + escape(shortTitle(task.Title, 60))}
	if task.Category != "" {
		parts = append(parts, escape(task.Category))
	}
	if task.DueDate != nil {
		parts = append(parts, "due "+dueLabel(task.DueDate.In(b.loc), now.In(b.loc)))
	}
	if n := len(task.Subtasks); n > 0 {
		done := 0
		for _, st := range task.Subtasks {
			if st.Completed {
				done++
			}
		}
		parts = append(parts, fmt.Sprintf("%d/%d", done, n))
	}
	return strings.Join(parts, " · ")
}

func dueLabel(due, now time.Time) string {
	days := int(math.Round(model.StartOfDay(due).Sub(model.StartOfDay(now)).Hours() / 24))
	switch days {
	case 0:
		return "today"
	case 1:
		return "tomorrow"
	case -1:
		return "yesterday"
	}
	return due.Format("2006-01-02")
}

func shortTitle(title string, maxLen int) string {
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) <= maxLen {
		return title
	}
	return string(runes[:maxLen-1]) + "…"
}

func escape(s string) string {
	return html.EscapeString(s)
}
