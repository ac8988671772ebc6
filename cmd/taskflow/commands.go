package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"taskflow/internal/ai"
	"taskflow/internal/bot"
	"taskflow/internal/config"
	"taskflow/internal/model"
	"taskflow/internal/server"
	"taskflow/internal/service"
)

const jobTimeout = 30 * time.Second

func serveCommand(cfg *config.Config) *cli.Command {
	var addr string
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API with background sync and the Telegram bot",
		Description: `Starts the JSON API, probes the database for connectivity, refetches on
the sync interval and sends the daily summary at report.daily_at.

The Telegram bot runs only when telegram.token is configured.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address, overrides http.addr",
				Destination: &addr,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(ctx, *cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	var (
		tg       *bot.Bot
		notifier service.Notifier
	)
	if cfg.TelegramToken != "" {
		b, err := bot.New(cfg.TelegramToken, cfg.TelegramChatID, cfg.Location)
		if err != nil {
			return err
		}
		tg, notifier = b, b
	}

	s, err := openStack(ctx, cfg, notifier)
	if err != nil {
		return err
	}
	defer s.Close()

	scheduler, err := s.schedule(tg)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	if tg != nil {
		go func() {
			if err := tg.Start(ctx, bot.Deps{Tasks: s.tasks, Reports: s.reports, Generator: s.generator}); err != nil {
				s.log.Error().Err(err).Msg("bot stopped with error")
			}
		}()
	}

	srv := server.New(server.Deps{
		Tasks:      s.tasks,
		Categories: s.categories,
		Generator:  s.generator,
		Reports:    s.reports,
	})
	if err := srv.Run(ctx, cfg.HTTPAddr); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	s.log.Info().Msg("shutdown complete")
	return nil
}

// schedule registers the connectivity probe, the periodic sync and the daily
// report.
func (s *stack) schedule(tg *bot.Bot) (*service.SchedulerService, error) {
	scheduler := service.NewSchedulerService(s.cfg.Location)

	if _, err := scheduler.ScheduleInterval(s.cfg.ProbeInterval, s.probe); err != nil {
		return nil, fmt.Errorf("schedule probe: %w", err)
	}
	if _, err := scheduler.ScheduleInterval(s.cfg.SyncInterval, s.sync); err != nil {
		return nil, fmt.Errorf("schedule sync: %w", err)
	}
	if _, err := scheduler.ScheduleDaily(s.cfg.DailyReportAt, func() { s.dailyReport(tg) }); err != nil {
		return nil, fmt.Errorf("schedule daily report: %w", err)
	}
	return scheduler, nil
}

func (s *stack) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	pingErr := s.remote.Ping(ctx)
	if pingErr != nil {
		s.log.Debug().Err(pingErr).Msg("database unreachable")
	}
	if err := s.tasks.SetOnline(ctx, pingErr == nil); err != nil {
		s.log.Warn().Err(err).Msg("reconnect sync failed")
	}
}

func (s *stack) sync() {
	if !s.tasks.Online() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := s.tasks.Flush(ctx); err != nil {
		s.log.Warn().Err(err).Msg("flush pending operations")
		return
	}
	if err := s.tasks.Refresh(ctx); err != nil {
		s.log.Warn().Err(err).Msg("periodic refresh")
	}
}

func (s *stack) dailyReport(tg *bot.Bot) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if tg != nil {
		if err := tg.SendDailySummary(s.tasks.Tasks(), time.Now()); err != nil {
			s.log.Error().Err(err).Msg("send daily summary")
		}
	}
	report, err := s.reports.GenerateLastDays(ctx, 1)
	if err != nil {
		s.log.Error().Err(err).Msg("store daily report")
		return
	}
	s.log.Info().Str("report", report.ID).Int("completed", report.Stats.Completed).Msg("daily report stored")
}

func syncCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Replay queued offline changes and refetch the task list once",
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := openStack(ctx, *cfg, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.tasks.Flush(ctx); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			if err := s.tasks.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh: %w", err)
			}

			st := s.tasks.Status()
			_, _ = fmt.Fprintf(c.Root().Writer, "synced %d tasks, %d operations pending, %d overdue alerts\n",
				st.Tasks, st.PendingOps, st.Notifications)
			return nil
		},
	}
}

func exportCommand(cfg *config.Config) *cli.Command {
	var (
		status string
		output string
	)
	return &cli.Command{
		Name:      "export",
		Usage:     "Write the task list as YAML",
		UsageText: "taskflow export [--status current|pending|completed] [--output file]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "status",
				Usage:       "only export tasks with this status",
				Destination: &status,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "file to write, defaults to stdout",
				Destination: &output,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if status != "" && !model.Status(status).Valid() {
				return fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
			}

			s, err := openStack(ctx, *cfg, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			var w io.Writer = c.Root().Writer
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			doc := newExport(cfg.User, filterStatus(s.tasks.Tasks(), model.Status(status)), cfg.Location, time.Now())
			return writeExport(w, doc)
		},
	}
}

func generateCommand(cfg *config.Config) *cli.Command {
	var (
		transcript bool
		preview    bool
	)
	return &cli.Command{
		Name:      "generate",
		Usage:     "Extract tasks from notes with the AI provider",
		UsageText: "taskflow generate [--transcript] [--preview] [file]",
		Description: `Reads free-form notes from file, or from stdin when no file or "-" is
given, and adds the tasks found in them.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "transcript",
				Usage:       "treat the input as a spoken transcript",
				Destination: &transcript,
			},
			&cli.BoolFlag{
				Name:        "preview",
				Usage:       "print the tasks without adding them",
				Destination: &preview,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if !cfg.AIEnabled() {
				return ai.ErrNotConfigured
			}

			text, err := readInput(c.Args().First(), os.Stdin)
			if err != nil {
				return err
			}

			s, err := openStack(ctx, *cfg, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			out := c.Root().Writer
			if preview {
				drafts, err := s.generator.Drafts(ctx, text, transcript)
				if err != nil {
					return err
				}
				for i, d := range drafts {
					_, _ = fmt.Fprintf(out, "%d. %s\n", i+1, draftLine(d))
				}
				return nil
			}

			created, err := s.generator.Generate(ctx, text, transcript)
			if err != nil {
				return err
			}
			for _, t := range created {
				_, _ = fmt.Fprintf(out, "added %s\n", t.Title)
			}
			_, _ = fmt.Fprintf(out, "%d tasks added\n", len(created))
			return nil
		},
	}
}

var errEmptyInput = errors.New("no input text")

// readInput reads path, or stdin for "" and "-".
func readInput(path string, stdin io.Reader) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "" || path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", errEmptyInput
	}
	return text, nil
}

func draftLine(d model.NewTask) string {
	line := d.Title
	if d.Category != "" {
		line += " [" + d.Category + "]"
	}
	if len(d.Subtasks) > 0 {
		line += " (" + strings.Join(d.Subtasks, ", ") + ")"
	}
	return line
}

func filterStatus(tasks []model.Task, status model.Status) []model.Task {
	if status == "" {
		return tasks
	}
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}
