package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"taskflow/internal/ai"
	"taskflow/internal/cache"
	"taskflow/internal/config"
	"taskflow/internal/logging"
	"taskflow/internal/repository"
	"taskflow/internal/service"
)

// stack is the wired set of stores and services shared by the commands.
type stack struct {
	cfg        config.Config
	db         *gorm.DB
	remote     *repository.Remote
	tasks      *service.TaskService
	categories *service.CategoryService
	reports    *service.ReportService
	generator  *service.GenerateService
	ai         *ai.Client
	log        zerolog.Logger
}

// openStack connects the database, resolves the configured user and starts
// the task controller. A failed start is logged and leaves the controller on
// whatever the local mirror held.
func openStack(ctx context.Context, cfg config.Config, notifier service.Notifier) (*stack, error) {
	l := logging.Component("main")

	db, err := repository.NewDB(cfg.DatabaseURL, logging.Component("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	user, err := repository.NewUserRepository(db).EnsureByName(ctx, cfg.User)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("resolve user %q: %w", cfg.User, err)
	}

	storage, err := cache.NewFileStorage(cfg.CachePath)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("open local cache: %w", err)
	}

	feed := repository.NewChangeFeed()
	remote := repository.NewRemote(db, repository.NewTaskRepository(db, feed), feed, user.ID)

	tasks := service.NewTaskService(remote, cache.NewMirror(storage), service.TaskServiceOptions{
		Location: cfg.Location,
		Notifier: notifier,
	})
	if err := tasks.Start(ctx); err != nil {
		l.Warn().Err(err).Msg("task sync start failed, using local cache")
	}

	client := ai.NewClient(cfg.AIAPIKey, ai.WithBaseURL(cfg.AIBaseURL), ai.WithModel(cfg.AIModel))
	categories := service.NewCategoryService(repository.NewCategoryRepository(db))

	s := &stack{
		cfg:        cfg,
		db:         db,
		remote:     remote,
		tasks:      tasks,
		categories: categories,
		reports:    service.NewReportService(repository.NewReportRepository(db), tasks, client, cfg.Location),
		ai:         client,
		log:        l,
	}
	if cfg.AIEnabled() {
		s.generator = service.NewGenerateService(client, categories, tasks)
	}

	l.Info().Str("user", cfg.User).Int("tasks", len(tasks.Tasks())).Bool("online", tasks.Online()).Msg("task controller ready")
	return s, nil
}

func (s *stack) Close() {
	s.tasks.Close()
	closeDB(s.db)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
