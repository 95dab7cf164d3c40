// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// maproulette-api is the MapRoulette backend server. It wires the store,
// the task and review engines, the OSM pipeline, the websocket hub and the
// maintenance scheduler behind one HTTP listener.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/maproulette/maproulette-backend/internal/api"
	"github.com/maproulette/maproulette-backend/internal/authz"
	"github.com/maproulette/maproulette-backend/internal/cache"
	"github.com/maproulette/maproulette-backend/internal/challenge"
	"github.com/maproulette/maproulette-backend/internal/config"
	"github.com/maproulette/maproulette-backend/internal/logging"
	"github.com/maproulette/maproulette-backend/internal/metrics"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/notifications"
	"github.com/maproulette/maproulette-backend/internal/osm"
	"github.com/maproulette/maproulette-backend/internal/review"
	"github.com/maproulette/maproulette-backend/internal/scheduler"
	"github.com/maproulette/maproulette-backend/internal/server"
	"github.com/maproulette/maproulette-backend/internal/session"
	"github.com/maproulette/maproulette-backend/internal/store"
	"github.com/maproulette/maproulette-backend/internal/task"
	"github.com/maproulette/maproulette-backend/internal/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("maproulette-api", pflag.ExitOnError)
	configPath := flags.String("config", "", "Path to the YAML configuration file")
	flags.Int("port", 0, "HTTP listen port, overrides the configuration file")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	_ = flags.Parse(os.Args[1:])

	loader := config.NewLoader()
	if err := loader.Load(config.Default(), *configPath); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := loader.LoadFlags(flags, map[string]string{
		"port":      "server.port",
		"log-level": "logging.level",
	}); err != nil {
		return fmt.Errorf("failed to apply flag overrides: %w", err)
	}
	var cfg config.Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.URL, store.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	challengeCache := cache.New[*models.Challenge](
		cache.WithLimit[*models.Challenge](cfg.Cache.Limit),
		cache.WithExpiry[*models.Challenge](cfg.Cache.Expiry))
	projectCache := cache.New[*models.Project](
		cache.WithLimit[*models.Project](cfg.Cache.Limit),
		cache.WithExpiry[*models.Project](cfg.Cache.Expiry))
	tagCache := cache.New[*models.Tag](
		cache.WithLimit[*models.Tag](cfg.Cache.Limit),
		cache.WithExpiry[*models.Tag](cfg.Cache.Expiry))
	// OSM element bodies are public and shared across per-user clients.
	elementCache := cache.NewVersioned[string, osm.Element](cfg.OSM.CacheExpiry)

	users := store.NewUserRepo(db, cfg.Auth.SuperUserIDs)
	projects := store.NewProjectRepo(db, projectCache)
	challenges := store.NewChallengeRepo(db, challengeCache)
	tasks := store.NewTaskRepo(db)
	reviews := store.NewReviewRepo(db)
	grants := store.NewGrantRepo(db)
	locks := store.NewLockRepo(db, cfg.Locks.TTL)
	bundles := store.NewBundleRepo(db)
	comments := store.NewCommentRepo(db)
	virtual := store.NewVirtualChallengeRepo(db, cfg.VirtualChallenges.Expiry)
	queue := store.NewNotificationRepo(db)
	tags := store.NewTagRepo(db, tagCache)

	enforcer, err := authz.NewEnforcer(grants, logger)
	if err != nil {
		return fmt.Errorf("failed to build the authorization model: %w", err)
	}
	access := authz.NewService(enforcer, logger)

	hub := ws.NewHub(logger)
	mailer := notifications.NewMailer(cfg.SMTP, queue, users, logger)
	mailer.Publisher = hub
	submitter := osm.NewSubmitter(osm.ClientConfig{
		BaseURL:  cfg.OSM.APIBaseURL,
		Timeout:  cfg.OSM.Timeout,
		Elements: elementCache,
	}, logger)
	overpass := osm.NewOverpassClient(cfg.Overpass.Endpoint, cfg.Overpass.Timeout, logger)
	builder := challenge.NewBuilder(challenges, tasks, overpass, logger)

	taskSvc := task.NewService(db, tasks, challenges, reviews, users, locks,
		bundles, tags, hub, submitter, logger)
	reviewSvc := review.NewService(db, reviews, tasks, challenges, users, locks,
		tags, hub, mailer, logger)

	sessions := session.NewManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)
	var osmLogin *session.OSMLogin
	if cfg.OSM.OAuthClientID != "" {
		osmLogin = session.NewOSMLogin(cfg.OSM.OAuthClientID, cfg.OSM.OAuthClientSecret,
			cfg.Server.PublicOrigin+"/auth/callback", cfg.OSM.APIBaseURL)
	} else {
		logger.Warn("osm oauth client is not configured, login is disabled")
	}

	handler := api.New(api.Deps{
		Config:     cfg,
		Tasks:      taskSvc,
		Reviews:    reviewSvc,
		Builder:    builder,
		Submitter:  submitter,
		Access:     access,
		Mailer:     mailer,
		Users:      users,
		Projects:   projects,
		Challenges: challenges,
		TaskRepo:   tasks,
		Virtual:    virtual,
		Bundles:    bundles,
		Comments:   comments,
		Grants:     grants,
		Locks:      locks,
		Tags:       tags,
		Hub:        hub,
		Sessions:   sessions,
		OSMLogin:   osmLogin,
		Metrics:    metrics.New(),
		DB:         db,
		Logger:     logger,
	})

	sched := scheduler.New(logger)
	maintenance := &scheduler.Maintenance{
		Locks:                   locks,
		Challenges:              challenges,
		Virtual:                 virtual,
		Refresher:               builder,
		Mailer:                  mailer,
		Sweepers:                []scheduler.CacheSweeper{challengeCache, projectCache, tagCache, elementCache},
		ImmediateDigestInterval: cfg.Scheduler.ImmediateEmail.Interval,
		ImmediateDigestBatch:    cfg.Scheduler.ImmediateEmail.BatchSize,
		DailyDigestStart:        cfg.Scheduler.DigestEmail.StartTime,
		Logger:                  logger,
	}
	if err := maintenance.RegisterAll(sched); err != nil {
		return fmt.Errorf("failed to register maintenance jobs: %w", err)
	}

	srv := server.New(cfg.Server, handler.Router(), logger)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(ctx)
	})
	group.Go(func() error {
		sched.Start()
		<-ctx.Done()
		sched.Stop()
		return nil
	})

	logger.Info("maproulette backend started", "addr", cfg.Server.Addr())
	return group.Wait()
}
