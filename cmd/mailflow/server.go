package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arbormail/mailflow/internal/api"
	"github.com/arbormail/mailflow/internal/cache"
	"github.com/arbormail/mailflow/internal/config"
	"github.com/arbormail/mailflow/internal/jobs"
	"github.com/arbormail/mailflow/internal/mailparse"
	"github.com/arbormail/mailflow/internal/message"
	"github.com/arbormail/mailflow/internal/metrics"
	"github.com/arbormail/mailflow/internal/notify"
	"github.com/arbormail/mailflow/internal/queue"
	"github.com/arbormail/mailflow/internal/relay"
	"github.com/arbormail/mailflow/internal/routing"
	"github.com/arbormail/mailflow/internal/srs"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the delivery pipeline",
	Long:  "Start the worker pools, the maintenance loops and the admin API",
	RunE:  runServer,
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	// Routing tables. Malformed tables refuse startup, never degrade.
	staticCfg, err := config.LoadStaticRoutes(cfg.Routing.StaticFile)
	if err != nil {
		return err
	}
	router, err := routing.NewResolver(staticCfg)
	if err != nil {
		return fmt.Errorf("static routing table: %w", err)
	}
	envCfg, err := config.LoadEnvironments(cfg.Routing.EnvironmentsFile)
	if err != nil {
		return err
	}
	envs, err := routing.NewEnvironmentResolver(envCfg)
	if err != nil {
		return fmt.Errorf("environment routing table: %w", err)
	}
	direct, err := config.LoadDirectConfig(cfg.Routing.DirectFile)
	if err != nil {
		return err
	}

	rewriter, err := srs.New(cfg.SRS.Secret, time.Duration(cfg.SRS.MaxDays)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("srs: %w", err)
	}

	dedupe, err := cache.Factory(cfg.Cache)
	if err != nil {
		return err
	}
	if err := dedupe.Connect(); err != nil {
		// Dedupe is best-effort; start degraded rather than refuse.
		logger.Warn("dedupe cache unavailable, duplicates will not be suppressed", "error", err)
		dedupe = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// The notifier pushes through the manager and the manager's fail handler
	// reports through the notifier; bind the cycle through a late-bound var.
	var notifier *notify.Notifier
	failHandler := func(ctx context.Context, queueName string, item queue.Item, failType string, reason error) {
		if failType == queue.FailPartial {
			metrics.Get().JobsEscalated.Inc()
		}
		if notifier == nil || item.Transport == nil {
			return
		}
		target := notificationTarget(router, envs, item.Transport)
		if err := notifier.Send(ctx, failType, item.Transport, target, nil); err != nil {
			logger.Error("failure notification failed",
				"type", failType,
				"queue", queueName,
				"error", err)
		}
	}

	manager := queue.NewManager(store, failHandler, logger)
	notifier = notify.NewNotifier(manager, dedupe, direct, logger)

	registry := jobs.NewRegistry(jobs.Deps{
		Queue:     manager,
		Notifier:  notifier,
		Parser:    mailparse.NewParser(),
		Relay:     relay.NewSMTPRelay(cfg.Relay, logger),
		Router:    router,
		Envs:      envs,
		Authority: routing.NewAuthorityClient(time.Duration(cfg.Routing.AuthorityTimeoutSec)*time.Second, logger),
		Direct:    direct,
		SRS:       rewriter,
		Logger:    logger,
	})

	manager.Subscribe(queue.SubscribeConfig{
		Pattern:         cfg.Workers.Pattern,
		TeamSize:        cfg.Workers.TeamSize,
		TeamConcurrency: cfg.Workers.TeamConcurrency,
		PollInterval:    time.Duration(cfg.Workers.PollIntervalSec) * time.Second,
	}, registry)
	manager.StartMaintenance(time.Minute, time.Duration(cfg.Broker.RetentionHours)*time.Hour)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		admin := api.NewServer(cfg.API, manager, logger)
		g.Go(admin.Serve)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return admin.Stop(shutdownCtx)
		})
	}

	logger.Info("mailflow started",
		"routes", router.RouteCount(),
		"pattern", cfg.Workers.Pattern)

	<-gctx.Done()
	logger.Info("shutting down")

	err = g.Wait()
	manager.Stop()
	return err
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Store, error) {
	if cfg.Broker.DSN == "" {
		logger.Warn("no broker dsn configured, using the in-memory broker")
		return queue.NewMemoryStore(), nil
	}
	store, err := queue.NewPostgresStore(ctx, cfg.Broker.DSN)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// notificationTarget mirrors the handlers' destination layering for failure
// notifications raised from the queue's completion hook.
func notificationTarget(router *routing.Resolver, envs *routing.EnvironmentResolver, transport *message.Transport) notify.Target {
	var target notify.Target
	host := ""
	if transport.Target != nil {
		host = transport.Target.Host
	}
	if host == "" {
		return target
	}
	if router.CanSolve(host) {
		if urls := router.CreateURL(host); urls != nil {
			target.RouteURL = urls.NotificationURL
			target.RouteHeaders = urls.Headers
		}
	}
	target.Env = envs.Resolve(host)
	return target
}
