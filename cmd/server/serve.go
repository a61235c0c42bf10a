package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/crisis-escalation/internal/api"
	"github.com/t77yq/crisis-escalation/internal/config"
	"github.com/t77yq/crisis-escalation/internal/events"
	"github.com/t77yq/crisis-escalation/internal/scheduler"
)

const (
	jobDedupSweep     = "dedup-sweep"
	jobPrune          = "prune-resolved"
	jobKeywordRefresh = "keyword-refresh"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the alert and feedback API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, c *config.Config, logger *zap.Logger) error {
	a, err := newApp(c, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	restored, err := a.registry.Restore(ctx)
	if err != nil {
		return err
	}
	logger.Info("Restored unresolved alerts", zap.Int("count", restored))

	if err := a.metrics.Refresh(ctx); err != nil {
		logger.Warn("Initial keyword statistics build failed", zap.Error(err))
	}

	maint, err := maintenanceJobs(a, c, logger)
	if err != nil {
		return err
	}
	maint.Start()
	defer maint.Stop()

	a.monitor.Start(ctx)

	if a.js != nil {
		if err := events.NewSubscriber(a.js, a.registry, logger).Start(ctx); err != nil {
			return err
		}
	}

	if vp.ConfigFileUsed() != "" {
		config.Watch(vp, logger, func(next *config.Config) {
			a.dispatcher.SetRecipients(recipientsFrom(next))
		})
	}

	srv := &http.Server{
		Addr: c.Server.Addr,
		Handler: api.NewServer(logger, api.Deps{
			Alerts:   a.registry,
			Feedback: a.feedback,
			Metrics:  a.metrics,
			Exporter: a.exporter,
			Health:   a.monitor,
		}, c.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", c.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Server stopped", zap.Error(err))
	return err
}

func maintenanceJobs(a *app, c *config.Config, logger *zap.Logger) (*scheduler.Maintenance, error) {
	m := scheduler.NewMaintenance(logger)

	if err := m.Add(jobDedupSweep, c.Maintenance.DedupSweep, func(ctx context.Context) error {
		if n := a.registry.SweepDedup(time.Now()); n > 0 {
			logger.Debug("Swept expired dedup windows", zap.Int("count", n))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := m.Add(jobPrune, c.Maintenance.Prune, func(ctx context.Context) error {
		if n := a.registry.Prune(time.Now().Add(-c.Maintenance.Retention)); n > 0 {
			logger.Info("Pruned resolved alerts from memory", zap.Int("count", n))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := m.Add(jobKeywordRefresh, c.Maintenance.KeywordRefresh, a.metrics.Refresh); err != nil {
		return nil, err
	}
	return m, nil
}
