package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/config"
	"github.com/t77yq/crisis-escalation/internal/events"
	"github.com/t77yq/crisis-escalation/internal/export"
	"github.com/t77yq/crisis-escalation/internal/feedback"
	"github.com/t77yq/crisis-escalation/internal/metrics"
	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/monitor"
	"github.com/t77yq/crisis-escalation/internal/notify"
	"github.com/t77yq/crisis-escalation/internal/registry"
	"github.com/t77yq/crisis-escalation/internal/scheduler"
	"github.com/t77yq/crisis-escalation/internal/store"
)

// app holds every long-lived component of the service
type app struct {
	store      store.Store
	nc         *nats.Conn
	js         nats.JetStreamContext
	publisher  *events.Publisher
	monitor    *monitor.Collector
	dispatcher *notify.Dispatcher
	sched      *scheduler.EscalationScheduler
	registry   *registry.Registry
	metrics    *metrics.Engine
	feedback   *feedback.Collector
	exporter   *export.Exporter
}

func openStore(c *config.Config, logger *zap.Logger) (store.Store, error) {
	if c.Store.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(logger, c.Store.Path)
}

func connectNATS(c config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("crisisd"),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(c.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS after %d attempts: %w", maxRetries, err)
	}
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func recipientsFrom(c *config.Config) notify.Recipients {
	r := notify.Recipients{Initial: c.Escalation.InitialRecipients}
	for _, tier := range c.Escalation.Tiers {
		r.Tiers = append(r.Tiers, tier.Recipients)
	}
	return r
}

func tierDelays(c *config.Config) []time.Duration {
	delays := make([]time.Duration, 0, len(c.Escalation.Tiers))
	for _, tier := range c.Escalation.Tiers {
		delays = append(delays, tier.SLA)
	}
	return delays
}

func profilesFrom(c *config.Config) (map[model.RiskType]notify.Profile, error) {
	table, err := c.RiskProfiles()
	if err != nil {
		return nil, err
	}
	out := make(map[model.RiskType]notify.Profile, len(table))
	for rt, p := range table {
		out[rt] = notify.Profile{Label: p.Label, Urgency: p.Urgency}
	}
	return out, nil
}

func (a *app) mailer(c *config.Config, logger *zap.Logger) notify.Mailer {
	switch c.Notify.Transport {
	case "smtp":
		return notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     c.Notify.SMTP.Host,
			Port:     c.Notify.SMTP.Port,
			Username: c.Notify.SMTP.Username,
			Password: c.Notify.SMTP.Password,
			From:     c.Notify.SMTP.From,
		})
	case "nats":
		return notify.NewNATSPager(a.js, c.Notify.PageSubject)
	}
	return notify.NewLogMailer(logger)
}

// newApp wires the service. withNATS controls whether the JetStream
// connection is opened when nats.enabled is set.
func newApp(c *config.Config, logger *zap.Logger, withNATS bool) (*app, error) {
	a := &app{}

	st, err := openStore(c, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st

	if withNATS && c.NATS.Enabled {
		nc, err := connectNATS(c.NATS, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.nc = nc
		js, err := nc.JetStream()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		a.js = js
		pub, err := events.NewPublisher(js, c.NATS.Stream, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = pub
	}

	a.monitor = monitor.NewCollector(a.js, c.Monitor.Interval, logger)

	profiles, err := profilesFrom(c)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(logger, a.mailer(c, logger),
		notify.NewComposer(profiles, c.Notify.ExcerptLength),
		notify.Config{
			Recipients:    recipientsFrom(c),
			RetryBackoff:  c.Notify.RetryBackoff,
			Timeout:       c.Notify.Timeout,
			RatePerSecond: c.Notify.RatePerSecond,
		}, a.monitor)

	a.sched = scheduler.NewEscalationScheduler(logger, tierDelays(c), a.dispatcher, a.monitor)

	opts := []registry.Option{
		registry.WithStore(st),
		registry.WithNotifier(a.dispatcher),
		registry.WithDedupWindow(c.Dedup.Window),
	}
	var feedbackEvents feedback.EventSink
	if a.publisher != nil {
		opts = append(opts, registry.WithEvents(a.publisher))
		feedbackEvents = a.publisher
	}
	a.registry = registry.New(logger, a.sched, opts...)

	a.metrics = metrics.NewEngine(logger, st)
	a.feedback = feedback.NewCollector(logger, a.registry, st, a.metrics, feedbackEvents)
	a.exporter = export.NewExporter(logger, st, export.Config{
		QualityThreshold: c.Training.QualityThreshold,
		StaleAfter:       c.Training.StaleAfter,
	})
	return a, nil
}

// Close stops timers, drains background work and releases connections
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.sched != nil {
		a.sched.Stop()
	}
	if a.feedback != nil {
		if err := a.feedback.Wait(ctx); err != nil {
			zap.L().Warn("Feedback recompute did not finish", zap.Error(err))
		}
	}
	if a.dispatcher != nil {
		a.dispatcher.Wait(ctx)
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.publisher != nil {
		if err := a.publisher.Flush(ctx); err != nil {
			zap.L().Warn("Failed to flush events", zap.Error(err))
		}
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			zap.L().Warn("Failed to close store", zap.Error(err))
		}
	}
}
