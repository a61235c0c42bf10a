package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/crisis-escalation/internal/model"
)

const maxAttempts = 2

// Sink receives delivery outcomes for observability
type Sink interface {
	RecordDelivery(alertID string, tier int, delivered bool, err error)
}

// Recipients is the routing table: Initial receives tier 0, tier n
// receives Initial plus the recipients of tiers 1..n.
type Recipients struct {
	Initial []string
	Tiers   [][]string
}

// For returns the deduplicated recipient list for a tier
func (r Recipients) For(tier int) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(list []string) {
		for _, rcpt := range list {
			if _, ok := seen[rcpt]; ok {
				continue
			}
			seen[rcpt] = struct{}{}
			out = append(out, rcpt)
		}
	}

	add(r.Initial)
	for i := 0; i < tier && i < len(r.Tiers); i++ {
		add(r.Tiers[i])
	}
	return out
}

// Config configures a Dispatcher
type Config struct {
	Recipients    Recipients
	RetryBackoff  time.Duration
	Timeout       time.Duration
	RatePerSecond float64
}

// Dispatcher delivers alert and escalation notifications best-effort.
// It never returns errors to callers; failures go to the log and the Sink.
type Dispatcher struct {
	logger   *zap.Logger
	mailer   Mailer
	composer *Composer
	strategy RetryStrategy
	timeout  time.Duration
	limiter  *rate.Limiter
	sink     Sink

	mu         sync.RWMutex
	recipients Recipients

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. sink may be nil.
func NewDispatcher(logger *zap.Logger, mailer Mailer, composer *Composer, cfg Config, sink Sink) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		mailer:   mailer,
		composer: composer,
		strategy: &ExponentialBackoff{
			InitialDelay: cfg.RetryBackoff,
			MaxDelay:     cfg.Timeout,
			Multiplier:   2,
		},
		timeout:    cfg.Timeout,
		limiter:    rate.NewLimiter(limit, burst),
		sink:       sink,
		recipients: cfg.Recipients,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetRecipients replaces the routing table, e.g. after a config reload
func (d *Dispatcher) SetRecipients(r Recipients) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recipients = r
}

// Recipients returns the current recipient list for a tier
func (d *Dispatcher) Recipients(tier int) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.recipients.For(tier)
}

// Dispatch sends the notification on a detached goroutine and returns
// immediately. The alert is copied so later mutations do not leak in.
func (d *Dispatcher) Dispatch(alert *model.Alert, tier int) {
	snapshot := alert.Clone()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Send(d.ctx, snapshot, tier)
	}()
}

// Send composes and delivers the notification for alert at tier, retrying
// once with backoff on transient failure. It reports whether delivery succeeded.
func (d *Dispatcher) Send(ctx context.Context, alert *model.Alert, tier int) bool {
	msg := d.composer.Compose(alert, tier)
	msg.Recipients = d.Recipients(tier)

	logger := d.logger.With(
		zap.String("alert_id", alert.ID),
		zap.Int("tier", tier),
		zap.Int("recipients", len(msg.Recipients)))

	var err error
	attempts := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := d.strategy.NextRetry(attempt - 1)
			logger.Warn("Retrying notification",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))
			if serr := sleep(ctx, delay); serr != nil {
				err = serr
				break
			}
		}

		attempts++
		err = d.attempt(ctx, msg)
		if err == nil || !isTransient(err) {
			break
		}
	}

	if err != nil {
		derr := &DeliveryError{AlertID: alert.ID, Tier: tier, Attempts: attempts, Err: err}
		logger.Error("Notification not delivered", zap.Error(derr))
		d.record(alert.ID, tier, false, derr)
		return false
	}

	logger.Info("Notification delivered", zap.Int("attempts", attempts))
	d.record(alert.ID, tier, true, nil)
	return true
}

func (d *Dispatcher) attempt(ctx context.Context, msg Message) error {
	if len(msg.Recipients) == 0 {
		return ErrNoRecipients
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.mailer.Send(ctx, msg.Recipients, msg.Subject, msg.BodyHTML, msg.BodyText)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) record(alertID string, tier int, delivered bool, err error) {
	if d.sink != nil {
		d.sink.RecordDelivery(alertID, tier, delivered, err)
	}
}

// Wait blocks until in-flight dispatches finish or ctx is done, then
// aborts anything still running.
func (d *Dispatcher) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Shutdown timeout reached, aborting pending notifications")
	}
	d.cancel()
}
