package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a periodic housekeeping task
type Job func(ctx context.Context) error

// Maintenance runs housekeeping jobs (dedup sweeps, pruning, stat refresh) on cron schedules
type Maintenance struct {
	logger   *zap.Logger
	cron     *cron.Cron
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	lastRuns map[string]time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewMaintenance creates a maintenance runner. Specs use the six-field
// cron format with seconds.
func NewMaintenance(logger *zap.Logger) *Maintenance {
	logger = logger.Named("maintenance")
	cl := &cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Maintenance{
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entryIDs: make(map[string]cron.EntryID),
		lastRuns: make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add registers a named job on spec
func (m *Maintenance) Add(name, spec string, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entryIDs[name]; ok {
		return fmt.Errorf("maintenance job %q already registered", name)
	}

	id, err := m.cron.AddFunc(spec, func() { m.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}
	m.entryIDs[name] = id

	m.logger.Info("Added maintenance job",
		zap.String("name", name),
		zap.String("expression", spec))
	return nil
}

// RunNow executes a registered job synchronously
func (m *Maintenance) RunNow(name string) error {
	m.mu.Lock()
	id, ok := m.entryIDs[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("maintenance job %q not found", name)
	}
	m.cron.Entry(id).Job.Run()
	return nil
}

// LastRun returns when a job last completed
func (m *Maintenance) LastRun(name string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastRuns[name]
	return t, ok
}

// Start starts the cron loop
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop stops the cron loop and waits for running jobs
func (m *Maintenance) Stop() {
	m.cancel()
	<-m.cron.Stop().Done()
}

func (m *Maintenance) run(name string, job Job) {
	start := time.Now()
	if err := job(m.ctx); err != nil {
		m.logger.Error("Maintenance job failed",
			zap.String("name", name),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	m.lastRuns[name] = time.Now()
	m.mu.Unlock()

	m.logger.Debug("Maintenance job completed",
		zap.String("name", name),
		zap.Duration("duration", time.Since(start)))
}
