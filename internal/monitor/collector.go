package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// OpsSubject is where periodic snapshots are published when JetStream is available
const OpsSubject = "crisis.ops.metrics"

// DeliveryStats counts notification outcomes for one tier
type DeliveryStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Snapshot is a point-in-time view of delivery health and host load
type Snapshot struct {
	Timestamp   time.Time             `json:"timestamp"`
	CPUUsage    float64               `json:"cpuUsage"`
	MemoryUsage float64               `json:"memoryUsage"`
	Deliveries  map[int]DeliveryStats `json:"deliveries"`
	Escalations map[int]int64         `json:"escalations"`
	LastFailure string                `json:"lastFailure,omitempty"`
}

// Collector records notification deliveries and escalations and samples
// host CPU and memory. It satisfies the dispatcher's Sink and the
// scheduler's Observer.
type Collector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	interval time.Duration

	mu          sync.RWMutex
	deliveries  map[int]*DeliveryStats
	escalations map[int]int64
	lastFailure string
	cpuUsage    float64
	memUsage    float64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector. js may be nil, in which case snapshots
// are only kept in memory.
func NewCollector(js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *Collector {
	return &Collector{
		logger:      logger.Named("metrics-collector"),
		js:          js,
		interval:    interval,
		deliveries:  make(map[int]*DeliveryStats),
		escalations: make(map[int]int64),
		stop:        make(chan struct{}),
	}
}

// RecordDelivery implements notify.Sink
func (c *Collector) RecordDelivery(alertID string, tier int, delivered bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.deliveries[tier]
	if !ok {
		stats = &DeliveryStats{}
		c.deliveries[tier] = stats
	}
	if delivered {
		stats.Sent++
		return
	}
	stats.Failed++
	if err != nil {
		c.lastFailure = err.Error()
	}
}

// RecordEscalation implements scheduler.Observer
func (c *Collector) RecordEscalation(alertID string, tier int) {
	c.mu.Lock()
	c.escalations[tier]++
	c.mu.Unlock()
}

// Start starts the host sampling loop
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the sampling loop
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *Collector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// collect samples host load and publishes a snapshot
func (c *Collector) collect() {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	c.mu.Lock()
	if len(cpuPercent) > 0 {
		c.cpuUsage = cpuPercent[0]
	}
	c.memUsage = memInfo.UsedPercent
	c.mu.Unlock()

	snap := c.Snapshot()
	if c.js != nil {
		data, err := json.Marshal(snap)
		if err != nil {
			c.logger.Error("Failed to marshal metrics", zap.Error(err))
			return
		}
		if _, err := c.js.Publish(OpsSubject, data); err != nil {
			c.logger.Error("Failed to publish metrics", zap.Error(err))
			return
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snap.CPUUsage),
		zap.Float64("memory_usage", snap.MemoryUsage))
}

// Snapshot returns a copy of the current counters and the last host sample
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Timestamp:   time.Now().UTC(),
		CPUUsage:    c.cpuUsage,
		MemoryUsage: c.memUsage,
		Deliveries:  make(map[int]DeliveryStats, len(c.deliveries)),
		Escalations: make(map[int]int64, len(c.escalations)),
		LastFailure: c.lastFailure,
	}
	for tier, stats := range c.deliveries {
		snap.Deliveries[tier] = *stats
	}
	for tier, n := range c.escalations {
		snap.Escalations[tier] = n
	}
	return snap
}
