package telemetry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// HistoryStats is implemented by the outcome history
type HistoryStats interface {
	DeploymentStats() (tracked, failing int)
}

// BacklogStats is implemented by the outcome journal
type BacklogStats interface {
	Backlog() map[string]uint64
}

// QueueStats is implemented by the controller work queue
type QueueStats interface {
	Len() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	history  HistoryStats
	journal  BacklogStats
	queue    QueueStats
	clock    clock.Clock
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. Nil sources are skipped.
func NewMetricsCollector(history HistoryStats, journal BacklogStats, queue QueueStats, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		history:  history,
		journal:  journal,
		queue:    queue,
		clock:    clock.New(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// WithClock replaces the ticker source
func (mc *MetricsCollector) WithClock(c clock.Clock) *MetricsCollector {
	mc.clock = c
	return mc
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := mc.clock.Ticker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.history != nil {
		tracked, failing := mc.history.DeploymentStats()
		TrackedDeployments.Set(float64(tracked))
		FailingDeployments.Set(float64(failing))
	}

	if mc.journal != nil {
		for sink, backlog := range mc.journal.Backlog() {
			JournalBacklog.With(sink).Set(float64(backlog))
		}
	}

	if mc.queue != nil {
		ControllerQueueDepth.Set(float64(mc.queue.Len()))
	}
}
