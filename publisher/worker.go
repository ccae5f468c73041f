package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/maxpert/quorumkeeper/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading outcomes per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 500 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
	// Default topic prefix
	DefaultTopicPrefix = "quorumkeeper.outcomes"
)

// WorkerConfig configures a sink worker
type WorkerConfig struct {
	Name            string        // Sink name (for cursor tracking)
	Journal         *Journal      // Journal to read from
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Payload encoder
	Filter          Filter        // Outcome filter
	TopicPrefix     string        // Topic prefix
	BatchSize       int           // Outcomes per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts
}

// Worker polls the Journal and publishes outcomes to a sink
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new sink worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Journal.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// a new sink starts at the oldest retained entry
	if cursor == 0 {
		earliest, err := findEarliestEntry(config.Journal)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		cursor = earliest
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

func findEarliestEntry(journal *Journal) (uint64, error) {
	outcomes, err := journal.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(outcomes) == 0 {
		return 0, nil
	}
	return outcomes[0].Seq - 1, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("sink", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting outcome sink worker")

	go w.pollLoop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Msg("Outcome sink worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	wake, cancel := w.config.Journal.Subscribe()
	defer cancel()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		outcomes, err := w.config.Journal.ReadFrom(w.cursor, w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("sink", w.config.Name).
				Uint64("cursor", w.cursor).
				Msg("Failed to read from journal")
			w.sleep(w.config.PollInterval)
			continue
		}

		if len(outcomes) == 0 {
			if !w.idle(&wake) {
				return
			}
			continue
		}

		for _, o := range outcomes {
			if err := w.processOutcome(o); err != nil {
				log.Error().
					Err(err).
					Str("sink", w.config.Name).
					Uint64("seq", o.Seq).
					Msg("Failed to publish outcome, worker exiting")
				return
			}
			w.cursor = o.Seq
		}
	}
}

// processOutcome publishes one outcome then advances the cursor.
// Delivery is at-least-once: a crash between the two redelivers.
func (w *Worker) processOutcome(o coordinator.Outcome) error {
	if !w.config.Filter.Match(o) {
		telemetry.JournalEventsTotal.With(w.config.Name, "filtered").Inc()
		if err := w.config.Journal.AdvanceCursor(w.config.Name, o.Seq); err != nil {
			log.Warn().
				Err(err).
				Str("sink", w.config.Name).
				Uint64("seq", o.Seq).
				Msg("Failed to advance cursor for filtered outcome")
		}
		return nil
	}

	data, err := w.config.Transformer.Transform(o)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	started := time.Now()
	if err := w.publishWithRetry(w.buildTopic(o), o.Key(), data); err != nil {
		telemetry.JournalEventsTotal.With(w.config.Name, "failed").Inc()
		return err
	}
	telemetry.JournalPublishSeconds.With(w.config.Name).Observe(time.Since(started).Seconds())
	telemetry.JournalEventsTotal.With(w.config.Name, "published").Inc()

	if err := w.config.Journal.AdvanceCursor(w.config.Name, o.Seq); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Uint64("seq", o.Seq).
			Msg("Failed to advance cursor after publish, outcome may be redelivered")
	}
	return nil
}

// buildTopic returns {prefix}.{namespace}.{deployment}
func (w *Worker) buildTopic(o coordinator.Outcome) string {
	return fmt.Sprintf("%s.%s.%s", w.config.TopicPrefix, o.Namespace, o.Deployment)
}

func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish outcome, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// idle waits for an append signal or the poll interval, returning false if
// the worker was stopped first. A closed wake channel falls back to polling.
func (w *Worker) idle(wake *<-chan uint64) bool {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case _, ok := <-*wake:
		if !ok {
			*wake = nil
		}
		return true
	case <-timer.C:
		return true
	}
}

// sleep returns false if the worker was stopped first
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
