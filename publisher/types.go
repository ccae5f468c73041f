package publisher

import "github.com/maxpert/quorumkeeper/coordinator"

// Sink represents a destination for outcome events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts journal entries to sink-specific payloads
type Transformer interface {
	Transform(outcome coordinator.Outcome) ([]byte, error)
}

// Filter determines whether an outcome should be published
type Filter interface {
	// Match returns true if the outcome should be published
	Match(outcome coordinator.Outcome) bool
}
