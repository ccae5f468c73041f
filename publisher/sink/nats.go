package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/quorumkeeper/cfg"
	"github.com/maxpert/quorumkeeper/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

func init() {
	publisher.RegisterSink("nats", natsFactory)
}

func natsFactory(config cfg.SinkConfiguration) (publisher.Sink, error) {
	if config.NatsURL == "" {
		return nil, fmt.Errorf("nats sink requires nats_url")
	}
	return NewNatsSink(config.NatsURL)
}

// DefaultNatsPublishTimeout bounds stream creation plus one publish
const DefaultNatsPublishTimeout = 5 * time.Second

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams *xsync.MapOf[string, struct{}]
	timeout time.Duration
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{
		nc:      nc,
		js:      js,
		streams: xsync.NewMapOf[string, struct{}](),
		timeout: DefaultNatsPublishTimeout,
	}, nil
}

// Publish sends an outcome to NATS JetStream.
// The stream is created on first use of a subject and cached afterwards.
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	streamName := sanitizeStreamName(topic)
	if _, ok := n.streams.Load(streamName); !ok {
		_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{topic},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
		}
		n.streams.Store(streamName, struct{}{})
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}, nats.MsgIdHdr: []string{key + "/" + streamName}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName maps a subject to a stream name; JetStream forbids '.' and '/'
func sanitizeStreamName(topic string) string {
	return strings.NewReplacer(".", "_", "/", "_").Replace(topic)
}
