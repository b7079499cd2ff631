package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpert/fleetrelay/cfg"
	"github.com/maxpert/fleetrelay/publisher"
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// Window in which JetStream drops republished message ids
const natsDuplicateWindow = 2 * time.Minute

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams *xsync.MapOf[string, struct{}] // Subjects whose stream is known to exist
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleetrelay"),
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

	return &NatsSink{nc: nc, js: js, streams: xsync.NewMapOf[string, struct{}]()}, nil
}

// Publish sends a record to NATS JetStream. The record's Nats-Msg-Id header
// lets the stream drop replays of the same event.
func (n *NatsSink) Publish(ctx context.Context, rec publisher.Record) error {
	if err := n.ensureStream(ctx, rec.Topic); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: rec.Topic,
		Data:    rec.Value,
		Header:  nats.Header{"key": []string{rec.Key}},
	}
	for k, v := range rec.Headers {
		msg.Header.Set(k, v)
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", rec.Topic, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, subject string) error {
	if _, ok := n.streams.Load(subject); ok {
		return nil
	}

	streamName := sanitizeStreamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: natsDuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	n.streams.Store(subject, struct{}{})
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
func sanitizeStreamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(subject)
}
