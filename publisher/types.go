package publisher

import "context"

// Record is one broker message
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Sink represents a destination for feed events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a record to the sink
	Publish(ctx context.Context, rec Record) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if the entity key should be published
	Match(key string) bool
}

// Header names set on every record
const (
	HeaderMsgID       = "Nats-Msg-Id"
	HeaderContentType = "Content-Type"
	HeaderFeed        = "Fleetrelay-Feed"
	HeaderSeq         = "Fleetrelay-Seq"
)
