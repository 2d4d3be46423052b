package messaging

import (
	"context"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Channels the engine publishes to and consumes from.
const (
	ChannelEscalated = "emergency.escalated"
	ChannelResolved  = "emergency.resolved"
	// ChannelReconnect signals that network connectivity returned; the
	// dispatch worker drains pending actions immediately on receipt
	// instead of waiting for the next poll tick.
	ChannelReconnect = "emergency.reconnect"
)

type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
