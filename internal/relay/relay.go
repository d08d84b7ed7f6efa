package relay

import (
	"context"
	"encoding/json"
)

// Envelope is a room broadcast as it travels between server instances.
type Envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	// connection id excluded from delivery, if any
	Skip string `json:"skip,omitempty"`
}

// Relay fans room broadcasts out to every instance, the publisher included.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	StartForwarder(ctx context.Context, onMsg func(env Envelope)) error
	Close() error
}
