// Package messaging carries provider callback results from the relay to the
// login process. The channel is shared: anything may be published on it, so
// consumers must filter by Source (and Origin) before trusting a message.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
)

// SourceOIDCCallback tags messages posted by the callback relay
const SourceOIDCCallback = "oidc-callback"

// Message is a single inbound message
type Message struct {
	Source string            `json:"source"`
	Origin string            `json:"origin,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// Get returns the named parameter, or "" if absent
func (m Message) Get(key string) string {
	if m.Data == nil {
		return ""
	}
	return m.Data[key]
}

// Subscription delivers messages until closed
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Channel is a broadcast message channel
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// Encode serializes a message for transport
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode parses a transported message
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return msg, nil
}
