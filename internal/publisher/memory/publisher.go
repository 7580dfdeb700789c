// Package memory contains an in-process publisher used by tests and by
// deployments that run without a notification transport.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage captures one recorded notification.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher records handoff notifications for later inspection. It stands
// in for the Pub/Sub transport in tests and one-shot runs.
type Publisher struct {
	mu       sync.Mutex
	next     int
	messages []PublishedMessage
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the notification and returns a sequential pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%d", p.next), nil
}

// Messages returns a copy of the recorded notifications in publish order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
