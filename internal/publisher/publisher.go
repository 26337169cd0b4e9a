// Package publisher mirrors terminal job events to an external topic for
// downstream pipelines.
package publisher

import "context"

// Publisher sends one payload to a named topic and returns a message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Noop discards all messages.
type Noop struct{}

// Publish implements Publisher by doing nothing.
func (Noop) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
