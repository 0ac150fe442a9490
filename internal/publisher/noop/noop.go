// Package noop provides a publisher that drops every message. It is the
// default when no event backend is configured.
package noop

import "context"

// Publisher discards all publishes.
type Publisher struct{}

// New returns a no-op Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish does nothing and reports success.
func (*Publisher) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
