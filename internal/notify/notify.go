// Package notify delivers rendered text to a chat endpoint.
package notify

import "context"

// Notifier sends one message to a room. Implementations do not retry and
// report failures wrapping model.ErrDelivery.
type Notifier interface {
	Deliver(ctx context.Context, room, text string) error
}
