// Package queue abstracts the work-queue transport. The production
// implementation is SQS; a filesystem-backed implementation serves
// local testing when the request queue URL is "local".
package queue

import (
	"context"
	"time"
)

// Back-pressure policies encoded as visibility-extension deltas. The
// queue, not local storage, holds unprocessed work.
const (
	VisibilityNoSlots      = 30 * time.Second
	VisibilityLaunchFailed = 10 * time.Second
	VisibilityUnexpected   = 15 * time.Second
	VisibilityImmediate    = 0 // hand the message straight back
)

// Message is one received queue entry. ReceiptHandle identifies the
// in-flight delivery for Delete and ChangeVisibility.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
}

// Queue is the transport consumed by the dispatcher.
type Queue interface {
	// Receive fetches up to max messages, long-polling up to the
	// configured wait time. An empty slice with nil error means the
	// poll timed out with no work.
	Receive(ctx context.Context, max int) ([]Message, error)

	// Delete permanently removes a received message.
	Delete(ctx context.Context, msg Message) error

	// ChangeVisibility resets the message's visibility timeout to d
	// from now. Zero makes it immediately redeliverable.
	ChangeVisibility(ctx context.Context, msg Message, d time.Duration) error

	// SendResponse publishes a response payload to the response queue.
	// A no-op when no response queue is configured.
	SendResponse(ctx context.Context, body []byte) error

	// Close releases transport resources.
	Close() error
}
