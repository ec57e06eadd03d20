// Package delivery defines the outbound channel live updates are pushed
// through. The broadcaster classifies delivery failures with the sentinel
// errors here; the channel implementation (SSE, bot API, ...) maps its own
// failure modes onto them.
package delivery

import (
	"context"
	"errors"

	"github.com/clickerapp/clicker-server/internal/domain"
)

// Sentinel errors for delivery failure classification.
var (
	// ErrGone means the target is permanently unreachable; the session
	// holding it should be unregistered.
	ErrGone = errors.New("delivery target gone")

	// ErrNotModified means the payload is identical to the last one
	// delivered; treated as success with no state change.
	ErrNotModified = errors.New("content not modified")

	// ErrRateLimited means the channel pushed back; the session stays
	// registered and is retried on a later cycle.
	ErrRateLimited = errors.New("delivery rate limited")
)

// Sender pushes a formatted update to one delivery target.
type Sender interface {
	Send(ctx context.Context, target domain.DeliveryTarget, text string) error
}

// NoopSender is a no-op implementation for testing.
type NoopSender struct{}

// Send implements Sender as a no-op.
func (NoopSender) Send(context.Context, domain.DeliveryTarget, string) error { return nil }

// NewNoopSender creates a new no-op sender for testing.
func NewNoopSender() Sender {
	return NoopSender{}
}
