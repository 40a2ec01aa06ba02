package adapter

import (
	"context"
	"errors"

	"tickflow/models"
)

// ErrAuthRevoked is returned by a Driver when the broker invalidates the
// session credentials mid-stream. The feed treats it as terminal and will not
// reconnect.
var ErrAuthRevoked = errors.New("broker credentials revoked")

// ErrCommandBufferFull is returned when a subscribe or unsubscribe command
// cannot be queued because the feed's command buffer is saturated.
var ErrCommandBufferFull = errors.New("feed command buffer full")

// Driver translates between broker wire frames and canonical events. A Driver
// is pure protocol knowledge: it never owns a connection. The Feed owns the
// websocket lifecycle and calls the driver for every frame in both directions.
type Driver interface {
	// Name identifies the driver for logs and metrics.
	Name() string

	// Prepare is called once per connection attempt, before any subscribe
	// frames are sent. Drivers use it to warm instrument caches over REST.
	// A failed Prepare is logged but does not abort the connection.
	Prepare(ctx context.Context) error

	// AuthFrames returns the frames to send immediately after connecting.
	// An empty slice means the stream is unauthenticated.
	AuthFrames() ([][]byte, error)

	// SubscribeFrames renders the wire frames that subscribe the given
	// topics. Drivers may batch all topics into a single frame.
	SubscribeFrames(topics []models.Topic) ([][]byte, error)

	// UnsubscribeFrames renders the wire frames that cancel the given
	// topics.
	UnsubscribeFrames(topics []models.Topic) ([][]byte, error)

	// PingFrame returns the application-level keepalive frame, or nil when
	// the broker relies on websocket control pings.
	PingFrame() []byte

	// Decode parses one inbound frame into canonical events. Control
	// frames (subscription acks, pongs) yield an empty slice and nil
	// error. A frame the driver cannot parse yields an error; a frame
	// announcing credential revocation yields ErrAuthRevoked.
	Decode(frame []byte) ([]models.CanonicalEvent, error)
}
