//go:generate mockgen -source=api.go -destination=mock/store.go -package=mock
package store

import (
	"context"

	"chatrelay/wire"
)

// Channel is a named partition of the message log.
type Channel struct {
	ID    string
	Title string
}

// Store is the durable side of the relay: users, channels and the
// append-only message log per channel.
type Store interface {
	// ListMessages returns all messages of a channel in creation order.
	// A channel with no messages (known or not) yields an empty slice.
	ListMessages(ctx context.Context, channelID string) ([]wire.Message, error)

	// CreateMessage appends a message, assigning id, timestamp and a
	// per-channel monotonic sequence. Unknown author or channel references
	// fail with a ValidationError.
	CreateMessage(ctx context.Context, content, authorID, channelID string) (*wire.Message, error)

	// ClearMessages deletes every message of the channel. Clearing an
	// empty channel succeeds.
	ClearMessages(ctx context.Context, channelID string) error

	// EnsureUser finds or creates a user by name. Idempotent: the same
	// name always yields the same identity.
	EnsureUser(ctx context.Context, name string) (*wire.User, error)

	// GetUser looks up a user by id; ValidationError if absent.
	GetUser(ctx context.Context, id string) (*wire.User, error)

	// EnsureChannel finds or creates a channel.
	EnsureChannel(ctx context.Context, id, title string) (*Channel, error)

	Close() error
}
