// Package relay bridges inbound chat-platform events to the case store,
// identity vault, and claim coordinator, and delivers outbound messages
// without leaking either side's platform identity to the other.
package relay

import (
	"context"
	"time"
)

// Adapter is the interface platform-specific implementations must satisfy.
// Each adapter handles connection management and message delivery for a
// single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// SendDM delivers text to a user's direct-message channel.
	SendDM(ctx context.Context, userID, text string) error

	// SendChannel posts text to a channel.
	SendChannel(ctx context.Context, channelID, text string) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string    // e.g. "slack", "discord"
	MessageID string    // platform message ID, doubles as idempotency key
	ChannelID string    // channel the message arrived in (empty for DMs)
	UserID    string    // platform-specific user identifier
	UserName  string    // human-readable username
	Text      string    // raw message text
	Direct    bool      // true when the message arrived via DM
	Timestamp time.Time // when the message was sent
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// ModeratorChecker is an optional interface for adapters that can verify
// moderator standing on the platform (e.g. Discord ban permission).
type ModeratorChecker interface {
	IsModerator(ctx context.Context, userID string) (bool, error)
}
