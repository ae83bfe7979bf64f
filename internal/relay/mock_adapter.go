package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentMessage records one outbound send made through the MockAdapter.
type SentMessage struct {
	UserID    string // set for DMs
	ChannelID string // set for channel posts
	Text      string
}

// MockAdapter implements Adapter, BotUserIDer and ModeratorChecker for
// testing. It records sent messages, allows simulating inbound messages
// via SimulateInbound, and can be told to refuse DMs to specific users.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	sent      []SentMessage
	failDMs   map[string]bool
	mods      map[string]bool
	botUserID string
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound: make(chan InboundMessage, 100),
		failDMs: make(map[string]bool),
		mods:    make(map[string]bool),
	}
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// SendDM records a direct message, unless delivery to that user has been
// failed via FailDMsTo.
func (m *MockAdapter) SendDM(ctx context.Context, userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.failDMs[userID] {
		return fmt.Errorf("mock adapter: user %s refuses DMs", userID)
	}
	m.sent = append(m.sent, SentMessage{UserID: userID, Text: text})
	return nil
}

// SendChannel records a channel post.
func (m *MockAdapter) SendChannel(ctx context.Context, channelID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	m.sent = append(m.sent, SentMessage{ChannelID: channelID, Text: text})
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// IsModerator reports whether a user was registered via SetModerator
// (implements ModeratorChecker).
func (m *MockAdapter) IsModerator(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mods[userID], nil
}

// --- Test helpers ---

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// SetModerator registers or clears a user's moderator status.
func (m *MockAdapter) SetModerator(userID string, isMod bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mods[userID] = isMod
}

// FailDMsTo makes subsequent SendDM calls to userID fail, simulating a
// recipient with DMs disabled.
func (m *MockAdapter) FailDMsTo(userID string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDMs[userID] = fail
}

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// LastSent returns the most recently sent message.
// Returns zero value and false if nothing has been sent.
func (m *MockAdapter) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent messages.
func (m *MockAdapter) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// DMsTo returns all direct messages sent to userID.
func (m *MockAdapter) DMsTo(userID string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, s := range m.sent {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// ChannelPosts returns all messages posted to channelID.
func (m *MockAdapter) ChannelPosts(channelID string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, s := range m.sent {
		if s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}
