package discord

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

// --- Mock Discord session ---

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	sentMessages []sentMessage
	sendErr      error
	dmChannels   map[string]string // userID -> DM channel ID
	dmErr        error
	perms        map[string]int64
	permsErr     error
	handlers     []interface{}
	removeCount  int
}

type sentMessage struct {
	channelID string
	content   string
}

func newMockSession() *mockSession {
	return &mockSession{
		dmChannels: make(map[string]string),
		perms:      make(map[string]int64),
	}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages = append(m.sentMessages, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ID: "msg-123"}, nil
}

func (m *mockSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dmErr != nil {
		return nil, m.dmErr
	}
	id, ok := m.dmChannels[recipientID]
	if !ok {
		id = "dm-" + recipientID
		m.dmChannels[recipientID] = id
	}
	return &discordgo.Channel{ID: id}, nil
}

func (m *mockSession) UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.permsErr != nil {
		return 0, m.permsErr
	}
	return m.perms[userID], nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sentMessages))
	copy(out, m.sentMessages)
	return out
}

// messageHandler finds the registered MessageCreate handler.
func (m *mockSession) messageHandler(t *testing.T) func(*discordgo.Session, *discordgo.MessageCreate) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			return fn
		}
	}
	t.Fatal("no MessageCreate handler registered")
	return nil
}

func newConnectedAdapter(t *testing.T, sess *mockSession) *Adapter {
	t.Helper()
	a, err := New(AdapterOpts{Session: sess, ModChannelID: "mod-chan"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a
}

func TestNew_RequiresTokenOrSession(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Fatal("expected error without token or session")
	}
	if _, err := New(AdapterOpts{Session: newMockSession()}); err != nil {
		t.Fatalf("new with session: %v", err)
	}
}

func TestConnect(t *testing.T) {
	sess := newMockSession()
	a := newConnectedAdapter(t, sess)

	if !sess.opened {
		t.Error("session not opened")
	}
	// Idempotent.
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("re-connect: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sess.closeCalled {
		t.Error("session not closed")
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("connect after close should fail")
	}
}

func TestSendDM(t *testing.T) {
	sess := newMockSession()
	a := newConnectedAdapter(t, sess)

	if err := a.SendDM(context.Background(), "user-1", "hello"); err != nil {
		t.Fatalf("send dm: %v", err)
	}

	got := sess.sent()
	if len(got) != 1 || got[0].channelID != "dm-user-1" || got[0].content != "hello" {
		t.Errorf("sent = %v", got)
	}
}

func TestSendDM_ChannelError(t *testing.T) {
	sess := newMockSession()
	sess.dmErr = &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Message: "Cannot send messages to this user"}}
	a := newConnectedAdapter(t, sess)

	err := a.SendDM(context.Background(), "user-1", "hello")
	if err == nil {
		t.Fatal("expected error for refused DM")
	}
	if !strings.Contains(err.Error(), "open dm channel") {
		t.Errorf("error = %v", err)
	}
}

func TestSendChannel(t *testing.T) {
	sess := newMockSession()
	a := newConnectedAdapter(t, sess)

	if err := a.SendChannel(context.Background(), "chan-1", "announcement"); err != nil {
		t.Fatalf("send channel: %v", err)
	}
	got := sess.sent()
	if len(got) != 1 || got[0].channelID != "chan-1" {
		t.Errorf("sent = %v", got)
	}
}

func TestSendChannel_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if err := a.SendChannel(context.Background(), "chan-1", "x"); err == nil {
		t.Fatal("expected not-connected error")
	}
}

func TestIsModerator(t *testing.T) {
	sess := newMockSession()
	sess.perms["mod-1"] = discordgo.PermissionBanMembers | discordgo.PermissionSendMessages
	sess.perms["user-1"] = discordgo.PermissionSendMessages
	a := newConnectedAdapter(t, sess)

	isMod, err := a.IsModerator(context.Background(), "mod-1")
	if err != nil || !isMod {
		t.Errorf("IsModerator(mod-1) = %v, %v, want true", isMod, err)
	}
	isMod, err = a.IsModerator(context.Background(), "user-1")
	if err != nil || isMod {
		t.Errorf("IsModerator(user-1) = %v, %v, want false", isMod, err)
	}
}

func TestListen_DMMessage(t *testing.T) {
	sess := newMockSession()
	a := newConnectedAdapter(t, sess)
	a.SetBotUserID("bot-1")

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := sess.messageHandler(t)
	handler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "100",
		ChannelID: "dm-user-1",
		GuildID:   "", // DM: no guild
		Content:   "a suggestion",
		Author:    &discordgo.User{ID: "user-1", Username: "alice"},
	}})

	select {
	case msg := <-inbound:
		if msg.Platform != "discord" || msg.UserID != "user-1" || !msg.Direct {
			t.Errorf("msg = %+v", msg)
		}
		if msg.Text != "a suggestion" {
			t.Errorf("text = %q", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
}

func TestListen_GuildMessageNotDirect(t *testing.T) {
	sess := newMockSession()
	a := newConnectedAdapter(t, sess)

	inbound, _ := a.Listen(context.Background())
	handler := sess.messageHandler(t)
	handler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "101",
		ChannelID: "mod-chan",
		GuildID:   "guild-1",
		Content:   "!sb cases",
		Author:    &discordgo.User{ID: "mod-1"},
	}})

	select {
	case msg := <-inbound:
		if msg.Direct {
			t.Error("guild message marked direct")
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
}

func TestListen_FiltersSelfAndBots(t *testing.T) {
	sess := newMockSession()
	a := newConnectedAdapter(t, sess)
	a.SetBotUserID("bot-1")

	inbound, _ := a.Listen(context.Background())
	handler := sess.messageHandler(t)

	handler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "102", Content: "self", Author: &discordgo.User{ID: "bot-1"},
	}})
	handler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "103", Content: "other bot", Author: &discordgo.User{ID: "bot-2", Bot: true},
	}})

	select {
	case msg := <-inbound:
		t.Fatalf("unexpected inbound message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	sess := newMockSession()
	a := newConnectedAdapter(t, sess)
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 5 * time.Millisecond

	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	sess := newMockSession()
	a := newConnectedAdapter(t, sess)

	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 500}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on non-429)", calls)
	}
}

func TestRetryOnRateLimit_Exhausted(t *testing.T) {
	sess := newMockSession()
	a := newConnectedAdapter(t, sess)
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 2 * time.Millisecond

	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", calls, maxRetries+1)
	}
}
