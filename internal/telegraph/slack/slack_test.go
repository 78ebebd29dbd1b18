package slack

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/signalbox/internal/telegraph"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	authResp  *slackapi.AuthTestResponse
	authErr   error
	posted    []postedMessage
	postErrs  []error
	updated   []postedMessage
	updateErr error
	users     map[string]*slackapi.User
	userCalls int
}

type postedMessage struct {
	channelID string
	ts        string
	options   []slackapi.MsgOption
}

// values renders the options the way they would be sent to Slack.
func (p postedMessage) values(t *testing.T) url.Values {
	t.Helper()
	_, v, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", p.channelID, "https://slack.com/api/", p.options...)
	if err != nil {
		t.Fatalf("apply options: %v", err)
	}
	return v
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		return "", "", err
	}
	ts := fmt.Sprintf("1700000000.%06d", len(m.posted)+1)
	m.posted = append(m.posted, postedMessage{channelID: channelID, ts: ts, options: options})
	return channelID, ts, nil
}

func (m *mockSlackClient) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return "", "", "", m.updateErr
	}
	m.updated = append(m.updated, postedMessage{channelID: channelID, ts: timestamp, options: options})
	return channelID, timestamp, "", nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userCalls++
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	acked  []socketmode.Request
	mu     sync.Mutex
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{events: make(chan socketmode.Event, 100)}
}

func (m *mockSocketClient) RunContext(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// --- Helpers ---

func newTestAdapter(t *testing.T, channelID string) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{Client: client, Socket: socket, ChannelID: channelID})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, client, socket
}

func callbackEvent(inner interface{}) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: inner},
		},
		Request: &socketmode.Request{EnvelopeID: "env-1"},
	}
}

func receive(t *testing.T, ch <-chan telegraph.InboundMessage) telegraph.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	return telegraph.InboundMessage{}
}

func assertEmpty(t *testing.T, ch <-chan telegraph.InboundMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Errorf("unexpected inbound message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- New / Connect ---

func TestNew_Validation(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("missing bot token: %v", err)
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb"}); err == nil || !strings.Contains(err.Error(), "app token") {
		t.Errorf("missing app token: %v", err)
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb", AppToken: "xapp"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConnect_SetsBotUserID(t *testing.T) {
	a, _, _ := newTestAdapter(t, "")
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("BotUserID = %q, want U_BOT_123", a.BotUserID())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("second connect should be a no-op: %v", err)
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = errors.New("invalid_auth")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	if err := a.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Errorf("Connect = %v, want auth test error", err)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _, _ := newTestAdapter(t, "")
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error for closed adapter")
	}
}

// --- Inbound ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_DirectMessage(t *testing.T) {
	a, client, socket := newTestAdapter(t, "")
	client.users["U_ALICE"] = &slackapi.User{ID: "U_ALICE", Profile: slackapi.UserProfile{DisplayName: "alice"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	socket.events <- callbackEvent(&slackevents.MessageEvent{
		Channel:     "D1",
		ChannelType: "im",
		User:        "U_ALICE",
		Text:        "hello",
		TimeStamp:   "1700000000.000100",
	})

	msg := receive(t, ch)
	if msg.Platform != "slack" || msg.ChatID != "D1" || msg.UserName != "alice" || msg.Text != "hello" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Timestamp.Unix() != 1700000000 {
		t.Errorf("Timestamp = %v", msg.Timestamp)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	a, _, _ := newTestAdapter(t, "C_MAIN")
	ch, _ := a.Listen(context.Background())

	tests := []struct {
		name string
		ev   *slackevents.MessageEvent
	}{
		{"self", &slackevents.MessageEvent{Channel: "C_MAIN", User: "U_BOT_123", Text: "echo"}},
		{"bot", &slackevents.MessageEvent{Channel: "C_MAIN", User: "U2", BotID: "B1", Text: "beep"}},
		{"edit", &slackevents.MessageEvent{Channel: "C_MAIN", User: "U2", SubType: "message_changed"}},
		{"other channel", &slackevents.MessageEvent{Channel: "C_OTHER", ChannelType: "channel", User: "U2", Text: "hi"}},
	}
	for _, tt := range tests {
		a.handleMessage(tt.ev)
	}
	assertEmpty(t, ch)

	a.handleMessage(&slackevents.MessageEvent{Channel: "C_MAIN", ChannelType: "channel", User: "U2", Text: "served"})
	if got := receive(t, ch); got.Text != "served" {
		t.Errorf("text = %q, want served", got.Text)
	}
}

func TestHandleAppMention(t *testing.T) {
	a, _, _ := newTestAdapter(t, "C_MAIN")
	ch, _ := a.Listen(context.Background())

	a.handleAppMention(&slackevents.AppMentionEvent{Channel: "C_OTHER", User: "U2", Text: "<@U_BOT_123> what's up?"})
	if got := receive(t, ch); got.Text != "what's up?" || got.ChatID != "C_OTHER" {
		t.Errorf("msg = %+v, want mention stripped", got)
	}

	// Covered by the message event in the main channel.
	a.handleAppMention(&slackevents.AppMentionEvent{Channel: "C_MAIN", User: "U2", Text: "<@U_BOT_123> hi"})
	a.handleAppMention(&slackevents.AppMentionEvent{Channel: "C_OTHER", User: "U_BOT_123", Text: "self"})
	assertEmpty(t, ch)
}

func TestHandleSocketEvent_ButtonPress(t *testing.T) {
	a, _, socket := newTestAdapter(t, "")
	ch, _ := a.Listen(context.Background())

	cb := slackapi.InteractionCallback{
		Type:      slackapi.InteractionTypeBlockActions,
		TriggerID: "trig-1",
		User:      slackapi.User{ID: "U_ALICE", Name: "alice"},
		ActionCallback: slackapi.ActionCallbacks{
			BlockActions: []*slackapi.BlockAction{{ActionID: "stop", Value: "stop"}},
		},
	}
	cb.Channel.ID = "C1"
	cb.Message.Timestamp = "1700000000.000001"

	a.handleSocketEvent(socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Data:    cb,
		Request: &socketmode.Request{EnvelopeID: "env-2"},
	})

	msg := receive(t, ch)
	if !msg.IsCallback() || msg.CallbackData != "stop" || msg.ChatID != "C1" || msg.UserID != "U_ALICE" {
		t.Errorf("msg = %+v, want stop callback", msg)
	}
	if msg.MessageID != "1700000000.000001" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestHandleSocketEvent_ConnectionEvents(t *testing.T) {
	a, _, _ := newTestAdapter(t, "")

	// These should not panic and should be handled gracefully.
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeConnecting})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeConnected})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeConnectionError, Data: "test error"})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeDisconnect})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeInteractive, Data: "garbage"})
}

func TestResolveUserName_Cached(t *testing.T) {
	a, client, _ := newTestAdapter(t, "")
	client.users["U1"] = &slackapi.User{ID: "U1", Name: "bob", RealName: "Bob B"}

	for i := 0; i < 3; i++ {
		if got := a.resolveUserName("U1"); got != "bob" {
			t.Errorf("name = %q, want bob", got)
		}
	}
	if client.userCalls != 1 {
		t.Errorf("GetUserInfo calls = %d, want 1", client.userCalls)
	}
	if got := a.resolveUserName("U_MISSING"); got != "U_MISSING" {
		t.Errorf("fallback = %q", got)
	}
	if got := a.resolveUserName(""); got != "" {
		t.Errorf("empty = %q", got)
	}
}

// --- Send / Edit ---

func TestSend_PlainText(t *testing.T) {
	a, client, _ := newTestAdapter(t, "")
	ref, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: "C1", Text: "*hi*"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref.ChatID != "C1" || ref.MessageID != "1700000000.000001" {
		t.Errorf("ref = %+v", ref)
	}
	v := client.posted[0].values(t)
	if v.Get("text") != "*hi*" || v.Get("blocks") != "" {
		t.Errorf("values = %v", v)
	}
}

func TestSend_ButtonsUseBlocks(t *testing.T) {
	a, client, _ := newTestAdapter(t, "")
	_, err := a.Send(context.Background(), telegraph.OutboundMessage{
		ChatID:  "C1",
		Text:    "thinking…",
		Buttons: []telegraph.Button{{Label: "Stop", Data: "stop"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	blocks := client.posted[0].values(t).Get("blocks")
	for _, want := range []string{`"type":"section"`, "thinking…", `"type":"actions"`, `"action_id":"stop"`} {
		if !strings.Contains(blocks, want) {
			t.Errorf("blocks missing %s: %s", want, blocks)
		}
	}
}

func TestSend_DefaultAndMissingChannel(t *testing.T) {
	a, client, _ := newTestAdapter(t, "C_DEFAULT")
	if _, err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.posted[0].channelID != "C_DEFAULT" {
		t.Errorf("channel = %q", client.posted[0].channelID)
	}

	b, _, _ := newTestAdapter(t, "")
	if _, err := b.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("expected error without a channel")
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: "C1", Text: "x"}); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, client, _ := newTestAdapter(t, "")
	client.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}

	if _, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: "C1", Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.posted) != 1 {
		t.Errorf("posted = %d, want 1", len(client.posted))
	}
}

func TestEdit_StripsButtons(t *testing.T) {
	a, client, _ := newTestAdapter(t, "")
	ref := telegraph.MessageRef{ChatID: "C1", MessageID: "1700000000.000001"}
	if err := a.Edit(context.Background(), ref, telegraph.OutboundMessage{Text: "final"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	up := client.updated[0]
	if up.ts != ref.MessageID || up.channelID != "C1" {
		t.Errorf("updated = %+v", up)
	}
	v := up.values(t)
	if v.Get("text") != "final" || v.Get("blocks") != "[]" {
		t.Errorf("values = %v, want text and an empty block list", v)
	}
}

func TestEdit_TranslatesErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantRate    time.Duration
		wantNotEdit bool
	}{
		{"rate limited", &slackapi.RateLimitedError{RetryAfter: 3 * time.Second}, 3 * time.Second, false},
		{"message not found", slackapi.SlackErrorResponse{Err: "message_not_found"}, 0, true},
		{"edit window closed", errors.New("edit_window_closed"), 0, true},
		{"other", errors.New("internal_error"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, client, _ := newTestAdapter(t, "")
			client.updateErr = tt.err
			err := a.Edit(context.Background(), telegraph.MessageRef{ChatID: "C1", MessageID: "1"}, telegraph.OutboundMessage{Text: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			var rl *telegraph.RateLimitError
			if got := errors.As(err, &rl); got != (tt.wantRate > 0) {
				t.Fatalf("rate limit = %v, err = %v", got, err)
			}
			if rl != nil && rl.RetryAfter != tt.wantRate {
				t.Errorf("RetryAfter = %v, want %v", rl.RetryAfter, tt.wantRate)
			}
			if got := errors.Is(err, telegraph.ErrMessageNotEditable); got != tt.wantNotEdit {
				t.Errorf("not editable = %v, err = %v", got, err)
			}
		})
	}
}

// --- Helpers ---

func TestSplitRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want []string
	}{
		{"", 3, nil},
		{"abc", 3, []string{"abc"}},
		{"abcdefg", 3, []string{"abc", "def", "g"}},
		{"ééé", 2, []string{"éé", "é"}},
	}
	for _, tt := range tests {
		got := splitRunes(tt.in, tt.n)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Errorf("splitRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	if got := parseSlackTimestamp("1234567890.123456"); got.Unix() != 1234567890 {
		t.Errorf("got %v", got)
	}
	if got := parseSlackTimestamp("garbage"); !got.IsZero() {
		t.Errorf("garbage = %v, want zero", got)
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil || calls != maxRetries+1 {
		t.Errorf("err = %v, calls = %d, want %d calls", err, calls, maxRetries+1)
	}

	calls = 0
	err = retryOnRateLimit(context.Background(), func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil || calls != 1 {
		t.Errorf("non rate limit errors should not retry: calls = %d", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Hour}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// --- Reconnect ---

// failingSocketClient fails RunContext a set number of times before succeeding.
type failingSocketClient struct {
	mu        sync.Mutex
	runCalls  int
	failCount int
	events    chan socketmode.Event
}

func (f *failingSocketClient) RunContext(ctx context.Context) error {
	f.mu.Lock()
	f.runCalls++
	n := f.runCalls
	f.mu.Unlock()
	if n <= f.failCount {
		return fmt.Errorf("connection failed (attempt %d)", n)
	}
	return nil
}

func (f *failingSocketClient) EventsChan() chan socketmode.Event { return f.events }

func (f *failingSocketClient) Ack(req socketmode.Request, payload ...interface{}) {}

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	socket := &failingSocketClient{failCount: 2, events: make(chan socketmode.Event)}
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket})
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runWithReconnect should finish after retries succeed")
	}
	if socket.runCalls != 3 {
		t.Errorf("RunContext calls = %d, want 3", socket.runCalls)
	}
}

func TestRunWithReconnect_StopsOnContextCancel(t *testing.T) {
	socket := &failingSocketClient{failCount: 100, events: make(chan socketmode.Event)}
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket})
	a.baseBackoff = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.runWithReconnect(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runWithReconnect should stop on context cancel")
	}
}

func TestClose_ClosesInbound(t *testing.T) {
	a, _, _ := newTestAdapter(t, "")
	ch, _ := a.Listen(context.Background())
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound channel should be closed")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	// Late events are dropped, not sent on the closed channel.
	a.handleAppMention(&slackevents.AppMentionEvent{Channel: "C1", User: "U2", Text: "late"})
}
