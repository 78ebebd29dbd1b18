package telegraph

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MockAdapter implements Adapter, BotUserIDer, TypingNotifier and
// CallbackAnswerer for testing. It records sends and edits, keeps the
// current state of every message, and can be scripted to fail.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	dialect   Dialect
	botUserID string

	nextID   int
	sent     []OutboundMessage
	edits    []MockEdit
	messages map[string]OutboundMessage // message ID -> current state
	typing   int
	answered []string

	sendErrs []error
	editErrs []error
}

// MockEdit is one recorded Edit call.
type MockEdit struct {
	Ref MessageRef
	Msg OutboundMessage
	Err error
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel and
// the HTML dialect.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:  make(chan InboundMessage, 100),
		dialect:  DialectHTML,
		messages: make(map[string]OutboundMessage),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// SetDialect changes what Dialect reports.
func (m *MockAdapter) SetDialect(d Dialect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialect = d
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

// Send records the outbound message and assigns it the next message ID.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return MessageRef{}, fmt.Errorf("mock adapter: not connected")
	}
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return MessageRef{}, err
		}
	}
	m.nextID++
	id := strconv.Itoa(m.nextID)
	m.sent = append(m.sent, msg)
	m.messages[id] = msg
	return MessageRef{ChatID: msg.ChatID, MessageID: id}, nil
}

// Edit records the edit and updates the message state, or returns the
// next scripted error.
func (m *MockAdapter) Edit(ctx context.Context, ref MessageRef, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	var err error
	if len(m.editErrs) > 0 {
		err = m.editErrs[0]
		m.editErrs = m.editErrs[1:]
	}
	if err == nil {
		if _, ok := m.messages[ref.MessageID]; !ok {
			err = ErrMessageNotEditable
		}
	}
	m.edits = append(m.edits, MockEdit{Ref: ref, Msg: msg, Err: err})
	if err != nil {
		return err
	}
	m.messages[ref.MessageID] = msg
	return nil
}

// Dialect returns the configured dialect.
func (m *MockAdapter) Dialect() Dialect {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialect
}

// SendTyping counts typing notifications.
func (m *MockAdapter) SendTyping(ctx context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
	return nil
}

// AnswerCallback records the acknowledged callback ID.
func (m *MockAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answered = append(m.answered, callbackID)
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

// --- Test helpers ---

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// FailNextSends makes the next Send calls return errs in order. A nil
// entry lets that call succeed.
func (m *MockAdapter) FailNextSends(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, errs...)
}

// FailNextEdits makes the next Edit calls return errs in order. A nil
// entry lets that call succeed.
func (m *MockAdapter) FailNextEdits(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editErrs = append(m.editErrs, errs...)
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// AllEdits returns a copy of every recorded Edit call.
func (m *MockAdapter) AllEdits() []MockEdit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockEdit, len(m.edits))
	copy(out, m.edits)
	return out
}

// Message returns the current state of a sent message.
func (m *MockAdapter) Message(id string) (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	return msg, ok
}

// Messages returns the current state of every sent message in send order.
func (m *MockAdapter) Messages() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, 0, m.nextID)
	for i := 1; i <= m.nextID; i++ {
		out = append(out, m.messages[strconv.Itoa(i)])
	}
	return out
}

// TypingCount returns how many typing notifications were sent.
func (m *MockAdapter) TypingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing
}

// Answered returns the acknowledged callback IDs.
func (m *MockAdapter) Answered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.answered...)
}
