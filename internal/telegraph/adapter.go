// Package telegraph bridges chat platforms (Telegram, Discord, Slack) to a
// streaming LLM, rendering each reply live by editing the bot's message.
package telegraph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and sending, editing, and
// receiving messages for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers a new message and returns a handle for editing it.
	Send(ctx context.Context, msg OutboundMessage) (MessageRef, error)

	// Edit replaces the text (and controls) of a previously sent message.
	// An edit that changes nothing succeeds. Edits with no Buttons detach
	// any controls the message had.
	Edit(ctx context.Context, ref MessageRef, msg OutboundMessage) error

	// Dialect reports which markup the platform renders.
	Dialect() Dialect

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Dialect is the markup a platform renders.
type Dialect int

const (
	DialectPlain Dialect = iota
	DialectHTML          // Telegram HTML subset
	DialectMarkdown      // Discord/Slack flavoured markdown
)

// Format is the parse mode of one outbound message.
type Format int

const (
	FormatPlain Format = iota
	FormatHTML
)

// InboundMessage represents a message or button press received from the
// chat platform.
type InboundMessage struct {
	Platform     string    // "telegram", "discord", "slack"
	ChatID       string    // where replies go
	MessageID    string    // platform message identifier
	UserID       string    // platform-specific user identifier
	UserName     string    // human-readable username
	Text         string    // raw message text
	CallbackID   string    // set for button presses
	CallbackData string    // button payload, e.g. "stop"
	Timestamp    time.Time // when the message was sent
}

// IsCallback reports whether the message is a button press.
func (m InboundMessage) IsCallback() bool { return m.CallbackID != "" || m.CallbackData != "" }

// Key returns the user key the message belongs to.
func (m InboundMessage) Key() UserKey { return UserKey{Platform: m.Platform, UserID: m.UserID} }

// OutboundMessage represents a message to be sent to or edited on the
// chat platform.
type OutboundMessage struct {
	ChatID  string   // target chat or channel
	Text    string   // message text in Format
	Format  Format   // parse mode
	Buttons []Button // inline controls; empty detaches them on edit
}

// Button is an inline control that sends Data back as a callback.
type Button struct {
	Label string
	Data  string
}

// MessageRef identifies a sent message for later edits.
type MessageRef struct {
	ChatID    string
	MessageID string
}

// UserKey identifies a user across platforms.
type UserKey struct {
	Platform string
	UserID   string
}

func (k UserKey) String() string { return k.Platform + ":" + k.UserID }

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// TypingNotifier is implemented by adapters that can show a "typing"
// indicator.
type TypingNotifier interface {
	SendTyping(ctx context.Context, chatID string) error
}

// CallbackAnswerer is implemented by adapters whose platform expects
// button presses to be acknowledged.
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// ErrMessageNotEditable is returned by Edit when the platform refuses to
// edit the message (deleted, too old, or not found).
var ErrMessageNotEditable = errors.New("telegraph: message not editable")

// RateLimitError is returned when the platform asks the caller to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegraph: rate limited, retry after %v", e.RetryAfter)
}
