// Package telegram implements the telegraph Adapter for the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/zulandar/signalbox/internal/telegraph"
)

const (
	// pollTimeout is the long-polling timeout in seconds.
	pollTimeout   = 60
	inboundBuffer = 100
)

// Bot API descriptions that mean the edit can never succeed.
var notEditable = []string{
	"message to edit not found",
	"message can't be edited",
	"message_id_invalid",
	"chat not found",
}

// botAPI abstracts the tgbotapi.BotAPI methods we use, enabling test mocks.
type botAPI interface {
	GetMe() (tgbotapi.User, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter implements telegraph.Adapter for Telegram.
type Adapter struct {
	bot       botAPI
	botToken  string
	botUserID string
	mu        sync.Mutex
	connected bool
	listening bool
	closed    bool
	inbound   chan telegraph.InboundMessage
	stopOnce  sync.Once
}

var (
	_ telegraph.Adapter          = (*Adapter)(nil)
	_ telegraph.TypingNotifier   = (*Adapter)(nil)
	_ telegraph.CallbackAnswerer = (*Adapter)(nil)
	_ telegraph.BotUserIDer      = (*Adapter)(nil)
)

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	BotToken string // token from @BotFather
	// For testing: inject a mock bot instead of the real Bot API.
	Bot botAPI
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Bot == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	return &Adapter{
		bot:      opts.Bot,
		botToken: opts.BotToken,
		inbound:  make(chan telegraph.InboundMessage, inboundBuffer),
	}, nil
}

// Connect authenticates the bot token and records the bot's user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create the real client if not injected (production path).
	if a.bot == nil {
		client := &http.Client{Timeout: (pollTimeout + 15) * time.Second}
		bot, err := tgbotapi.NewBotAPIWithClient(a.botToken, tgbotapi.APIEndpoint, client)
		if err != nil {
			return fmt.Errorf("telegram: create bot: %w", err)
		}
		a.bot = bot
	}

	me, err := a.bot.GetMe()
	if err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}
	a.botUserID = strconv.FormatInt(me.ID, 10)
	log.Printf("telegram: connected as @%s (ID: %d)", me.UserName, me.ID)

	a.connected = true
	return nil
}

// Listen starts long polling and returns a channel of inbound messages and
// button presses. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if a.listening {
		return a.inbound, nil
	}
	a.listening = true

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := a.bot.GetUpdatesChan(u)

	go a.pumpUpdates(ctx, updates)
	return a.inbound, nil
}

// pumpUpdates converts updates until the update channel closes or ctx is
// done.
func (a *Adapter) pumpUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			a.stopPolling()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if msg, ok := a.convert(upd); ok {
				a.deliver(msg)
			}
		}
	}
}

// convert maps an update onto an InboundMessage. Only text messages and
// button presses are kept.
func (a *Adapter) convert(upd tgbotapi.Update) (telegraph.InboundMessage, bool) {
	switch {
	case upd.CallbackQuery != nil:
		cb := upd.CallbackQuery
		if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
			return telegraph.InboundMessage{}, false
		}
		return telegraph.InboundMessage{
			Platform:     "telegram",
			ChatID:       strconv.FormatInt(cb.Message.Chat.ID, 10),
			MessageID:    strconv.Itoa(cb.Message.MessageID),
			UserID:       strconv.FormatInt(cb.From.ID, 10),
			UserName:     cb.From.UserName,
			CallbackID:   cb.ID,
			CallbackData: cb.Data,
			Timestamp:    time.Now(),
		}, true

	case upd.Message != nil:
		m := upd.Message
		if m.From == nil || m.Chat == nil || m.Text == "" {
			return telegraph.InboundMessage{}, false
		}
		if m.From.IsBot {
			return telegraph.InboundMessage{}, false
		}
		return telegraph.InboundMessage{
			Platform:  "telegram",
			ChatID:    strconv.FormatInt(m.Chat.ID, 10),
			MessageID: strconv.Itoa(m.MessageID),
			UserID:    strconv.FormatInt(m.From.ID, 10),
			UserName:  m.From.UserName,
			Text:      m.Text,
			Timestamp: m.Time(),
		}, true
	}
	return telegraph.InboundMessage{}, false
}

// deliver queues msg without blocking the poller.
func (a *Adapter) deliver(msg telegraph.InboundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("telegram: inbound queue full, dropping message from %s", msg.UserID)
	}
}

// Send delivers a new message.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.MessageRef, error) {
	if err := a.checkConnected(); err != nil {
		return telegraph.MessageRef{}, err
	}
	chatID, err := parseID(msg.ChatID)
	if err != nil {
		return telegraph.MessageRef{}, err
	}

	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	cfg.ParseMode = parseMode(msg.Format)
	cfg.DisableWebPagePreview = true
	if kb := keyboard(msg.Buttons); kb != nil {
		cfg.ReplyMarkup = *kb
	}

	sent, err := a.bot.Send(cfg)
	if err != nil {
		return telegraph.MessageRef{}, fmt.Errorf("telegram: send message: %w", translateError(err))
	}
	return telegraph.MessageRef{ChatID: msg.ChatID, MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// Edit replaces a message's text. An edit without buttons removes the
// inline keyboard. "Message is not modified" counts as success.
func (a *Adapter) Edit(ctx context.Context, ref telegraph.MessageRef, msg telegraph.OutboundMessage) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	chatID, err := parseID(ref.ChatID)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q", ref.MessageID)
	}

	cfg := tgbotapi.NewEditMessageText(chatID, messageID, msg.Text)
	cfg.ParseMode = parseMode(msg.Format)
	cfg.DisableWebPagePreview = true
	cfg.ReplyMarkup = keyboard(msg.Buttons)

	// Request, not Send: editing may return true instead of a Message.
	if _, err := a.bot.Request(cfg); err != nil {
		if isNotModified(err) {
			return nil
		}
		return fmt.Errorf("telegram: edit message: %w", translateError(err))
	}
	return nil
}

// Dialect reports Telegram's HTML subset.
func (a *Adapter) Dialect() telegraph.Dialect { return telegraph.DialectHTML }

// SendTyping shows the "typing…" chat action for about five seconds.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	id, err := parseID(chatID)
	if err != nil {
		return err
	}
	if _, err := a.bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram: chat action: %w", err)
	}
	return nil
}

// AnswerCallback stops the client's loading spinner on a pressed button.
func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	if _, err := a.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("telegram: answer callback: %w", err)
	}
	return nil
}

// Close stops polling and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.listening {
		a.stopPolling()
	}
	close(a.inbound)
	return nil
}

// stopPolling ends long polling. The library panics if stopped twice.
func (a *Adapter) stopPolling() {
	a.stopOnce.Do(a.bot.StopReceivingUpdates)
}

// BotUserID returns the bot's Telegram user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("telegram: not connected")
	}
	return nil
}

func parseID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q", chatID)
	}
	return id, nil
}

func parseMode(f telegraph.Format) string {
	if f == telegraph.FormatHTML {
		return tgbotapi.ModeHTML
	}
	return ""
}

// keyboard lays the buttons out on one inline row, or returns nil.
func keyboard(buttons []telegraph.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	var row []tgbotapi.InlineKeyboardButton
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}

// apiError extracts the Bot API error, which the library returns by
// pointer or by value depending on the call path.
func apiError(err error) (tgbotapi.Error, bool) {
	var p *tgbotapi.Error
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	var v tgbotapi.Error
	if errors.As(err, &v) {
		return v, true
	}
	return tgbotapi.Error{}, false
}

func isNotModified(err error) bool {
	e, ok := apiError(err)
	return ok && strings.Contains(strings.ToLower(e.Message), "message is not modified")
}

// translateError maps Bot API failures onto the telegraph error contract.
func translateError(err error) error {
	e, ok := apiError(err)
	if !ok {
		return err
	}
	if e.Code == http.StatusTooManyRequests {
		return &telegraph.RateLimitError{RetryAfter: time.Duration(e.RetryAfter) * time.Second}
	}
	desc := strings.ToLower(e.Message)
	for _, s := range notEditable {
		if strings.Contains(desc, s) {
			return fmt.Errorf("%w: %s", telegraph.ErrMessageNotEditable, e.Message)
		}
	}
	return err
}
