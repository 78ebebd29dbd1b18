package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zulandar/signalbox/internal/llm"
	"golang.org/x/time/rate"
)

const (
	DefaultHistoryLimit     = 10
	defaultLimiterCacheSize = 4096

	replyBusy          = "⏳ I'm still answering your previous message. Please wait or press Stop."
	replyQuotaExceeded = "You have used all your free requests. They are refilled daily."
	replyHistoryGone   = "History cleared."
)

// Router classifies inbound messages and routes them: button presses to
// their callbacks, slash commands to the command handler, and plain text
// to a new streamed reply.
type Router struct {
	adapter   Adapter
	commands  *CommandHandler
	sessions  *SessionManager
	streamer  *Streamer
	history   HistoryStore
	quota     *QuotaStore
	allowed   map[string]bool
	limit     int
	limiters  *lru.Cache[UserKey, *rate.Limiter]
	perSecond rate.Limit
	burst     int
	botUserID string
	out       io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Adapter       Adapter
	Commands      *CommandHandler
	Sessions      *SessionManager
	Streamer      *Streamer
	History       HistoryStore
	Quota         *QuotaStore // optional
	AllowedUsers  []string    // user IDs or names; empty allows everyone
	HistoryLimit  int         // messages sent to the model; defaults to DefaultHistoryLimit
	RatePerSecond float64     // inbound messages per user; 0 disables
	RateBurst     int
	BotUserID     string    // bot's user ID for self-message filtering
	Out           io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	if opts.Commands == nil {
		return nil, fmt.Errorf("telegraph: router: command handler is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("telegraph: router: session manager is required")
	}
	if opts.Streamer == nil {
		return nil, fmt.Errorf("telegraph: router: streamer is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("telegraph: router: history store is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	r := &Router{
		adapter:   opts.Adapter,
		commands:  opts.Commands,
		sessions:  opts.Sessions,
		streamer:  opts.Streamer,
		history:   opts.History,
		quota:     opts.Quota,
		limit:     limit,
		botUserID: opts.BotUserID,
		out:       out,
	}
	if len(opts.AllowedUsers) > 0 {
		r.allowed = make(map[string]bool, len(opts.AllowedUsers))
		for _, u := range opts.AllowedUsers {
			r.allowed[strings.ToLower(strings.TrimPrefix(u, "@"))] = true
		}
	}
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		cache, err := lru.New[UserKey, *rate.Limiter](defaultLimiterCacheSize)
		if err != nil {
			return nil, fmt.Errorf("telegraph: router: limiter cache: %w", err)
		}
		r.limiters, r.perSecond, r.burst = cache, rate.Limit(opts.RatePerSecond), burst
	}
	return r, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message or user not on the allow-list → ignore
//  2. Over the per-user rate → drop
//  3. Button press → stop or clear_history callback
//  4. Slash command → command handler
//  5. Plain text → new streamed reply, unless one is running
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}
	key := msg.Key()
	if !r.isAllowed(msg) {
		fmt.Fprintf(r.out, "telegraph: router: → ignore (user %s not allowed)\n", key)
		return
	}

	text := strings.TrimSpace(msg.Text)
	fmt.Fprintf(r.out, "telegraph: router: recv [chat=%s user=%s] %q\n",
		msg.ChatID, key, truncate(text, 80))

	if !r.allow(key) {
		fmt.Fprintf(r.out, "telegraph: router: → drop (rate limited)\n")
		r.answer(ctx, msg, "")
		return
	}

	if msg.IsCallback() {
		fmt.Fprintf(r.out, "telegraph: router: → callback %q\n", msg.CallbackData)
		r.handleCallback(ctx, msg)
		return
	}

	if isCommand(text) {
		fmt.Fprintf(r.out, "telegraph: router: → command\n")
		r.reply(ctx, msg.ChatID, r.commands.Execute(ctx, msg))
		return
	}

	if text == "" {
		fmt.Fprintf(r.out, "telegraph: router: → ignore (empty)\n")
		return
	}

	r.handleText(ctx, msg, text)
}

func (r *Router) handleCallback(ctx context.Context, msg InboundMessage) {
	key := msg.Key()
	switch msg.CallbackData {
	case CallbackStop:
		if r.sessions.Cancel(key) {
			r.answer(ctx, msg, replyStopping)
		} else {
			r.answer(ctx, msg, replyNothingRuns)
		}
	case CallbackClearHistory:
		n, err := r.history.Clear(ctx, key)
		if err != nil {
			log.Printf("telegraph: router: clear history %s: %v", key, err)
			r.answer(ctx, msg, replyClearFailed)
			return
		}
		log.Printf("telegraph: router: cleared %d messages for %s", n, key)
		r.answer(ctx, msg, replyCleared)
		r.reply(ctx, msg.ChatID, Reply{Text: replyHistoryGone})
	default:
		r.answer(ctx, msg, "")
	}
}

// handleText starts a streamed reply for the user's message. Quota spent
// on a reply that is cancelled or aborted is given back.
func (r *Router) handleText(ctx context.Context, msg InboundMessage, text string) {
	key := msg.Key()
	if r.sessions.Active(key) {
		fmt.Fprintf(r.out, "telegraph: router: → busy [user=%s]\n", key)
		r.reply(ctx, msg.ChatID, Reply{Text: replyBusy})
		return
	}

	if err := r.quota.Consume(ctx, key); err != nil {
		if errors.Is(err, ErrQuotaExhausted) {
			fmt.Fprintf(r.out, "telegraph: router: → quota exhausted [user=%s]\n", key)
			r.reply(ctx, msg.ChatID, Reply{Text: replyQuotaExceeded})
			return
		}
		log.Printf("telegraph: router: %v", err)
		r.reply(ctx, msg.ChatID, Reply{Text: replyInternal})
		return
	}

	fmt.Fprintf(r.out, "telegraph: router: → new session [user=%s]\n", key)
	err := r.sessions.Start(ctx, key, msg.ChatID, func(sctx context.Context, lease Lease) {
		if !r.runSession(sctx, msg, text, lease) {
			r.restoreQuota(sctx, key)
		}
	})
	if err == nil {
		return
	}
	r.restoreQuota(ctx, key)
	if errors.Is(err, ErrSessionActive) {
		fmt.Fprintf(r.out, "telegraph: router: → busy [user=%s]\n", key)
		r.reply(ctx, msg.ChatID, Reply{Text: replyBusy})
		return
	}
	log.Printf("telegraph: router: start session %s: %v", key, err)
	r.reply(ctx, msg.ChatID, Reply{Text: replyInternal})
}

// runSession persists the user message, loads history and streams the
// reply. It reports whether the quota was earned.
func (r *Router) runSession(ctx context.Context, msg InboundMessage, text string, lease Lease) bool {
	key := msg.Key()
	if err := r.history.Append(ctx, key, llm.RoleUser, text); err != nil {
		log.Printf("telegraph: router: %v", err)
		r.reply(context.WithoutCancel(ctx), msg.ChatID, Reply{Text: replyInternal})
		return false
	}
	history, err := r.history.LastMessages(ctx, key, r.limit)
	if err != nil {
		log.Printf("telegraph: router: %v", err)
		r.reply(context.WithoutCancel(ctx), msg.ChatID, Reply{Text: replyInternal})
		return false
	}

	if tn, ok := r.adapter.(TypingNotifier); ok {
		if err := tn.SendTyping(ctx, msg.ChatID); err != nil {
			log.Printf("telegraph: router: typing %s: %v", msg.ChatID, err)
		}
	}

	res := r.streamer.Run(ctx, Job{Key: key, ChatID: msg.ChatID, History: history, Lease: lease})
	return !res.Cancelled && res.State != StateAborted
}

func (r *Router) restoreQuota(ctx context.Context, key UserKey) {
	if err := r.quota.Restore(context.WithoutCancel(ctx), key); err != nil {
		log.Printf("telegraph: router: %v", err)
	}
}

// reply sends a plain-text message.
func (r *Router) reply(ctx context.Context, chatID string, rep Reply) {
	if _, err := r.adapter.Send(ctx, OutboundMessage{
		ChatID:  chatID,
		Text:    rep.Text,
		Buttons: rep.Buttons,
	}); err != nil {
		log.Printf("telegraph: router: send reply: %v", err)
	}
}

// answer acknowledges a button press on platforms that expect it.
func (r *Router) answer(ctx context.Context, msg InboundMessage, text string) {
	if msg.CallbackID == "" {
		return
	}
	ca, ok := r.adapter.(CallbackAnswerer)
	if !ok {
		return
	}
	if err := ca.AnswerCallback(ctx, msg.CallbackID, text); err != nil {
		log.Printf("telegraph: router: answer callback: %v", err)
	}
}

// allow reports whether the user is within the inbound rate.
func (r *Router) allow(key UserKey) bool {
	if r.limiters == nil {
		return true
	}
	lim, ok := r.limiters.Get(key)
	if !ok {
		fresh := rate.NewLimiter(r.perSecond, r.burst)
		if prev, found, _ := r.limiters.PeekOrAdd(key, fresh); found {
			lim = prev
		} else {
			lim = fresh
		}
	}
	return lim.Allow()
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

func (r *Router) isAllowed(msg InboundMessage) bool {
	if r.allowed == nil {
		return true
	}
	return r.allowed[strings.ToLower(msg.UserID)] ||
		(msg.UserName != "" && r.allowed[strings.ToLower(strings.TrimPrefix(msg.UserName, "@"))])
}

// truncate returns s truncated to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
