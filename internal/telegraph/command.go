package telegraph

import (
	"context"
	"fmt"
	"log"
	"strings"
)

const (
	welcomeText = "Hi! I'm an AI assistant. Ask me anything.\n\n" +
		"I remember our recent conversation. Use the button below or /clear to start over."
	helpText = "Commands:\n" +
		"/start - welcome message\n" +
		"/help - this message\n" +
		"/clear - forget our conversation\n" +
		"/stop - stop the current answer\n" +
		"/status - history size, free requests and current activity\n\n" +
		"Any other message is sent to the assistant."

	replyCleared     = "History cleared."
	replyClearFailed = "Could not clear the history. Please try again later."
	replyStopping    = "Stopping…"
	replyNothingRuns = "Nothing to stop."
	replyInternal    = "An internal error occurred. Please try again later."
)

var clearButtons = []Button{{Label: "🗑 Clear history", Data: CallbackClearHistory}}

// Reply is the response to a command.
type Reply struct {
	Text    string
	Buttons []Button
}

// CommandHandler answers slash commands. Commands never start a session.
type CommandHandler struct {
	history  HistoryStore
	quota    *QuotaStore
	sessions *SessionManager
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	History  HistoryStore
	Quota    *QuotaStore // optional
	Sessions *SessionManager
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.History == nil {
		return nil, fmt.Errorf("telegraph: command handler: history store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("telegraph: command handler: session manager is required")
	}
	return &CommandHandler{
		history:  opts.History,
		quota:    opts.Quota,
		sessions: opts.Sessions,
	}, nil
}

// Execute runs the command in msg.Text and returns the reply.
func (ch *CommandHandler) Execute(ctx context.Context, msg InboundMessage) Reply {
	name, _ := parseCommand(msg.Text)
	key := msg.Key()

	switch name {
	case "start":
		return Reply{Text: welcomeText, Buttons: clearButtons}
	case "help":
		return Reply{Text: helpText}
	case "clear":
		return Reply{Text: ch.clear(ctx, key)}
	case "stop":
		if ch.sessions.Cancel(key) {
			return Reply{Text: replyStopping}
		}
		return Reply{Text: replyNothingRuns}
	case "status":
		return Reply{Text: ch.status(ctx, key)}
	default:
		return Reply{Text: fmt.Sprintf("Unknown command /%s.\n\n%s", name, helpText)}
	}
}

func (ch *CommandHandler) clear(ctx context.Context, key UserKey) string {
	n, err := ch.history.Clear(ctx, key)
	if err != nil {
		log.Printf("telegraph: command: clear %s: %v", key, err)
		return replyClearFailed
	}
	log.Printf("telegraph: command: cleared %d messages for %s", n, key)
	return replyCleared
}

func (ch *CommandHandler) status(ctx context.Context, key UserKey) string {
	count, err := ch.history.Count(ctx, key)
	if err != nil {
		log.Printf("telegraph: command: status %s: %v", key, err)
		return replyInternal
	}
	remaining, err := ch.quota.Remaining(ctx, key)
	if err != nil {
		log.Printf("telegraph: command: status %s: %v", key, err)
		return replyInternal
	}

	quota := "unlimited"
	if remaining != Unlimited {
		quota = fmt.Sprintf("%d", remaining)
	}
	activity := "idle"
	if ch.sessions.Active(key) {
		activity = "answering"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stored messages: %d\n", count)
	fmt.Fprintf(&b, "Free requests left: %s\n", quota)
	fmt.Fprintf(&b, "Status: %s", activity)
	return b.String()
}

// isCommand reports whether text is a slash command.
func isCommand(text string) bool {
	return len(text) > 1 && text[0] == '/' && text[1] != ' ' && text[1] != '/'
}

// parseCommand splits "/name@bot arg ..." into the lower-cased name and
// its arguments.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "/"))
	if len(fields) == 0 {
		return "", nil
	}
	name, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(name), fields[1:]
}
