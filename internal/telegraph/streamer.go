package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/llm"
	"github.com/zulandar/signalbox/internal/markup"
	"github.com/zulandar/signalbox/internal/metrics"
)

const (
	DefaultEditInterval  = 1200 * time.Millisecond
	DefaultMaxMessageLen = 4000
	DefaultPlaceholder   = "…"

	// cursor marks a message that is still being written.
	cursor = "…"

	callTimeout = 15 * time.Second
)

// Callback payloads carried by inline buttons.
const (
	CallbackStop         = "stop"
	CallbackClearHistory = "clear_history"
)

// User-facing notices.
const (
	NoticeNoResponse = "The model returned an empty response. Please try again."
	NoticeFailure    = "Sorry, something went wrong while generating the reply. Please try again later."
	NoticeStopped    = "⏹ Stopped."

	stoppedMarker     = "\n\n⏹ Stopped."
	interruptedMarker = "\n\n⚠️ The reply was interrupted."
)

var stopButtons = []Button{{Label: "⏹ Stop", Data: CallbackStop}}

// State is a step of the streaming state machine.
type State int

const (
	StateAwaitingFirstToken State = iota
	StateStreaming
	StateRollingOver
	StateFinalizing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirstToken:
		return "awaiting_first_token"
	case StateStreaming:
		return "streaming"
	case StateRollingOver:
		return "rolling_over"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Completer opens a streamed chat completion.
type Completer interface {
	Complete(ctx context.Context, system string, history []llm.Message) (llm.Stream, error)
}

var _ Completer = (*llm.Client)(nil)

// Job is one reply to stream. History already ends with the user message.
type Job struct {
	Key     UserKey
	ChatID  string
	History []llm.Message
	Lease   Lease
}

// Result reports how a session ended.
type Result struct {
	State     State        // StateDone or StateAborted
	Raw       string       // every delta received, in order
	Messages  []MessageRef // messages written, oldest first
	Degraded  bool         // formatting fell back to plain text
	Cancelled bool         // stopped by the user or shutdown
	Err       error        // stream or platform failure, if any
}

// Outcome classifies the result for metrics.
func (r Result) Outcome() string {
	switch {
	case r.Cancelled:
		return metrics.OutcomeCancelled
	case r.State == StateAborted || r.Err != nil:
		return metrics.OutcomeFailed
	case r.Raw == "":
		return metrics.OutcomeEmpty
	}
	return metrics.OutcomeCompleted
}

// Streamer turns an LLM stream into a live message: it sends a
// placeholder, edits it as deltas arrive at most once per edit interval,
// rolls over into a new message when the text outgrows the platform
// limit, and stores the raw reply when the stream ends.
type Streamer struct {
	adapter     Adapter
	llm         Completer
	history     HistoryStore
	metrics     *metrics.Metrics
	system      string
	interval    time.Duration
	maxLen      int
	total       time.Duration
	placeholder string
	out         io.Writer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// StreamerOpts holds parameters for creating a Streamer.
type StreamerOpts struct {
	Adapter      Adapter
	LLM          Completer
	History      HistoryStore
	Metrics      *metrics.Metrics // optional
	SystemPrompt string
	EditInterval time.Duration // defaults to DefaultEditInterval
	MaxLen       int           // runes per message; defaults to DefaultMaxMessageLen
	TotalTimeout time.Duration // 0 disables
	Placeholder  string        // defaults to DefaultPlaceholder
	Out          io.Writer     // defaults to os.Stdout
}

// NewStreamer creates a Streamer.
func NewStreamer(opts StreamerOpts) (*Streamer, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: streamer: adapter is required")
	}
	if opts.LLM == nil {
		return nil, fmt.Errorf("telegraph: streamer: llm is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("telegraph: streamer: history store is required")
	}
	if opts.MaxLen < 0 {
		return nil, fmt.Errorf("telegraph: streamer: max length must not be negative")
	}
	s := &Streamer{
		adapter:     opts.Adapter,
		llm:         opts.LLM,
		history:     opts.History,
		metrics:     opts.Metrics,
		system:      opts.SystemPrompt,
		interval:    opts.EditInterval,
		maxLen:      opts.MaxLen,
		total:       opts.TotalTimeout,
		placeholder: opts.Placeholder,
		out:         opts.Out,
		now:         time.Now,
		sleep:       sleepCtx,
	}
	if s.interval <= 0 {
		s.interval = DefaultEditInterval
	}
	if s.maxLen == 0 {
		s.maxLen = DefaultMaxMessageLen
	}
	if s.placeholder == "" {
		s.placeholder = DefaultPlaceholder
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	return s, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run streams one reply. It returns when the reply is finalized, the
// session is cancelled through ctx, or the session aborts.
func (s *Streamer) Run(ctx context.Context, job Job) Result {
	start := s.now()
	s.metrics.SessionStarted()

	r := &run{
		s:       s,
		job:     job,
		ctx:     ctx,
		uiCtx:   context.WithoutCancel(ctx),
		waitCtx: ctx,
	}
	res := r.execute()
	res.Raw = r.raw.String()
	res.Messages = r.refs
	res.Degraded = r.degraded

	s.metrics.SessionFinished(res.Outcome(), s.now().Sub(start))
	fmt.Fprintf(s.out, "telegraph: streamer: %s: %s [%s, %d runes, %d messages]\n",
		job.Key, res.State, res.Outcome(), markup.Len(res.Raw), len(res.Messages))
	return res
}

// run is the state of one session. Only the session goroutine touches it.
type run struct {
	s   *Streamer
	job Job

	ctx     context.Context // cancelled on stop or shutdown
	uiCtx   context.Context // platform calls; outlives ctx for final edits
	waitCtx context.Context // rate-limit sleeps

	state    State
	raw      strings.Builder
	pending  string // text of the open message
	degraded bool
	lastEdit time.Time

	ref    MessageRef
	refs   []MessageRef
	shown  OutboundMessage // what ref currently displays
	closed bool            // ref can no longer be edited
	reopen bool            // no open message; open one for the next content
}

func (r *run) execute() Result {
	r.state = StateAwaitingFirstToken
	if _, err := r.send(OutboundMessage{Text: r.s.placeholder, Buttons: stopButtons}); err != nil {
		log.Printf("telegraph: streamer: %s: send placeholder: %v", r.job.Key, err)
		return Result{State: StateAborted, Err: fmt.Errorf("telegraph: streamer: send placeholder: %w", err)}
	}

	streamCtx, cancel := r.streamContext()
	defer cancel()

	stream, err := r.s.llm.Complete(streamCtx, r.s.system, r.job.History)
	if err != nil {
		if r.cancelled() {
			r.finalize(true, nil)
			return Result{State: StateDone, Cancelled: true}
		}
		log.Printf("telegraph: streamer: %s: open completion: %v", r.job.Key, err)
		r.finalize(false, err)
		return Result{State: StateAborted, Err: fmt.Errorf("telegraph: streamer: open completion: %w", err)}
	}

	r.state = StateStreaming
	streamErr := r.consume(stream)
	if cerr := stream.Close(); cerr != nil {
		log.Printf("telegraph: streamer: %s: close stream: %v", r.job.Key, cerr)
	}

	cancelled := r.cancelled()
	if cancelled {
		log.Printf("telegraph: streamer: %s: cancelled: %v", r.job.Key, context.Cause(r.ctx))
		streamErr = nil
	} else if streamErr != nil {
		log.Printf("telegraph: streamer: %s: stream failed after %d runes: %v", r.job.Key, markup.Len(r.raw.String()), streamErr)
	}

	delivered := r.finalize(cancelled, streamErr)
	r.persist()

	res := Result{State: StateDone, Cancelled: cancelled}
	if streamErr != nil {
		res.Err = fmt.Errorf("telegraph: streamer: %w", streamErr)
		if r.raw.Len() == 0 {
			res.State = StateAborted
		}
	}
	if !delivered {
		res.State = StateAborted
		if res.Err == nil {
			res.Err = fmt.Errorf("telegraph: streamer: final message could not be delivered")
		}
	}
	return res
}

func (r *run) streamContext() (context.Context, context.CancelFunc) {
	if r.s.total > 0 {
		return context.WithTimeout(r.ctx, r.s.total)
	}
	return context.WithCancel(r.ctx)
}

func (r *run) cancelled() bool { return r.ctx.Err() != nil }

// consume reads deltas until the stream ends. It returns nil on a clean
// end of stream.
func (r *run) consume(stream llm.Stream) error {
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		r.feed(delta)
		if r.cancelled() {
			return r.ctx.Err()
		}
	}
}

// feed applies one delta. The raw text always receives it, whatever
// happens to the edits.
func (r *run) feed(delta string) {
	r.raw.WriteString(delta)
	r.pending += delta
	r.state = StateStreaming

	if r.reopen {
		if strings.TrimSpace(r.pending) == "" {
			return
		}
		r.open(r.pending)
	}

	for markup.Len(r.render(r.pending, true).Text) > r.s.maxLen {
		r.rollover()
	}
	if r.s.now().Sub(r.lastEdit) >= r.s.interval {
		r.deliver(func() OutboundMessage {
			msg := r.render(r.pending, true)
			msg.Buttons = stopButtons
			return msg
		}, false)
	}
}

// rollover finalizes as much of the pending text as fits in the open
// message and continues the rest in a new one.
func (r *run) rollover() {
	r.state = StateRollingOver
	r.s.metrics.Rollover()

	head, tail := r.cut(r.pending, r.s.maxLen)
	r.deliver(func() OutboundMessage { return r.render(head, false) }, true)
	r.pending = tail

	if strings.TrimSpace(tail) == "" {
		r.closed, r.reopen = true, true
	} else {
		r.open(tail)
	}
	r.state = StateStreaming
}

// open sends a new live message seeded with text.
func (r *run) open(text string) {
	msg := r.render(text, true)
	if markup.Len(msg.Text) > r.s.maxLen {
		msg = OutboundMessage{Text: r.s.placeholder}
	}
	msg.Buttons = stopButtons
	if _, err := r.send(msg); err != nil {
		log.Printf("telegraph: streamer: %s: open message: %v", r.job.Key, err)
		r.closed, r.reopen = true, false
	}
}

// cut splits text so the rendered head fits in limit runes. When not even
// a single rune renders within limit, the session degrades to plain text
// and the head is cut raw.
func (r *run) cut(text string, limit int) (head, tail string) {
	for budget := limit; budget >= 1; {
		head, tail = markup.Cut(text, budget)
		head, tail = markup.BalanceFences(head, tail)
		n := markup.Len(r.render(head, false).Text)
		if n <= limit {
			return head, tail
		}
		next := budget * limit / n
		if next >= budget {
			next = budget - 1
		}
		budget = next
	}
	r.degrade(fmt.Errorf("rendered text does not fit in %d runes", limit))
	return markup.Cut(text, limit)
}

// finalize writes the last message without controls and reports whether
// the user got something.
func (r *run) finalize(cancelled bool, streamErr error) bool {
	r.state = StateFinalizing
	r.waitCtx = r.uiCtx

	if r.raw.Len() == 0 {
		notice := NoticeNoResponse
		switch {
		case cancelled:
			notice = NoticeStopped
		case streamErr != nil:
			notice = NoticeFailure
		}
		return r.deliver(func() OutboundMessage { return OutboundMessage{Text: notice} }, true) == nil
	}

	suffix := ""
	switch {
	case cancelled:
		suffix = stoppedMarker
	case streamErr != nil:
		suffix = interruptedMarker
	}

	if r.reopen && strings.TrimSpace(r.pending) == "" {
		if suffix == "" {
			return true
		}
		return r.deliver(func() OutboundMessage { return OutboundMessage{Text: strings.TrimSpace(suffix)} }, true) == nil
	}

	limit := r.s.maxLen - markup.Len(suffix)
	for markup.Len(r.render(r.pending, false).Text) > limit {
		head, tail := r.cut(r.pending, limit)
		r.deliver(func() OutboundMessage { return r.render(head, false) }, true)
		r.pending = tail
		r.closed = true
	}
	err := r.deliver(func() OutboundMessage {
		msg := r.render(r.pending, false)
		msg.Text += suffix
		return msg
	}, true)
	return err == nil
}

// persist stores the raw reply. Failures are logged and counted only.
func (r *run) persist() {
	raw := r.raw.String()
	if raw == "" {
		return
	}
	ctx, cancel := context.WithTimeout(r.uiCtx, callTimeout)
	defer cancel()
	if err := r.s.history.Append(ctx, r.job.Key, llm.RoleAssistant, raw); err != nil {
		log.Printf("telegraph: streamer: %s: persist reply: %v", r.job.Key, err)
		r.s.metrics.PersistFailure()
	}
}

// render formats text for the platform. live appends the cursor.
func (r *run) render(text string, live bool) OutboundMessage {
	var msg OutboundMessage
	switch {
	case r.s.adapter.Dialect() != DialectHTML:
		msg.Text = markup.StripKnownTags(text)
	case r.degraded:
		msg.Text = text
	default:
		out, err := markup.Sanitize(text)
		if err != nil {
			r.degrade(err)
			msg.Text = text
		} else {
			msg.Text, msg.Format = out, FormatHTML
		}
	}
	if live {
		msg.Text += cursor
	}
	return msg
}

// degrade switches the rest of the session to plain text.
func (r *run) degrade(cause error) {
	if r.degraded {
		return
	}
	r.degraded = true
	r.s.metrics.FormattingFallback()
	r.s.metrics.Edit(metrics.EditDegraded)
	log.Printf("telegraph: streamer: %s: formatting degraded to plain text: %v", r.job.Key, cause)
}

// deliver shows build() on the open message. A formatted message the
// platform rejects is retried once as plain text. Live updates to a closed
// message are skipped; final ones are sent as a new message.
func (r *run) deliver(build func() OutboundMessage, final bool) error {
	if r.closed && !final {
		return nil
	}
	msg := build()
	err := r.put(msg, final)
	var rl *RateLimitError
	if err == nil || msg.Format != FormatHTML || errors.Is(err, ErrMessageNotEditable) || errors.As(err, &rl) {
		return err
	}
	r.degrade(err)
	return r.put(build(), final)
}

func (r *run) put(msg OutboundMessage, final bool) error {
	if r.closed {
		_, err := r.send(msg)
		return err
	}
	msg.ChatID = r.job.ChatID
	if msg.Text == r.shown.Text && msg.Format == r.shown.Format && len(msg.Buttons) == len(r.shown.Buttons) {
		r.s.metrics.Edit(metrics.EditUnchanged)
		return nil
	}

	ref := r.ref
	err := r.withRateLimit(func(ctx context.Context) error { return r.s.adapter.Edit(ctx, ref, msg) })
	r.lastEdit = r.s.now()
	switch {
	case err == nil:
		r.shown = msg
		r.s.metrics.Edit(metrics.EditOK)
	case errors.Is(err, ErrMessageNotEditable):
		r.s.metrics.Edit(metrics.EditReopened)
		log.Printf("telegraph: streamer: %s: message %s closed: %v", r.job.Key, ref.MessageID, err)
		r.closed = true
		if final {
			_, err = r.send(msg)
		}
	default:
		r.s.metrics.Edit(metrics.EditFailed)
		log.Printf("telegraph: streamer: %s: edit message %s: %v", r.job.Key, ref.MessageID, err)
	}
	return err
}

// send opens a new message and makes it the open one.
func (r *run) send(msg OutboundMessage) (MessageRef, error) {
	msg.ChatID = r.job.ChatID
	var ref MessageRef
	err := r.withRateLimit(func(ctx context.Context) error {
		var err error
		ref, err = r.s.adapter.Send(ctx, msg)
		return err
	})
	r.lastEdit = r.s.now()
	if err != nil {
		return MessageRef{}, err
	}
	r.ref, r.shown = ref, msg
	r.closed, r.reopen = false, false
	r.refs = append(r.refs, ref)
	return ref, nil
}

// withRateLimit runs a platform call, waiting out one rate limit.
func (r *run) withRateLimit(fn func(ctx context.Context) error) error {
	err := r.call(fn)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		return err
	}
	r.s.metrics.Edit(metrics.EditRateLimited)
	if werr := r.s.sleep(r.waitCtx, rl.RetryAfter); werr != nil {
		return err
	}
	return r.call(fn)
}

func (r *run) call(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(r.uiCtx, callTimeout)
	defer cancel()
	return fn(ctx)
}
