package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/metrics"
	"gorm.io/gorm"
)

// Daemon is the main bot process. It connects to a chat platform via an
// Adapter, pumps inbound messages to the Router, and runs maintenance.
type Daemon struct {
	db      *gorm.DB
	cfg     *config.Config
	adapter Adapter
	llm     Completer
	metrics *metrics.Metrics
	out     io.Writer

	mu       sync.Mutex
	sessions *SessionManager
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB      *gorm.DB
	Config  *config.Config
	Adapter Adapter
	LLM     Completer
	Metrics *metrics.Metrics // optional
	Out     io.Writer        // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("telegraph: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("telegraph: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.LLM == nil {
		return nil, fmt.Errorf("telegraph: llm is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		db:      opts.DB,
		cfg:     opts.Config,
		adapter: opts.Adapter,
		llm:     opts.LLM,
		metrics: opts.Metrics,
		out:     out,
	}, nil
}

// Snapshot lists the replies in flight. It is empty until Run has started.
func (d *Daemon) Snapshot() []SessionInfo {
	d.mu.Lock()
	sm := d.sessions
	d.mu.Unlock()
	if sm == nil {
		return nil
	}
	return sm.Snapshot()
}

func (d *Daemon) newLocker() (Locker, error) {
	if d.cfg.Lock.Backend == config.LockDB {
		return NewDBLocker(d.db, d.cfg.Lock.HeartbeatTimeout())
	}
	return NewMemoryLocker(), nil
}

// Run starts the daemon. It connects the adapter, builds all subsystems
// (stores, locker, session manager, streamer, router, maintenance), and
// blocks until the context is cancelled or the adapter stops delivering.
// On shutdown it stops every reply in flight, waits for their final
// edits, and closes the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "signalbox: connecting to %s...\n", d.cfg.Platform)
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	fail := func(what string, err error) error {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build %s: %w", what, err)
	}

	history, err := NewConversationStore(ConversationStoreOpts{DB: d.db, MaxStored: d.cfg.History.MaxStored})
	if err != nil {
		return fail("history store", err)
	}
	quota, err := NewQuotaStore(QuotaStoreOpts{DB: d.db, FreeRequests: d.cfg.Quota.FreeRequests})
	if err != nil {
		return fail("quota store", err)
	}
	locker, err := d.newLocker()
	if err != nil {
		return fail("locker", err)
	}
	sessions, err := NewSessionManager(SessionManagerOpts{
		Locker:            locker,
		HeartbeatInterval: d.cfg.Lock.HeartbeatTimeout() / 3,
	})
	if err != nil {
		return fail("session manager", err)
	}
	streamer, err := NewStreamer(StreamerOpts{
		Adapter:      d.adapter,
		LLM:          d.llm,
		History:      history,
		Metrics:      d.metrics,
		SystemPrompt: d.cfg.Prompt.System,
		EditInterval: d.cfg.Stream.EditInterval(),
		MaxLen:       d.cfg.Stream.MaxMessageLen,
		TotalTimeout: d.cfg.LLM.TotalTimeout(),
		Placeholder:  d.cfg.Stream.Placeholder,
		Out:          d.out,
	})
	if err != nil {
		return fail("streamer", err)
	}
	commands, err := NewCommandHandler(CommandHandlerOpts{History: history, Quota: quota, Sessions: sessions})
	if err != nil {
		return fail("command handler", err)
	}
	router, err := NewRouter(RouterOpts{
		Adapter:       d.adapter,
		Commands:      commands,
		Sessions:      sessions,
		Streamer:      streamer,
		History:       history,
		Quota:         quota,
		AllowedUsers:  d.cfg.Telegram.AllowedUsers,
		HistoryLimit:  d.cfg.History.Limit,
		RatePerSecond: d.cfg.RateLimit.PerSecond,
		RateBurst:     d.cfg.RateLimit.Burst,
		BotUserID:     botUserID,
		Out:           d.out,
	})
	if err != nil {
		return fail("router", err)
	}
	maint, err := NewMaintenance(MaintenanceOpts{
		History:    history,
		Quota:      quota,
		Expiration: d.cfg.History.Expiration(),
		PruneCron:  d.cfg.History.PruneCron,
		ResetCron:  d.cfg.Quota.ResetCron,
	})
	if err != nil {
		return fail("maintenance", err)
	}

	// Start listening for inbound messages.
	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	d.mu.Lock()
	d.sessions = sessions
	d.mu.Unlock()

	// Sessions outlive ctx so shutdown can stop them with ErrShuttingDown
	// and still deliver their final edits.
	sessCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()

	maintCtx, stopMaint := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		maint.Run(maintCtx)
	}()
	defer func() {
		stopMaint()
		wg.Wait()
	}()

	fmt.Fprintf(d.out, "signalbox online\n")

	// Main event loop: pump inbound messages until context is cancelled.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "signalbox shutting down...\n")
			d.shutdown(sessions)
			fmt.Fprintf(d.out, "signalbox stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				// Adapter closed the channel.
				fmt.Fprintf(d.out, "signalbox: inbound channel closed\n")
				d.shutdown(sessions)
				return nil
			}
			router.Handle(sessCtx, msg)
		}
	}
}

// shutdown stops every session, waits for them, and closes the adapter.
func (d *Daemon) shutdown(sessions *SessionManager) {
	if n := len(sessions.Snapshot()); n > 0 {
		fmt.Fprintf(d.out, "signalbox: stopping %d active replies\n", n)
	}
	sessions.CancelAll()
	sessions.Wait()
	if err := d.adapter.Close(); err != nil {
		log.Printf("telegraph: close adapter: %v", err)
	}
}
