package telegraph

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("telegram: {bot_token: t}\nllm: {api_key: k}\nstream: {edit_interval_ms: 1}\n"))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.Conversation{},
		&models.StreamSession{},
		&models.UserQuota{},
	); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

// lockedBuffer is a bytes.Buffer safe for the daemon goroutine to write
// while the test reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ---------------------------------------------------------------------------
// NewDaemon validation tests
// ---------------------------------------------------------------------------

func TestNewDaemon_Validation(t *testing.T) {
	cfg := testCfg(t)
	db := openTestDB(t)
	llmc := &fakeCompleter{stream: &fakeStream{}}

	tests := []struct {
		name string
		opts DaemonOpts
		want string
	}{
		{"nil db", DaemonOpts{Config: cfg, Adapter: NewMockAdapter(), LLM: llmc}, "db is required"},
		{"nil config", DaemonOpts{DB: db, Adapter: NewMockAdapter(), LLM: llmc}, "config is required"},
		{"nil adapter", DaemonOpts{DB: db, Config: cfg, LLM: llmc}, "adapter is required"},
		{"nil llm", DaemonOpts{DB: db, Config: cfg, Adapter: NewMockAdapter()}, "llm is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDaemon(tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestNewDaemon_Defaults(t *testing.T) {
	d, err := NewDaemon(DaemonOpts{
		DB:      openTestDB(t),
		Config:  testCfg(t),
		Adapter: NewMockAdapter(),
		LLM:     &fakeCompleter{stream: &fakeStream{}},
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	if d.out == nil {
		t.Error("out should default to stdout")
	}
	if got := d.Snapshot(); got != nil {
		t.Errorf("Snapshot before Run = %v, want nil", got)
	}
}

// ---------------------------------------------------------------------------
// Run tests
// ---------------------------------------------------------------------------

type daemonEnv struct {
	daemon  *Daemon
	adapter *MockAdapter
	llm     *fakeCompleter
	db      *gorm.DB
	out     *lockedBuffer
	cancel  context.CancelFunc
	done    chan error
}

func startDaemon(t *testing.T, stream *fakeStream) *daemonEnv {
	t.Helper()
	env := &daemonEnv{
		adapter: NewMockAdapter(),
		llm:     &fakeCompleter{stream: stream},
		db:      openTestDB(t),
		out:     &lockedBuffer{},
		done:    make(chan error, 1),
	}
	env.adapter.SetBotUserID("bot-1")
	d, err := NewDaemon(DaemonOpts{
		DB:      env.db,
		Config:  testCfg(t),
		Adapter: env.adapter,
		LLM:     env.llm,
		Out:     env.out,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	env.daemon = d

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	t.Cleanup(cancel)
	go func() { env.done <- d.Run(ctx) }()

	waitFor(t, func() bool {
		return strings.Contains(env.out.String(), "signalbox online")
	}, 2*time.Second)
	return env
}

func (e *daemonEnv) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-e.done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDaemon_RunAnswersText(t *testing.T) {
	env := startDaemon(t, &fakeStream{deltas: []string{"Hello", " **there**"}})

	env.adapter.SimulateInbound(fromAlice("hi"))

	hs, _ := NewConversationStore(ConversationStoreOpts{DB: env.db})
	waitFor(t, func() bool {
		n, _ := hs.Count(context.Background(), alice)
		return n == 2
	}, 2*time.Second)

	got, ok := env.adapter.Message("1")
	if !ok || got.Text != "Hello <b>there</b>" {
		t.Errorf("reply = %q, want the rendered answer", got.Text)
	}
	if got.Format != FormatHTML {
		t.Errorf("Format = %v, want HTML", got.Format)
	}

	env.cancel()
	env.wait(t)
	if !strings.Contains(env.out.String(), "signalbox stopped") {
		t.Errorf("output missing shutdown line: %s", env.out.String())
	}
}

func TestDaemon_IgnoresOwnMessages(t *testing.T) {
	env := startDaemon(t, &fakeStream{deltas: []string{"echo"}})

	self := fromAlice("/help")
	self.UserID = "bot-1"
	env.adapter.SimulateInbound(self)
	env.adapter.SimulateInbound(fromAlice("/help"))

	waitFor(t, func() bool { return env.adapter.SentCount() >= 1 }, 2*time.Second)
	env.cancel()
	env.wait(t)

	if n := env.adapter.SentCount(); n != 1 {
		t.Errorf("sent = %d, want only the reply to alice", n)
	}
}

func TestDaemon_InboundClosedReturns(t *testing.T) {
	env := startDaemon(t, &fakeStream{})

	// Simulates the platform connection going away.
	env.adapter.Close()

	env.wait(t)
	if !strings.Contains(env.out.String(), "inbound channel closed") {
		t.Errorf("output = %q", env.out.String())
	}
}

func TestDaemon_ShutdownStopsActiveReplies(t *testing.T) {
	blocked := make(chan struct{})
	var once sync.Once
	stream := &fakeStream{
		deltas:  []string{"partial"},
		block:   true,
		onBlock: func() { once.Do(func() { close(blocked) }) },
	}
	env := startDaemon(t, stream)

	env.adapter.SimulateInbound(fromAlice("tell me a story"))
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}

	snap := env.daemon.Snapshot()
	if len(snap) != 1 || snap[0].Key != alice {
		t.Fatalf("Snapshot = %+v, want alice's reply", snap)
	}

	env.cancel()
	env.wait(t)

	got, _ := env.adapter.Message("1")
	if got.Text != "partial"+stoppedMarker {
		t.Errorf("final = %q, want the partial reply marked stopped", got.Text)
	}
	if len(got.Buttons) != 0 {
		t.Errorf("final message still has buttons: %+v", got.Buttons)
	}
	hs, _ := NewConversationStore(ConversationStoreOpts{DB: env.db})
	stored, _ := hs.LastMessages(context.Background(), alice, 10)
	if len(stored) != 2 || stored[1].Content != "partial" {
		t.Errorf("stored = %+v, want the partial reply persisted", stored)
	}
	if !strings.Contains(env.out.String(), "stopping 1 active replies") {
		t.Errorf("output = %q", env.out.String())
	}
}

func TestDaemon_ConnectFailure(t *testing.T) {
	mock := NewMockAdapter()
	mock.Close()
	d, _ := NewDaemon(DaemonOpts{
		DB:      openTestDB(t),
		Config:  testCfg(t),
		Adapter: mock,
		LLM:     &fakeCompleter{stream: &fakeStream{}},
		Out:     &lockedBuffer{},
	})
	err := d.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connect") {
		t.Errorf("Run = %v, want connect error", err)
	}
}

func waitFor(t *testing.T, fn func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waitFor timed out after %v", timeout)
}
