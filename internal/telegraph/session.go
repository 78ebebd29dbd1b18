package telegraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

var (
	// ErrStopped is the cancellation cause when a user stops a reply.
	ErrStopped = errors.New("telegraph: stopped by user")
	// ErrShuttingDown is the cancellation cause when the daemon exits.
	ErrShuttingDown = errors.New("telegraph: shutting down")
)

// releaseTimeout bounds lease release after a session ends, which may
// happen after the parent context is gone.
const releaseTimeout = 5 * time.Second

// SessionFunc is the body of one streamed reply.
type SessionFunc func(ctx context.Context, lease Lease)

// SessionManager runs at most one reply per user. Each session runs in
// its own goroutine under a cancellable context and holds a Locker lease
// that is heartbeated until the session ends.
type SessionManager struct {
	locker    Locker
	heartbeat time.Duration

	mu       sync.Mutex
	sessions map[UserKey]*activeSession
	wg       sync.WaitGroup
}

type activeSession struct {
	lease   Lease
	cancel  context.CancelCauseFunc
	started time.Time
}

// SessionInfo describes one in-flight session.
type SessionInfo struct {
	Key     UserKey   `json:"key"`
	ChatID  string    `json:"chat_id"`
	Token   string    `json:"token"`
	Started time.Time `json:"started"`
}

// SessionManagerOpts holds parameters for creating a SessionManager.
type SessionManagerOpts struct {
	Locker            Locker
	HeartbeatInterval time.Duration // defaults to DefaultHeartbeatTimeout / 3
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(opts SessionManagerOpts) (*SessionManager, error) {
	if opts.Locker == nil {
		return nil, fmt.Errorf("telegraph: session manager: locker is required")
	}
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatTimeout / 3
	}
	return &SessionManager{
		locker:    opts.Locker,
		heartbeat: hb,
		sessions:  make(map[UserKey]*activeSession),
	}, nil
}

// Start acquires the user's lease and runs fn in a new goroutine. It
// returns ErrSessionActive if the user already has a session.
func (sm *SessionManager) Start(ctx context.Context, key UserKey, chatID string, fn SessionFunc) error {
	lease, err := sm.locker.Acquire(ctx, key, chatID)
	if err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancelCause(ctx)
	sm.mu.Lock()
	sm.sessions[key] = &activeSession{lease: lease, cancel: cancel, started: time.Now()}
	sm.mu.Unlock()

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer cancel(nil)

		stop := sm.keepAlive(sessCtx, lease)
		defer sm.finish(key, lease, stop)

		fn(sessCtx, lease)
	}()
	return nil
}

// keepAlive heartbeats the lease until the returned stop func is called.
func (sm *SessionManager) keepAlive(ctx context.Context, lease Lease) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(sm.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sm.locker.Heartbeat(context.WithoutCancel(ctx), lease); err != nil {
					log.Printf("telegraph: session %s: heartbeat: %v", lease.Key, err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (sm *SessionManager) finish(key UserKey, lease Lease, stopHeartbeat func()) {
	stopHeartbeat()

	sm.mu.Lock()
	if cur, ok := sm.sessions[key]; ok && cur.lease.Token == lease.Token {
		delete(sm.sessions, key)
	}
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := sm.locker.Release(ctx, lease); err != nil {
		log.Printf("telegraph: session %s: %v", key, err)
	}
}

// Cancel stops the user's session with ErrStopped. It reports whether a
// session was running.
func (sm *SessionManager) Cancel(key UserKey) bool {
	sm.mu.Lock()
	as, ok := sm.sessions[key]
	sm.mu.Unlock()
	if !ok {
		return false
	}
	as.cancel(ErrStopped)
	return true
}

// CancelAll stops every session with ErrShuttingDown.
func (sm *SessionManager) CancelAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, as := range sm.sessions {
		as.cancel(ErrShuttingDown)
	}
}

// Wait blocks until every started session has returned.
func (sm *SessionManager) Wait() {
	sm.wg.Wait()
}

// Active reports whether the user has a session in this process.
func (sm *SessionManager) Active(key UserKey) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.sessions[key]
	return ok
}

// Snapshot lists in-flight sessions, oldest first.
func (sm *SessionManager) Snapshot() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for key, as := range sm.sessions {
		out = append(out, SessionInfo{Key: key, ChatID: as.lease.ChatID, Token: as.lease.Token, Started: as.started})
	}
	sm.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
