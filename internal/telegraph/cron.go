package telegraph

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// timerChan returns the timer's channel, or nil if the timer is nil.
// A nil channel blocks forever in select.
func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Maintenance runs the periodic housekeeping jobs: expiring old history
// and refilling free-request quotas.
type Maintenance struct {
	history    HistoryStore
	quota      *QuotaStore
	expiration time.Duration
	pruneCron  string
	resetCron  string
	now        func() time.Time
}

// MaintenanceOpts holds parameters for creating a Maintenance scheduler.
type MaintenanceOpts struct {
	History    HistoryStore
	Quota      *QuotaStore   // optional
	Expiration time.Duration // history older than this is pruned; 0 keeps all
	PruneCron  string        // empty disables pruning
	ResetCron  string        // empty disables quota refills
}

// NewMaintenance creates a Maintenance scheduler.
func NewMaintenance(opts MaintenanceOpts) (*Maintenance, error) {
	if opts.History == nil {
		return nil, fmt.Errorf("telegraph: maintenance: history store is required")
	}
	for _, expr := range []string{opts.PruneCron, opts.ResetCron} {
		if expr == "" {
			continue
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return nil, fmt.Errorf("telegraph: maintenance: %q: %w", expr, err)
		}
	}
	return &Maintenance{
		history:    opts.History,
		quota:      opts.Quota,
		expiration: opts.Expiration,
		pruneCron:  opts.PruneCron,
		resetCron:  opts.ResetCron,
		now:        time.Now,
	}, nil
}

// Prune deletes history older than the expiration window.
func (m *Maintenance) Prune(ctx context.Context) (int64, error) {
	if m.expiration <= 0 {
		return 0, nil
	}
	return m.history.PruneBefore(ctx, m.now().Add(-m.expiration))
}

// ResetQuotas refills every user's free requests.
func (m *Maintenance) ResetQuotas(ctx context.Context) (int64, error) {
	return m.quota.ResetAll(ctx)
}

// Run fires the jobs on their cron schedules until ctx is done. Expired
// history is also pruned once at startup.
func (m *Maintenance) Run(ctx context.Context) {
	m.runPrune(ctx)

	var pruneTimer, resetTimer *time.Timer
	if m.pruneCron != "" && m.expiration > 0 {
		if d := nextCronDuration(m.pruneCron); d > 0 {
			pruneTimer = time.NewTimer(d)
		}
	}
	if m.resetCron != "" && m.quota.Enabled() {
		if d := nextCronDuration(m.resetCron); d > 0 {
			resetTimer = time.NewTimer(d)
		}
	}
	defer func() {
		if pruneTimer != nil {
			pruneTimer.Stop()
		}
		if resetTimer != nil {
			resetTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timerChan(pruneTimer):
			m.runPrune(ctx)
			if d := nextCronDuration(m.pruneCron); d > 0 {
				pruneTimer.Reset(d)
			}
		case <-timerChan(resetTimer):
			m.runReset(ctx)
			if d := nextCronDuration(m.resetCron); d > 0 {
				resetTimer.Reset(d)
			}
		}
	}
}

func (m *Maintenance) runPrune(ctx context.Context) {
	n, err := m.Prune(ctx)
	if err != nil {
		log.Printf("telegraph: maintenance: prune history: %v", err)
		return
	}
	if n > 0 {
		log.Printf("telegraph: maintenance: pruned %d expired messages", n)
	}
}

func (m *Maintenance) runReset(ctx context.Context) {
	n, err := m.ResetQuotas(ctx)
	if err != nil {
		log.Printf("telegraph: maintenance: reset quotas: %v", err)
		return
	}
	log.Printf("telegraph: maintenance: refilled quotas for %d users", n)
}
