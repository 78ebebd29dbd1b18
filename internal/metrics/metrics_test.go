package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.SessionFinished(OutcomeCompleted, time.Second)
	m.Edit(EditOK)
	m.Rollover()
	m.FormattingFallback()
	m.LLMRetry()
	m.PersistFailure()
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionFinished(OutcomeCancelled, 2*time.Second)
	m.Edit(EditOK)
	m.Edit(EditOK)
	m.Edit(EditDegraded)
	m.Rollover()
	m.LLMRetry()

	if got := testutil.ToFloat64(m.activeSessions); got != 1 {
		t.Errorf("active_sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessions.WithLabelValues(OutcomeCancelled)); got != 1 {
		t.Errorf("sessions_total{cancelled} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.edits.WithLabelValues(EditOK)); got != 2 {
		t.Errorf("edits_total{ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rollovers); got != 1 {
		t.Errorf("rollovers_total = %v, want 1", got)
	}

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n == 0 {
		t.Error("registry gathered no metrics")
	}
}

func TestNewUnregistered(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.Rollover()
	if got := testutil.ToFloat64(b.rollovers); got != 0 {
		t.Errorf("independent instance rollovers = %v, want 0", got)
	}
}
