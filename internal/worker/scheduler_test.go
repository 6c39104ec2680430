package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/registry"
)

func testRegistry(cfgs ...registry.ReportConfig) *registry.Registry {
	reg := registry.New()
	reg.Publish(cfgs)
	return reg
}

func contendedFactory(store *memStore) RunnerFactory {
	return func(cfg registry.ReportConfig) *Runner {
		return NewRunner(cfg, store, &fakeFetcher{}, &memNotifier{}, &memAlerts{}, time.UTC)
	}
}

func newTestScheduler(cfgs ...registry.ReportConfig) *Scheduler {
	store := &memStore{contended: true}
	s := NewScheduler(testRegistry(cfgs...), contendedFactory(store), time.Second, 4, time.UTC, nil)
	s.results = make(chan runResult, 16)
	s.now = func() time.Time { return monday }
	return s
}

func TestNextDue_CadenceByWindow(t *testing.T) {
	cfg := cashConfig()
	cfg.Polling.JitterSec = 0
	cfg.Windows = []registry.PollingWindow{{
		Start: registry.ClockTime{Hour: 7},
		End:   registry.ClockTime{Hour: 9},
	}}
	s := newTestScheduler(cfg)

	inside := monday // 08:00
	if got := s.nextDue(cfg, inside, 0); !got.Equal(inside.Add(300 * time.Second)) {
		t.Errorf("inside window next due = %v", got)
	}
	outside := time.Date(2026, time.February, 9, 14, 0, 0, 0, time.UTC)
	if got := s.nextDue(cfg, outside, 0); !got.Equal(outside.Add(900 * time.Second)) {
		t.Errorf("outside window next due = %v", got)
	}
}

func TestNextDue_ErrorBackoff(t *testing.T) {
	cfg := cashConfig()
	cfg.Polling.JitterSec = 0
	s := newTestScheduler(cfg)

	// base 900 (outside window), backoff base 120, max 1800.
	cases := []struct {
		errors int
		want   time.Duration
	}{
		{0, 900 * time.Second},  // no errors: plain cadence
		{1, 900 * time.Second},  // 120 < 900, cadence still wins
		{4, 960 * time.Second},  // 120*2^3 = 960 beats the cadence
		{5, 1800 * time.Second}, // 120*2^4 = 1920, capped
		{20, 1800 * time.Second},
	}
	for _, tc := range cases {
		if got := s.nextDue(cfg, monday, tc.errors); !got.Equal(monday.Add(tc.want)) {
			t.Errorf("errors=%d: next due +%v, want +%v", tc.errors, got.Sub(monday), tc.want)
		}
	}
}

func TestNextDue_JitterBounds(t *testing.T) {
	cfg := cashConfig() // jitter 30s
	s := newTestScheduler(cfg)

	for i := 0; i < 50; i++ {
		got := s.nextDue(cfg, monday, 0).Sub(monday)
		if got < 900*time.Second || got > 930*time.Second {
			t.Fatalf("next due +%v outside [900s, 930s]", got)
		}
	}
}

func TestDispatchDue_AdvancesBeforeRun(t *testing.T) {
	cfg := cashConfig()
	s := newTestScheduler(cfg)

	s.dispatchDue(context.Background())
	s.wg.Wait()

	st := s.state[cfg.ReportID]
	if st == nil {
		t.Fatal("no scheduling state created")
	}
	if !st.nextDue.After(monday) {
		t.Errorf("next due %v not advanced past now", st.nextDue)
	}
	if len(s.results) != 1 {
		t.Fatalf("got %d results, want 1", len(s.results))
	}

	// Same instant again: nothing is due, nothing is dispatched.
	s.dispatchDue(context.Background())
	s.wg.Wait()
	if len(s.results) != 1 {
		t.Errorf("got %d results after redispatch, want 1", len(s.results))
	}
}

func TestDispatchDue_DispatchesWhenDue(t *testing.T) {
	cfg := cashConfig()
	s := newTestScheduler(cfg)

	s.dispatchDue(context.Background())
	s.wg.Wait()

	// Move the clock past next_due and dispatch again.
	s.now = func() time.Time { return monday.Add(time.Hour) }
	s.dispatchDue(context.Background())
	s.wg.Wait()
	if len(s.results) != 2 {
		t.Errorf("got %d results, want 2", len(s.results))
	}
}

func TestApplyResult_ErrorCounting(t *testing.T) {
	cfg := cashConfig()
	s := newTestScheduler(cfg)
	s.state[cfg.ReportID] = &schedulingState{nextDue: monday}

	s.applyResult(runResult{reportID: cfg.ReportID, success: false})
	s.applyResult(runResult{reportID: cfg.ReportID, success: false})
	if got := s.state[cfg.ReportID].errorCount; got != 2 {
		t.Errorf("error count = %d, want 2", got)
	}
	s.applyResult(runResult{reportID: cfg.ReportID, success: true})
	if got := s.state[cfg.ReportID].errorCount; got != 0 {
		t.Errorf("error count after success = %d, want 0", got)
	}
}

func TestRunNow(t *testing.T) {
	cfg := cashConfig()
	store := &memStore{}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{cashURL(): cashRows()}}
	factory := func(c registry.ReportConfig) *Runner {
		return newTestRunner(c, store, fetcher, &memNotifier{}, &memAlerts{}, monday)
	}
	s := NewScheduler(testRegistry(cfg), factory, time.Second, 1, time.UTC, nil)

	ok, err := s.RunNow(context.Background(), cfg.ReportID, nil)
	if err != nil || !ok {
		t.Fatalf("RunNow() = %v, %v", ok, err)
	}
	if len(store.versions) != 1 {
		t.Errorf("got %d versions, want 1", len(store.versions))
	}

	if _, err := s.RunNow(context.Background(), "NO_SUCH_REPORT", nil); err == nil {
		t.Error("unknown report should error")
	}
}
