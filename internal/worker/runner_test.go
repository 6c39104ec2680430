package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/domain"
	"github.com/ignite/usda-monitor/internal/mailer"
	"github.com/ignite/usda-monitor/internal/registry"
)

// --- fakes ---------------------------------------------------------------

type fakeLock struct{ released int }

func (l *fakeLock) Release(ctx context.Context) error {
	l.released++
	return nil
}

type memStore struct {
	mu sync.Mutex

	contended    bool
	lock         fakeLock
	publishPanic bool

	runs     []*domain.ReportRun
	versions []domain.ReportVersion
	emails   []string
}

func (s *memStore) TryAcquireLock(ctx context.Context, reportID string) (Lock, bool, error) {
	if s.contended {
		return nil, false, nil
	}
	return &s.lock, true, nil
}

func (s *memStore) CreateRun(ctx context.Context, reportID string) (*domain.ReportRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := &domain.ReportRun{
		ID:           fmt.Sprintf("run-%d", len(s.runs)+1),
		ReportID:     reportID,
		State:        domain.RunWaitingForPublication,
		RunStartedAt: time.Now().UTC(),
	}
	s.runs = append(s.runs, run)
	return run, nil
}

func (s *memStore) findRun(runID string) *domain.ReportRun {
	for _, run := range s.runs {
		if run.ID == runID {
			return run
		}
	}
	return nil
}

func (s *memStore) FinalizeRun(ctx context.Context, runID string, reportDate *time.Time, state domain.RunState, payloadHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.findRun(runID)
	run.State = state
	run.ReportDate = reportDate
	run.PayloadHash = payloadHash
	return nil
}

func (s *memStore) FailRun(ctx context.Context, runID string, reportDate *time.Time, kind domain.ErrorKind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.findRun(runID)
	run.State = domain.RunErrorFetch
	if kind == domain.ErrorKindParse {
		run.State = domain.RunErrorParse
	}
	run.ReportDate = reportDate
	run.ErrorType = string(kind)
	run.ErrorMessage = message
	return nil
}

func (s *memStore) ListVersions(ctx context.Context, reportID string, reportDate time.Time) ([]domain.ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReportVersion
	for _, v := range s.versions {
		if v.ReportID == reportID && v.ReportDate.Equal(reportDate) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memStore) PublishVersion(ctx context.Context, v *domain.ReportVersion, runID string) (domain.RunState, error) {
	if s.publishPanic {
		panic("publish blew up")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.versions {
		if existing.ReportID == v.ReportID && existing.ReportDate.Equal(v.ReportDate) && existing.PayloadHash == v.PayloadHash {
			run := s.findRun(runID)
			run.State = domain.RunPublishedNoChange
			run.PayloadHash = v.PayloadHash
			return domain.RunPublishedNoChange, nil
		}
	}
	v.ID = fmt.Sprintf("v-%d", len(s.versions)+1)
	s.versions = append(s.versions, *v)
	run := s.findRun(runID)
	run.State = domain.RunPublishedNew
	run.ReportDate = &v.ReportDate
	run.PayloadHash = v.PayloadHash
	return domain.RunPublishedNew, nil
}

func (s *memStore) ActiveEmailsForReport(ctx context.Context, reportID string) ([]string, error) {
	return s.emails, nil
}

type memAlerts struct {
	failures int
	clears   int
}

func (a *memAlerts) RecordFailure(ctx context.Context, reportID, runID, errorType string) error {
	a.failures++
	return nil
}

func (a *memAlerts) ClearFailure(ctx context.Context, reportID string) error {
	a.clears++
	return nil
}

type memNotifier struct {
	rendered []map[string]any
	sent     [][]string
}

func (n *memNotifier) Render(name string, context map[string]any) (mailer.Payload, error) {
	n.rendered = append(n.rendered, context)
	return mailer.Payload{Subject: name}, nil
}

func (n *memNotifier) Send(ctx context.Context, recipients []string, payload mailer.Payload) {
	n.sent = append(n.sent, recipients)
}

type fakeFetcher struct {
	rows  map[string][]datamart.Row
	bytes map[string][]byte
	err   error
}

func (f *fakeFetcher) FetchRows(ctx context.Context, url string) ([]datamart.Row, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[url], nil
}

func (f *fakeFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bytes[url], nil
}

// --- fixtures ------------------------------------------------------------

func cashConfig() registry.ReportConfig {
	return registry.ReportConfig{
		ReportID:  "PK600_MORNING_CASH",
		Name:      "PK600 Morning Cash",
		Endpoints: []registry.EndpointConfig{{ReportNumber: 2674, ReportPath: "National Volume and Price Data"}},
		Polling: registry.PollingRule{
			InsideCadenceSec: 300, OutsideCadenceSec: 900,
			ErrorBackoffBaseSec: 120, ErrorBackoffMaxSec: 1800, JitterSec: 30,
		},
		DateSearchWindowDays: 1,
		Schema: registry.ReportSchema{
			ReportID:       "PK600_MORNING_CASH",
			RequiredFields: []string{"head_count", "wtd_avg", "price_low", "price_high"},
			SelectRule:     registry.SelectRule{Type: registry.SelectDateMatch},
		},
	}
}

// A Monday.
var monday = time.Date(2026, time.February, 9, 8, 0, 0, 0, time.UTC)

func newTestRunner(cfg registry.ReportConfig, store *memStore, fetcher *fakeFetcher, notifier *memNotifier, alerts *memAlerts, now time.Time) *Runner {
	r := NewRunner(cfg, store, fetcher, notifier, alerts, time.UTC)
	r.now = func() time.Time { return now }
	return r
}

func cashRows() []datamart.Row {
	return []datamart.Row{{
		"report_date": "02/09/2026",
		"head_count":  12000.0,
		"wtd_avg":     76.5,
		"price_low":   74.0,
		"price_high":  79.0,
	}}
}

func cashURL() string {
	return cashConfig().Endpoints[0].BuildURL("02/09/2026")
}

// --- tests ---------------------------------------------------------------

func TestRun_FreshPublish(t *testing.T) {
	store := &memStore{emails: []string{"trader@example.com"}}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{cashURL(): cashRows()}}
	notifier := &memNotifier{}
	alerts := &memAlerts{}
	r := newTestRunner(cashConfig(), store, fetcher, notifier, alerts, monday)

	if !r.Run(context.Background()) {
		t.Fatal("Run() should succeed")
	}

	if len(store.versions) != 1 {
		t.Fatalf("got %d versions, want 1", len(store.versions))
	}
	v := store.versions[0]
	if v.ParsedFields["report_date"] != "2026-02-09" || v.ParsedFields["head_count"] != 12000.0 ||
		v.ParsedFields["wtd_avg"] != 76.5 || v.ParsedFields["price_low"] != 74.0 || v.ParsedFields["price_high"] != 79.0 {
		t.Errorf("parsed fields: %v", v.ParsedFields)
	}
	if store.runs[0].State != domain.RunPublishedNew {
		t.Errorf("run state = %s", store.runs[0].State)
	}
	if store.runs[0].PayloadHash != v.PayloadHash {
		t.Error("run payload hash should match the version hash")
	}
	if len(notifier.sent) != 1 || notifier.sent[0][0] != "trader@example.com" {
		t.Errorf("notifications: %v", notifier.sent)
	}
	if alerts.clears != 1 {
		t.Errorf("alert clears = %d", alerts.clears)
	}
	if store.lock.released != 1 {
		t.Errorf("lock released %d times", store.lock.released)
	}
}

func TestRun_IdempotentRepoll(t *testing.T) {
	store := &memStore{emails: []string{"trader@example.com"}}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{cashURL(): cashRows()}}
	notifier := &memNotifier{}
	alerts := &memAlerts{}

	newTestRunner(cashConfig(), store, fetcher, notifier, alerts, monday).Run(context.Background())
	if !newTestRunner(cashConfig(), store, fetcher, notifier, alerts, monday).Run(context.Background()) {
		t.Fatal("second Run() should succeed")
	}

	if len(store.versions) != 1 {
		t.Fatalf("still want exactly one version, got %d", len(store.versions))
	}
	if store.runs[1].State != domain.RunPublishedNoChange {
		t.Errorf("second run state = %s", store.runs[1].State)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("no second notification expected, got %d", len(notifier.sent))
	}
}

func TestRun_ContentChangeCreatesSecondVersion(t *testing.T) {
	store := &memStore{emails: []string{"trader@example.com"}}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{cashURL(): cashRows()}}
	notifier := &memNotifier{}
	alerts := &memAlerts{}

	newTestRunner(cashConfig(), store, fetcher, notifier, alerts, monday).Run(context.Background())

	changed := cashRows()
	changed[0]["wtd_avg"] = 77.0
	fetcher.rows[cashURL()] = changed
	newTestRunner(cashConfig(), store, fetcher, notifier, alerts, monday).Run(context.Background())

	if len(store.versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(store.versions))
	}
	if store.versions[0].PayloadHash == store.versions[1].PayloadHash {
		t.Error("changed content should hash differently")
	}
	if store.runs[1].State != domain.RunPublishedNew {
		t.Errorf("second run state = %s", store.runs[1].State)
	}
	if len(notifier.sent) != 2 {
		t.Errorf("notifications = %d, want 2", len(notifier.sent))
	}
}

func TestRun_WeekendNoPublish(t *testing.T) {
	saturday := time.Date(2026, time.February, 7, 8, 0, 0, 0, time.UTC)
	store := &memStore{}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{}}
	alerts := &memAlerts{}
	r := newTestRunner(cashConfig(), store, fetcher, &memNotifier{}, alerts, saturday)

	if !r.Run(context.Background()) {
		t.Fatal("Run() should succeed")
	}
	if store.runs[0].State != domain.RunHolidayOrNoReport {
		t.Errorf("run state = %s", store.runs[0].State)
	}
	if alerts.failures != 0 || alerts.clears != 0 {
		t.Errorf("alert state should be untouched: %+v", alerts)
	}
}

func TestRun_WeekdayNoRowsStaysWaiting(t *testing.T) {
	store := &memStore{}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{}}
	r := newTestRunner(cashConfig(), store, fetcher, &memNotifier{}, &memAlerts{}, monday)

	if !r.Run(context.Background()) {
		t.Fatal("Run() should succeed")
	}
	if store.runs[0].State != domain.RunWaitingForPublication {
		t.Errorf("run state = %s", store.runs[0].State)
	}
	if len(store.versions) != 0 {
		t.Errorf("no versions expected, got %d", len(store.versions))
	}
}

func TestRun_FetchErrorRecordsFailure(t *testing.T) {
	store := &memStore{}
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	alerts := &memAlerts{}
	r := newTestRunner(cashConfig(), store, fetcher, &memNotifier{}, alerts, monday)

	if r.Run(context.Background()) {
		t.Fatal("Run() should fail")
	}
	if store.runs[0].State != domain.RunErrorFetch {
		t.Errorf("run state = %s", store.runs[0].State)
	}
	if store.runs[0].ErrorType != "fetch" {
		t.Errorf("error type = %s", store.runs[0].ErrorType)
	}
	if alerts.failures != 1 {
		t.Errorf("alert failures = %d", alerts.failures)
	}
	if len(store.versions) != 0 {
		t.Error("failed run must not persist a version")
	}
	if store.lock.released != 1 {
		t.Errorf("lock released %d times", store.lock.released)
	}
}

func TestRun_ParseErrorRecordsFailure(t *testing.T) {
	// Two endpoints: the first returns nothing, the second has rows, so
	// the fetch succeeds but row selection on the first payload fails.
	cfg := cashConfig()
	cfg.Endpoints = append(cfg.Endpoints, registry.EndpointConfig{ReportNumber: 2674, ReportPath: "Other Section"})
	secondURL := cfg.Endpoints[1].BuildURL("02/09/2026")

	store := &memStore{}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{secondURL: cashRows()}}
	alerts := &memAlerts{}
	r := newTestRunner(cfg, store, fetcher, &memNotifier{}, alerts, monday)

	if r.Run(context.Background()) {
		t.Fatal("Run() should fail")
	}
	if store.runs[0].State != domain.RunErrorParse {
		t.Errorf("run state = %s", store.runs[0].State)
	}
	if store.runs[0].ErrorType != "parse" {
		t.Errorf("error type = %s", store.runs[0].ErrorType)
	}
	if alerts.failures != 1 {
		t.Errorf("alert failures = %d", alerts.failures)
	}
}

func TestRun_LockContentionIsSuccess(t *testing.T) {
	store := &memStore{contended: true}
	r := newTestRunner(cashConfig(), store, &fakeFetcher{}, &memNotifier{}, &memAlerts{}, monday)

	if !r.Run(context.Background()) {
		t.Fatal("contended Run() should report success")
	}
	if len(store.runs) != 0 {
		t.Errorf("no run row expected, got %d", len(store.runs))
	}
}

func TestRun_PanicReleasesLockAndFails(t *testing.T) {
	store := &memStore{publishPanic: true}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{cashURL(): cashRows()}}
	r := newTestRunner(cashConfig(), store, fetcher, &memNotifier{}, &memAlerts{}, monday)

	if r.Run(context.Background()) {
		t.Fatal("panicking Run() should report failure")
	}
	if store.lock.released != 1 {
		t.Errorf("lock released %d times", store.lock.released)
	}
}

func TestRun_ForcedDateSkipsSearch(t *testing.T) {
	cfg := cashConfig()
	cfg.DateSearchWindowDays = 3

	friday := datamart.Date(2026, time.February, 6)
	fridayURL := cfg.Endpoints[0].BuildURL("02/06/2026")
	rows := cashRows()
	rows[0]["report_date"] = "02/06/2026"

	store := &memStore{}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{fridayURL: rows}}
	r := newTestRunner(cfg, store, fetcher, &memNotifier{}, &memAlerts{}, monday)
	r.ForceReportDate(friday)

	if !r.Run(context.Background()) {
		t.Fatal("Run() should succeed")
	}
	if len(store.versions) != 1 || !store.versions[0].ReportDate.Equal(friday) {
		t.Errorf("versions: %+v", store.versions)
	}
}

func TestRun_DateSearchFallsBackToPriorDay(t *testing.T) {
	cfg := cashConfig()
	cfg.DateSearchWindowDays = 3

	// Nothing for Monday, rows for Sunday's date token.
	sundayURL := cfg.Endpoints[0].BuildURL("02/08/2026")
	rows := cashRows()
	rows[0]["report_date"] = "02/08/2026"

	store := &memStore{}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{sundayURL: rows}}
	r := newTestRunner(cfg, store, fetcher, &memNotifier{}, &memAlerts{}, monday)

	if !r.Run(context.Background()) {
		t.Fatal("Run() should succeed")
	}
	if len(store.versions) != 1 {
		t.Fatalf("got %d versions", len(store.versions))
	}
	if !store.versions[0].ReportDate.Equal(datamart.Date(2026, time.February, 8)) {
		t.Errorf("report date = %v", store.versions[0].ReportDate)
	}
}

func TestRun_RangeFetchUsesLatestReportedDay(t *testing.T) {
	cfg := registry.ReportConfig{
		ReportID:  "HG201_CME_INDEX",
		Name:      "HG201 CME Index",
		Endpoints: []registry.EndpointConfig{{ReportNumber: 2511, ReportPath: "Barrows/Gilts"}},
		Polling: registry.PollingRule{
			InsideCadenceSec: 600, OutsideCadenceSec: 1800,
			ErrorBackoffBaseSec: 180, ErrorBackoffMaxSec: 3600,
		},
		NeedsPriorDay:        true,
		DateSearchWindowDays: 7,
		Schema: registry.ReportSchema{
			ReportID: "HG201_CME_INDEX",
			SelectRule: registry.SelectRule{
				Type: registry.SelectFieldEquals, Field: "purchase_type", Value: "Prod. Sold (All Purchase Types)",
			},
		},
	}
	rangeURL := cfg.Endpoints[0].BuildURL("02/03/2026:02/09/2026")
	rows := []datamart.Row{
		{"report_date": "02/09/2026", "purchase_type": "Prod. Sold Negotiated", "head_count": 10.0, "avg_carcass_weight": 200.0, "avg_net_price": 70.0},
		{"report_date": "02/06/2026", "purchase_type": "Prod. Sold Negotiated", "head_count": 12.0, "avg_carcass_weight": 268.0, "avg_net_price": 70.0},
	}

	store := &memStore{}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{rangeURL: rows}}
	r := newTestRunner(cfg, store, fetcher, &memNotifier{}, &memAlerts{}, monday)

	if !r.Run(context.Background()) {
		t.Fatal("Run() should succeed")
	}
	if len(store.versions) != 1 {
		t.Fatalf("got %d versions", len(store.versions))
	}
	v := store.versions[0]
	if !v.ReportDate.Equal(datamart.Date(2026, time.February, 9)) {
		t.Errorf("report date = %v", v.ReportDate)
	}
	if v.ParsedFields["index_value"] == nil || v.ParsedFields["two_day_total_weight"] == nil {
		t.Errorf("index fields missing: %v", v.ParsedFields)
	}
}

func TestRun_RangeFetchWaitsWhenTodayAbsent(t *testing.T) {
	cfg := registry.ReportConfig{
		ReportID:             "HG201_CME_INDEX",
		Endpoints:            []registry.EndpointConfig{{ReportNumber: 2511, ReportPath: "Barrows/Gilts"}},
		Polling:              registry.PollingRule{InsideCadenceSec: 600, OutsideCadenceSec: 1800},
		NeedsPriorDay:        true,
		DateSearchWindowDays: 7,
	}
	rangeURL := cfg.Endpoints[0].BuildURL("02/03/2026:02/09/2026")
	rows := []datamart.Row{
		{"report_date": "02/06/2026", "purchase_type": "Prod. Sold Negotiated", "head_count": 12.0, "avg_carcass_weight": 268.0, "avg_net_price": 70.0},
	}

	store := &memStore{}
	fetcher := &fakeFetcher{rows: map[string][]datamart.Row{rangeURL: rows}}
	r := newTestRunner(cfg, store, fetcher, &memNotifier{}, &memAlerts{}, monday)

	if !r.Run(context.Background()) {
		t.Fatal("Run() should succeed")
	}
	if store.runs[0].State != domain.RunWaitingForPublication {
		t.Errorf("run state = %s", store.runs[0].State)
	}
}

func TestRun_DocumentFetch(t *testing.T) {
	cfg := registry.ReportConfig{
		ReportID:             "PK600_MORNING_CUTOUT_PDF",
		Name:                 "PK600 Morning Pork Cutout (PDF)",
		Endpoints:            []registry.EndpointConfig{{AbsoluteURL: "https://example.test/report.pdf"}},
		Polling:              registry.PollingRule{InsideCadenceSec: 600, OutsideCadenceSec: 1800},
		DateSearchWindowDays: 1,
		Schema: registry.ReportSchema{
			ReportID:       "PK600_MORNING_CUTOUT_PDF",
			RequiredFields: []string{"text_excerpt", "page_count"},
			SelectRule:     registry.SelectRule{Type: registry.SelectRowIndex, Index: 0},
		},
	}

	store := &memStore{}
	fetcher := &fakeFetcher{bytes: map[string][]byte{"https://example.test/report.pdf": []byte("not really a pdf")}}
	r := newTestRunner(cfg, store, fetcher, &memNotifier{}, &memAlerts{}, monday)

	if !r.Run(context.Background()) {
		t.Fatal("Run() should succeed")
	}
	if len(store.versions) != 1 {
		t.Fatalf("got %d versions", len(store.versions))
	}
	v := store.versions[0]
	// Unextractable document falls back to the current calendar date.
	if !v.ReportDate.Equal(datamart.Date(2026, time.February, 9)) {
		t.Errorf("report date = %v", v.ReportDate)
	}
	if v.ParsedFields["page_count"] != 0 {
		t.Errorf("page_count = %v", v.ParsedFields["page_count"])
	}
}
