// Package worker drives the per-report polling lifecycle: the scheduler
// decides when each report is due, a runner executes one locked
// fetch/parse/dedupe/publish pass, and the backfiller replays date
// ranges outside the scheduling loop.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/domain"
	"github.com/ignite/usda-monitor/internal/mailer"
	"github.com/ignite/usda-monitor/internal/parser"
	"github.com/ignite/usda-monitor/internal/registry"
)

// Lock is a held cross-process run lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Store is the persistence surface one run needs.
type Store interface {
	TryAcquireLock(ctx context.Context, reportID string) (Lock, bool, error)
	CreateRun(ctx context.Context, reportID string) (*domain.ReportRun, error)
	FinalizeRun(ctx context.Context, runID string, reportDate *time.Time, state domain.RunState, payloadHash string) error
	FailRun(ctx context.Context, runID string, reportDate *time.Time, kind domain.ErrorKind, message string) error
	ListVersions(ctx context.Context, reportID string, reportDate time.Time) ([]domain.ReportVersion, error)
	PublishVersion(ctx context.Context, v *domain.ReportVersion, runID string) (domain.RunState, error)
	ActiveEmailsForReport(ctx context.Context, reportID string) ([]string, error)
}

// Fetcher is the upstream HTTP surface.
type Fetcher interface {
	FetchRows(ctx context.Context, url string) ([]datamart.Row, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// Notifier renders and sends report emails.
type Notifier interface {
	Render(name string, context map[string]any) (mailer.Payload, error)
	Send(ctx context.Context, recipients []string, payload mailer.Payload)
}

// Alerts is the failure-escalation surface.
type Alerts interface {
	RecordFailure(ctx context.Context, reportID, runID, errorType string) error
	ClearFailure(ctx context.Context, reportID string) error
}

// Runner executes one report's polling pass. A runner is built per
// dispatch from the current registry snapshot, so a config edit never
// affects a run already in flight.
type Runner struct {
	cfg      registry.ReportConfig
	store    Store
	fetcher  Fetcher
	notifier Notifier
	alerts   Alerts
	strategy parser.Strategy
	loc      *time.Location

	forcedDate *time.Time
	now        func() time.Time
}

// NewRunner builds a runner for one report config.
func NewRunner(cfg registry.ReportConfig, store Store, fetcher Fetcher, notifier Notifier, alerts Alerts, loc *time.Location) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		alerts:   alerts,
		strategy: parser.ForReport(cfg),
		loc:      loc,
		now:      time.Now,
	}
}

// ForceReportDate pins the run to one calendar date, disabling the date
// search. Used by the operator run-now path.
func (r *Runner) ForceReportDate(d time.Time) {
	d = datamart.DateOf(d)
	r.forcedDate = &d
}

// Run executes one polling pass and reports success to the scheduler.
// Lock contention is success: another process is already handling this
// report. Errors never escape; they become error_fetch/error_parse run
// outcomes plus an alert-counter bump.
func (r *Runner) Run(ctx context.Context) (success bool) {
	lock, held, err := r.store.TryAcquireLock(ctx, r.cfg.ReportID)
	if err != nil {
		log.Printf("[Worker] %s: lock acquire failed: %v", r.cfg.ReportID, err)
		return false
	}
	if !held {
		log.Printf("[Worker] %s: already running elsewhere, skipping", r.cfg.ReportID)
		lockSkipsTotal.WithLabelValues(r.cfg.ReportID).Inc()
		return true
	}

	runsInFlight.Inc()
	started := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Worker] %s: run panicked: %v", r.cfg.ReportID, rec)
			success = false
		}
		runsInFlight.Dec()
		runDuration.WithLabelValues(r.cfg.ReportID).Observe(time.Since(started).Seconds())

		// Release must happen on every exit path, with a fresh context
		// so a cancelled run still frees the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			log.Printf("[Worker] %s: lock release failed: %v", r.cfg.ReportID, err)
		}
	}()

	run, err := r.store.CreateRun(ctx, r.cfg.ReportID)
	if err != nil {
		log.Printf("[Worker] %s: create run failed: %v", r.cfg.ReportID, err)
		return false
	}

	result, err := r.fetch(ctx)
	if err != nil {
		return r.fail(ctx, run, nil, domain.ErrorKindFetch, err)
	}
	if !result.found {
		state := domain.RunWaitingForPublication
		if result.isHoliday {
			state = domain.RunHolidayOrNoReport
		}
		return r.finalize(ctx, run, result.date, state, "")
	}

	fields, err := r.strategy.Parse(result.payloads, result.date)
	if err != nil {
		return r.fail(ctx, run, &result.date, domain.ErrorKindParse, err)
	}
	hash, err := datamart.CanonicalHash(result.payloads)
	if err != nil {
		return r.fail(ctx, run, &result.date, domain.ErrorKindParse, err)
	}

	existing, err := r.store.ListVersions(ctx, r.cfg.ReportID, result.date)
	if err != nil {
		return r.fail(ctx, run, &result.date, domain.ErrorKindFetch, err)
	}
	for _, v := range existing {
		if v.PayloadHash == hash {
			if ok := r.finalize(ctx, run, result.date, domain.RunPublishedNoChange, hash); !ok {
				return false
			}
			r.clearFailures(ctx)
			return true
		}
	}

	version := &domain.ReportVersion{
		ReportID:     r.cfg.ReportID,
		ReportDate:   result.date,
		PayloadHash:  hash,
		ParsedFields: fields,
		RawPayload:   map[string]any{"payloads": result.payloads, "urls": result.urls},
	}
	state, err := r.store.PublishVersion(ctx, version, run.ID)
	if err != nil {
		return r.fail(ctx, run, &result.date, domain.ErrorKindFetch, err)
	}
	runsTotal.WithLabelValues(r.cfg.ReportID, string(state)).Inc()
	log.Printf("[Worker] %s: %s for %s", r.cfg.ReportID, state, result.date.Format(parser.ISODate))
	r.clearFailures(ctx)

	// Notify only after the version is committed; notifier failures are
	// logged but never fail the run.
	if state == domain.RunPublishedNew {
		r.notify(ctx, fields, result.date, result.urls)
	}
	return true
}

func (r *Runner) finalize(ctx context.Context, run *domain.ReportRun, reportDate time.Time, state domain.RunState, hash string) bool {
	var datePtr *time.Time
	if !reportDate.IsZero() {
		datePtr = &reportDate
	}
	if err := r.store.FinalizeRun(ctx, run.ID, datePtr, state, hash); err != nil {
		log.Printf("[Worker] %s: finalize run failed: %v", r.cfg.ReportID, err)
		return false
	}
	runsTotal.WithLabelValues(r.cfg.ReportID, string(state)).Inc()
	return true
}

func (r *Runner) fail(ctx context.Context, run *domain.ReportRun, reportDate *time.Time, kind domain.ErrorKind, cause error) bool {
	log.Printf("[Worker] %s: run failed (%s): %v", r.cfg.ReportID, kind, cause)
	if err := r.store.FailRun(ctx, run.ID, reportDate, kind, cause.Error()); err != nil {
		log.Printf("[Worker] %s: record failure failed: %v", r.cfg.ReportID, err)
	}
	state := domain.RunErrorFetch
	if kind == domain.ErrorKindParse {
		state = domain.RunErrorParse
	}
	runsTotal.WithLabelValues(r.cfg.ReportID, string(state)).Inc()
	if err := r.alerts.RecordFailure(ctx, r.cfg.ReportID, run.ID, string(kind)); err != nil {
		log.Printf("[Worker] %s: alert record failed: %v", r.cfg.ReportID, err)
	}
	return false
}

func (r *Runner) clearFailures(ctx context.Context) {
	if err := r.alerts.ClearFailure(ctx, r.cfg.ReportID); err != nil {
		log.Printf("[Worker] %s: alert clear failed: %v", r.cfg.ReportID, err)
	}
}

func (r *Runner) notify(ctx context.Context, fields domain.Fields, reportDate time.Time, urls []string) {
	recipients, err := r.store.ActiveEmailsForReport(ctx, r.cfg.ReportID)
	if err != nil {
		log.Printf("[Worker] %s: recipient lookup failed: %v", r.cfg.ReportID, err)
		return
	}
	if len(recipients) == 0 {
		return
	}

	dateISO := reportDate.Format(parser.ISODate)
	payload, err := r.notifier.Render("report", mailer.ReportContext(r.cfg.ReportID, r.cfg.Name, dateISO, fields, urls))
	if err != nil {
		log.Printf("[Worker] %s: render failed: %v", r.cfg.ReportID, err)
		return
	}
	r.notifier.Send(ctx, recipients, payload)
	notificationsTotal.WithLabelValues(r.cfg.ReportID).Inc()
}
