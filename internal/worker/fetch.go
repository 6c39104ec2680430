package worker

import (
	"context"
	"time"

	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/parser"
)

// fetchResult is the outcome of the fetch phase. found=false means the
// upstream has not published yet; isHoliday marks a weekend candidate
// date.
type fetchResult struct {
	date      time.Time
	payloads  datamart.Payloads
	urls      []string
	found     bool
	isHoliday bool
}

// fetch dispatches on the endpoint shape: binary documents skip the date
// search, prior-day reports use one range request, everything else walks
// the date search window.
func (r *Runner) fetch(ctx context.Context) (fetchResult, error) {
	switch {
	case len(r.cfg.Endpoints) > 0 && r.cfg.Endpoints[0].AbsoluteURL != "":
		return r.fetchDocument(ctx)
	case r.cfg.NeedsPriorDay:
		return r.fetchRange(ctx)
	default:
		return r.fetchDateSearch(ctx)
	}
}

// today is the primary candidate date: the forced date if set, otherwise
// the current calendar date in the configured timezone.
func (r *Runner) today() time.Time {
	if r.forcedDate != nil {
		return *r.forcedDate
	}
	return datamart.DateOf(r.now().In(r.loc))
}

func isWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// fetchDateSearch tries today, today-1, ... until any endpoint returns
// rows. Every endpoint is fetched per candidate date, order preserved.
// A forced date disables the search.
func (r *Runner) fetchDateSearch(ctx context.Context) (fetchResult, error) {
	today := r.today()
	searchDays := r.cfg.DateSearchWindowDays
	if r.forcedDate != nil {
		searchDays = 1
	}

	for offset := 0; offset < searchDays; offset++ {
		target := today.AddDate(0, 0, -offset)
		token := datamart.FormatDate(target)

		payloads := make(datamart.Payloads, 0, len(r.cfg.Endpoints))
		urls := make([]string, 0, len(r.cfg.Endpoints))
		for _, ep := range r.cfg.Endpoints {
			url := ep.BuildURL(token)
			urls = append(urls, url)
			rows, err := r.fetcher.FetchRows(ctx, url)
			if err != nil {
				return fetchResult{}, err
			}
			payloads = append(payloads, rows)
		}
		if !payloads.Empty() {
			return fetchResult{date: target, payloads: payloads, urls: urls, found: true}, nil
		}
	}
	return fetchResult{date: today, isHoliday: isWeekend(today)}, nil
}

// fetchRange issues one range request covering the whole search window.
// The edition date is the latest reported day in the response, which
// lags the calendar date; the run stays in waiting until rows for today
// show up.
func (r *Runner) fetchRange(ctx context.Context) (fetchResult, error) {
	today := r.today()
	start := today.AddDate(0, 0, -(r.cfg.DateSearchWindowDays - 1))
	url := r.cfg.Endpoints[0].BuildURL(datamart.RangeToken(start, today))

	rows, err := r.fetcher.FetchRows(ctx, url)
	if err != nil {
		return fetchResult{}, err
	}
	notFound := fetchResult{date: today, isHoliday: isWeekend(today)}
	if len(rows) == 0 {
		return notFound, nil
	}
	if !parser.HasDataForDate(rows, today) {
		return notFound, nil
	}
	latest, ok := parser.LatestReportedDate(rows)
	if !ok {
		return notFound, nil
	}
	return fetchResult{date: latest, payloads: datamart.Payloads{rows}, urls: []string{url}, found: true}, nil
}

// fetchDocument downloads the fixed-URL PDF and synthesizes a one-row
// payload from its first page.
func (r *Runner) fetchDocument(ctx context.Context) (fetchResult, error) {
	url := r.cfg.Endpoints[0].BuildURL("")
	content, err := r.fetcher.FetchBytes(ctx, url)
	if err != nil {
		return fetchResult{}, err
	}
	row, reportDate := parser.BuildPDFRow(content, r.today())
	return fetchResult{
		date:     reportDate,
		payloads: datamart.Payloads{{row}},
		urls:     []string{url},
		found:    true,
	}, nil
}
