package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/domain"
	"github.com/ignite/usda-monitor/internal/parser"
	"github.com/ignite/usda-monitor/internal/registry"
)

// BackfillStore is the persistence surface of the range gather.
type BackfillStore interface {
	GetVersionByHash(ctx context.Context, reportID string, reportDate time.Time, payloadHash string) (*domain.ReportVersion, error)
	UpdateVersionFields(ctx context.Context, versionID string, fields domain.Fields) error
	InsertVersion(ctx context.Context, v *domain.ReportVersion) error
}

// BackfillResult counts what a gather did: inserted new editions versus
// dates whose edition already existed (their fields were merged).
type BackfillResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Backfiller replays a date range into the version store, outside the
// run lifecycle: no run rows, no locks, no notifications.
type Backfiller struct {
	store   BackfillStore
	fetcher Fetcher
}

// NewBackfiller builds the range gather service.
func NewBackfiller(store BackfillStore, fetcher Fetcher) *Backfiller {
	return &Backfiller{store: store, fetcher: fetcher}
}

// Gather fetches the report's endpoints over [start, end] with one range
// request each, groups rows by their per-row date, and upserts one
// edition per date. Existing (report_id, report_date, payload_hash)
// matches get their parsed fields merged key-wise instead of a new row.
func (b *Backfiller) Gather(ctx context.Context, cfg registry.ReportConfig, start, end time.Time) (BackfillResult, error) {
	var result BackfillResult
	if start.After(end) {
		return result, fmt.Errorf("start date %s is after end date %s", datamart.FormatDate(start), datamart.FormatDate(end))
	}
	if len(cfg.Endpoints) > 0 && cfg.Endpoints[0].AbsoluteURL != "" {
		return result, fmt.Errorf("gather is not supported for document reports")
	}

	if cfg.NeedsPriorDay {
		return b.gatherIndex(ctx, cfg, start, end)
	}
	return b.gatherByDate(ctx, cfg, start, end)
}

// gatherByDate groups each endpoint's range response by date, then
// parses and upserts each date independently.
func (b *Backfiller) gatherByDate(ctx context.Context, cfg registry.ReportConfig, start, end time.Time) (BackfillResult, error) {
	var result BackfillResult
	token := datamart.RangeToken(start, end)
	strategy := parser.ForReport(cfg)

	payloadsByDate := make(map[time.Time]datamart.Payloads)
	for _, ep := range cfg.Endpoints {
		rows, err := b.fetcher.FetchRows(ctx, ep.BuildURL(token))
		if err != nil {
			return result, err
		}
		for d, dayRows := range datamart.GroupByDate(rows) {
			payloadsByDate[d] = append(payloadsByDate[d], dayRows)
		}
	}

	for _, d := range sortedDates(payloadsByDate) {
		payloads := payloadsByDate[d]
		fields, err := strategy.Parse(payloads, d)
		if err != nil {
			return result, fmt.Errorf("parsing %s: %w", datamart.FormatDate(d), err)
		}
		hash, err := datamart.CanonicalHash(payloads)
		if err != nil {
			return result, err
		}
		if err := b.upsert(ctx, cfg.ReportID, d, hash, fields, payloads, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// gatherIndex replays the two-day index: one range request, then the
// full index computation per reported day. All days share the payload
// hash of the whole range response.
func (b *Backfiller) gatherIndex(ctx context.Context, cfg registry.ReportConfig, start, end time.Time) (BackfillResult, error) {
	var result BackfillResult
	rows, err := b.fetcher.FetchRows(ctx, cfg.Endpoints[0].BuildURL(datamart.RangeToken(start, end)))
	if err != nil {
		return result, err
	}
	if len(rows) == 0 {
		return result, nil
	}

	payloads := datamart.Payloads{rows}
	hash, err := datamart.CanonicalHash(payloads)
	if err != nil {
		return result, err
	}

	grouped := datamart.GroupByDate(rows)
	for _, d := range sortedDates(grouped) {
		fields := parser.ComputeIndex(rows, d)
		if err := b.upsert(ctx, cfg.ReportID, d, hash, fields, payloads, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (b *Backfiller) upsert(ctx context.Context, reportID string, d time.Time, hash string, fields domain.Fields, payloads datamart.Payloads, result *BackfillResult) error {
	existing, err := b.store.GetVersionByHash(ctx, reportID, d, hash)
	switch {
	case err == nil:
		merged := existing.ParsedFields.Merge(fields)
		if err := b.store.UpdateVersionFields(ctx, existing.ID, merged); err != nil {
			return err
		}
		result.Skipped++
	case errors.Is(err, domain.ErrNotFound):
		v := &domain.ReportVersion{
			ReportID:     reportID,
			ReportDate:   d,
			PayloadHash:  hash,
			ParsedFields: fields,
			RawPayload:   map[string]any{"payloads": payloads},
		}
		err := b.store.InsertVersion(ctx, v)
		if errors.Is(err, domain.ErrDuplicateVersion) {
			// Raced with a live worker publishing the same edition.
			result.Skipped++
			return nil
		}
		if err != nil {
			return err
		}
		result.Inserted++
	default:
		return err
	}
	return nil
}

func sortedDates[V any](m map[time.Time]V) []time.Time {
	dates := make([]time.Time, 0, len(m))
	for d := range m {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
