package datamart

import (
	"strconv"
	"strings"
	"time"
)

// Row is one record of an endpoint payload. Upstream JSON varies in field
// presence and date-key casing, so access goes through alias helpers.
type Row map[string]any

// dateKeys are the accepted spellings of the per-row report date field,
// first match wins.
var dateKeys = []string{"report_date", "report date", "reportdate", "Report Date"}

// DateLayout is the wire format of Datamart dates.
const DateLayout = "01/02/2006"

// FormatDate renders a calendar date as MM/DD/YYYY.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses MM/DD/YYYY into a UTC calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return Date(t.Year(), t.Month(), t.Day()), nil
}

// Date normalizes a calendar date to midnight UTC so dates compare and
// hash as map keys.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates an instant to its calendar date in its own location.
func DateOf(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// ReportDate extracts the row's report date via the accepted aliases.
func (r Row) ReportDate() (time.Time, bool) {
	for _, key := range dateKeys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		if d, err := ParseDate(s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// Number coerces a row value to float64, tolerating string numbers with
// thousands separators ("12,345.6"). Missing and unparseable values
// return ok=false.
func (r Row) Number(key string) (float64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// GroupByDate buckets rows by their report date, dropping rows without a
// parseable date. Used by the range fetch paths.
func GroupByDate(rows []Row) map[time.Time][]Row {
	grouped := make(map[time.Time][]Row)
	for _, row := range rows {
		d, ok := row.ReportDate()
		if !ok {
			continue
		}
		grouped[d] = append(grouped[d], row)
	}
	return grouped
}

// RangeToken renders the MM/DD/YYYY:MM/DD/YYYY date token of a range
// request.
func RangeToken(start, end time.Time) string {
	return FormatDate(start) + ":" + FormatDate(end)
}
