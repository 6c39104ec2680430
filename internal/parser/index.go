package parser

import (
	"fmt"
	"sort"
	"time"

	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/domain"
)

// categoryMap maps the index component categories to the purchase_type
// values the endpoint reports them under.
var categoryMap = map[string]string{
	"negotiated":         "Prod. Sold Negotiated",
	"formula":            "Prod. Sold Swine or Pork Market Formula",
	"negotiated_formula": "Prod. Sold Negotiated Formula",
}

// dayComponents holds the raw per-category inputs of one reported day.
type dayComponents struct {
	headCount     float64
	carcassWeight float64
	netPrice      float64
}

// dayTotals is the computed weight/value breakdown of one reported day.
type dayTotals struct {
	weights     map[string]float64
	values      map[string]float64
	totalWeight float64
	totalValue  float64
}

// TwoDayIndex computes a CME-style two-day weighted average price: for
// the latest reported day and the next-prior reported day, weight is
// head_count times avg_carcass_weight per category, value is weight
// times avg_net_price, and the index is the combined value over the
// combined weight.
type TwoDayIndex struct{}

func (x *TwoDayIndex) Parse(payloads datamart.Payloads, reportDate time.Time) (domain.Fields, error) {
	if len(payloads) == 0 || len(payloads[0]) == 0 {
		return nil, fmt.Errorf("no index rows available")
	}
	rows := payloads[0]
	day1, ok := LatestReportedDate(rows)
	if !ok {
		return nil, fmt.Errorf("no report dates available for index calculation")
	}
	return ComputeIndex(rows, day1), nil
}

// groupIndexRows buckets index inputs by reported day and category. Rows
// without a parseable date or a known purchase_type are ignored.
func groupIndexRows(rows []datamart.Row) map[time.Time]map[string]dayComponents {
	grouped := make(map[time.Time]map[string]dayComponents)
	for _, row := range rows {
		d, ok := row.ReportDate()
		if !ok {
			continue
		}
		category, ok := categoryForRow(row)
		if !ok {
			continue
		}
		headCount, _ := row.Number("head_count")
		carcassWeight, _ := row.Number("avg_carcass_weight")
		netPrice, _ := row.Number("avg_net_price")
		if grouped[d] == nil {
			grouped[d] = make(map[string]dayComponents)
		}
		grouped[d][category] = dayComponents{
			headCount:     headCount,
			carcassWeight: carcassWeight,
			netPrice:      netPrice,
		}
	}
	return grouped
}

func categoryForRow(row datamart.Row) (string, bool) {
	purchaseType, _ := row["purchase_type"].(string)
	for key, value := range categoryMap {
		if purchaseType == value {
			return key, true
		}
	}
	return "", false
}

// reportedDates returns the days with index data, newest first.
func reportedDates(grouped map[time.Time]map[string]dayComponents) []time.Time {
	dates := make([]time.Time, 0, len(grouped))
	for d, categories := range grouped {
		if len(categories) > 0 {
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })
	return dates
}

// LatestReportedDate returns the newest day with usable index data. The
// upstream lags a day behind the calendar, so this is the edition date
// rather than the scheduler's target date.
func LatestReportedDate(rows []datamart.Row) (time.Time, bool) {
	dates := reportedDates(groupIndexRows(rows))
	if len(dates) == 0 {
		return time.Time{}, false
	}
	return dates[0], true
}

// HasDataForDate reports whether any usable index row carries the date.
func HasDataForDate(rows []datamart.Row, d time.Time) bool {
	_, ok := groupIndexRows(rows)[d]
	return ok
}

func priorReportedDate(grouped map[time.Time]map[string]dayComponents, reportDate time.Time) (time.Time, bool) {
	dates := reportedDates(grouped)
	for i, d := range dates {
		if d.Equal(reportDate) && i+1 < len(dates) {
			return dates[i+1], true
		}
	}
	return time.Time{}, false
}

func computeDay(data map[string]dayComponents) dayTotals {
	totals := dayTotals{
		weights: make(map[string]float64, len(categoryMap)),
		values:  make(map[string]float64, len(categoryMap)),
	}
	for category := range categoryMap {
		c := data[category]
		weight := c.headCount * c.carcassWeight
		value := weight * c.netPrice
		totals.weights[category] = weight
		totals.values[category] = value
		totals.totalWeight += weight
		totals.totalValue += value
	}
	return totals
}

// ComputeIndex builds the full parsed-field mapping for the index on a
// reported day, aggregating that day with the next-prior reported day.
func ComputeIndex(rows []datamart.Row, reportDate time.Time) domain.Fields {
	grouped := groupIndexRows(rows)
	day1 := computeDay(grouped[reportDate])

	var day2 dayTotals
	var priorDate any
	if prior, ok := priorReportedDate(grouped, reportDate); ok {
		day2 = computeDay(grouped[prior])
		priorDate = prior.Format(ISODate)
	} else {
		day2 = computeDay(nil)
	}

	twoDayWeight := day1.totalWeight + day2.totalWeight
	twoDayValue := day1.totalValue + day2.totalValue
	indexValue := 0.0
	if twoDayWeight != 0 {
		indexValue = twoDayValue / twoDayWeight
	}

	return domain.Fields{
		"report_date":               reportDate.Format(ISODate),
		"prior_day_date":            priorDate,
		"negotiated_weight":         day1.weights["negotiated"],
		"formula_weight":            day1.weights["formula"],
		"negotiated_formula_weight": day1.weights["negotiated_formula"],
		"negotiated_value":          day1.values["negotiated"],
		"formula_value":             day1.values["formula"],
		"negotiated_formula_value":  day1.values["negotiated_formula"],
		"total_weight":              day1.totalWeight,
		"total_value":               day1.totalValue,
		"prior_day_total_weight":    day2.totalWeight,
		"prior_day_total_value":     day2.totalValue,
		"two_day_total_weight":      twoDayWeight,
		"two_day_total_value":       twoDayValue,
		"index_value":               indexValue,
	}
}
