package parser

import (
	"fmt"
	"time"

	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/domain"
	"github.com/ignite/usda-monitor/internal/registry"
)

// changeFields are the change-from-prior-day columns of the cutout
// report's second endpoint.
var changeFields = []string{
	"chg_prev_carcass",
	"chg_prev_loin",
	"chg_prev_butt",
	"chg_prev_pic",
	"chg_prev_rib",
	"chg_prev_ham",
	"chg_prev_belly",
}

// CutoutMerge parses cutout-style reports that spread one edition over
// two endpoints: the first carries the primal values, the second the
// change-from-prior-day deltas. The values row is mandatory, the change
// row is merged in when present.
type CutoutMerge struct {
	Schema registry.ReportSchema
}

func (c *CutoutMerge) Parse(payloads datamart.Payloads, reportDate time.Time) (domain.Fields, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no payloads to parse")
	}
	valuesRow := SelectRow(payloads[0], c.Schema.SelectRule, reportDate)
	if valuesRow == nil {
		return nil, fmt.Errorf("no matching values row for report date %s", reportDate.Format(ISODate))
	}

	parsed := domain.Fields{"report_date": reportDate.Format(ISODate)}
	for _, field := range c.Schema.RequiredFields {
		parsed[field] = valuesRow[field]
	}

	if len(payloads) > 1 {
		if changeRow := SelectRow(payloads[1], c.Schema.SelectRule, reportDate); changeRow != nil {
			for _, field := range changeFields {
				parsed[field] = changeRow[field]
			}
		}
	}
	return parsed, nil
}
