// Package parser turns fetched endpoint payloads into the canonical
// parsed-field mapping of a report edition. Most reports use the generic
// row-selection parser; a few carry report-specific strategies selected
// by report id at registry-build time.
package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/domain"
	"github.com/ignite/usda-monitor/internal/registry"
)

// ISODate is the format of report_date inside parsed fields.
const ISODate = "2006-01-02"

// Strategy parses the payloads of one report edition.
type Strategy interface {
	Parse(payloads datamart.Payloads, reportDate time.Time) (domain.Fields, error)
}

// ForReport picks the parsing strategy for a report config.
func ForReport(cfg registry.ReportConfig) Strategy {
	switch cfg.ReportID {
	case "PK600_AFTERNOON_CUTOUT":
		return &CutoutMerge{Schema: cfg.Schema}
	case "HG201_CME_INDEX":
		return &TwoDayIndex{}
	default:
		return &Generic{Schema: cfg.Schema}
	}
}

// Generic selects one row from the first endpoint's payload and copies
// the schema's required fields out of it.
type Generic struct {
	Schema registry.ReportSchema
}

func (g *Generic) Parse(payloads datamart.Payloads, reportDate time.Time) (domain.Fields, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no payloads to parse")
	}
	row := SelectRow(payloads[0], g.Schema.SelectRule, reportDate)
	if row == nil {
		return nil, fmt.Errorf("no matching row for report date %s", reportDate.Format(ISODate))
	}

	parsed := make(domain.Fields, len(g.Schema.RequiredFields)+1)
	for _, field := range g.Schema.RequiredFields {
		parsed[field] = row[field]
	}
	parsed["report_date"] = reportDate.Format(ISODate)
	return parsed, nil
}

// SelectRow applies a selection rule to an endpoint's rows.
//
// row_index returns nil when the index is out of range. date_match and
// field_equals fall back to the first row when nothing matches, so a
// payload that carries only the current edition still parses even if the
// upstream renames its date field.
func SelectRow(rows []datamart.Row, rule registry.SelectRule, reportDate time.Time) datamart.Row {
	switch rule.Type {
	case registry.SelectRowIndex:
		if rule.Index >= 0 && rule.Index < len(rows) {
			return rows[rule.Index]
		}
		return nil
	case registry.SelectDateMatch:
		target := datamart.FormatDate(reportDate)
		for _, row := range rows {
			if d, ok := row.ReportDate(); ok && datamart.FormatDate(d) == target {
				return row
			}
		}
	case registry.SelectFieldEquals:
		for _, row := range rows {
			if v, ok := row[rule.Field]; ok && strings.TrimSpace(fmt.Sprintf("%v", v)) == rule.Value {
				return row
			}
		}
	}
	if len(rows) > 0 {
		return rows[0]
	}
	return nil
}
