package registry

import (
	"fmt"
)

// ToMap serializes a config into the JSON shape stored in the reports
// table and accepted by the config API.
func (c ReportConfig) ToMap() map[string]any {
	endpoints := make([]any, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		m := map[string]any{
			"report_number": e.ReportNumber,
			"report_path":   e.ReportPath,
		}
		if e.AbsoluteURL != "" {
			m["absolute_url"] = e.AbsoluteURL
		}
		endpoints = append(endpoints, m)
	}

	windows := make([]any, 0, len(c.Windows))
	for _, w := range c.Windows {
		windows = append(windows, map[string]any{
			"start": w.Start.String(),
			"end":   w.End.String(),
		})
	}

	selectRule := map[string]any{"type": c.Schema.SelectRule.Type}
	switch c.Schema.SelectRule.Type {
	case SelectRowIndex:
		selectRule["index"] = c.Schema.SelectRule.Index
	case SelectFieldEquals:
		selectRule["field"] = c.Schema.SelectRule.Field
		selectRule["value"] = c.Schema.SelectRule.Value
	}

	required := make([]any, 0, len(c.Schema.RequiredFields))
	for _, f := range c.Schema.RequiredFields {
		required = append(required, f)
	}
	derived := make([]any, 0, len(c.Schema.DerivedFields))
	for _, f := range c.Schema.DerivedFields {
		derived = append(derived, f)
	}

	return map[string]any{
		"report_id": c.ReportID,
		"name":      c.Name,
		"endpoints": endpoints,
		"windows":   windows,
		"polling": map[string]any{
			"inside_cadence_sec":     c.Polling.InsideCadenceSec,
			"outside_cadence_sec":    c.Polling.OutsideCadenceSec,
			"max_late_hours":         c.Polling.MaxLateHours,
			"error_backoff_base_sec": c.Polling.ErrorBackoffBaseSec,
			"error_backoff_max_sec":  c.Polling.ErrorBackoffMaxSec,
			"jitter_sec":             c.Polling.JitterSec,
		},
		"needs_prior_day":         c.NeedsPriorDay,
		"date_search_window_days": c.DateSearchWindowDays,
		"schema": map[string]any{
			"report_id":       c.Schema.ReportID,
			"required_fields": required,
			"select_rule":     selectRule,
			"derived_fields":  derived,
		},
	}
}

// FromMap parses a stored or operator-submitted config map. JSON decoding
// yields float64 numbers and []any lists, so all scalar access goes through
// coercion helpers. A config that fails here is config_invalid and the
// caller keeps the default.
func FromMap(data map[string]any) (ReportConfig, error) {
	var cfg ReportConfig

	cfg.ReportID = asString(data["report_id"])
	if cfg.ReportID == "" {
		return cfg, fmt.Errorf("missing report_id")
	}
	cfg.Name = asString(data["name"])

	for _, raw := range asSlice(data["endpoints"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("report %s: endpoint entry is not an object", cfg.ReportID)
		}
		cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{
			ReportNumber: asInt(m["report_number"]),
			ReportPath:   asString(m["report_path"]),
			AbsoluteURL:  asString(m["absolute_url"]),
		})
	}

	for _, raw := range asSlice(data["windows"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("report %s: window entry is not an object", cfg.ReportID)
		}
		start, err := ParseClockTime(asString(m["start"]))
		if err != nil {
			return cfg, fmt.Errorf("report %s: %w", cfg.ReportID, err)
		}
		end, err := ParseClockTime(asString(m["end"]))
		if err != nil {
			return cfg, fmt.Errorf("report %s: %w", cfg.ReportID, err)
		}
		cfg.Windows = append(cfg.Windows, PollingWindow{Start: start, End: end})
	}

	polling, ok := data["polling"].(map[string]any)
	if !ok {
		return cfg, fmt.Errorf("report %s: missing polling rule", cfg.ReportID)
	}
	cfg.Polling = PollingRule{
		InsideCadenceSec:    asInt(polling["inside_cadence_sec"]),
		OutsideCadenceSec:   asInt(polling["outside_cadence_sec"]),
		MaxLateHours:        asInt(polling["max_late_hours"]),
		ErrorBackoffBaseSec: asInt(polling["error_backoff_base_sec"]),
		ErrorBackoffMaxSec:  asInt(polling["error_backoff_max_sec"]),
		JitterSec:           asInt(polling["jitter_sec"]),
	}

	cfg.NeedsPriorDay = asBool(data["needs_prior_day"])
	cfg.DateSearchWindowDays = asInt(data["date_search_window_days"])
	if cfg.DateSearchWindowDays == 0 {
		cfg.DateSearchWindowDays = 1
	}

	schema, _ := data["schema"].(map[string]any)
	cfg.Schema.ReportID = asString(schema["report_id"])
	if cfg.Schema.ReportID == "" {
		cfg.Schema.ReportID = cfg.ReportID
	}
	for _, f := range asSlice(schema["required_fields"]) {
		cfg.Schema.RequiredFields = append(cfg.Schema.RequiredFields, asString(f))
	}
	for _, f := range asSlice(schema["derived_fields"]) {
		cfg.Schema.DerivedFields = append(cfg.Schema.DerivedFields, asString(f))
	}
	if rule, ok := schema["select_rule"].(map[string]any); ok {
		cfg.Schema.SelectRule = SelectRule{
			Type:  asString(rule["type"]),
			Index: asInt(rule["index"]),
			Field: asString(rule["field"]),
			Value: asString(rule["value"]),
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
