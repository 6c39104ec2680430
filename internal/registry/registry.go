// Package registry holds the report configurations that drive polling.
//
// The compiled-in defaults are reconciled against the database at startup;
// after that the registry serves an immutable snapshot that operator edits
// replace wholesale. Readers grab one snapshot per operation and never see
// a half-updated config.
package registry

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// APIBase is the USDA Datamart report API root.
const APIBase = "https://mpr.datamart.ams.usda.gov/services/v1.1/reports"

// EndpointConfig identifies one upstream endpoint of a report. Either a
// templated Datamart URL (report number + path) or a fixed absolute URL
// for binary documents.
type EndpointConfig struct {
	ReportNumber int    `json:"report_number"`
	ReportPath   string `json:"report_path"`
	AbsoluteURL  string `json:"absolute_url,omitempty"`
}

// BuildURL renders the endpoint URL for a date token (MM/DD/YYYY or a
// MM/DD/YYYY:MM/DD/YYYY range). Absolute URLs ignore the token.
func (e EndpointConfig) BuildURL(dateToken string) string {
	if e.AbsoluteURL != "" {
		return e.AbsoluteURL
	}
	return fmt.Sprintf("%s/%d/%s?q=report_date=%s", APIBase, e.ReportNumber, e.ReportPath, dateToken)
}

// ClockTime is a local wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// ParseClockTime parses "HH:MM" or "HH:MM:SS".
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return ClockTime{}, fmt.Errorf("invalid time format: %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time format: %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time format: %q", s)
	}
	second := 0
	if len(parts) > 2 {
		if second, err = strconv.Atoi(parts[2]); err != nil {
			return ClockTime{}, fmt.Errorf("invalid time format: %q", s)
		}
	}
	return ClockTime{Hour: hour, Minute: minute, Second: second}, nil
}

// String renders the time as HH:MM:SS.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

func (c ClockTime) secondsOfDay() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

// PollingWindow is a local-time interval during which the upstream is
// expected to publish.
type PollingWindow struct {
	Start ClockTime
	End   ClockTime
}

// Contains reports whether the local time t falls inside the window,
// boundaries inclusive.
func (w PollingWindow) Contains(t time.Time) bool {
	s := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return s >= w.Start.secondsOfDay() && s <= w.End.secondsOfDay()
}

// PollingRule controls cadence, backoff and jitter for one report.
type PollingRule struct {
	InsideCadenceSec    int `json:"inside_cadence_sec"`
	OutsideCadenceSec   int `json:"outside_cadence_sec"`
	MaxLateHours        int `json:"max_late_hours"`
	ErrorBackoffBaseSec int `json:"error_backoff_base_sec"`
	ErrorBackoffMaxSec  int `json:"error_backoff_max_sec"`
	JitterSec           int `json:"jitter_sec"`
}

// Validate enforces the polling invariants: cadences positive, backoff
// base not above the cap.
func (p PollingRule) Validate() error {
	if p.InsideCadenceSec <= 0 || p.OutsideCadenceSec <= 0 {
		return fmt.Errorf("polling cadences must be positive")
	}
	if p.ErrorBackoffBaseSec > p.ErrorBackoffMaxSec {
		return fmt.Errorf("error_backoff_base_sec %d exceeds error_backoff_max_sec %d",
			p.ErrorBackoffBaseSec, p.ErrorBackoffMaxSec)
	}
	if p.JitterSec < 0 {
		return fmt.Errorf("jitter_sec must not be negative")
	}
	return nil
}

// Selection rule types.
const (
	SelectDateMatch   = "date_match"
	SelectRowIndex    = "row_index"
	SelectFieldEquals = "field_equals"
)

// SelectRule picks the row within an endpoint payload that represents the
// report edition.
type SelectRule struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

// ReportSchema names the fields a parsed edition must carry and how the
// representative row is selected.
type ReportSchema struct {
	ReportID       string     `json:"report_id"`
	RequiredFields []string   `json:"required_fields"`
	SelectRule     SelectRule `json:"select_rule"`
	DerivedFields  []string   `json:"derived_fields"`
}

// ReportConfig is the full polling configuration of one report. Instances
// are immutable once published in a snapshot.
type ReportConfig struct {
	ReportID             string
	Name                 string
	Endpoints            []EndpointConfig
	Windows              []PollingWindow
	Polling              PollingRule
	NeedsPriorDay        bool
	DateSearchWindowDays int
	Schema               ReportSchema
}

// Validate checks the structural invariants of a config.
func (c ReportConfig) Validate() error {
	if c.ReportID == "" {
		return fmt.Errorf("report_id is required")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("report %s has no endpoints", c.ReportID)
	}
	if c.DateSearchWindowDays < 1 {
		return fmt.Errorf("report %s: date_search_window_days must be >= 1", c.ReportID)
	}
	if err := c.Polling.Validate(); err != nil {
		return fmt.Errorf("report %s: %w", c.ReportID, err)
	}
	return nil
}

// InWindow reports whether the instant falls inside any publication window,
// evaluated in t's location.
func (c ReportConfig) InWindow(t time.Time) bool {
	for _, w := range c.Windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	Reports []ReportConfig
	byID    map[string]ReportConfig
}

// Get looks up a report config by id.
func (s *Snapshot) Get(reportID string) (ReportConfig, bool) {
	cfg, ok := s.byID[reportID]
	return cfg, ok
}

// Registry is a process-wide configuration cell. One writer (the
// bootstrap/reload path) publishes whole snapshots; many readers load them.
type Registry struct {
	snap atomic.Pointer[Snapshot]
}

// New returns a registry preloaded with the compiled-in defaults.
func New() *Registry {
	r := &Registry{}
	r.Publish(DefaultReports())
	return r
}

// Publish atomically replaces the current snapshot.
func (r *Registry) Publish(reports []ReportConfig) {
	byID := make(map[string]ReportConfig, len(reports))
	for _, cfg := range reports {
		byID[cfg.ReportID] = cfg
	}
	r.snap.Store(&Snapshot{Reports: reports, byID: byID})
}

// Current returns the live snapshot.
func (r *Registry) Current() *Snapshot {
	return r.snap.Load()
}
