// Package domain holds the persisted entities of the report monitor.
package domain

import (
	"errors"
	"time"
)

// RunState is the terminal (or initial) state of a report run.
type RunState string

const (
	RunWaitingForPublication RunState = "waiting_for_publication"
	RunPublishedNew          RunState = "published_new"
	RunPublishedNoChange     RunState = "published_no_change"
	RunHolidayOrNoReport     RunState = "holiday_or_no_report"
	RunErrorFetch            RunState = "error_fetch"
	RunErrorParse            RunState = "error_parse"
)

// Success reports whether the state counts as a successful outcome for
// alerting purposes. Waiting and holiday outcomes are not failures.
func (s RunState) Success() bool {
	switch s {
	case RunErrorFetch, RunErrorParse:
		return false
	}
	return true
}

// ErrorKind tags the failure taxonomy persisted on a run.
type ErrorKind string

const (
	ErrorKindFetch ErrorKind = "fetch"
	ErrorKindParse ErrorKind = "parse"
)

// Fields is the parsed-field mapping of a report edition.
type Fields map[string]any

// Merge overlays other onto f key-wise: new keys are added, existing keys
// are overwritten only when the incoming value is non-nil.
func (f Fields) Merge(other Fields) Fields {
	merged := make(Fields, len(f)+len(other))
	for k, v := range f {
		merged[k] = v
	}
	for k, v := range other {
		if _, ok := merged[k]; !ok || v != nil {
			merged[k] = v
		}
	}
	return merged
}

// ReportRun records one worker invocation for a report.
type ReportRun struct {
	ID            string
	ReportID      string
	ReportDate    *time.Time
	State         RunState
	Attempt       int
	RunStartedAt  time.Time
	RunFinishedAt *time.Time
	ErrorType     string
	ErrorMessage  string
	PayloadHash   string
}

// ReportVersion is one deduplicated edition of a report, keyed by
// (report_id, report_date, payload_hash).
type ReportVersion struct {
	ID           string
	ReportID     string
	ReportDate   time.Time
	PayloadHash  string
	ParsedFields Fields
	RawPayload   map[string]any
	CreatedAt    time.Time
}

// RunEvent is an append-only log entry attached to a run.
type RunEvent struct {
	ID        string
	RunID     string
	EventType string
	Message   string
	Data      map[string]any
	CreatedAt time.Time
}

// AlertState tracks consecutive failures per report.
type AlertState struct {
	ReportID            string
	ConsecutiveFailures int
	LastFailureAt       *time.Time
	UpdatedAt           time.Time
}

// Recipient is a subscriber to one or more reports.
type Recipient struct {
	ID        string
	Email     string
	Name      string
	IsActive  bool
	CreatedAt time.Time
	ReportIDs []string
}

var (
	// ErrNotFound is returned by store lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateVersion is returned when a version insert violates the
	// (report_id, report_date, payload_hash) uniqueness constraint.
	ErrDuplicateVersion = errors.New("duplicate report version")
	// ErrDuplicateEmail is returned when a recipient email already exists.
	ErrDuplicateEmail = errors.New("recipient email already exists")
)
