// Package alert tracks consecutive worker failures per report and
// escalates to the master alert address once a threshold is crossed.
package alert

import (
	"context"
	"log"
	"time"

	"github.com/ignite/usda-monitor/internal/domain"
	"github.com/ignite/usda-monitor/internal/mailer"
)

// Store is the persistence surface for failure counters.
type Store interface {
	IncrementFailure(ctx context.Context, reportID string) (*domain.AlertState, error)
	ResetFailures(ctx context.Context, reportID string) error
}

// Notifier renders and sends alert emails.
type Notifier interface {
	Render(name string, context map[string]any) (mailer.Payload, error)
	Send(ctx context.Context, recipients []string, payload mailer.Payload)
}

// Service coordinates failure counting and alert delivery.
type Service struct {
	store       Store
	notifier    Notifier
	threshold   int
	masterEmail string
}

// New builds the alert coordinator. Threshold is the consecutive-failure
// count at which alerts start firing.
func New(store Store, notifier Notifier, threshold int, masterEmail string) *Service {
	if threshold <= 0 {
		threshold = 3
	}
	return &Service{store: store, notifier: notifier, threshold: threshold, masterEmail: masterEmail}
}

// RecordFailure bumps the report's failure counter and, at or above the
// threshold, emails the master alert address. The alert fires on every
// failure once the threshold is reached, there is no debouncing.
func (s *Service) RecordFailure(ctx context.Context, reportID, runID, errorType string) error {
	state, err := s.store.IncrementFailure(ctx, reportID)
	if err != nil {
		return err
	}
	log.Printf("[Alerts] %s failure %d/%d (%s)", reportID, state.ConsecutiveFailures, s.threshold, errorType)

	if state.ConsecutiveFailures < s.threshold {
		return nil
	}

	lastAttempt := "unknown"
	if state.LastFailureAt != nil {
		lastAttempt = state.LastFailureAt.UTC().Format(time.RFC3339)
	}
	payload, err := s.notifier.Render("alert", mailer.AlertContext(reportID, runID, errorType, lastAttempt))
	if err != nil {
		log.Printf("[Alerts] Failed to render alert for %s: %v", reportID, err)
		return nil
	}
	s.notifier.Send(ctx, []string{s.masterEmail}, payload)
	return nil
}

// ClearFailure resets the counter after any successful terminal state.
func (s *Service) ClearFailure(ctx context.Context, reportID string) error {
	return s.store.ResetFailures(ctx, reportID)
}
