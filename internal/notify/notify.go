// Package notify tells operators about runs that did not fully succeed.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/logger"
)

// Notification describes a run that ended FAILED or PARTIALLY_SUCCEEDED.
type Notification struct {
	RunID       string
	LogicalDate string
	Status      domain.RunStatus
	Attempt     int
	FailedStep  string
	ErrorKind   string
	ErrorDetail string
	Skipped     []string
}

// FromRun builds a notification from a terminal run and its steps.
func FromRun(detail *domain.RunDetail) Notification {
	n := Notification{
		RunID:       detail.Run.ID,
		LogicalDate: detail.Run.LogicalDate.String(),
		Status:      detail.Run.Status,
		Attempt:     detail.Run.Attempt,
		FailedStep:  detail.Run.FailedStep,
		ErrorKind:   detail.Run.ErrorKind,
		ErrorDetail: detail.Run.ErrorDetail,
	}
	for _, s := range detail.Steps {
		if s.Status == domain.StepSkipped {
			n.Skipped = append(n.Skipped, s.StepName)
		}
	}
	return n
}

// Message renders the notification as one line.
func (n Notification) Message() string {
	msg := fmt.Sprintf("run %s for %s ended %s: step %s failed with %s",
		n.RunID, n.LogicalDate, n.Status, n.FailedStep, n.ErrorKind)
	if n.ErrorDetail != "" {
		msg += ": " + n.ErrorDetail
	}
	if len(n.Skipped) > 0 {
		msg += fmt.Sprintf(" (%d steps skipped)", len(n.Skipped))
	}
	return msg
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the context logger.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	log := logger.FromContext(ctx)
	log.Warn().
		Str("run_id", n.RunID).
		Str("logical_date", n.LogicalDate).
		Str("status", string(n.Status)).
		Str("failed_step", n.FailedStep).
		Str("error_kind", n.ErrorKind).
		Str("error_detail", n.ErrorDetail).
		Strs("skipped", n.Skipped).
		Msg("Pipeline run needs attention")
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
