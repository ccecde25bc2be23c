// Package notify delivers the end-of-run report to operators.
package notify

import (
	"context"
	"errors"
)

// Sink receives a rendered report. Implementations must be safe to call once
// per run from the runner goroutine.
type Sink interface {
	Notify(ctx context.Context, subject, body string) error
	Name() string
}

// Noop discards every notification.
type Noop struct{}

func (Noop) Notify(context.Context, string, string) error { return nil }
func (Noop) Name() string                                  { return "noop" }

// Multi fans a notification out to every sink. All sinks are attempted; the
// returned error joins the individual failures.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Name() string { return "multi" }
