package logging

import (
	"context"
	"time"
)

// ctxKey is the context key for the journal
type ctxKey struct{}

// WithJournal returns a new context with the journal attached
func WithJournal(ctx context.Context, journal Journal) context.Context {
	return context.WithValue(ctx, ctxKey{}, journal)
}

// FromContext returns the journal from context, or nil if not present
func FromContext(ctx context.Context) Journal {
	if ctx == nil {
		return nil
	}
	if journal, ok := ctx.Value(ctxKey{}).(Journal); ok {
		return journal
	}
	return nil
}

// LogFromContext logs a step if a journal is present in context
func LogFromContext(ctx context.Context, phase, function, details string, err error) {
	if journal := FromContext(ctx); journal != nil {
		journal.LogStep(phase, function, details, err)
	}
}

// LogFromContextWithDuration logs a step with explicit duration if a journal is present
func LogFromContextWithDuration(ctx context.Context, phase, function, details string, duration time.Duration, err error) {
	if journal := FromContext(ctx); journal != nil {
		journal.LogStepWithDuration(phase, function, details, duration, err)
	}
}

// StepTimer is a helper struct for timing steps
type StepTimer struct {
	ctx      context.Context
	phase    string
	function string
	details  string
	start    time.Time
}

// NewStepTimer creates a new step timer
func NewStepTimer(ctx context.Context, phase, function string) *StepTimer {
	return &StepTimer{
		ctx:      ctx,
		phase:    phase,
		function: function,
		start:    time.Now(),
	}
}

// WithDetails adds details to the timer
func (t *StepTimer) WithDetails(details string) *StepTimer {
	t.details = details
	return t
}

// Done completes the step and logs it
func (t *StepTimer) Done(err error) {
	LogFromContextWithDuration(t.ctx, t.phase, t.function, t.details, time.Since(t.start), err)
}

// DoneWithDetails completes the step with updated details
func (t *StepTimer) DoneWithDetails(details string, err error) {
	LogFromContextWithDuration(t.ctx, t.phase, t.function, details, time.Since(t.start), err)
}
