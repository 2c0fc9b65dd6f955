package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/internal/resilience"
	"github.com/scout-interest/scout/internal/store"
)

// Sink persists one terminal outcome.
type Sink interface {
	Record(ctx context.Context, r *model.PostalCodeResult) error
}

// PersistenceError means an outcome was computed but could not be saved.
type PersistenceError struct {
	ProjectID  string
	PostalCode string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist result %s/%s: %v", e.ProjectID, e.PostalCode, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// StoreSink writes outcomes through store.SaveResult, which upserts the row
// and advances the project counters in one transaction.
type StoreSink struct {
	store store.Store
	retry resilience.RetryConfig
}

// NewStoreSink creates a StoreSink. Transient write failures are retried
// briefly before the outcome is reported unsaved.
func NewStoreSink(st store.Store) *StoreSink {
	return &StoreSink{
		store: st,
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
			JitterFraction: 0.25,
			OnRetry:        resilience.RetryLogger("store", "save_result"),
		},
	}
}

// Record saves r. The write is detached from ctx cancellation so a stopped
// batch still keeps outcomes it already paid for.
func (s *StoreSink) Record(ctx context.Context, r *model.PostalCodeResult) error {
	ctx = context.WithoutCancel(ctx)
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.store.SaveResult(ctx, r)
		return err
	})
	if err != nil {
		return &PersistenceError{ProjectID: r.ProjectID, PostalCode: r.PostalCode, Err: err}
	}
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r *model.PostalCodeResult) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, r *model.PostalCodeResult) error {
	return f(ctx, r)
}
