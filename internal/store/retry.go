package store

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newBreaker(log *zap.Logger) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
	})
}

// isTransient reports whether err is a database failure worth retrying.
// Missing rows, domain errors and cancellation are final.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case stderrors.Is(err, gorm.ErrRecordNotFound):
		return false
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return false
	case stderrors.Is(err, apperrors.ErrTransientStore):
		return true
	case apperrors.IsAppError(err):
		return false
	}
	return true
}

// IsTransient reports whether err came from an unavailable store.
func IsTransient(err error) bool {
	return stderrors.Is(err, apperrors.ErrTransientStore)
}

// Read runs fn against the database, retrying transient failures with
// bounded exponential backoff behind the circuit breaker.
func (s *Store) Read(ctx context.Context, fn func(db *gorm.DB) error) error {
	delay := s.backoff
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		err = s.execute(ctx, fn)
		if !isTransient(err) {
			return err
		}
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		s.logger.Debug("Store read failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return transient(err)
}

// Write runs fn once. Writes are never retried so a half-applied mutation
// cannot be repeated.
func (s *Store) Write(ctx context.Context, fn func(db *gorm.DB) error) error {
	err := s.execute(ctx, fn)
	if isTransient(err) {
		return transient(err)
	}
	return err
}

// Tx runs fn inside a transaction, failing fast like Write.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.Write(ctx, func(db *gorm.DB) error {
		return db.Transaction(fn)
	})
}

func (s *Store) execute(ctx context.Context, fn func(db *gorm.DB) error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn(s.db.WithContext(ctx))
	})
	return err
}

func transient(err error) error {
	if err == nil || stderrors.Is(err, apperrors.ErrTransientStore) {
		return err
	}
	return apperrors.Wrap(err, apperrors.ErrTransientStore.Code, apperrors.ErrTransientStore.Message)
}
