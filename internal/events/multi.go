package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/gmsas95/preventx/internal/metrics"
	"github.com/gmsas95/preventx/internal/notify"
)

// Sink is a named delivery target.
type Sink struct {
	Name      string
	Publisher notify.Publisher
}

// Multi publishes to every sink. One failing sink does not stop the others.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

func NewMulti(m *metrics.Metrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: m}
}

func (m *Multi) Publish(ctx context.Context, ev notify.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			m.metrics.RecordPublishFailure(s.Name)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, notify.Event) error { return nil }
