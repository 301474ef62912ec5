package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"orb-trader/internal/errors"
	"orb-trader/internal/models"
	"orb-trader/pkg/utils"
)

// NamedRecorder pairs a recorder with a label for error reporting.
type NamedRecorder struct {
	Name     string
	Recorder Recorder
}

// MultiSink records each event to every configured recorder in turn,
// retrying transient failures. One recorder failing does not skip the rest.
type MultiSink struct {
	recorders []NamedRecorder
	retry     utils.RetryConfig
	logger    zerolog.Logger
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(logger zerolog.Logger, recorders ...NamedRecorder) *MultiSink {
	return &MultiSink{
		recorders: recorders,
		retry:     utils.DefaultRetryConfig(),
		logger:    logger.With().Str("component", "sink").Logger(),
	}
}

// SetRetry overrides the retry policy.
func (m *MultiSink) SetRetry(cfg utils.RetryConfig) {
	m.retry = cfg
}

// Add appends a recorder.
func (m *MultiSink) Add(name string, r Recorder) {
	m.recorders = append(m.recorders, NamedRecorder{Name: name, Recorder: r})
}

// Len returns the number of recorders.
func (m *MultiSink) Len() int {
	return len(m.recorders)
}

// Record delivers event to every recorder and joins their failures.
func (m *MultiSink) Record(ctx context.Context, event models.BreakoutEvent) error {
	var errs []error
	for _, nr := range m.recorders {
		err := utils.Retry(ctx, m.retry, func() error {
			return nr.Recorder.Record(ctx, event)
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("recorder", nr.Name).Str("symbol", event.Symbol).Msg("Recorder failed")
			errs = append(errs, fmt.Errorf("%s: %w", nr.Name, err))
		}
	}
	return errors.Join(errs...)
}
