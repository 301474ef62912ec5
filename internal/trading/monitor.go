package trading

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orb-trader/internal/broker"
	"orb-trader/internal/errors"
	"orb-trader/internal/logging"
	"orb-trader/internal/models"
)

// EventSink durably records breakout events. Calls for one symbol must be
// appended in call order.
type EventSink interface {
	Record(ctx context.Context, event models.BreakoutEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event models.BreakoutEvent) error

// Record calls f.
func (f EventSinkFunc) Record(ctx context.Context, event models.BreakoutEvent) error {
	return f(ctx, event)
}

// Observer receives progress callbacks. Callbacks for one symbol arrive in
// order; callbacks for different symbols may arrive concurrently.
type Observer interface {
	OnRange(r models.OpeningRange)
	OnFetchFailed(symbol string, err error)
	OnBar(symbol string, seq int, bar models.Bar)
	OnBreakout(event models.BreakoutEvent)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) OnRange(models.OpeningRange)     {}
func (NopObserver) OnFetchFailed(string, error)     {}
func (NopObserver) OnBar(string, int, models.Bar)   {}
func (NopObserver) OnBreakout(models.BreakoutEvent) {}

// MonitorOption configures a BreakoutMonitor.
type MonitorOption func(*BreakoutMonitor)

// WithObserver sets the progress observer.
func WithObserver(o Observer) MonitorOption {
	return func(m *BreakoutMonitor) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithLogger sets the monitor logger.
func WithLogger(l zerolog.Logger) MonitorOption {
	return func(m *BreakoutMonitor) {
		m.logger = l
	}
}

// WithIDGenerator overrides event ID generation.
func WithIDGenerator(fn func() string) MonitorOption {
	return func(m *BreakoutMonitor) {
		m.newID = fn
	}
}

// BreakoutMonitor watches one symbol's bars for the first close above the
// opening range high. It leaves Watching at most once: Triggered after
// producing its single event, or Stopped.
type BreakoutMonitor struct {
	rng      models.OpeningRange
	sink     EventSink
	observer Observer
	logger   zerolog.Logger
	newID    func() string

	mu    sync.Mutex
	state models.MonitorState
	event *models.BreakoutEvent
	err   error // failure, if any
	cause error // why the monitor stopped
	seen  int

	done     chan struct{}
	doneOnce sync.Once
}

// NewBreakoutMonitor creates a monitor in the Watching state.
func NewBreakoutMonitor(rng models.OpeningRange, sink EventSink, opts ...MonitorOption) *BreakoutMonitor {
	m := &BreakoutMonitor{
		rng:      rng,
		sink:     sink,
		observer: NopObserver{},
		logger:   zerolog.Nop(),
		newID:    uuid.NewString,
		state:    models.StateWatching,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.WithSymbol(logging.WithComponent(m.logger, "monitor"), rng.Symbol)
	return m
}

// Symbol returns the monitored symbol.
func (m *BreakoutMonitor) Symbol() string {
	return m.rng.Symbol
}

// Range returns the opening range the monitor compares against.
func (m *BreakoutMonitor) Range() models.OpeningRange {
	return m.rng
}

// State returns the current state.
func (m *BreakoutMonitor) State() models.MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Event returns the breakout event, or nil if none was produced.
func (m *BreakoutMonitor) Event() *models.BreakoutEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.event == nil {
		return nil
	}
	e := *m.event
	return &e
}

// Err returns the failure that ended the monitor: an invalid bar, a stream
// fault or a sink error. Cancellation and stream end are not failures.
func (m *BreakoutMonitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Cause returns why a Stopped monitor stopped.
func (m *BreakoutMonitor) Cause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// BarsSeen returns how many valid bars were evaluated.
func (m *BreakoutMonitor) BarsSeen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen
}

// Done is closed once the monitor is terminal and any event is recorded.
func (m *BreakoutMonitor) Done() <-chan struct{} {
	return m.done
}

// HandleBar evaluates one bar. It reports whether this bar triggered the
// breakout. Bars arriving after the monitor is terminal are ignored.
func (m *BreakoutMonitor) HandleBar(ctx context.Context, bar models.Bar) (bool, error) {
	m.mu.Lock()
	if m.state.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}

	if field := bar.Validate(); field != "" {
		err := errors.NewInvalidBarError(m.rng.Symbol, field, bar)
		m.state = models.StateStopped
		m.err = err
		m.cause = err
		m.mu.Unlock()

		m.logger.Warn().Err(err).Msg("Monitor stopped on invalid bar")
		m.closeDone()
		return false, err
	}

	m.seen++
	seq := m.seen

	if !(bar.Close > m.rng.High) {
		m.mu.Unlock()
		logging.LogBar(m.logger, m.rng.Symbol, bar)
		m.observer.OnBar(m.rng.Symbol, seq, bar)
		return false, nil
	}

	event := models.BreakoutEvent{
		ID:               m.newID(),
		Symbol:           m.rng.Symbol,
		Timestamp:        bar.Timestamp,
		ClosePrice:       bar.Close,
		OpeningRangeHigh: m.rng.High,
	}
	m.state = models.StateTriggered
	m.event = &event
	m.mu.Unlock()

	m.observer.OnBar(m.rng.Symbol, seq, bar)
	logging.LogBreakout(m.logger, event)
	m.observer.OnBreakout(event)

	var recordErr error
	if m.sink != nil {
		// The event is already produced; shutdown must not lose it.
		if err := m.sink.Record(context.WithoutCancel(ctx), event); err != nil {
			recordErr = errors.NewSymbolError(m.rng.Symbol, errors.PhaseRecord, err)
			m.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to record breakout")
		}
	}

	m.mu.Lock()
	m.err = recordErr
	m.mu.Unlock()
	m.closeDone()
	return true, recordErr
}

// Stop moves a Watching monitor to Stopped. It is a no-op once terminal.
func (m *BreakoutMonitor) Stop(cause error) {
	m.finish(cause, nil)
}

// fail stops the monitor with a failure. A triggered monitor keeps its
// state and event but records the failure.
func (m *BreakoutMonitor) fail(err error) {
	m.mu.Lock()
	if m.state == models.StateWatching {
		m.state = models.StateStopped
		m.cause = err
	}
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	m.closeDone()
}

func (m *BreakoutMonitor) finish(cause, err error) {
	m.mu.Lock()
	if m.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	m.state = models.StateStopped
	m.cause = cause
	m.err = err
	m.mu.Unlock()

	m.logger.Info().AnErr("cause", cause).Msg("Monitor stopped")
	m.closeDone()
}

func (m *BreakoutMonitor) closeDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

// Run feeds bars from sub into the monitor until it is terminal, the
// stream ends or ctx is cancelled. The subscription is always released
// before Run returns. The returned error is Err().
func (m *BreakoutMonitor) Run(ctx context.Context, sub broker.Subscription) error {
	defer sub.Unsubscribe()

	for !m.State().IsTerminal() {
		bar, err := sub.Next(ctx)
		if err != nil {
			m.stopOnStreamError(err)
			break
		}
		triggered, err := m.HandleBar(ctx, bar)
		if triggered || err != nil {
			break
		}
	}
	return m.Err()
}

func (m *BreakoutMonitor) stopOnStreamError(err error) {
	switch {
	case errors.Is(err, errors.ErrStreamClosed),
		errors.Is(err, errors.ErrUnsubscribed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		m.finish(err, nil)
	default:
		m.finish(err, errors.NewDataSourceError(errors.OpStream, m.rng.Symbol, err))
	}
}
