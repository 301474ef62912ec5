package trading

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"orb-trader/internal/errors"
	"orb-trader/internal/models"
	"orb-trader/internal/stream"
)

var barBase = time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC)

func closeBar(i int, close float64) models.Bar {
	return models.Bar{
		Timestamp: barBase.Add(time.Duration(i) * 5 * time.Minute),
		Open:      close,
		High:      close + 0.5,
		Low:       close - 0.5,
		Close:     close,
		Volume:    100,
	}
}

// recordingSink is an EventSink that remembers what it was given.
type recordingSink struct {
	mu     sync.Mutex
	events []models.BreakoutEvent
	err    error
}

func (s *recordingSink) Record(ctx context.Context, e models.BreakoutEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) Events() []models.BreakoutEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BreakoutEvent(nil), s.events...)
}

// Property: however many closes exceed the range high, the monitor emits
// exactly one event, for the first such close, and only if one exists.
func TestProperty_AtMostOneBreakoutPerMonitor(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("first close above high triggers once", prop.ForAll(
		func(closes []float64) bool {
			sink := &recordingSink{}
			m := NewBreakoutMonitor(models.OpeningRange{Symbol: "TCS", High: 100, Low: 95}, sink)

			first := -1
			for i, c := range closes {
				if first < 0 && c > 100 {
					first = i
				}
				m.HandleBar(context.Background(), closeBar(i, c))
			}

			events := sink.Events()
			if first < 0 {
				return len(events) == 0 && m.State() == models.StateWatching && m.Event() == nil
			}
			return len(events) == 1 &&
				events[0].ClosePrice == closes[first] &&
				events[0].OpeningRangeHigh == 100 &&
				m.State() == models.StateTriggered &&
				m.BarsSeen() == first+1
		},
		gen.SliceOf(gen.Float64Range(90, 110)),
	))

	properties.TestingRun(t)
}

func TestCloseEqualToHighIsNotABreakout(t *testing.T) {
	sink := &recordingSink{}
	m := NewBreakoutMonitor(models.OpeningRange{Symbol: "INFY", High: 102, Low: 98}, sink)

	triggered, err := m.HandleBar(context.Background(), closeBar(0, 102))
	if triggered || err != nil {
		t.Fatalf("HandleBar(102) = %v, %v", triggered, err)
	}
	if m.State() != models.StateWatching {
		t.Errorf("state = %v, want WATCHING", m.State())
	}

	triggered, _ = m.HandleBar(context.Background(), closeBar(1, 102.01))
	if !triggered {
		t.Error("102.01 should break out above 102")
	}
}

func TestInvalidBarStopsMonitor(t *testing.T) {
	m := NewBreakoutMonitor(models.OpeningRange{Symbol: "SBIN", High: 102, Low: 98}, nil)

	bad := closeBar(0, 0)
	_, err := m.HandleBar(context.Background(), bad)

	var barErr *errors.InvalidBarError
	if !errors.As(err, &barErr) || barErr.Field != "close" {
		t.Fatalf("err = %v, want InvalidBarError on close", err)
	}
	if !errors.Is(err, errors.ErrInvalidBar) {
		t.Errorf("err should wrap ErrInvalidBar")
	}
	if m.State() != models.StateStopped {
		t.Errorf("state = %v, want STOPPED", m.State())
	}

	// Terminal monitors ignore further bars.
	if triggered, _ := m.HandleBar(context.Background(), closeBar(1, 200)); triggered {
		t.Error("stopped monitor triggered")
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestSinkFailureStillTriggers(t *testing.T) {
	sink := &recordingSink{err: fmt.Errorf("disk full")}
	m := NewBreakoutMonitor(models.OpeningRange{Symbol: "ITC", High: 10, Low: 9}, sink,
		WithIDGenerator(func() string { return "evt-1" }))

	triggered, err := m.HandleBar(context.Background(), closeBar(0, 11))
	if !triggered {
		t.Fatal("expected trigger")
	}
	var symErr *errors.SymbolError
	if !errors.As(err, &symErr) || symErr.Phase != errors.PhaseRecord {
		t.Errorf("err = %v, want record SymbolError", err)
	}
	if m.State() != models.StateTriggered || m.Event() == nil || m.Event().ID != "evt-1" {
		t.Errorf("state %v event %+v", m.State(), m.Event())
	}
}

func TestStopIsNoOpAfterTrigger(t *testing.T) {
	m := NewBreakoutMonitor(models.OpeningRange{Symbol: "LT", High: 10, Low: 9}, nil)
	m.HandleBar(context.Background(), closeBar(0, 11))
	m.Stop(context.Canceled)

	if m.State() != models.StateTriggered {
		t.Errorf("state = %v, want TRIGGERED", m.State())
	}
	if m.Cause() != nil {
		t.Errorf("cause = %v, want nil", m.Cause())
	}
}

func TestRunScenarioBreakoutOnThirdBar(t *testing.T) {
	hub := stream.NewHub()
	sub, _ := hub.Subscribe("AAPL")
	for i, c := range []float64{100, 101, 103, 104} {
		hub.Publish("AAPL", closeBar(i, c))
	}

	sink := &recordingSink{}
	m := NewBreakoutMonitor(models.OpeningRange{Symbol: "AAPL", High: 102, Low: 98}, sink)
	if err := m.Run(context.Background(), sub); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := sink.Events()
	if len(events) != 1 || events[0].ClosePrice != 103 || events[0].OpeningRangeHigh != 102 {
		t.Fatalf("events = %+v", events)
	}
	if m.BarsSeen() != 3 {
		t.Errorf("bars seen = %d, want 3", m.BarsSeen())
	}
	if hub.SubscriberCount("AAPL") != 0 {
		t.Error("subscription not released after trigger")
	}
}

func TestRunStreamCloseStops(t *testing.T) {
	hub := stream.NewHub()
	sub, _ := hub.Subscribe("AAPL")
	for i, c := range []float64{99, 100, 101} {
		hub.Publish("AAPL", closeBar(i, c))
	}
	hub.Close("AAPL")

	sink := &recordingSink{}
	m := NewBreakoutMonitor(models.OpeningRange{Symbol: "AAPL", High: 102, Low: 98}, sink)
	if err := m.Run(context.Background(), sub); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.State() != models.StateStopped || m.Event() != nil || len(sink.Events()) != 0 {
		t.Errorf("state %v event %v sink %v", m.State(), m.Event(), sink.Events())
	}
	if !errors.Is(m.Cause(), errors.ErrStreamClosed) {
		t.Errorf("cause = %v, want ErrStreamClosed", m.Cause())
	}
}

func TestRunCancellationReleasesSubscription(t *testing.T) {
	hub := stream.NewHub()
	sub, _ := hub.Subscribe("WIPRO")
	m := NewBreakoutMonitor(models.OpeningRange{Symbol: "WIPRO", High: 102, Low: 98}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, sub) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancellation reported as failure: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if m.State() != models.StateStopped {
		t.Errorf("state = %v, want STOPPED", m.State())
	}
	if hub.SubscriberCount("WIPRO") != 0 {
		t.Error("subscription leaked")
	}
}

func TestRunIgnoresBarsAfterTriggerFromConcurrentPublisher(t *testing.T) {
	hub := stream.NewHub()
	sub, _ := hub.Subscribe("HDFC")
	sink := &recordingSink{}
	m := NewBreakoutMonitor(models.OpeningRange{Symbol: "HDFC", High: 50, Low: 40}, sink)

	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish("HDFC", closeBar(i, 45+float64(i)))
		}
	}()

	if err := m.Run(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	events := sink.Events()
	if len(events) != 1 || events[0].ClosePrice != 51 {
		t.Errorf("events = %+v, want single breakout at 51", events)
	}
}
