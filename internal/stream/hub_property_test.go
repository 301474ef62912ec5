package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"orb-trader/internal/errors"
	"orb-trader/internal/models"
)

func testBar(i int) models.Bar {
	ts := time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC).Add(time.Duration(i) * 5 * time.Second)
	p := 100 + float64(i)
	return models.Bar{Timestamp: ts, Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 10}
}

// Property: every subscriber of a symbol reads every published bar in
// publish order, regardless of how many subscribers or bars there are.
func TestProperty_SubscribersReceiveBarsInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("bars arrive complete and ordered", prop.ForAll(
		func(subscriberCount int, barCount int) bool {
			hub := NewHub()
			subs := make([]*Subscription, subscriberCount)
			for i := range subs {
				sub, err := hub.Subscribe("RELIANCE")
				if err != nil {
					return false
				}
				subs[i] = sub
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var wg sync.WaitGroup
			ok := make([]bool, subscriberCount)
			for i, sub := range subs {
				wg.Add(1)
				go func(idx int, sub *Subscription) {
					defer wg.Done()
					for n := 0; n < barCount; n++ {
						bar, err := sub.Next(ctx)
						if err != nil || !bar.Timestamp.Equal(testBar(n).Timestamp) {
							return
						}
					}
					ok[idx] = true
				}(i, sub)
			}

			for n := 0; n < barCount; n++ {
				hub.Publish("RELIANCE", testBar(n))
			}
			wg.Wait()

			for _, v := range ok {
				if !v {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

func TestSymbolsAreIsolated(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Subscribe("TCS")
	b, _ := hub.Subscribe("INFY")

	hub.Publish("TCS", testBar(1))

	if a.Pending() != 1 {
		t.Errorf("TCS pending = %d, want 1", a.Pending())
	}
	if b.Pending() != 0 {
		t.Errorf("INFY pending = %d, want 0", b.Pending())
	}
}

func TestCloseDrainsThenReportsStreamClosed(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe("SBIN")
	hub.Publish("SBIN", testBar(0))
	hub.Publish("SBIN", testBar(1))
	hub.Close("SBIN")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := sub.Next(ctx); err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
	}
	if _, err := sub.Next(ctx); !errors.Is(err, errors.ErrStreamClosed) {
		t.Errorf("err = %v, want ErrStreamClosed", err)
	}
	if n := hub.Publish("SBIN", testBar(2)); n != 0 {
		t.Errorf("delivered %d bars after close", n)
	}
}

func TestUnsubscribeIsIdempotentAndWakesReader(t *testing.T) {
	hub := NewHub()
	idle := make(chan string, 2)
	hub.OnIdle(func(symbol string) { idle <- symbol })

	sub, _ := hub.Subscribe("ITC")

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case err := <-done:
		if !errors.Is(err, errors.ErrUnsubscribed) {
			t.Errorf("err = %v, want ErrUnsubscribed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Unsubscribe")
	}

	if got := <-idle; got != "ITC" {
		t.Errorf("idle symbol = %s", got)
	}
	select {
	case s := <-idle:
		t.Errorf("onIdle fired twice (%s)", s)
	default:
	}
	if hub.SubscriberCount("ITC") != 0 {
		t.Errorf("subscriber still registered")
	}
}

func TestUnsubscribeFromConsumerDropsQueuedBars(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe("LT")
	for i := 0; i < 3; i++ {
		hub.Publish("LT", testBar(i))
	}

	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()

	if _, err := sub.Next(context.Background()); !errors.Is(err, errors.ErrUnsubscribed) {
		t.Errorf("err = %v, want ErrUnsubscribed", err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe("HDFC")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestStopRejectsNewSubscriptions(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe("AXIS")
	hub.Stop()
	hub.Stop()

	if _, err := sub.Next(context.Background()); !errors.Is(err, errors.ErrStreamClosed) {
		t.Errorf("err = %v, want ErrStreamClosed", err)
	}
	if _, err := hub.Subscribe("AXIS"); err == nil {
		t.Error("Subscribe after Stop should fail")
	}
}

func TestMetrics(t *testing.T) {
	hub := NewHub()
	hub.Subscribe("A")
	hub.Subscribe("A")
	hub.Publish("A", testBar(0))
	hub.Publish("B", testBar(0))

	m := hub.Metrics()
	if m.BarsPublished != 2 || m.BarsDelivered != 2 || m.BarsOrphaned != 1 || m.Subscribers != 2 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestAggregatorBuildsBars(t *testing.T) {
	var mu sync.Mutex
	var got []models.Bar
	agg := NewAggregator(5*time.Second, func(symbol string, bar models.Bar) {
		mu.Lock()
		got = append(got, bar)
		mu.Unlock()
	})

	base := time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC)
	ticks := []models.Tick{
		{Symbol: "TCS", LTP: 100, Volume: 1000, Timestamp: base},
		{Symbol: "TCS", LTP: 103, Volume: 1010, Timestamp: base.Add(1 * time.Second)},
		{Symbol: "TCS", LTP: 99, Volume: 1030, Timestamp: base.Add(4 * time.Second)},
		{Symbol: "TCS", LTP: 101, Volume: 1040, Timestamp: base.Add(5 * time.Second)},
		{Symbol: "TCS", LTP: 50, Volume: 1040, Timestamp: base.Add(3 * time.Second)}, // late
	}
	for _, tk := range ticks {
		agg.AddTick(tk)
	}

	if len(got) != 1 {
		t.Fatalf("emitted %d bars, want 1", len(got))
	}
	b := got[0]
	if b.Open != 100 || b.High != 103 || b.Low != 99 || b.Close != 99 || b.Volume != 30 {
		t.Errorf("unexpected bar %+v", b)
	}
	if !b.Timestamp.Equal(base) {
		t.Errorf("bar time = %v, want %v", b.Timestamp, base)
	}

	agg.Flush("TCS")
	if len(got) != 2 || got[1].Close != 101 || got[1].Volume != 10 {
		t.Errorf("flush produced %+v", got)
	}
}

func TestPollerPublishesCompletedBarsOnce(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe("INFY")

	base := time.Date(2024, 3, 6, 9, 15, 0, 0, time.UTC)
	width := 5 * time.Minute
	bars := []models.Bar{
		{Timestamp: base, Close: 1},
		{Timestamp: base.Add(width), Close: 2},
		{Timestamp: base.Add(2 * width), Close: 3},
	}
	p := NewPoller(hub, func(ctx context.Context, symbol string) ([]models.Bar, error) {
		return bars, nil
	}, time.Hour, width, zerolog.Nop())
	p.now = func() time.Time { return base.Add(2*width + time.Minute) }

	last := p.poll(context.Background(), "INFY", base)
	if !last.Equal(base.Add(width)) {
		t.Errorf("mark = %v, want second bar", last)
	}
	// Second poll with the same data publishes nothing new.
	p.poll(context.Background(), "INFY", last)

	if sub.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 (forming bar held back)", sub.Pending())
	}
	bar, _ := sub.Next(context.Background())
	if bar.Close != 2 {
		t.Errorf("published close %v, want 2", bar.Close)
	}

	p.now = func() time.Time { return base.Add(3 * width) }
	p.poll(context.Background(), "INFY", last)
	if sub.Pending() != 1 {
		t.Errorf("completed third bar not published")
	}
}

func TestPollerWatchAndClose(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe("WIPRO")
	base := time.Now().Add(-time.Hour).Truncate(time.Minute)

	p := NewPoller(hub, func(ctx context.Context, symbol string) ([]models.Bar, error) {
		return []models.Bar{{Timestamp: base, Close: 10}}, nil
	}, 5*time.Millisecond, time.Minute, zerolog.Nop())

	ctx := context.Background()
	p.Watch(ctx, "WIPRO", base.Add(-time.Minute))
	p.Watch(ctx, "WIPRO", base.Add(-time.Minute))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := sub.Next(waitCtx); err != nil {
		t.Fatalf("no bar polled: %v", err)
	}
	p.Close()
	if sub.Pending() != 0 {
		t.Errorf("bar published more than once")
	}
}
