package stream

import (
	"sync"
	"time"

	"orb-trader/internal/models"
)

// Aggregator folds ticks into fixed-width bars. A bar is emitted when the
// first tick of the next bucket arrives, or on Flush.
type Aggregator struct {
	width time.Duration
	emit  func(symbol string, bar models.Bar)

	mu         sync.Mutex
	current    map[string]*models.Bar
	lastVolume map[string]int64
}

// NewAggregator creates an aggregator emitting width-sized bars.
func NewAggregator(width time.Duration, emit func(symbol string, bar models.Bar)) *Aggregator {
	if width <= 0 {
		width = 5 * time.Second
	}
	return &Aggregator{
		width:      width,
		emit:       emit,
		current:    make(map[string]*models.Bar),
		lastVolume: make(map[string]int64),
	}
}

// Width returns the bar width.
func (a *Aggregator) Width() time.Duration {
	return a.width
}

// AddTick folds one tick into its symbol's open bar. Ticks older than the
// open bar are ignored.
func (a *Aggregator) AddTick(tick models.Tick) {
	if tick.Symbol == "" || tick.LTP <= 0 {
		return
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}
	bucket := tick.Timestamp.Truncate(a.width)

	var completed *models.Bar

	a.mu.Lock()
	// Tick volume is cumulative for the day.
	var traded int64
	if prev, ok := a.lastVolume[tick.Symbol]; ok && tick.Volume > prev {
		traded = tick.Volume - prev
	}
	if tick.Volume > 0 {
		a.lastVolume[tick.Symbol] = tick.Volume
	}

	cur := a.current[tick.Symbol]
	if cur != nil && bucket.Before(cur.Timestamp) {
		a.mu.Unlock()
		return
	}
	if cur != nil && bucket.After(cur.Timestamp) {
		done := *cur
		completed = &done
		cur = nil
	}
	if cur == nil {
		cur = &models.Bar{
			Timestamp: bucket,
			Open:      tick.LTP,
			High:      tick.LTP,
			Low:       tick.LTP,
			Close:     tick.LTP,
		}
		a.current[tick.Symbol] = cur
	}
	if tick.LTP > cur.High {
		cur.High = tick.LTP
	}
	if tick.LTP < cur.Low {
		cur.Low = tick.LTP
	}
	cur.Close = tick.LTP
	cur.Volume += traded
	a.mu.Unlock()

	if completed != nil {
		a.emit(tick.Symbol, *completed)
	}
}

// Flush emits the open bar for symbol, if any.
func (a *Aggregator) Flush(symbol string) {
	a.mu.Lock()
	cur := a.current[symbol]
	delete(a.current, symbol)
	a.mu.Unlock()

	if cur != nil {
		a.emit(symbol, *cur)
	}
}

// Drop discards symbol's open bar without emitting it.
func (a *Aggregator) Drop(symbol string) {
	a.mu.Lock()
	delete(a.current, symbol)
	delete(a.lastVolume, symbol)
	a.mu.Unlock()
}
