// Package models provides domain models for the opening range breakout tracker.
package models

import (
	"fmt"
	"math"
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	MCX Exchange = "MCX" // Commodity
)

// Bar represents OHLCV data for a time period.
// A bar is immutable once received.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Validate reports which field makes the bar unusable, or "" if it is fine.
// A zero, negative or NaN close is treated as missing.
func (b Bar) Validate() string {
	switch {
	case math.IsNaN(b.Close) || math.IsInf(b.Close, 0) || b.Close <= 0:
		return "close"
	case math.IsNaN(b.High) || math.IsNaN(b.Low):
		return "high/low"
	case b.High < b.Low:
		return "high/low"
	case b.Timestamp.IsZero():
		return "timestamp"
	}
	return ""
}

// String renders the bar the way progress lines show it.
func (b Bar) String() string {
	return fmt.Sprintf("%s O=%.2f H=%.2f L=%.2f C=%.2f V=%d",
		b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// BarSeries is an ordered sequence of bars for one symbol.
// Insertion order is time order.
type BarSeries struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

// NewBarSeries creates a series for symbol.
func NewBarSeries(symbol string, bars []Bar) BarSeries {
	return BarSeries{Symbol: symbol, Bars: bars}
}

// Len returns the number of bars.
func (s BarSeries) Len() int {
	return len(s.Bars)
}

// IsEmpty reports whether the series holds no bars.
func (s BarSeries) IsEmpty() bool {
	return len(s.Bars) == 0
}

// First returns up to n leading bars. Short series are returned whole.
func (s BarSeries) First(n int) []Bar {
	if n < 0 {
		n = 0
	}
	if n > len(s.Bars) {
		n = len(s.Bars)
	}
	return s.Bars[:n]
}

// Last returns up to n trailing bars.
func (s BarSeries) Last(n int) []Bar {
	if n < 0 {
		n = 0
	}
	if n > len(s.Bars) {
		n = len(s.Bars)
	}
	return s.Bars[len(s.Bars)-n:]
}

// Between returns the bars with from <= timestamp < to.
func (s BarSeries) Between(from, to time.Time) []Bar {
	var out []Bar
	for _, b := range s.Bars {
		if b.Timestamp.Before(from) || !b.Timestamp.Before(to) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// OpeningRange is the high/low band of the first bars of a session.
// It is computed once per symbol and never mutated.
type OpeningRange struct {
	Symbol     string    `json:"symbol"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	WindowBars int       `json:"window_bars"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Width returns High - Low.
func (r OpeningRange) Width() float64 {
	return r.High - r.Low
}

// BreakoutEvent records the first close above the opening range high.
type BreakoutEvent struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Timestamp        time.Time `json:"timestamp"`
	ClosePrice       float64   `json:"close_price"`
	OpeningRangeHigh float64   `json:"opening_range_high"`
}

// LogLine formats the event as a single breakout log line.
func (e BreakoutEvent) LogLine() string {
	return fmt.Sprintf("%s %s broke out, closed at %.2f, which was above %.2f",
		e.Timestamp.Format(time.RFC3339), e.Symbol, e.ClosePrice, e.OpeningRangeHigh)
}

// MonitorState is the lifecycle state of a breakout monitor.
type MonitorState int

const (
	StateWatching MonitorState = iota
	StateTriggered
	StateStopped
)

func (s MonitorState) String() string {
	switch s {
	case StateWatching:
		return "WATCHING"
	case StateTriggered:
		return "TRIGGERED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s MonitorState) IsTerminal() bool {
	return s == StateTriggered || s == StateStopped
}

// Tick represents real-time market data from a websocket feed.
type Tick struct {
	Symbol    string
	LTP       float64
	Volume    int64
	Timestamp time.Time
}

// Instrument represents a tradeable instrument.
type Instrument struct {
	Token    uint32
	Symbol   string
	Name     string
	Exchange Exchange
	Segment  string
	TickSize float64
}
