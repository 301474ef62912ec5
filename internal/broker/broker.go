// Package broker provides market-data source interfaces and implementations.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"orb-trader/internal/errors"
	"orb-trader/internal/models"
	"orb-trader/pkg/utils"
)

// DataSource provides historical bars and live bar streams.
// Implementations must allow concurrent calls from many symbol tasks.
type DataSource interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	FetchHistorical(ctx context.Context, req HistoricalRequest) (models.BarSeries, error)
	SubscribeLive(ctx context.Context, symbol string) (Subscription, error)
}

// Subscription is a handle on one symbol's live bar stream.
type Subscription interface {
	Symbol() string
	// Next returns bars in arrival order. It fails with ErrStreamClosed once
	// the source ends the stream, ErrUnsubscribed after Unsubscribe, or the
	// context error.
	Next(ctx context.Context) (models.Bar, error)
	// Unsubscribe is idempotent and may be called from any goroutine.
	Unsubscribe()
}

// HistoricalRequest represents a request for historical data.
type HistoricalRequest struct {
	Symbol     string
	Exchange   models.Exchange
	Duration   string // "1 day", "2 D", "90 mins"
	BarMinutes int
	End        time.Time // zero means now
}

// Lookback is a parsed duration such as "1 day". Day-based lookbacks are
// aligned to session opens; others are plain spans.
type Lookback struct {
	Days int
	Span time.Duration
}

// ParseDuration parses durations such as "1 day", "2 D", "1 W", "90 mins" or "3600 S".
func ParseDuration(s string) (Lookback, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return Lookback{}, errors.Wrapf(errors.ErrInvalidDuration, "%q", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 1 {
		return Lookback{}, errors.Wrapf(errors.ErrInvalidDuration, "%q", s)
	}

	switch strings.ToLower(fields[1]) {
	case "d", "day", "days":
		return Lookback{Days: n}, nil
	case "w", "week", "weeks":
		return Lookback{Days: 5 * n}, nil
	case "h", "hour", "hours":
		return Lookback{Span: time.Duration(n) * time.Hour}, nil
	case "min", "mins", "minute", "minutes":
		return Lookback{Span: time.Duration(n) * time.Minute}, nil
	case "s", "sec", "secs", "second", "seconds":
		return Lookback{Span: time.Duration(n) * time.Second}, nil
	}
	return Lookback{}, errors.Wrapf(errors.ErrInvalidDuration, "unknown unit in %q", s)
}

// From returns the start of the lookback window ending at end.
func (l Lookback) From(end time.Time, session utils.Session) time.Time {
	if l.Days == 0 {
		return end.Add(-l.Span)
	}
	from := session.LastOpen(end)
	for i := 1; i < l.Days; i++ {
		from = session.LastOpen(from.Add(-time.Minute))
	}
	return from
}

// BarSize renders a bar width the way progress output shows it.
func BarSize(minutes int) string {
	if minutes == 1 {
		return "1 min"
	}
	return fmt.Sprintf("%d mins", minutes)
}

// KiteInterval maps a bar width in minutes to a Kite Connect interval.
func KiteInterval(minutes int) (string, error) {
	switch minutes {
	case 1:
		return "minute", nil
	case 3, 5, 10, 15, 30, 60:
		return fmt.Sprintf("%dminute", minutes), nil
	}
	return "", errors.NewValidationError("bar_interval_minutes", minutes, "unsupported by Kite (1, 3, 5, 10, 15, 30, 60)")
}
