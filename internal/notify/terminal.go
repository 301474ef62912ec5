// Package notify renders run progress and delivers breakout notifications.
package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"orb-trader/internal/broker"
	"orb-trader/internal/models"
	"orb-trader/internal/trading"
	"orb-trader/pkg/utils"
)

// TerminalReporter prints per-symbol progress lines as a run advances.
// It implements trading.Observer and is safe for concurrent use; each
// line is written whole.
type TerminalReporter struct {
	mu       sync.Mutex
	w        io.Writer
	showBars bool

	header   *color.Color
	rng      *color.Color
	bar      *color.Color
	breakout *color.Color
	failure  *color.Color
	dim      *color.Color
}

// NewTerminalReporter creates a reporter writing to w.
func NewTerminalReporter(w io.Writer, colorEnabled bool) *TerminalReporter {
	r := &TerminalReporter{
		w:        w,
		showBars: true,
		header:   color.New(color.Bold),
		rng:      color.New(color.FgCyan),
		bar:      color.New(color.Reset),
		breakout: color.New(color.FgGreen, color.Bold),
		failure:  color.New(color.FgRed),
		dim:      color.New(color.Faint),
	}
	r.SetColorEnabled(colorEnabled)
	return r
}

// SetColorEnabled toggles ANSI colors for this reporter only.
func (r *TerminalReporter) SetColorEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range []*color.Color{r.header, r.rng, r.bar, r.breakout, r.failure, r.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// SetShowBars controls whether every live bar is printed.
func (r *TerminalReporter) SetShowBars(show bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.showBars = show
}

func (r *TerminalReporter) println(c *color.Color, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, c.Sprintf(format, args...))
}

// Requesting announces the historical requests about to be made.
func (r *TerminalReporter) Requesting(symbols []string, duration string, barMinutes int) {
	r.println(r.header, "Requesting %s of %s bars for %s",
		duration, broker.BarSize(barMinutes), strings.Join(symbols, ", "))
}

// OnRange prints the computed opening range.
func (r *TerminalReporter) OnRange(rng models.OpeningRange) {
	r.println(r.rng, "%s: Opening High Range = %s Low = %s",
		rng.Symbol, utils.FormatPrice(rng.High), utils.FormatPrice(rng.Low))
}

// OnFetchFailed prints a phase-1 failure for one symbol.
func (r *TerminalReporter) OnFetchFailed(symbol string, err error) {
	r.println(r.failure, "%s: failed to fetch opening range: %v", symbol, err)
}

// OnBar prints one live bar.
func (r *TerminalReporter) OnBar(symbol string, seq int, bar models.Bar) {
	r.mu.Lock()
	show := r.showBars
	r.mu.Unlock()
	if !show {
		return
	}
	r.println(r.bar, "%s", FormatBarLine(symbol, seq, bar))
}

// OnBreakout prints the breakout banner.
func (r *TerminalReporter) OnBreakout(event models.BreakoutEvent) {
	r.println(r.breakout, ">>> %s BREAKOUT at %s: closed %s above opening range high %s",
		event.Symbol, event.Timestamp.Format("15:04:05"),
		utils.FormatPrice(event.ClosePrice), utils.FormatPrice(event.OpeningRangeHigh))
}

// Fetched prints the tail of a fetched series with the request time.
func (r *TerminalReporter) Fetched(series models.BarSeries, tail int, elapsed time.Duration) {
	r.println(r.header, "%s: %d bars in %s", series.Symbol, series.Len(), utils.FormatElapsed(elapsed))
	bars := series.Last(tail)
	offset := series.Len() - len(bars)
	for i, b := range bars {
		r.println(r.dim, "%s", FormatBarLine(series.Symbol, offset+i+1, b))
	}
}

// Summary prints one line per symbol in run order.
func (r *TerminalReporter) Summary(report *trading.Report) {
	r.println(r.header, "Summary (%s)", utils.FormatElapsed(report.Elapsed()))
	for _, symbol := range report.Symbols {
		res, ok := report.Results[symbol]
		if !ok {
			continue
		}
		c, line := summaryLine(res)
		switch c {
		case outcomeTriggered:
			r.println(r.breakout, "%s", line)
		case outcomeFailed:
			r.println(r.failure, "%s", line)
		default:
			r.println(r.dim, "%s", line)
		}
	}
}

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeTriggered
	outcomeFailed
)

// summaryLine renders one result. A triggered monitor whose record failed
// still reads as triggered, with the error appended.
func summaryLine(res *trading.SymbolResult) (outcome, string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  %-12s ", res.Symbol)

	kind := outcomeStopped
	switch {
	case res.Event != nil:
		kind = outcomeTriggered
		fmt.Fprintf(&sb, "%-10s close %s > high %s at %s",
			"triggered", utils.FormatPrice(res.Event.ClosePrice),
			utils.FormatPrice(res.Event.OpeningRangeHigh), res.Event.Timestamp.Format("15:04:05"))
	case res.Err != nil:
		kind = outcomeFailed
		fmt.Fprintf(&sb, "%-10s", "failed")
	default:
		fmt.Fprintf(&sb, "%-10s after %d bars", res.State.String(), res.BarsSeen)
	}
	if res.Range != nil && res.Event == nil {
		fmt.Fprintf(&sb, " range %s-%s", utils.FormatPrice(res.Range.Low), utils.FormatPrice(res.Range.High))
	}
	if res.Err != nil {
		fmt.Fprintf(&sb, " (%v)", res.Err)
	}
	return kind, sb.String()
}

// FormatBarLine renders "[nn] SYM hh:mm:ss O= H= L= C=".
func FormatBarLine(symbol string, seq int, b models.Bar) string {
	return fmt.Sprintf("[%02d] %s %s O=%s H=%s L=%s C=%s",
		seq, symbol, b.Timestamp.Format("15:04:05"),
		utils.FormatPrice(b.Open), utils.FormatPrice(b.High),
		utils.FormatPrice(b.Low), utils.FormatPrice(b.Close))
}
