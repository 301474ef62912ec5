package trading

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/errgroup"

	"orb-trader/internal/analysis"
	"orb-trader/internal/broker"
	"orb-trader/internal/errors"
	"orb-trader/internal/logging"
	"orb-trader/internal/models"
	"orb-trader/pkg/utils"
)

// RangeStore persists computed opening ranges.
type RangeStore interface {
	SaveOpeningRange(ctx context.Context, r models.OpeningRange) error
}

// CoordinatorConfig controls a breakout run.
type CoordinatorConfig struct {
	WindowBars           int
	Duration             string
	BarMinutes           int
	RegularHoursOnly     bool
	Session              utils.Session
	Exchange             models.Exchange
	MaxConcurrentFetches int
	Timeout              time.Duration // zero runs until every monitor is terminal
}

// SymbolResult is the outcome of one symbol's fetch and monitor tasks.
// Range is nil when the fetch failed; Event is nil when no breakout fired.
type SymbolResult struct {
	Symbol       string
	Range        *models.OpeningRange
	State        models.MonitorState
	Event        *models.BreakoutEvent
	Err          error
	FetchElapsed time.Duration
	BarsSeen     int
}

// Report collects per-symbol results of a run.
type Report struct {
	Symbols  []string
	Results  map[string]*SymbolResult
	Started  time.Time
	Finished time.Time
}

// Events returns symbol -> breakout event, nil for symbols that never triggered.
func (r *Report) Events() map[string]*models.BreakoutEvent {
	out := make(map[string]*models.BreakoutEvent, len(r.Results))
	for symbol, res := range r.Results {
		out[symbol] = res.Event
	}
	return out
}

// Failed returns symbol -> error for every symbol that failed.
func (r *Report) Failed() map[string]error {
	out := make(map[string]error)
	for symbol, res := range r.Results {
		if res.Err != nil {
			out[symbol] = res.Err
		}
	}
	return out
}

// Triggered returns the symbols that broke out, sorted.
func (r *Report) Triggered() []string {
	var out []string
	for symbol, res := range r.Results {
		if res.Event != nil {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Elapsed returns the run duration.
func (r *Report) Elapsed() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Coordinator fans out opening-range fetches, then one BreakoutMonitor per
// symbol, and waits for every monitor to reach a terminal state.
type Coordinator struct {
	source   broker.DataSource
	sink     EventSink
	ranges   RangeStore
	observer Observer
	cfg      CoordinatorConfig
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator. sink may be nil.
func NewCoordinator(source broker.DataSource, sink EventSink, cfg CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	if cfg.WindowBars < 1 {
		cfg.WindowBars = 1
	}
	if cfg.Duration == "" {
		cfg.Duration = "1 day"
	}
	if cfg.BarMinutes < 1 {
		cfg.BarMinutes = 5
	}
	if cfg.MaxConcurrentFetches < 1 {
		cfg.MaxConcurrentFetches = 8
	}
	if cfg.Session.Location == nil {
		cfg.Session = utils.DefaultSession()
	}
	return &Coordinator{
		source:   source,
		sink:     sink,
		observer: NopObserver{},
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "coordinator"),
	}
}

// SetObserver sets the progress observer.
func (c *Coordinator) SetObserver(o Observer) {
	if o != nil {
		c.observer = o
	}
}

// SetRangeStore sets where computed ranges are persisted.
func (c *Coordinator) SetRangeStore(s RangeStore) {
	c.ranges = s
}

// Run connects the source and watches symbols until every monitor is
// terminal or ctx ends. Per-symbol failures are reported in the Report;
// only a connection failure or an empty symbol set is returned as an error.
func (c *Coordinator) Run(ctx context.Context, symbols []string) (*Report, error) {
	report, err := c.start(ctx, symbols)
	if err != nil {
		return nil, err
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	c.logger.Info().Strs("symbols", report.Symbols).Int("window_bars", c.cfg.WindowBars).Msg("Fetching opening ranges")
	c.fetchRanges(ctx, report)

	c.watchAll(ctx, report)

	c.finish(report)
	return report, nil
}

// Ranges connects the source and computes opening ranges without watching
// live bars. Results for symbols with a range stay in the Watching state.
func (c *Coordinator) Ranges(ctx context.Context, symbols []string) (*Report, error) {
	report, err := c.start(ctx, symbols)
	if err != nil {
		return nil, err
	}

	c.fetchRanges(ctx, report)
	c.finish(report)
	return report, nil
}

func (c *Coordinator) start(ctx context.Context, symbols []string) (*Report, error) {
	symbols = utils.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, errors.NewValidationError("symbols", symbols, "at least one symbol is required")
	}

	if err := c.source.Connect(ctx); err != nil {
		return nil, err
	}

	report := &Report{
		Symbols: symbols,
		Results: make(map[string]*SymbolResult, len(symbols)),
		Started: time.Now(),
	}
	// Every task writes only its own pre-allocated result.
	for _, symbol := range symbols {
		report.Results[symbol] = &SymbolResult{Symbol: symbol, State: models.StateWatching}
	}
	return report, nil
}

func (c *Coordinator) finish(report *Report) {
	report.Finished = time.Now()
	c.logger.Info().
		Int("triggered", len(report.Triggered())).
		Int("failed", len(report.Failed())).
		Dur("elapsed", report.Elapsed()).
		Msg("Run finished")
}

// fetchRanges runs phase one: one bounded, isolated fetch per symbol.
func (c *Coordinator) fetchRanges(ctx context.Context, report *Report) {
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrentFetches)

	for _, symbol := range report.Symbols {
		res := report.Results[symbol]
		g.Go(func() error {
			var catcher panics.Catcher
			catcher.Try(func() {
				c.fetchRange(ctx, res)
			})
			if r := catcher.Recovered(); r != nil {
				res.Range = nil
				res.Err = errors.NewSymbolError(res.Symbol, errors.PhaseFetch, r.AsError())
				c.logger.Error().Str("symbol", res.Symbol).Str("panic", r.String()).Msg("Fetch task panicked")
			}
			if res.Err != nil {
				res.State = models.StateStopped
				c.observer.OnFetchFailed(res.Symbol, res.Err)
			}
			// Failures are per symbol and never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) fetchRange(ctx context.Context, res *SymbolResult) {
	start := time.Now()
	series, err := c.source.FetchHistorical(ctx, broker.HistoricalRequest{
		Symbol:     res.Symbol,
		Exchange:   c.cfg.Exchange,
		Duration:   c.cfg.Duration,
		BarMinutes: c.cfg.BarMinutes,
	})
	res.FetchElapsed = time.Since(start)
	if err != nil && isCancellation(ctx, err) {
		res.State = models.StateStopped
		c.logger.Debug().Str("symbol", res.Symbol).Msg("Fetch cancelled")
		return
	}
	if err != nil {
		logging.LogFetchFailure(c.logger, res.Symbol, res.FetchElapsed, err)
		res.Err = errors.NewSymbolError(res.Symbol, errors.PhaseFetch, err)
		return
	}

	if c.cfg.RegularHoursOnly {
		series = analysis.FilterSession(series, c.cfg.Session)
	}

	rng, err := analysis.ComputeOpeningRange(series, c.cfg.WindowBars)
	if err != nil {
		logging.LogFetchFailure(c.logger, res.Symbol, res.FetchElapsed, err)
		res.Err = errors.NewSymbolError(res.Symbol, errors.PhaseFetch, err)
		return
	}
	res.Range = &rng
	logging.LogOpeningRange(c.logger, rng)
	c.observer.OnRange(rng)

	if c.ranges != nil {
		if err := c.ranges.SaveOpeningRange(ctx, rng); err != nil {
			c.logger.Warn().Err(err).Str("symbol", res.Symbol).Msg("Failed to persist opening range")
		}
	}
}

// isCancellation reports whether err is ctx ending rather than a fault.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// watchAll runs phase two: one monitor per symbol with a range. It returns
// only after every monitor has stopped and released its subscription.
func (c *Coordinator) watchAll(ctx context.Context, report *Report) {
	var wg conc.WaitGroup
	for _, symbol := range report.Symbols {
		res := report.Results[symbol]
		if res.Range == nil {
			continue
		}
		wg.Go(func() {
			c.watch(ctx, res)
		})
	}
	wg.Wait()
}

func (c *Coordinator) watch(ctx context.Context, res *SymbolResult) {
	if ctx.Err() != nil {
		res.State = models.StateStopped
		return
	}

	sub, err := c.source.SubscribeLive(ctx, res.Symbol)
	if err != nil {
		res.State = models.StateStopped
		res.Err = errors.NewSymbolError(res.Symbol, errors.PhaseMonitor, err)
		c.logger.Warn().Err(err).Str("symbol", res.Symbol).Msg("Live subscription failed")
		return
	}

	monitor := NewBreakoutMonitor(*res.Range, c.sink, WithObserver(c.observer), WithLogger(c.logger))

	var catcher panics.Catcher
	catcher.Try(func() {
		monitor.Run(ctx, sub)
	})
	if r := catcher.Recovered(); r != nil {
		sub.Unsubscribe()
		monitor.fail(fmt.Errorf("monitor panicked: %w", r.AsError()))
		c.logger.Error().Str("symbol", res.Symbol).Str("panic", r.String()).Msg("Monitor task panicked")
	}

	res.State = monitor.State()
	res.Event = monitor.Event()
	res.BarsSeen = monitor.BarsSeen()
	if err := monitor.Err(); err != nil {
		var symErr *errors.SymbolError
		if errors.As(err, &symErr) {
			res.Err = err
		} else {
			res.Err = errors.NewSymbolError(res.Symbol, errors.PhaseMonitor, err)
		}
	}
}
