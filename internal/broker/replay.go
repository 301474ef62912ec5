package broker

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog"

	"orb-trader/internal/errors"
	"orb-trader/internal/models"
	"orb-trader/internal/stream"
	"orb-trader/pkg/utils"
)

// replayRow is one CSV record. Prices stay strings so a blank field becomes
// an invalid bar instead of a parse failure for the whole file.
type replayRow struct {
	Symbol    string `csv:"symbol"`
	Timestamp string `csv:"timestamp"`
	Open      string `csv:"open"`
	High      string `csv:"high"`
	Low       string `csv:"low"`
	Close     string `csv:"close"`
	Volume    string `csv:"volume"`
}

// ReplayConfig configures a ReplaySource.
type ReplayConfig struct {
	Path                string
	Session             utils.Session
	OpeningRangeMinutes int
	Interval            time.Duration // pause between replayed bars
	Logger              zerolog.Logger
}

// ReplaySource serves recorded bars from a CSV file. Bars inside the
// opening range of their day are history; later bars are replayed as the
// live stream, which closes when the file runs out.
type ReplaySource struct {
	cfg    ReplayConfig
	logger zerolog.Logger
	hub    *stream.Hub

	mu        sync.Mutex
	connected bool
	history   map[string][]models.Bar
	live      map[string][]models.Bar
	replays   map[string]context.CancelFunc
	finished  map[string]bool
	wg        sync.WaitGroup
}

// NewReplaySource creates a replay source for the CSV at cfg.Path.
func NewReplaySource(cfg ReplayConfig) *ReplaySource {
	if cfg.Session.Location == nil {
		cfg.Session = utils.DefaultSession()
	}
	r := &ReplaySource{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "replay").Logger(),
		hub:      stream.NewHub(),
		replays:  make(map[string]context.CancelFunc),
		finished: make(map[string]bool),
	}
	r.hub.OnIdle(r.stopReplay)
	return r
}

// Name returns the source name.
func (r *ReplaySource) Name() string {
	return "replay"
}

// Connect loads and splits the recording.
func (r *ReplaySource) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}

	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return errors.NewDataSourceError(errors.OpConnect, "",
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err))
	}
	defer f.Close()

	var rows []*replayRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return errors.NewDataSourceError(errors.OpConnect, "",
			fmt.Errorf("%w: %s: %v", errors.ErrConnectionFailed, r.cfg.Path, err))
	}

	bySymbol := make(map[string][]models.Bar)
	for i, row := range rows {
		bar, err := r.parseRow(row)
		if err != nil {
			return errors.NewDataSourceError(errors.OpConnect, row.Symbol,
				fmt.Errorf("%w: row %d: %v", errors.ErrConnectionFailed, i+2, err))
		}
		symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
		bySymbol[symbol] = append(bySymbol[symbol], bar)
	}

	r.history = make(map[string][]models.Bar, len(bySymbol))
	r.live = make(map[string][]models.Bar, len(bySymbol))
	for symbol, bars := range bySymbol {
		sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
		cutoff := r.cfg.Session.OpenOn(bars[0].Timestamp).Add(time.Duration(r.cfg.OpeningRangeMinutes) * time.Minute)
		split := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(cutoff) })
		r.history[symbol] = bars[:split]
		r.live[symbol] = bars[split:]
	}

	r.logger.Info().Str("file", r.cfg.Path).Int("symbols", len(bySymbol)).Int("rows", len(rows)).Msg("Loaded replay file")
	r.connected = true
	return nil
}

func (r *ReplaySource) parseRow(row *replayRow) (models.Bar, error) {
	ts, err := parseReplayTime(row.Timestamp, r.cfg.Session.Location)
	if err != nil {
		return models.Bar{}, err
	}
	var volume int64
	if v := strings.TrimSpace(row.Volume); v != "" {
		if volume, err = strconv.ParseInt(v, 10, 64); err != nil {
			return models.Bar{}, fmt.Errorf("volume %q: %w", row.Volume, err)
		}
	}
	return models.Bar{
		Timestamp: ts,
		Open:      parsePrice(row.Open),
		High:      parsePrice(row.High),
		Low:       parsePrice(row.Low),
		Close:     parsePrice(row.Close),
		Volume:    volume,
	}, nil
}

// parsePrice maps blank or malformed prices to NaN.
func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseReplayTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "20060102 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Close stops all replays and ends every stream.
func (r *ReplaySource) Close() error {
	r.mu.Lock()
	r.connected = false
	for symbol, cancel := range r.replays {
		cancel()
		delete(r.replays, symbol)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.hub.Stop()
	return nil
}

// FetchHistorical returns the recorded opening-range bars for a symbol.
// The lookback is validated but the whole recorded history is returned.
func (r *ReplaySource) FetchHistorical(ctx context.Context, req HistoricalRequest) (models.BarSeries, error) {
	if _, err := ParseDuration(req.Duration); err != nil {
		return models.NewBarSeries(req.Symbol, nil), err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return models.NewBarSeries(req.Symbol, nil), errors.NewDataSourceError(errors.OpFetch, req.Symbol, errors.ErrNotConnected)
	}
	bars, ok := r.history[req.Symbol]
	if !ok {
		return models.NewBarSeries(req.Symbol, nil), errors.NewDataSourceError(errors.OpFetch, req.Symbol, errors.ErrSymbolNotFound)
	}
	out := make([]models.Bar, len(bars))
	copy(out, bars)
	return models.NewBarSeries(req.Symbol, out), nil
}

// SubscribeLive starts replaying the symbol's post-range bars.
func (r *ReplaySource) SubscribeLive(ctx context.Context, symbol string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil, errors.NewDataSourceError(errors.OpStream, symbol, errors.ErrNotConnected)
	}
	bars, ok := r.live[symbol]
	if !ok {
		return nil, errors.NewDataSourceError(errors.OpStream, symbol, errors.ErrSymbolNotFound)
	}

	sub, err := r.hub.Subscribe(symbol)
	if err != nil {
		return nil, errors.NewDataSourceError(errors.OpStream, symbol, err)
	}

	if r.finished[symbol] {
		r.hub.Close(symbol)
		return sub, nil
	}
	if _, running := r.replays[symbol]; !running {
		rctx, cancel := context.WithCancel(context.Background())
		r.replays[symbol] = cancel
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.replay(rctx, symbol, bars)
		}()
	}
	return sub, nil
}

func (r *ReplaySource) replay(ctx context.Context, symbol string, bars []models.Bar) {
	for _, bar := range bars {
		if r.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.Interval):
			}
		} else if ctx.Err() != nil {
			return
		}
		r.hub.Publish(symbol, bar)
	}
	r.logger.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("Replay finished")
	r.mu.Lock()
	r.finished[symbol] = true
	delete(r.replays, symbol)
	r.mu.Unlock()
	r.hub.Close(symbol)
}

func (r *ReplaySource) stopReplay(symbol string) {
	r.mu.Lock()
	cancel, ok := r.replays[symbol]
	delete(r.replays, symbol)
	r.mu.Unlock()

	if ok {
		cancel()
	}
}
