package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"orb-trader/internal/errors"
	"orb-trader/internal/models"
	"orb-trader/internal/resilience"
	"orb-trader/internal/security"
	"orb-trader/internal/stream"
	"orb-trader/pkg/utils"
)

// Live modes for ZerodhaSource.
const (
	LiveTicker = "ticker"
	LivePoll   = "poll"
)

// ZerodhaConfig holds configuration for the Kite Connect data source.
type ZerodhaConfig struct {
	APIKey       string
	AccessToken  string
	Exchange     models.Exchange
	Session      utils.Session
	LiveMode     string        // ticker or poll
	LiveBarWidth time.Duration // ticker mode bar width
	BarMinutes   int           // poll mode interval
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// kiteClient is the subset of the Kite REST client used here.
type kiteClient interface {
	SetAccessToken(accessToken string)
	GetUserProfile() (kiteconnect.UserProfile, error)
	GetInstruments() (kiteconnect.Instruments, error)
	GetHistoricalData(instrumentToken int, interval string, fromDate time.Time, toDate time.Time, continuous bool, OI bool) ([]kiteconnect.HistoricalData, error)
}

// ZerodhaSource implements DataSource on Zerodha Kite Connect.
type ZerodhaSource struct {
	cfg    ZerodhaConfig
	client kiteClient
	logger zerolog.Logger

	hub    *stream.Hub
	ticker *ZerodhaTicker
	agg    *stream.Aggregator
	poller *stream.Poller

	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter

	mu          sync.RWMutex
	connected   bool
	instruments map[string]models.Instrument
	loaded      bool
	loadMu      sync.Mutex

	pollCtx    context.Context
	pollCancel context.CancelFunc
}

// NewZerodhaSource creates a new Zerodha data source.
func NewZerodhaSource(cfg ZerodhaConfig) *ZerodhaSource {
	if cfg.Exchange == "" {
		cfg.Exchange = models.NSE
	}
	if cfg.LiveMode == "" {
		cfg.LiveMode = LiveTicker
	}
	if cfg.BarMinutes <= 0 {
		cfg.BarMinutes = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Session.Location == nil {
		cfg.Session = utils.DefaultSession()
	}
	return newZerodhaSource(cfg, kiteconnect.New(cfg.APIKey))
}

func newZerodhaSource(cfg ZerodhaConfig, client kiteClient) *ZerodhaSource {
	s := &ZerodhaSource{
		cfg:         cfg,
		client:      client,
		logger:      cfg.Logger.With().Str("component", "zerodha").Logger(),
		hub:         stream.NewHub(),
		instruments: make(map[string]models.Instrument),
	}
	// Kite allows three historical requests per second.
	s.limiter = resilience.NewRateLimiter(3, 3)
	s.breaker = resilience.NewCircuitBreaker("kite-historical", resilience.DefaultCircuitBreakerConfig())
	s.breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		s.logger.Warn().Str("breaker", name).Str("from", string(from)).Str("to", string(to)).Msg("Circuit breaker state changed")
	})
	s.hub.OnIdle(s.release)
	return s
}

// Name returns the source name.
func (s *ZerodhaSource) Name() string {
	return "zerodha"
}

// Connect verifies the access token and opens the live feed.
func (s *ZerodhaSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.cfg.APIKey == "" || s.cfg.AccessToken == "" {
		return errors.NewDataSourceError(errors.OpConnect, "",
			errors.Wrap(errors.ErrConnectionFailed, "api key and access token are required"))
	}

	s.client.SetAccessToken(s.cfg.AccessToken)
	profile, err := s.client.GetUserProfile()
	if err != nil {
		return errors.NewDataSourceError(errors.OpConnect, "",
			fmt.Errorf("%w: %s", errors.ErrConnectionFailed,
				security.Redact(err.Error(), s.cfg.APIKey, s.cfg.AccessToken)))
	}
	s.logger.Info().Str("user", profile.UserID).Msg("Connected to Kite")

	switch s.cfg.LiveMode {
	case LivePoll:
		s.pollCtx, s.pollCancel = context.WithCancel(context.Background())
		s.poller = stream.NewPoller(s.hub, s.pollBars, s.cfg.PollInterval,
			time.Duration(s.cfg.BarMinutes)*time.Minute, s.logger)
	default:
		s.agg = stream.NewAggregator(s.cfg.LiveBarWidth, func(symbol string, bar models.Bar) {
			s.hub.Publish(symbol, bar)
		})
		s.ticker = NewZerodhaTicker(s.cfg.APIKey, s.cfg.AccessToken)
		s.ticker.OnTick(s.agg.AddTick)
		s.ticker.OnError(func(err error) {
			s.logger.Warn().Err(err).Msg("Ticker error")
		})
		s.ticker.OnEnd(func() {
			s.logger.Warn().Msg("Ticker gave up reconnecting, closing live streams")
			for _, symbol := range s.hub.Symbols() {
				s.agg.Flush(symbol)
			}
			s.hub.Stop()
		})
		if err := s.ticker.Connect(ctx); err != nil {
			return errors.NewDataSourceError(errors.OpConnect, "",
				fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err))
		}
	}

	s.connected = true
	return nil
}

// Close ends every live stream and releases the feed.
func (s *ZerodhaSource) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	s.mu.Unlock()

	var err error
	if s.poller != nil {
		s.pollCancel()
		s.poller.Close()
	}
	if s.ticker != nil {
		err = s.ticker.Disconnect()
	}
	s.hub.Stop()
	return err
}

func (s *ZerodhaSource) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// FetchHistorical fetches bars for the requested lookback.
func (s *ZerodhaSource) FetchHistorical(ctx context.Context, req HistoricalRequest) (models.BarSeries, error) {
	series := models.NewBarSeries(req.Symbol, nil)
	if !s.isConnected() {
		return series, errors.NewDataSourceError(errors.OpFetch, req.Symbol, errors.ErrNotConnected)
	}

	lookback, err := ParseDuration(req.Duration)
	if err != nil {
		return series, err
	}
	interval, err := KiteInterval(req.BarMinutes)
	if err != nil {
		return series, err
	}

	exchange := req.Exchange
	if exchange == "" {
		exchange = s.cfg.Exchange
	}
	token, err := s.instrumentToken(req.Symbol, exchange)
	if err != nil {
		return series, errors.NewDataSourceError(errors.OpFetch, req.Symbol, err)
	}

	to := req.End
	if to.IsZero() {
		to = time.Now()
	}
	from := lookback.From(to.In(s.cfg.Session.Location), s.cfg.Session)

	bars, err := s.historical(ctx, token, interval, from, to)
	if err != nil {
		return series, errors.NewDataSourceError(errors.OpFetch, req.Symbol, err)
	}
	series.Bars = bars
	return series, nil
}

// historical waits for the rate limiter, then runs the blocking REST call
// behind the circuit breaker. The call is abandoned if ctx ends first.
func (s *ZerodhaSource) historical(ctx context.Context, token uint32, interval string, from, to time.Time) ([]models.Bar, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	data, err := resilience.ExecuteWithResult(s.breaker, ctx, func() ([]kiteconnect.HistoricalData, error) {
		return s.client.GetHistoricalData(int(token), interval, from, to, false, false)
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get historical data: %w", err)
	}

	bars := make([]models.Bar, len(data))
	for i, d := range data {
		bars[i] = models.Bar{
			Timestamp: d.Date.Time,
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    int64(d.Volume),
		}
	}
	return bars, nil
}

// SubscribeLive opens a live bar stream for symbol.
func (s *ZerodhaSource) SubscribeLive(ctx context.Context, symbol string) (Subscription, error) {
	if !s.isConnected() {
		return nil, errors.NewDataSourceError(errors.OpStream, symbol, errors.ErrNotConnected)
	}
	token, err := s.instrumentToken(symbol, s.cfg.Exchange)
	if err != nil {
		return nil, errors.NewDataSourceError(errors.OpStream, symbol, err)
	}

	sub, err := s.hub.Subscribe(symbol)
	if err != nil {
		return nil, errors.NewDataSourceError(errors.OpStream, symbol, err)
	}

	if s.poller != nil {
		width := time.Duration(s.cfg.BarMinutes) * time.Minute
		// Only bars that complete from now on count as live.
		s.poller.Watch(s.pollCtx, symbol, time.Now().Add(-width))
		return sub, nil
	}

	s.ticker.RegisterSymbol(symbol, token)
	if err := s.ticker.Subscribe([]string{symbol}); err != nil {
		sub.Unsubscribe()
		return nil, errors.NewDataSourceError(errors.OpStream, symbol, err)
	}
	return sub, nil
}

// pollBars feeds the poller with today's bars.
func (s *ZerodhaSource) pollBars(ctx context.Context, symbol string) ([]models.Bar, error) {
	series, err := s.FetchHistorical(ctx, HistoricalRequest{
		Symbol:     symbol,
		Duration:   "1 day",
		BarMinutes: s.cfg.BarMinutes,
	})
	return series.Bars, err
}

// release stops feeding a symbol nobody listens to any more.
func (s *ZerodhaSource) release(symbol string) {
	if s.poller != nil {
		s.poller.Stop(symbol)
		return
	}
	if s.ticker != nil {
		s.agg.Drop(symbol)
		if err := s.ticker.Unsubscribe([]string{symbol}); err != nil {
			s.logger.Debug().Err(err).Str("symbol", symbol).Msg("Ticker unsubscribe failed")
		}
	}
}

// loadInstruments caches the exchange's instrument master. A failed load
// is not cached, so the next lookup tries again.
func (s *ZerodhaSource) loadInstruments() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.loaded {
		return nil
	}

	instruments, err := s.client.GetInstruments()
	if err != nil {
		return fmt.Errorf("failed to get instruments: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range instruments {
		key := instrumentKey(models.Exchange(inst.Exchange), inst.Tradingsymbol)
		s.instruments[key] = models.Instrument{
			Token:    uint32(inst.InstrumentToken),
			Symbol:   inst.Tradingsymbol,
			Name:     inst.Name,
			Exchange: models.Exchange(inst.Exchange),
			Segment:  inst.Segment,
			TickSize: inst.TickSize,
		}
	}
	s.loaded = true
	return nil
}

func (s *ZerodhaSource) instrumentToken(symbol string, exchange models.Exchange) (uint32, error) {
	if err := s.loadInstruments(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	inst, ok := s.instruments[instrumentKey(exchange, symbol)]
	s.mu.RUnlock()

	if !ok {
		return 0, errors.Wrapf(errors.ErrSymbolNotFound, "%s:%s", exchange, symbol)
	}
	return inst.Token, nil
}

func instrumentKey(exchange models.Exchange, symbol string) string {
	return fmt.Sprintf("%s:%s", exchange, symbol)
}
