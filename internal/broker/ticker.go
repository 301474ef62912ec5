package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"orb-trader/internal/models"
)

const tickerConnectTimeout = 30 * time.Second

// ZerodhaTicker adapts the Kite websocket to per-symbol models.Tick values.
// The Kite client reconnects by itself; subscribed tokens are restored on
// every reconnect.
type ZerodhaTicker struct {
	apiKey      string
	accessToken string
	conn        *kiteticker.Ticker

	mu         sync.RWMutex
	connected  bool
	tokens     map[string]uint32
	symbols    map[uint32]string
	subscribed map[uint32]struct{}
	onTick     func(models.Tick)
	onError    func(error)
	onEnd      func()

	// serialises websocket writes
	writeMu sync.Mutex
}

func NewZerodhaTicker(apiKey, accessToken string) *ZerodhaTicker {
	return &ZerodhaTicker{
		apiKey:      apiKey,
		accessToken: accessToken,
		tokens:      make(map[string]uint32),
		symbols:     make(map[uint32]string),
		subscribed:  make(map[uint32]struct{}),
	}
}

// Connect starts the websocket and waits for the first successful
// connection, ctx cancellation, or a timeout.
func (t *ZerodhaTicker) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	conn := kiteticker.New(t.apiKey, t.accessToken)
	t.conn = conn
	t.mu.Unlock()

	ready := make(chan struct{})
	var once sync.Once

	conn.OnConnect(func() {
		t.setConnected(true)
		reconnect := true
		once.Do(func() {
			reconnect = false
			close(ready)
		})
		if reconnect {
			t.resubscribe()
		}
	})
	conn.OnClose(func(code int, reason string) {
		t.setConnected(false)
	})
	conn.OnNoReconnect(func(attempt int) {
		if fn := t.handlers().onEnd; fn != nil {
			fn()
		}
	})
	conn.OnError(func(err error) {
		if fn := t.handlers().onError; fn != nil {
			fn(err)
		}
	})
	// Kite calls OnTick from its read loop, so ticks for one token arrive in order.
	conn.OnTick(func(tick kitemodels.Tick) {
		if fn := t.handlers().onTick; fn != nil {
			fn(t.toTick(tick, time.Now()))
		}
	})

	go conn.Serve()

	timer := time.NewTimer(tickerConnectTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		conn.Stop()
		return ctx.Err()
	case <-timer.C:
		conn.Stop()
		return fmt.Errorf("ticker did not connect within %s", tickerConnectTimeout)
	}
}

func (t *ZerodhaTicker) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

type tickerHandlers struct {
	onTick  func(models.Tick)
	onError func(error)
	onEnd   func()
}

func (t *ZerodhaTicker) handlers() tickerHandlers {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return tickerHandlers{onTick: t.onTick, onError: t.onError, onEnd: t.onEnd}
}

// Disconnect closes the websocket.
func (t *ZerodhaTicker) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.connected = false
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Subscribe streams quotes for registered symbols.
func (t *ZerodhaTicker) Subscribe(symbols []string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return fmt.Errorf("ticker not connected")
	}
	tokens := make([]uint32, 0, len(symbols))
	for _, symbol := range symbols {
		token, ok := t.tokens[symbol]
		if !ok {
			t.mu.Unlock()
			return fmt.Errorf("symbol %s not registered with ticker", symbol)
		}
		tokens = append(tokens, token)
	}
	for _, token := range tokens {
		t.subscribed[token] = struct{}{}
	}
	t.mu.Unlock()

	return t.send(tokens, true)
}

// Unsubscribe stops quotes for symbols. Unknown symbols are ignored.
func (t *ZerodhaTicker) Unsubscribe(symbols []string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	var tokens []uint32
	for _, symbol := range symbols {
		if token, ok := t.tokens[symbol]; ok {
			tokens = append(tokens, token)
			delete(t.subscribed, token)
		}
	}
	t.mu.Unlock()

	return t.send(tokens, false)
}

func (t *ZerodhaTicker) send(tokens []uint32, subscribe bool) error {
	if len(tokens) == 0 {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if !subscribe {
		if err := t.conn.Unsubscribe(tokens); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
		return nil
	}
	if err := t.conn.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := t.conn.SetMode(kiteticker.ModeQuote, tokens); err != nil {
		return fmt.Errorf("failed to set quote mode: %w", err)
	}
	return nil
}

func (t *ZerodhaTicker) resubscribe() {
	t.mu.RLock()
	tokens := make([]uint32, 0, len(t.subscribed))
	for token := range t.subscribed {
		tokens = append(tokens, token)
	}
	onError := t.onError
	t.mu.RUnlock()

	if err := t.send(tokens, true); err != nil && onError != nil {
		onError(fmt.Errorf("resubscribe after reconnect: %w", err))
	}
}

func (t *ZerodhaTicker) OnTick(fn func(models.Tick)) {
	t.mu.Lock()
	t.onTick = fn
	t.mu.Unlock()
}

func (t *ZerodhaTicker) OnError(fn func(error)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

// OnEnd sets the callback run once the client stops reconnecting.
func (t *ZerodhaTicker) OnEnd(fn func()) {
	t.mu.Lock()
	t.onEnd = fn
	t.mu.Unlock()
}

// RegisterSymbol maps symbol to its instrument token.
func (t *ZerodhaTicker) RegisterSymbol(symbol string, token uint32) {
	t.mu.Lock()
	t.tokens[symbol] = token
	t.symbols[token] = symbol
	t.mu.Unlock()
}

func (t *ZerodhaTicker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// toTick converts a Kite tick. Quote mode packets carry no exchange
// timestamp, so the receive time stands in for it.
func (t *ZerodhaTicker) toTick(tick kitemodels.Tick, received time.Time) models.Tick {
	t.mu.RLock()
	symbol := t.symbols[tick.InstrumentToken]
	t.mu.RUnlock()

	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = received
	}
	return models.Tick{
		Symbol:    symbol,
		LTP:       tick.LastPrice,
		Volume:    int64(tick.VolumeTraded),
		Timestamp: ts,
	}
}
