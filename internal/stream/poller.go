package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orb-trader/internal/models"
)

// FetchFunc returns the bars available so far for a symbol, oldest first.
type FetchFunc func(ctx context.Context, symbol string) ([]models.Bar, error)

// Poller turns repeated historical requests into a live bar stream for
// sources without push subscriptions. Only completed bars are published,
// each exactly once.
type Poller struct {
	hub      *Hub
	fetch    FetchFunc
	interval time.Duration
	barWidth time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller creates a poller publishing into hub.
func NewPoller(hub *Hub, fetch FetchFunc, interval, barWidth time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{
		hub:      hub,
		fetch:    fetch,
		interval: interval,
		barWidth: barWidth,
		logger:   logger,
		now:      time.Now,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Watch starts polling symbol, publishing bars stamped after since.
// Watching an already polled symbol is a no-op.
func (p *Poller) Watch(ctx context.Context, symbol string, since time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.cancels[symbol]; ok {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p.cancels[symbol] = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(pctx, symbol, since)
	}()
}

// Stop ends polling for symbol.
func (p *Poller) Stop(symbol string) {
	p.mu.Lock()
	cancel, ok := p.cancels[symbol]
	delete(p.cancels, symbol)
	p.mu.Unlock()

	if ok {
		cancel()
	}
}

// Close stops every poll loop and waits for them to exit.
func (p *Poller) Close() {
	p.mu.Lock()
	for symbol, cancel := range p.cancels {
		cancel()
		delete(p.cancels, symbol)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, symbol string, since time.Time) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	last := since
	for {
		last = p.poll(ctx, symbol, last)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll publishes completed bars newer than last and returns the new mark.
func (p *Poller) poll(ctx context.Context, symbol string, last time.Time) time.Time {
	bars, err := p.fetch(ctx, symbol)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Poll failed")
		}
		return last
	}

	now := p.now()
	for i, bar := range bars {
		if !bar.Timestamp.After(last) {
			continue
		}
		// The newest bar may still be forming.
		complete := i < len(bars)-1 || !now.Before(bar.Timestamp.Add(p.barWidth))
		if !complete {
			break
		}
		p.hub.Publish(symbol, bar)
		last = bar.Timestamp
	}
	return last
}
