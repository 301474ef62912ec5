package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"orb-trader/internal/broker"
	"orb-trader/internal/config"
	"orb-trader/internal/models"
	"orb-trader/internal/notify"
	"orb-trader/internal/store"
	"orb-trader/internal/trading"
)

// newSource builds the configured data source.
func newSource(cfg *config.Config, logger zerolog.Logger) (broker.DataSource, error) {
	session, err := cfg.SessionHours()
	if err != nil {
		return nil, err
	}

	switch cfg.Feed.Source {
	case config.FeedReplay:
		return broker.NewReplaySource(broker.ReplayConfig{
			Path:                cfg.Feed.ReplayFile,
			Session:             session,
			OpeningRangeMinutes: cfg.Session.OpeningRangeMinutes,
			Interval:            cfg.Feed.ReplayInterval,
			Logger:              logger,
		}), nil
	case config.FeedZerodha:
		return broker.NewZerodhaSource(broker.ZerodhaConfig{
			APIKey:       cfg.Credentials.Zerodha.APIKey,
			AccessToken:  cfg.Credentials.Zerodha.AccessToken,
			Exchange:     models.Exchange(cfg.Session.Exchange),
			Session:      session,
			LiveMode:     cfg.Feed.LiveMode,
			LiveBarWidth: time.Duration(cfg.Feed.LiveBarSeconds) * time.Second,
			BarMinutes:   cfg.Session.BarIntervalMinutes,
			PollInterval: cfg.Feed.PollInterval,
			Logger:       logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
	}
}

// coordinatorConfig maps configuration onto the coordinator.
func coordinatorConfig(cfg *config.Config) (trading.CoordinatorConfig, error) {
	session, err := cfg.SessionHours()
	if err != nil {
		return trading.CoordinatorConfig{}, err
	}
	return trading.CoordinatorConfig{
		WindowBars:           cfg.WindowBars(),
		Duration:             cfg.Session.Duration,
		BarMinutes:           cfg.Session.BarIntervalMinutes,
		RegularHoursOnly:     cfg.Session.RegularTradingHoursOnly,
		Session:              session,
		Exchange:             models.Exchange(cfg.Session.Exchange),
		MaxConcurrentFetches: cfg.Run.MaxConcurrentFetches,
		Timeout:              cfg.Run.Timeout,
	}, nil
}

// outputs is the set of breakout recorders opened for a run.
type outputs struct {
	sink    *store.MultiSink
	db      *store.SQLiteStore
	closers []io.Closer
}

// openOutputs opens every configured recorder. The breakout log is
// required; SQLite, Redis and the webhook are optional, and an unreachable
// Redis is skipped with a warning.
func openOutputs(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*outputs, error) {
	out := &outputs{sink: store.NewMultiSink(logger)}

	if cfg.Output.BreakoutLog != "" {
		eventLog, err := store.NewFileEventLog(cfg.Output.BreakoutLog)
		if err != nil {
			return nil, err
		}
		out.sink.Add("breakout_log", eventLog)
		out.closers = append(out.closers, eventLog)
	}

	if cfg.Output.SQLitePath != "" {
		db, err := store.NewSQLiteStore(cfg.Output.SQLitePath)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.db = db
		out.sink.Add("sqlite", db)
		out.closers = append(out.closers, db)
	}

	if cfg.Output.RedisAddr != "" {
		pub, err := store.NewRedisPublisher(ctx, store.RedisConfig{
			Addr:    cfg.Output.RedisAddr,
			Channel: cfg.Output.RedisChannel,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, breakouts will not be published")
		} else {
			out.sink.Add("redis", pub)
			out.closers = append(out.closers, pub)
		}
	}

	if cfg.Output.WebhookURL != "" {
		out.sink.Add("webhook", notify.NewWebhookNotifier(cfg.Output.WebhookURL))
	}

	return out, nil
}

// Close closes every opened recorder in reverse order.
func (o *outputs) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i].Close()
	}
}

// openDB opens the configured SQLite store for read commands.
func openDB(cfg *config.Config) (*store.SQLiteStore, error) {
	if cfg.Output.SQLitePath == "" {
		return nil, fmt.Errorf("output.sqlite_path is not set")
	}
	return store.NewSQLiteStore(cfg.Output.SQLitePath)
}
