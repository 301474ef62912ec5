package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"orb-trader/internal/config"
	"orb-trader/internal/models"
	"orb-trader/internal/notify"
	"orb-trader/internal/trading"
	"orb-trader/pkg/utils"
)

func newWatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch SYMBOL...",
		Short: "Compute opening ranges and watch for breakouts",
		Long: `Fetch each symbol's history, compute its opening range, then watch live
bars until the first close above the range high.

Each symbol is independent: a failed fetch or a broken stream for one
symbol never stops the others. Ctrl-C stops every monitor and prints the
summary. The exit status is non-zero only when the data source cannot be
reached or the configuration is invalid.`,
		Example: `  orb watch RELIANCE INFY TCS
  orb watch AAPL --feed replay --replay-file session.csv
  orb watch SBIN --range-minutes 30 --bar-minutes 5 --timeout 2h`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, err := runConfig(cmd, app.Config)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			source, err := newSource(cfg, app.Logger)
			if err != nil {
				return err
			}
			defer source.Close()

			outs, err := openOutputs(ctx, cfg, app.Logger)
			if err != nil {
				return err
			}
			defer outs.Close()

			ccfg, err := coordinatorConfig(cfg)
			if err != nil {
				return err
			}
			coord := trading.NewCoordinator(source, outs.sink, ccfg, app.Logger)
			if outs.db != nil {
				coord.SetRangeStore(outs.db)
			}

			var reporter *notify.TerminalReporter
			if !output.IsJSON() {
				reporter = notify.NewTerminalReporter(output.Writer(), output.ColorEnabled() && cfg.Output.Color)
				quiet, _ := cmd.Flags().GetBool("quiet")
				reporter.SetShowBars(!quiet)
				coord.SetObserver(reporter)
				reporter.Requesting(utils.NormalizeSymbols(args), cfg.Session.Duration, cfg.Session.BarIntervalMinutes)
			}

			report, err := coord.Run(ctx, args)
			if err != nil {
				output.Error("Failed to start: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(newReportView(report))
			}
			reporter.Summary(report)
			if ctx.Err() != nil {
				output.Warning("Interrupted: all monitors stopped")
			}
			return nil
		},
	}

	addRunFlags(cmd)
	cmd.Flags().BoolP("quiet", "q", false, "hide per-bar progress lines")

	return cmd
}

// addRunFlags registers the flags that override session and feed settings.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Int("range-minutes", 0, "opening range length in minutes")
	cmd.Flags().Int("bar-minutes", 0, "historical bar size in minutes")
	cmd.Flags().String("duration", "", `history to request, e.g. "1 day", "2 D", "90 mins"`)
	cmd.Flags().Bool("rth", true, "use regular trading hours only")
	cmd.Flags().Duration("timeout", 0, "stop watching after this long (0 = until done)")
	cmd.Flags().String("feed", "", "data source: zerodha or replay")
	cmd.Flags().String("replay-file", "", "CSV file for the replay feed")
}

// runConfig returns a copy of base with any changed run flags applied,
// validated.
func runConfig(cmd *cobra.Command, base *config.Config) (*config.Config, error) {
	cfg := *base
	flags := cmd.Flags()

	if flags.Changed("range-minutes") {
		cfg.Session.OpeningRangeMinutes, _ = flags.GetInt("range-minutes")
	}
	if flags.Changed("bar-minutes") {
		cfg.Session.BarIntervalMinutes, _ = flags.GetInt("bar-minutes")
	}
	if flags.Changed("duration") {
		cfg.Session.Duration, _ = flags.GetString("duration")
	}
	if flags.Changed("rth") {
		cfg.Session.RegularTradingHoursOnly, _ = flags.GetBool("rth")
	}
	if flags.Changed("timeout") {
		cfg.Run.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("replay-file") {
		cfg.Feed.ReplayFile, _ = flags.GetString("replay-file")
		cfg.Feed.Source = config.FeedReplay
	}
	if flags.Changed("feed") {
		cfg.Feed.Source, _ = flags.GetString("feed")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

type symbolView struct {
	Symbol   string                `json:"symbol"`
	State    string                `json:"state"`
	Range    *models.OpeningRange  `json:"opening_range,omitempty"`
	Event    *models.BreakoutEvent `json:"breakout,omitempty"`
	BarsSeen int                   `json:"bars_seen"`
	Error    string                `json:"error,omitempty"`
}

type reportView struct {
	Symbols        []symbolView `json:"symbols"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
}

func newReportView(report *trading.Report) reportView {
	view := reportView{ElapsedSeconds: report.Elapsed().Seconds()}
	for _, symbol := range report.Symbols {
		res := report.Results[symbol]
		sv := symbolView{
			Symbol:   res.Symbol,
			State:    res.State.String(),
			Range:    res.Range,
			Event:    res.Event,
			BarsSeen: res.BarsSeen,
		}
		if res.Err != nil {
			sv.Error = res.Err.Error()
		}
		view.Symbols = append(view.Symbols, sv)
	}
	return view
}
