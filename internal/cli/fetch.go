package cli

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"orb-trader/internal/broker"
	"orb-trader/internal/models"
	"orb-trader/internal/notify"
	"orb-trader/pkg/utils"
)

type fetchResult struct {
	Symbol         string       `json:"symbol"`
	Count          int          `json:"count"`
	Bars           []models.Bar `json:"bars"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
	Error          string       `json:"error,omitempty"`

	series  models.BarSeries
	elapsed time.Duration
}

func newFetchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch SYMBOL...",
		Short: "Fetch historical bars concurrently",
		Long: `Request historical bars for every symbol at once and print the last bars
of each series together with how long each request took.

With --save the full series is stored in SQLite.`,
		Example: `  orb fetch RELIANCE INFY TCS
  orb fetch SBIN --duration "2 D" --bar-minutes 15 --tail 20`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, err := runConfig(cmd, app.Config)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			tail, _ := cmd.Flags().GetInt("tail")
			save, _ := cmd.Flags().GetBool("save")

			source, err := newSource(cfg, app.Logger)
			if err != nil {
				return err
			}
			defer source.Close()

			if err := source.Connect(ctx); err != nil {
				output.Error("Failed to connect: %v", err)
				return err
			}

			symbols := utils.NormalizeSymbols(args)
			results := make([]*fetchResult, len(symbols))
			started := time.Now()

			var g errgroup.Group
			g.SetLimit(cfg.Run.MaxConcurrentFetches)
			for i, symbol := range symbols {
				symbol := symbol // per-iteration copy (pre-Go 1.22 loop semantics)
				res := &fetchResult{Symbol: symbol}
				results[i] = res
				g.Go(func() error {
					start := time.Now()
					series, err := source.FetchHistorical(ctx, broker.HistoricalRequest{
						Symbol:     symbol,
						Exchange:   models.Exchange(cfg.Session.Exchange),
						Duration:   cfg.Session.Duration,
						BarMinutes: cfg.Session.BarIntervalMinutes,
					})
					res.elapsed = time.Since(start)
					res.ElapsedSeconds = res.elapsed.Seconds()
					if err != nil {
						res.Error = err.Error()
						return nil
					}
					res.series = series
					res.Count = series.Len()
					res.Bars = series.Last(tail)
					return nil
				})
			}
			_ = g.Wait()
			total := time.Since(started)

			if save {
				if err := saveSeries(cmd, app, output, results, cfg.Session.BarIntervalMinutes); err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(results)
			}

			reporter := notify.NewTerminalReporter(output.Writer(), output.ColorEnabled() && cfg.Output.Color)
			for _, res := range results {
				if res.Error != "" {
					output.Error("%s: %s (%s)", res.Symbol, res.Error, utils.FormatElapsed(res.elapsed))
					continue
				}
				reporter.Fetched(res.series, tail, res.elapsed)
			}
			output.Dim("Fetched %d symbols in %s", len(results), utils.FormatElapsed(total))
			return nil
		},
	}

	addRunFlags(cmd)
	cmd.Flags().Int("tail", 10, "number of trailing bars to print per symbol")
	cmd.Flags().Bool("save", false, "store fetched bars in SQLite")

	return cmd
}

func saveSeries(cmd *cobra.Command, app *App, output *Output, results []*fetchResult, barMinutes int) error {
	db, err := openDB(app.Config)
	if err != nil {
		return err
	}
	defer db.Close()

	interval := broker.BarSize(barMinutes)
	for _, res := range results {
		if res.Error != "" {
			continue
		}
		if err := db.SaveBars(commandContext(cmd), res.Symbol, interval, res.series.Bars); err != nil {
			output.Warning("%s: failed to save bars: %v", res.Symbol, err)
		}
	}
	return nil
}
