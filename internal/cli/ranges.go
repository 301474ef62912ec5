package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"orb-trader/internal/models"
	"orb-trader/internal/store"
	"orb-trader/internal/trading"
	"orb-trader/pkg/utils"
)

func newRangesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranges SYMBOL...",
		Short: "Compute opening ranges without watching",
		Long: `Fetch history and print each symbol's opening range high and low.

With --stored, list ranges saved in SQLite by earlier runs instead.`,
		Example: `  orb ranges RELIANCE INFY
  orb ranges --stored --date 2024-03-06`,
		Args: func(cmd *cobra.Command, args []string) error {
			if stored, _ := cmd.Flags().GetBool("stored"); stored {
				return cobra.MaximumNArgs(1)(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if stored, _ := cmd.Flags().GetBool("stored"); stored {
				date, _ := cmd.Flags().GetString("date")
				limit, _ := cmd.Flags().GetInt("limit")
				return storedRanges(cmd, app, output, args, date, limit)
			}

			cfg, err := runConfig(cmd, app.Config)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)

			source, err := newSource(cfg, app.Logger)
			if err != nil {
				return err
			}
			defer source.Close()

			ccfg, err := coordinatorConfig(cfg)
			if err != nil {
				return err
			}
			coord := trading.NewCoordinator(source, nil, ccfg, app.Logger)
			if cfg.Output.SQLitePath != "" {
				db, err := store.NewSQLiteStore(cfg.Output.SQLitePath)
				if err != nil {
					return err
				}
				defer db.Close()
				coord.SetRangeStore(db)
			}

			report, err := coord.Ranges(ctx, args)
			if err != nil {
				output.Error("Failed to start: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(newReportView(report))
			}

			table := NewTable(output, "SYMBOL", "HIGH", "LOW", "BARS", "WINDOW", "FETCH")
			for _, symbol := range report.Symbols {
				res := report.Results[symbol]
				if res.Range == nil {
					table.AddRow(symbol, output.Red("failed"), "", "", fmt.Sprint(res.Err), utils.FormatElapsed(res.FetchElapsed))
					continue
				}
				table.AddRow(symbol, utils.FormatPrice(res.Range.High), utils.FormatPrice(res.Range.Low),
					fmt.Sprint(res.Range.WindowBars), rangeWindow(*res.Range), utils.FormatElapsed(res.FetchElapsed))
			}
			table.Render()
			return nil
		},
	}

	addRunFlags(cmd)
	cmd.Flags().Bool("stored", false, "list ranges saved in SQLite")
	cmd.Flags().String("date", "", "session date for --stored (YYYY-MM-DD)")
	cmd.Flags().Int("limit", 50, "maximum rows for --stored")

	return cmd
}

func storedRanges(cmd *cobra.Command, app *App, output *Output, args []string, date string, limit int) error {
	db, err := openDB(app.Config)
	if err != nil {
		return err
	}
	defer db.Close()

	filter := store.RangeFilter{SessionDate: date, Limit: limit}
	if len(args) == 1 {
		filter.Symbol = args[0]
	}
	ranges, err := db.GetOpeningRanges(commandContext(cmd), filter)
	if err != nil {
		return err
	}

	if output.IsJSON() {
		return output.JSON(ranges)
	}
	if len(ranges) == 0 {
		output.Dim("No stored opening ranges")
		return nil
	}

	table := NewTable(output, "DATE", "SYMBOL", "HIGH", "LOW", "BARS", "WINDOW")
	for _, r := range ranges {
		table.AddRow(r.Start.Format("2006-01-02"), r.Symbol, utils.FormatPrice(r.High), utils.FormatPrice(r.Low),
			fmt.Sprint(r.WindowBars), rangeWindow(r))
	}
	table.Render()
	return nil
}

func rangeWindow(r models.OpeningRange) string {
	return r.Start.Format("15:04") + "-" + r.End.Format("15:04")
}
