package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"orb-trader/internal/models"
	"orb-trader/internal/store"
	"orb-trader/pkg/utils"
)

func newBreakoutsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breakouts",
		Short: "List recorded breakouts",
		Long: `List breakout events recorded in SQLite, newest first.

With --latest, read the most recent breakout for --symbol from Redis.`,
		Example: `  orb breakouts
  orb breakouts --symbol RELIANCE --limit 5
  orb breakouts --since 2024-03-01
  orb breakouts --latest --symbol INFY`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := commandContext(cmd)
			symbol, _ := cmd.Flags().GetString("symbol")
			limit, _ := cmd.Flags().GetInt("limit")
			since, _ := cmd.Flags().GetString("since")

			if latest, _ := cmd.Flags().GetBool("latest"); latest {
				return latestBreakout(cmd, app, output, symbol)
			}

			filter := store.BreakoutFilter{Symbol: symbol, Limit: limit}
			if since != "" {
				session, err := app.Config.SessionHours()
				if err != nil {
					return err
				}
				t, err := time.ParseInLocation("2006-01-02", since, session.Location)
				if err != nil {
					return fmt.Errorf("invalid --since date %q: %w", since, err)
				}
				filter.StartDate = t
			}

			db, err := openDB(app.Config)
			if err != nil {
				return err
			}
			defer db.Close()

			events, err := db.ListBreakouts(ctx, filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if events == nil {
					events = []models.BreakoutEvent{}
				}
				return output.JSON(events)
			}
			if len(events) == 0 {
				output.Dim("No breakouts recorded")
				return nil
			}

			table := NewTable(output, "TIME", "SYMBOL", "CLOSE", "RANGE HIGH", "ABOVE")
			for _, e := range events {
				above := (e.ClosePrice - e.OpeningRangeHigh) / e.OpeningRangeHigh * 100
				table.AddRow(e.Timestamp.Format(time.RFC3339), e.Symbol,
					utils.FormatPrice(e.ClosePrice), utils.FormatPrice(e.OpeningRangeHigh),
					output.Green(utils.FormatPercent(above)))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringP("symbol", "s", "", "filter by symbol")
	cmd.Flags().IntP("limit", "n", 20, "maximum number of events")
	cmd.Flags().String("since", "", "only events on or after this date (YYYY-MM-DD)")
	cmd.Flags().Bool("latest", false, "read the latest breakout for --symbol from Redis")

	return cmd
}

func latestBreakout(cmd *cobra.Command, app *App, output *Output, symbol string) error {
	if symbol == "" {
		return fmt.Errorf("--latest requires --symbol")
	}
	if app.Config.Output.RedisAddr == "" {
		return fmt.Errorf("output.redis_addr is not set")
	}

	ctx := commandContext(cmd)
	pub, err := store.NewRedisPublisher(ctx, store.RedisConfig{
		Addr:    app.Config.Output.RedisAddr,
		Channel: app.Config.Output.RedisChannel,
	})
	if err != nil {
		return err
	}
	defer pub.Close()

	event, err := pub.Latest(ctx, strings.ToUpper(symbol))
	if err != nil {
		return err
	}

	if output.IsJSON() {
		return output.JSON(event)
	}
	if event == nil {
		output.Dim("No recent breakout for %s", strings.ToUpper(symbol))
		return nil
	}
	output.Success("%s", event.LogLine())
	return nil
}
