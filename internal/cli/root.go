// Package cli provides the command-line interface for the breakout tracker.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"orb-trader/internal/config"
	"orb-trader/internal/logging"
	"orb-trader/internal/security"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-03-06"
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI. Configuration and the
// logger are loaded before any subcommand runs.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "orb",
		Short: "Opening range breakout tracker",
		Long: `orb fetches each symbol's opening range and watches live bars for the
first close above the range high.

Use 'orb watch SYMBOL...' to run the tracker.
Use 'orb config path' to find the configuration files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			return app.load(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/orb-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
	rootCmd.AddCommand(newFetchCmd(app))
	rootCmd.AddCommand(newRangesCmd(app))
	rootCmd.AddCommand(newBreakoutsCmd(app))

	return rootCmd
}

func (app *App) load(cmd *cobra.Command) error {
	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	app.ConfigDir = dir

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	app.Config = cfg

	logCfg := cfg.LogConfig()
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg.Level = "debug"
	}
	app.Logger = logging.NewLoggerWithConfig(logCfg)
	app.Logger.Debug().Str("config_dir", dir).Msg("Configuration loaded")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("orb v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Session")
	output.Printf("  Opening range:   %d min (%d bars of %d min)\n",
		cfg.Session.OpeningRangeMinutes, cfg.WindowBars(), cfg.Session.BarIntervalMinutes)
	output.Printf("  Duration:        %s\n", cfg.Session.Duration)
	output.Printf("  RTH only:        %v\n", cfg.Session.RegularTradingHoursOnly)
	output.Printf("  Exchange:        %s\n", cfg.Session.Exchange)
	output.Printf("  Hours:           %s-%s %s\n", cfg.Session.Open, cfg.Session.Close, cfg.Session.Timezone)
	output.Println()

	output.Bold("Feed")
	output.Printf("  Source:          %s\n", cfg.Feed.Source)
	if cfg.Feed.Source == config.FeedReplay {
		output.Printf("  Replay file:     %s\n", cfg.Feed.ReplayFile)
		output.Printf("  Replay interval: %s\n", cfg.Feed.ReplayInterval)
	} else {
		output.Printf("  Live mode:       %s\n", cfg.Feed.LiveMode)
		output.Printf("  Live bar:        %ds\n", cfg.Feed.LiveBarSeconds)
		output.Printf("  Poll interval:   %s\n", cfg.Feed.PollInterval)
		output.Printf("  API key:         %s\n", security.MaskSecret(cfg.Credentials.Zerodha.APIKey))
		output.Printf("  Access token:    %s\n", security.MaskSecret(cfg.Credentials.Zerodha.AccessToken))
	}
	output.Println()

	output.Bold("Run")
	timeout := "until done"
	if cfg.Run.Timeout > 0 {
		timeout = cfg.Run.Timeout.String()
	}
	output.Printf("  Timeout:         %s\n", timeout)
	output.Printf("  Max fetches:     %d\n", cfg.Run.MaxConcurrentFetches)
	output.Println()

	output.Bold("Output")
	output.Printf("  Breakout log:    %s\n", cfg.Output.BreakoutLog)
	output.Printf("  SQLite:          %s\n", orNone(cfg.Output.SQLitePath))
	output.Printf("  Redis:           %s\n", orNone(cfg.Output.RedisAddr))
	output.Printf("  Webhook:         %s\n", orNone(security.RedactURL(cfg.Output.WebhookURL)))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
