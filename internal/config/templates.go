package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Opening Range Breakout Tracker Configuration

[session]
# Minutes after the open that make up the opening range
opening_range_minutes = 15
# Historical bar size in minutes
bar_interval_minutes = 5
# How much history to request ("1 day", "2 D", "90 mins")
duration = "1 day"
# Drop bars outside regular trading hours
regular_trading_hours_only = true
exchange = "NSE"
timezone = "Asia/Kolkata"
open = "09:15"
close = "15:30"

[feed]
# Market data source: "zerodha" or "replay"
source = "zerodha"
# Live bars from the websocket "ticker" or by re-requesting history ("poll")
live_mode = "ticker"
# Width of live bars built from ticks
live_bar_seconds = 5
poll_interval = "5s"
# CSV file for the replay source: symbol,timestamp,open,high,low,close,volume
replay_file = ""
# Delay between replayed live bars
replay_interval = "0s"

[run]
# Stop monitoring after this long (0 = until every symbol is done)
timeout = "0s"
max_concurrent_fetches = 8

[output]
# Append-only breakout log
breakout_log = "breakouts.log"
# Optional SQLite database for ranges and breakouts
sqlite_path = ""
# Optional Redis address to PUBLISH breakouts to
redis_addr = ""
redis_channel = "orb:breakouts"
# Optional URL that receives each breakout as a JSON POST
webhook_url = ""
color = true

[logging]
level = "info"
file = true
max_size = 100
max_backups = 7
max_age = 30
`

const credentialsTemplate = `# Opening Range Breakout Tracker Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[zerodha]
api_key = ""
api_secret = ""
access_token = ""
`

// createTemplateConfig writes a commented config.toml. Loading continues
// with defaults.
func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}
