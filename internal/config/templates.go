package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# chainstream configuration

[server]
# Listen address for /ws, /metrics and /healthz
addr = ":8080"
# Publish only entries whose sellValue exceeds returnOnMargin
filter_sell_value = false
# Outbound frames buffered per client before it is dropped
client_buffer = 16

[feed]
handshake_timeout = "10s"
reconnect_max_retry = 50
reconnect_max_delay = "60s"

[store]
# SQLite reference store; defaults to chainstream.db next to this file
# path = ""

[calendar]
# MCX sessions in IST
morning_open = "09:00"
morning_close = "17:00"
# Evening close while US daylight saving is in force, and otherwise
evening_close_dst = "23:30"
evening_close_std = "23:55"
expiry_cache_ttl = "60s"
# Fail startup when no holidays are stored
require_holidays = false

[volatility]
poll_interval = "60s"
# Default quote instrument for annualized volatility
quote_instrument = "NSE:INDIA VIX"
# Stop quoting an instrument after this many consecutive failures
breaker_threshold = 3
breaker_cooldown = "2m"

# Per-underlying quote instruments
[volatility.instruments]
# GOLD = "NSE:INDIA VIX"

[chain]
# Number of nearest expiries selected per underlying
max_expiries = 2
# Initial SD multiplier when the settings store has none
sd_multiplier = 1.0
# Metrics recompute cadence (250ms - 500ms)
recompute_interval = "300ms"
reselect_interval = "30s"

[margin]
fetch_interval = "30s"
# Symbols per margin RPC (200 - 400)
batch_size = 300
max_attempts = 3
rate_per_second = 5.0
burst = 1

[shard]
# Worker groups; leave empty for single-process mode
# groups = [["GOLD", "GOLDM", "COPPER"], ["SILVER", "SILVERM", "ZINC"]]
groups = []
ready_timeout = "30s"
aggregate_interval = "500ms"
shutdown_grace = "5s"

[settings]
refresh_interval = "5s"

[logging]
# debug, info, warn, error
level = "info"
json = false
file = false

[underlyings]
symbols = ["GOLD", "GOLDM", "SILVER", "SILVERM", "COPPER", "ZINC", "CRUDEOIL", "NATURALGAS"]
`

const credentialsTemplate = `# chainstream credentials
# WARNING: Keep this file secure! Do not commit to version control.

[kite]
api_key = ""
api_secret = ""
access_token = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
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

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
