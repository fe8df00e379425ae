// Package config loads process secrets from the environment and operator
// settings from a YAML file, mirroring the two-tier split the engine's
// external interfaces are specified with.
package config

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"scalpcore/internal/types"
)

// Credentials are the exchange secrets, sourced from the environment (and
// optionally a .env file) — never from the YAML settings file.
type Credentials struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// LoadCredentials loads .env if present then reads API_KEY/API_SECRET/USE_TESTNET,
// falling back to the BINANCE_-prefixed names the reference system used.
func LoadCredentials() Credentials {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  Warning: .env file not found. Relying on system environment variables.")
	}

	apiKey := firstNonEmpty(os.Getenv("API_KEY"), os.Getenv("BINANCE_API_KEY"))
	apiSecret := firstNonEmpty(os.Getenv("API_SECRET"), os.Getenv("BINANCE_API_SECRET"), os.Getenv("BINANCE_SECRET_KEY"))

	if apiKey == "" || apiSecret == "" {
		log.Println("⚠️  CRITICAL: exchange credentials missing!")
	}

	testnet := os.Getenv("USE_TESTNET") == "true" || os.Getenv("USE_TESTNET") == "1"

	return Credentials{APIKey: apiKey, APISecret: apiSecret, Testnet: testnet}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// yamlSettings is the on-disk shape of the settings file; it maps onto
// types.Settings with all fields optional (zero value = keep default).
type yamlSettings struct {
	Symbols             []string `yaml:"symbols"`
	PositionSizeUSD     *float64 `yaml:"position_size_usd"`
	MaxConcurrent       *int     `yaml:"max_concurrent"`
	MinSignalStrength   *float64 `yaml:"min_signal_strength"`
	MinSignalIntervalMs *int64   `yaml:"min_signal_interval_ms"`
	StopFloorPct        *float64 `yaml:"stop_floor_pct"`
	StopCapPct          *float64 `yaml:"stop_cap_pct"`
	TakeFloorPct        *float64 `yaml:"take_floor_pct"`
	TakeCapPct          *float64 `yaml:"take_cap_pct"`
	DailyLossFloorUSD   *float64 `yaml:"daily_loss_floor_usd"`
	MaxHoldMs           *int64   `yaml:"max_hold_ms"`
	Leverage            *int     `yaml:"leverage"`
	StaleGapMs          *int64   `yaml:"stale_gap_ms"`
	CorrelationGuard    *bool    `yaml:"correlation_guard"`
	CloseRetryCap       *int     `yaml:"close_retry_cap"`
	TrailingEnabled     *bool    `yaml:"trailing_enabled"`
	TrailingFraction    *float64 `yaml:"trailing_fraction"`
}

// LoadSettings reads the single YAML settings file, applying it on top of
// types.DefaultSettings. A missing file is not an error: the engine starts
// with defaults and the operator can populate settings via the control
// surface.
func LoadSettings(path string) (types.Settings, error) {
	s := types.DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read settings file: %w", err)
	}

	var y yamlSettings
	if err := yaml.Unmarshal(data, &y); err != nil {
		return s, fmt.Errorf("parse settings yaml: %w", err)
	}

	if len(y.Symbols) > 0 {
		s.Symbols = y.Symbols
	}
	applyFloat(&s.PositionSizeUSD, y.PositionSizeUSD)
	applyInt(&s.MaxConcurrent, y.MaxConcurrent)
	applyFloat(&s.MinSignalStrength, y.MinSignalStrength)
	applyDurationMs(&s.MinSignalIntervalNs, y.MinSignalIntervalMs)
	applyFloat(&s.StopFloorPct, y.StopFloorPct)
	applyFloat(&s.StopCapPct, y.StopCapPct)
	applyFloat(&s.TakeFloorPct, y.TakeFloorPct)
	applyFloat(&s.TakeCapPct, y.TakeCapPct)
	applyFloat(&s.DailyLossFloorUSD, y.DailyLossFloorUSD)
	applyDurationMs(&s.MaxHoldNs, y.MaxHoldMs)
	applyInt(&s.Leverage, y.Leverage)
	applyDurationMs(&s.StaleGapNs, y.StaleGapMs)
	applyBool(&s.CorrelationGuard, y.CorrelationGuard)
	applyInt(&s.CloseRetryCap, y.CloseRetryCap)
	applyBool(&s.TrailingEnabled, y.TrailingEnabled)
	applyFloat(&s.TrailingFraction, y.TrailingFraction)

	return s, nil
}

func applyFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func applyDurationMs(dst *int64, srcMs *int64) {
	if srcMs != nil {
		*dst = *srcMs * int64(1e6)
	}
}
