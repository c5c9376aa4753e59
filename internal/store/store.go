// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"chainstream/internal/models"
)

// ReferenceStore serves the read-mostly instrument and holiday tables.
type ReferenceStore interface {
	GetInstruments(ctx context.Context, underlyings []string) ([]models.Instrument, error)
	SaveInstruments(ctx context.Context, instruments []models.Instrument) error
	GetHolidays(ctx context.Context) ([]models.HolidayEntry, error)
	SaveHoliday(ctx context.Context, entry models.HolidayEntry) error
	DeleteHoliday(ctx context.Context, date time.Time) error
}

// SettingsStore is a string key/value store for runtime-tunable settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]string, error)
}

// DataStore is the full persistence surface.
type DataStore interface {
	ReferenceStore
	SettingsStore

	// Sync
	GetLastSync(dataType string) time.Time
	SetLastSync(dataType string, t time.Time) error

	Close() error
}

// Setting keys. Per-underlying keys are suffixed with ".<UNDERLYING>".
const (
	SettingSdMultiplier = "sd_multiplier"
	SettingBidBalance   = "bid_balance"
	SettingMultiplier   = "multiplier"
	SettingVolatility   = "volatility"
)

// UnderlyingKey returns the per-underlying form of a setting key.
func UnderlyingKey(key, underlying string) string {
	return key + "." + underlying
}

// SyncInstruments is the sync_status key for the instrument master download.
const SyncInstruments = "instruments"
