package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
	"chainstream/pkg/utils"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	syncTimes map[string]time.Time
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := newStore(db)
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func newStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:        db,
		syncTimes: make(map[string]time.Time),
	}
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Instrument master for the streamed underlyings
	CREATE TABLE IF NOT EXISTS instruments (
		token INTEGER PRIMARY KEY,
		tradingsymbol TEXT NOT NULL,
		underlying TEXT NOT NULL,
		kind TEXT NOT NULL,
		exchange TEXT NOT NULL,
		expiry TEXT NOT NULL,
		strike REAL NOT NULL DEFAULT 0,
		lot_size INTEGER NOT NULL,
		tick_size REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_instruments_underlying ON instruments(underlying, kind, expiry);

	-- Exchange holidays and partial sessions
	CREATE TABLE IF NOT EXISTS holidays (
		date TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Runtime-tunable settings
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Sync status table
	CREATE TABLE IF NOT EXISTS sync_status (
		data_type TEXT PRIMARY KEY,
		last_sync DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// Instrument Methods
// ============================================================================

// SaveInstruments upserts instruments by token.
func (s *SQLiteStore) SaveInstruments(ctx context.Context, instruments []models.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO instruments (token, tradingsymbol, underlying, kind, exchange, expiry, strike, lot_size, tick_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, inst := range instruments {
		_, err := stmt.ExecContext(ctx, inst.Token, inst.TradingSymbol, inst.Underlying, string(inst.Kind),
			string(inst.Exchange), inst.Expiry.In(utils.IndiaLocation).Format(utils.DateKey), inst.Strike, inst.LotSize, inst.TickSize)
		if err != nil {
			return fmt.Errorf("failed to insert instrument %s: %w", inst.TradingSymbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetInstruments returns instruments for the given underlyings ordered by
// underlying, expiry and strike. An empty filter returns every instrument.
func (s *SQLiteStore) GetInstruments(ctx context.Context, underlyings []string) ([]models.Instrument, error) {
	query := `
		SELECT token, tradingsymbol, underlying, kind, exchange, expiry, strike, lot_size, tick_size
		FROM instruments`
	args := make([]interface{}, 0, len(underlyings))
	if len(underlyings) > 0 {
		placeholders := make([]string, len(underlyings))
		for i, u := range underlyings {
			placeholders[i] = "?"
			args = append(args, strings.ToUpper(u))
		}
		query += " WHERE underlying IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY underlying, expiry, strike, token"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var instruments []models.Instrument
	for rows.Next() {
		var inst models.Instrument
		var kind, exchange, expiry string
		if err := rows.Scan(&inst.Token, &inst.TradingSymbol, &inst.Underlying, &kind, &exchange,
			&expiry, &inst.Strike, &inst.LotSize, &inst.TickSize); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		inst.Kind = models.InstrumentKind(kind)
		inst.Exchange = models.Exchange(exchange)
		inst.Expiry, err = time.ParseInLocation(utils.DateKey, expiry, utils.IndiaLocation)
		if err != nil {
			return nil, apperrors.NewDataQualityError(inst.TradingSymbol, "stored expiry", err)
		}
		instruments = append(instruments, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instruments: %w", err)
	}

	return instruments, nil
}

// ============================================================================
// Holiday Methods
// ============================================================================

// SaveHoliday upserts a holiday entry.
func (s *SQLiteStore) SaveHoliday(ctx context.Context, entry models.HolidayEntry) error {
	if !entry.Kind.Valid() {
		return fmt.Errorf("invalid holiday kind %q", entry.Kind)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO holidays (date, kind) VALUES (?, ?)
	`, entry.Date.In(utils.IndiaLocation).Format(utils.DateKey), string(entry.Kind))
	if err != nil {
		return fmt.Errorf("failed to save holiday: %w", err)
	}
	return nil
}

// DeleteHoliday removes the holiday for a date.
func (s *SQLiteStore) DeleteHoliday(ctx context.Context, date time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM holidays WHERE date = ?`,
		date.In(utils.IndiaLocation).Format(utils.DateKey))
	if err != nil {
		return fmt.Errorf("failed to delete holiday: %w", err)
	}
	return nil
}

// GetHolidays returns all holidays ordered by date.
func (s *SQLiteStore) GetHolidays(ctx context.Context) ([]models.HolidayEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, kind FROM holidays ORDER BY date ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query holidays: %w", err)
	}
	defer rows.Close()

	var holidays []models.HolidayEntry
	for rows.Next() {
		var date, kind string
		if err := rows.Scan(&date, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan holiday: %w", err)
		}
		d, err := time.ParseInLocation(utils.DateKey, date, utils.IndiaLocation)
		if err != nil {
			return nil, apperrors.NewDataQualityError("holiday", "stored date "+date, err)
		}
		holidays = append(holidays, models.HolidayEntry{Date: d, Kind: models.DayKind(kind)})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holidays: %w", err)
	}

	return holidays, nil
}

// ============================================================================
// Settings Methods
// ============================================================================

// GetSetting returns the value for key or ErrSettingNotFound.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%s: %w", key, apperrors.ErrSettingNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// AllSettings returns every setting.
func (s *SQLiteStore) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return settings, nil
}

// ============================================================================
// Sync Methods
// ============================================================================

// GetLastSync returns the last sync time for a data type.
func (s *SQLiteStore) GetLastSync(dataType string) time.Time {
	s.mu.RLock()
	if t, ok := s.syncTimes[dataType]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	var lastSync time.Time
	err := s.db.QueryRow(`
		SELECT last_sync FROM sync_status WHERE data_type = ?
	`, dataType).Scan(&lastSync)
	if err != nil {
		return time.Time{}
	}

	s.mu.Lock()
	s.syncTimes[dataType] = lastSync
	s.mu.Unlock()

	return lastSync
}

// SetLastSync sets the last sync time for a data type.
func (s *SQLiteStore) SetLastSync(dataType string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_status (data_type, last_sync, updated_at)
		VALUES (?, ?, ?)
	`, dataType, t, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}

	s.mu.Lock()
	s.syncTimes[dataType] = t
	s.mu.Unlock()

	return nil
}

// LoadReference loads instruments for the underlyings and fails with a
// ConfigurationError when none are stored.
func LoadReference(ctx context.Context, rs ReferenceStore, underlyings []string) ([]models.Instrument, error) {
	instruments, err := rs.GetInstruments(ctx, underlyings)
	if err != nil {
		return nil, apperrors.NewConfigurationError("store", "loading instruments", err)
	}
	if len(instruments) == 0 {
		return nil, apperrors.NewConfigurationError("store",
			fmt.Sprintf("no instruments stored for %s; run 'chainstream instruments sync'", strings.Join(underlyings, ",")),
			apperrors.ErrReferenceMissing)
	}
	return instruments, nil
}
