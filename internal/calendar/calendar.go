// Package calendar computes tradable MCX minutes over the weekly schedule,
// per-day holiday overrides and the seasonal evening-session shift.
//
// Minute queries never return errors: bad input degrades to 0 minutes with a
// warning so that one malformed expiry cannot abort a metrics cycle.
package calendar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
	"chainstream/pkg/utils"
)

// HolidaySource supplies the holiday table.
type HolidaySource interface {
	GetHolidays(ctx context.Context) ([]models.HolidayEntry, error)
}

// StaticHolidays is a HolidaySource backed by a fixed list.
type StaticHolidays []models.HolidayEntry

// GetHolidays returns the list.
func (s StaticHolidays) GetHolidays(ctx context.Context) ([]models.HolidayEntry, error) {
	return s, nil
}

// Config holds calendar configuration.
type Config struct {
	Session        Session
	ExpiryCacheTTL time.Duration
	MaxPastYears   int
	MaxFutureYears int
	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default calendar configuration.
func DefaultConfig() Config {
	return Config{
		Session:        DefaultSession(),
		ExpiryCacheTTL: 60 * time.Second,
		MaxPastYears:   1,
		MaxFutureYears: 5,
	}
}

type cachedMinutes struct {
	minutes    int
	computedAt time.Time
}

// Calendar answers tradable-minute queries. It is safe for concurrent use.
type Calendar struct {
	config Config
	logger zerolog.Logger

	mu       sync.RWMutex
	holidays map[string]models.DayKind
	loaded   bool

	yearMu       sync.Mutex
	yearMinutes  int
	yearComputed bool

	expiryMu    sync.Mutex
	expiryCache map[string]cachedMinutes
}

// New creates a calendar. LoadHolidays must be called before minute queries
// return non-zero values.
func New(config Config, logger zerolog.Logger) *Calendar {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ExpiryCacheTTL <= 0 {
		config.ExpiryCacheTTL = 60 * time.Second
	}
	if config.MaxPastYears <= 0 {
		config.MaxPastYears = 1
	}
	if config.MaxFutureYears <= 0 {
		config.MaxFutureYears = 5
	}
	return &Calendar{
		config:      config,
		logger:      logger.With().Str("component", "calendar").Logger(),
		expiryCache: make(map[string]cachedMinutes),
	}
}

// LoadHolidays replaces the holiday table and clears memoized results.
func (c *Calendar) LoadHolidays(ctx context.Context, source HolidaySource) error {
	entries, err := source.GetHolidays(ctx)
	if err != nil {
		return apperrors.NewConfigurationError("calendar", "loading holidays", err)
	}

	holidays := make(map[string]models.DayKind, len(entries))
	for _, e := range entries {
		if !e.Kind.Valid() {
			c.logger.Warn().Str("date", e.Date.Format(utils.DateKey)).Str("kind", string(e.Kind)).Msg("Ignoring holiday with unknown kind")
			continue
		}
		holidays[e.Date.In(utils.IndiaLocation).Format(utils.DateKey)] = e.Kind
	}

	c.mu.Lock()
	c.holidays = holidays
	c.loaded = true
	c.mu.Unlock()

	c.yearMu.Lock()
	c.yearComputed = false
	c.yearMu.Unlock()

	c.expiryMu.Lock()
	c.expiryCache = make(map[string]cachedMinutes)
	c.expiryMu.Unlock()

	c.logger.Info().Int("holidays", len(holidays)).Msg("Holiday calendar loaded")
	return nil
}

// Loaded reports whether holidays have been loaded.
func (c *Calendar) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// DayKind returns the holiday kind for a date, if any.
func (c *Calendar) DayKind(day time.Time) (models.DayKind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kind, ok := c.holidays[day.In(utils.IndiaLocation).Format(utils.DateKey)]
	return kind, ok
}

// DayMinutes returns the tradable minutes of a whole calendar day.
func (c *Calendar) DayMinutes(day time.Time) int {
	return c.minutesFrom(day, 0)
}

// minutesFrom returns tradable minutes of day at or after minute-of-day from.
func (c *Calendar) minutesFrom(day time.Time, from int) int {
	if utils.IsWeekend(day) {
		return 0
	}
	kind, holiday := c.DayKind(day)
	total := 0
	for _, w := range c.config.Session.windows(day, kind, holiday) {
		total += overlap(from, 24*60, w)
	}
	return total
}

// MinutesBetween returns full-day tradable minutes over the dates [from, to).
func (c *Calendar) MinutesBetween(from, to time.Time) int {
	if !c.ready("MinutesBetween") {
		return 0
	}
	total := 0
	end := utils.StartOfDay(to)
	for d := utils.StartOfDay(from); d.Before(end); d = d.AddDate(0, 0, 1) {
		total += c.DayMinutes(d)
	}
	return total
}

// MinutesInTrailingYear returns tradable minutes over [today-1y, today).
// The first result after LoadHolidays is kept for the life of the process.
func (c *Calendar) MinutesInTrailingYear() int {
	if !c.ready("MinutesInTrailingYear") {
		return 0
	}

	c.yearMu.Lock()
	defer c.yearMu.Unlock()
	if c.yearComputed {
		return c.yearMinutes
	}
	today := utils.StartOfDay(c.config.Now())
	c.yearMinutes = c.MinutesBetween(today.AddDate(-1, 0, 0), today)
	c.yearComputed = true
	return c.yearMinutes
}

// MinutesUntilExpiry returns tradable minutes from now through the end of
// the expiry date. Past expiries return 0. Results are cached per expiry
// date for the configured TTL.
func (c *Calendar) MinutesUntilExpiry(expiry time.Time) int {
	if !c.ready("MinutesUntilExpiry") {
		return 0
	}
	now := c.config.Now().In(utils.IndiaLocation)
	key := expiry.In(utils.IndiaLocation).Format(utils.DateKey)

	c.expiryMu.Lock()
	if cached, ok := c.expiryCache[key]; ok && now.Sub(cached.computedAt) < c.config.ExpiryCacheTTL && !now.Before(cached.computedAt) {
		c.expiryMu.Unlock()
		return cached.minutes
	}
	c.expiryMu.Unlock()

	minutes := c.computeUntil(now, expiry)

	c.expiryMu.Lock()
	c.expiryCache[key] = cachedMinutes{minutes: minutes, computedAt: now}
	c.expiryMu.Unlock()
	return minutes
}

// MinutesUntilExpiryText parses an expiry in ISO or dd-MON-yyyy form and
// returns MinutesUntilExpiry. Unparseable input returns 0.
func (c *Calendar) MinutesUntilExpiryText(s string) int {
	expiry, err := ParseExpiry(s)
	if err != nil {
		c.logger.Warn().Err(err).Str("expiry", s).Msg("Unparseable expiry, treating as 0 minutes")
		return 0
	}
	return c.MinutesUntilExpiry(expiry)
}

func (c *Calendar) computeUntil(now, expiry time.Time) int {
	today := utils.StartOfDay(now)
	expiryDay := utils.StartOfDay(expiry)

	if expiryDay.Before(today.AddDate(-c.config.MaxPastYears, 0, 0)) || expiryDay.After(today.AddDate(c.config.MaxFutureYears, 0, 0)) {
		err := apperrors.NewDataQualityError("expiry", fmt.Sprintf("%s outside accepted range", expiryDay.Format(utils.DateKey)), apperrors.ErrInvalidExpiry)
		c.logger.Warn().Err(err).Msg("Expiry out of range, treating as 0 minutes")
		return 0
	}
	if expiryDay.Before(today) {
		return 0
	}

	total := c.minutesFrom(today, utils.MinuteOfDay(now))
	for d := today.AddDate(0, 0, 1); !d.After(expiryDay); d = d.AddDate(0, 0, 1) {
		total += c.DayMinutes(d)
	}
	return total
}

func (c *Calendar) ready(op string) bool {
	if c.Loaded() {
		return true
	}
	c.logger.Warn().Str("operation", op).Msg("Holiday calendar not loaded, returning 0 minutes")
	return false
}

// ParseExpiry parses an expiry in ISO (2006-01-02), RFC 3339 or vendor
// (02-JAN-2006, any month case) form as an IST date.
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation("2006-01-02", s, utils.IndiaLocation); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return utils.StartOfDay(t), nil
	}
	parts := strings.Split(s, "-")
	if len(parts) == 3 && len(parts[1]) == 3 {
		month := strings.ToUpper(parts[1][:1]) + strings.ToLower(parts[1][1:])
		if t, err := time.ParseInLocation("02-Jan-2006", parts[0]+"-"+month+"-"+parts[2], utils.IndiaLocation); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperrors.NewDataQualityError("expiry", fmt.Sprintf("unrecognised date %q", s), apperrors.ErrInvalidExpiry)
}
