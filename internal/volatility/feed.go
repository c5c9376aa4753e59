// Package volatility polls annualized volatility per underlying and derives
// the daily volatility used by strike selection.
package volatility

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chainstream/internal/broker"
	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/metrics"
	"chainstream/internal/models"
)

// Source labels recorded on samples.
const (
	SourceOverride = "override"
	SourceQuote    = "quote"
)

// TrailingMinutes supplies the trailing-year minute count.
type TrailingMinutes interface {
	MinutesInTrailingYear() int
}

// Overrides supplies hot-reloaded volatility overrides.
type Overrides interface {
	VolatilityOverride(underlying string) (float64, bool)
}

// Config holds volatility feed configuration.
type Config struct {
	PollInterval      time.Duration
	DefaultInstrument string
	Instruments       map[string]string // per-underlying quote instrument
	QuoteTimeout      time.Duration
}

// DefaultConfig returns the default feed configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      60 * time.Second,
		DefaultInstrument: "NSE:INDIA VIX",
		QuoteTimeout:      10 * time.Second,
	}
}

// Feed polls each underlying independently and keeps the last good sample.
type Feed struct {
	config    Config
	quotes    broker.QuoteSource
	overrides Overrides
	calendar  TrailingMinutes
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	latest map[string]models.VolatilitySample
	sink   func(models.VolatilitySample)
}

// NewFeed creates a volatility feed.
func NewFeed(config Config, quotes broker.QuoteSource, overrides Overrides, calendar TrailingMinutes, logger zerolog.Logger) *Feed {
	if config.PollInterval <= 0 {
		config.PollInterval = 60 * time.Second
	}
	if config.QuoteTimeout <= 0 {
		config.QuoteTimeout = 10 * time.Second
	}
	if config.DefaultInstrument == "" {
		config.DefaultInstrument = "NSE:INDIA VIX"
	}
	return &Feed{
		config:    config,
		quotes:    quotes,
		overrides: overrides,
		calendar:  calendar,
		logger:    logging.WithComponent(logger, "volatility"),
		now:       time.Now,
		latest:    make(map[string]models.VolatilitySample),
	}
}

// OnSample sets the callback receiving every accepted sample.
func (f *Feed) OnSample(sink func(models.VolatilitySample)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

// Latest returns the last good sample for an underlying.
func (f *Feed) Latest(underlying string) (models.VolatilitySample, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.latest[underlying]
	return s, ok
}

// Run polls every underlying until ctx is cancelled. Each underlying has
// its own goroutine and polls immediately on start.
func (f *Feed) Run(ctx context.Context, underlyings []string) {
	var wg sync.WaitGroup
	for _, u := range underlyings {
		wg.Add(1)
		go func(underlying string) {
			defer wg.Done()
			f.pollLoop(ctx, underlying)
		}(u)
	}
	wg.Wait()
}

func (f *Feed) pollLoop(ctx context.Context, underlying string) {
	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	for {
		_, _ = f.Poll(ctx, underlying)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll takes one reading for an underlying. On failure the previous sample
// is kept and the error is returned.
func (f *Feed) Poll(ctx context.Context, underlying string) (models.VolatilitySample, error) {
	log := logging.WithUnderlying(f.logger, underlying)

	av, source, err := f.annualized(ctx, underlying)
	if err != nil {
		metrics.VolatilityPollFailures.WithLabelValues(underlying).Inc()
		log.Warn().Err(err).Msg("Volatility poll failed, keeping last known value")
		return models.VolatilitySample{}, err
	}

	sample := models.VolatilitySample{
		Underlying:    underlying,
		AnnualizedVol: av,
		DailyVol:      DailyVol(av, f.calendar.MinutesInTrailingYear()),
		Source:        source,
		UpdatedAt:     f.now(),
	}

	f.mu.Lock()
	f.latest[underlying] = sample
	sink := f.sink
	f.mu.Unlock()

	metrics.AnnualizedVolatility.WithLabelValues(underlying).Set(av)
	log.Debug().Float64("av", av).Float64("dv", sample.DailyVol).Str("source", source).Msg("Volatility updated")

	if sink != nil {
		sink(sample)
	}
	return sample, nil
}

func (f *Feed) annualized(ctx context.Context, underlying string) (float64, string, error) {
	if f.overrides != nil {
		if v, ok := f.overrides.VolatilityOverride(underlying); ok {
			return v, SourceOverride, nil
		}
	}
	if f.quotes == nil {
		return 0, "", apperrors.NewTransientError("volatility", "quote", fmt.Errorf("no quote source for %s", underlying))
	}

	instrument := f.config.DefaultInstrument
	if inst, ok := f.config.Instruments[underlying]; ok && inst != "" {
		instrument = inst
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.QuoteTimeout)
	defer cancel()

	v, err := f.quotes.LTP(ctx, instrument)
	if err != nil {
		return 0, "", err
	}
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, "", apperrors.NewDataQualityError(instrument, fmt.Sprintf("non-positive volatility %v", v), nil)
	}
	return v, SourceQuote, nil
}

// DailyVol scales annualized volatility by the trailing-year minute count.
// It returns 0 when either input is non-positive.
func DailyVol(av float64, trailingMinutes int) float64 {
	if av <= 0 || trailingMinutes <= 0 {
		return 0
	}
	return av / math.Sqrt(float64(trailingMinutes))
}
