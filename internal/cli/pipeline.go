package cli

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chainstream/internal/broker"
	"chainstream/internal/calendar"
	"chainstream/internal/chain"
	"chainstream/internal/config"
	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/margin"
	"chainstream/internal/models"
	"chainstream/internal/resilience"
	"chainstream/internal/settings"
	"chainstream/internal/store"
	"chainstream/internal/volatility"
)

// tickStaleAfter is how long a connected feed may go without ticks before
// it reports degraded.
const tickStaleAfter = 2 * time.Minute

// pipeline is one market-data connection with the engine, volatility poller
// and margin fetcher serving its underlyings.
type pipeline struct {
	symbols  []string
	feed     *broker.KiteFeed
	engine   *chain.Engine
	vol      *volatility.Feed
	margins  *margin.Fetcher
	settings *settings.Cache
	breakers *resilience.CircuitBreakerRegistry
	logger   zerolog.Logger
}

// newCalendar builds the trading calendar from config and loads holidays.
func newCalendar(ctx context.Context, cfg *config.Config, holidays calendar.HolidaySource, logger zerolog.Logger) (*calendar.Calendar, error) {
	session, err := sessionFromConfig(cfg.Calendar)
	if err != nil {
		return nil, err
	}
	cal := calendar.New(calendar.Config{
		Session:        session,
		ExpiryCacheTTL: cfg.Calendar.ExpiryCacheTTL,
		MaxPastYears:   cfg.Calendar.MaxPastYears,
		MaxFutureYears: cfg.Calendar.MaxFutureYears,
	}, logger)

	if cfg.Calendar.RequireHolidays {
		entries, err := holidays.GetHolidays(ctx)
		if err != nil {
			return nil, apperrors.NewConfigurationError("calendar", "loading holidays", err)
		}
		if len(entries) == 0 {
			return nil, apperrors.NewConfigurationError("calendar",
				"holiday table is empty; add entries with 'chainstream holidays add'", apperrors.ErrReferenceMissing)
		}
	}
	if err := cal.LoadHolidays(ctx, holidays); err != nil {
		return nil, err
	}
	return cal, nil
}

func sessionFromConfig(cc config.CalendarConfig) (calendar.Session, error) {
	session := calendar.DefaultSession()
	fields := []struct {
		name  string
		value string
		dst   *int
	}{
		{"morning_open", cc.MorningOpen, &session.MorningOpen},
		{"morning_close", cc.MorningClose, &session.MorningClose},
		{"evening_close_dst", cc.EveningCloseDST, &session.EveningCloseDST},
		{"evening_close_std", cc.EveningCloseStd, &session.EveningCloseStd},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		minutes, err := config.ParseClock(f.value)
		if err != nil {
			return session, apperrors.NewConfigurationError("calendar", "parsing "+f.name, err)
		}
		*f.dst = minutes
	}
	return session, nil
}

// newPipeline wires a feed, engine, volatility poller and margin fetcher for
// the given underlyings. Nothing runs until Run is called.
func newPipeline(cfg *config.Config, symbols []string, instruments []models.Instrument, cal *calendar.Calendar, cache *settings.Cache, logger zerolog.Logger) *pipeline {
	creds := cfg.Credentials.Kite

	feed := broker.NewKiteFeed(broker.KiteFeedConfig{
		APIKey:            creds.APIKey,
		AccessToken:       creds.AccessToken,
		HandshakeTimeout:  cfg.Feed.HandshakeTimeout,
		ReconnectMaxRetry: cfg.Feed.ReconnectMaxRetry,
		ReconnectMaxDelay: cfg.Feed.ReconnectMaxDelay,
	}, logger)
	feed.OnError(func(err error) {
		logger.Warn().Err(err).Msg("Feed error")
	})
	feed.OnDisconnect(func() {
		logger.Warn().Msg("Feed disconnected, waiting for reconnect")
	})

	client := broker.NewKiteClient(broker.KiteClientConfig{
		APIKey:        creds.APIKey,
		AccessToken:   creds.AccessToken,
		RatePerSecond: cfg.Margin.RatePerSecond,
		Burst:         cfg.Margin.Burst,
	}, logger)

	engineCfg := chain.DefaultConfig()
	engineCfg.Underlyings = symbols
	engineCfg.MaxExpiries = cfg.Chain.MaxExpiries
	engineCfg.SdMultiplier = cfg.Chain.SdMultiplier
	engineCfg.RecomputeInterval = cfg.Chain.RecomputeInterval
	engineCfg.ReselectInterval = cfg.Chain.ReselectInterval
	if cfg.Feed.TickBuffer > 0 {
		engineCfg.TickBuffer = cfg.Feed.TickBuffer
	}
	engine := chain.NewEngine(engineCfg, instruments, feed, cal, cache, logger)

	volCfg := volatility.DefaultConfig()
	volCfg.PollInterval = cfg.Volatility.PollInterval
	volCfg.QuoteTimeout = cfg.Volatility.QuoteTimeout
	volCfg.Instruments = cfg.Volatility.Instruments
	if cfg.Volatility.QuoteInstrument != "" {
		volCfg.DefaultInstrument = cfg.Volatility.QuoteInstrument
	}
	breakers := resilience.NewCircuitBreakerRegistry(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Volatility.BreakerThreshold,
		SuccessThreshold: 1,
		Cooldown:         cfg.Volatility.BreakerCooldown,
	}, logger)
	vol := volatility.NewFeed(volCfg, resilience.NewGuardedQuotes(client, breakers), cache, cal, logger)
	vol.OnSample(engine.PublishVolatility)

	marginCfg := margin.DefaultConfig()
	marginCfg.FetchInterval = cfg.Margin.FetchInterval
	marginCfg.BatchSize = cfg.Margin.BatchSize
	marginCfg.MaxAttempts = cfg.Margin.MaxAttempts
	fetcher := margin.NewFetcher(marginCfg, client, engine, engine.ApplyMargins, logger)

	return &pipeline{
		symbols:  symbols,
		feed:     feed,
		engine:   engine,
		vol:      vol,
		margins:  fetcher,
		settings: cache,
		breakers: breakers,
		logger:   logging.WithComponent(logger, "pipeline"),
	}
}

// registerHealth adds the pipeline's feed and quote circuits to monitor.
func (p *pipeline) registerHealth(monitor *resilience.HealthMonitor) {
	monitor.RegisterComponent("feed", resilience.FeedHealthCheck(p.feed.IsConnected, p.feed.LastTick, tickStaleAfter))
	monitor.RegisterComponent("quotes", resilience.BreakerHealthCheck(p.breakers))
}

// Run connects the feed and runs every stage until ctx is cancelled or a
// stage fails. The feed is disconnected on return.
func (p *pipeline) Run(ctx context.Context) error {
	if err := p.feed.Connect(ctx); err != nil {
		return apperrors.Wrap(err, "connecting feed")
	}
	defer func() {
		if err := p.feed.Disconnect(); err != nil {
			p.logger.Warn().Err(err).Msg("Feed disconnect failed")
		}
	}()

	p.logger.Info().Strs("underlyings", p.symbols).Msg("Pipeline starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.engine.Run(gctx)
	})
	g.Go(func() error {
		p.vol.Run(gctx, p.symbols)
		return nil
	})
	g.Go(func() error {
		return p.margins.Run(gctx)
	})
	g.Go(func() error {
		p.settings.Run(gctx)
		return nil
	})
	return g.Wait()
}

// loadReference opens the store and loads the instruments, calendar and
// settings shared by every pipeline.
func loadReference(ctx context.Context, cfg *config.Config, st store.DataStore, symbols []string, logger zerolog.Logger) ([]models.Instrument, *calendar.Calendar, *settings.Cache, error) {
	instruments, err := store.LoadReference(ctx, st, symbols)
	if err != nil {
		return nil, nil, nil, err
	}

	cal, err := newCalendar(ctx, cfg, st, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	cache := settings.NewCache(st, cfg.Settings.RefreshInterval, logger)
	if err := cache.Refresh(ctx); err != nil {
		return nil, nil, nil, apperrors.NewConfigurationError("settings", "initial load", err)
	}
	return instruments, cal, cache, nil
}
