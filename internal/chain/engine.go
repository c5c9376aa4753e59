package chain

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chainstream/internal/broker"
	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/metrics"
	"chainstream/internal/models"
)

// Calendar supplies tradable minutes.
type Calendar interface {
	MinutesInTrailingYear() int
	MinutesUntilExpiry(expiry time.Time) int
}

// Settings supplies hot-reloaded per-underlying values.
type Settings interface {
	BidBalance(underlying string) float64
	Multiplier(underlying string) float64
	SdMultiplier(def float64) float64
}

// Resubscribe triggers.
const (
	TriggerStartup    = "startup"
	TriggerRequest    = "request"
	TriggerTimer      = "timer"
	TriggerFirstTick  = "first_futures_tick"
	TriggerVolatility = "first_volatility"
)

// Config holds engine configuration.
type Config struct {
	Underlyings       []string
	MaxExpiries       int
	SdMultiplier      float64
	RecomputeInterval time.Duration
	ReselectInterval  time.Duration
	TickBuffer        int
	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxExpiries:       2,
		SdMultiplier:      1,
		RecomputeInterval: 300 * time.Millisecond,
		ReselectInterval:  30 * time.Second,
		TickBuffer:        4096,
	}
}

// Engine owns the live option chain of one process. All state below the
// channel fields is read and written only by the Run goroutine.
type Engine struct {
	config   Config
	universe *Universe
	feed     broker.Feed
	calendar Calendar
	settings Settings
	logger   zerolog.Logger

	linked map[uint32]uint32 // option token -> linked future token

	entries      map[uint32]*models.OptionChainEntry
	futures      map[uint32]models.FuturesQuote
	vols         map[string]models.VolatilitySample
	margins      map[string]float64
	liveOptions  map[uint32]struct{}
	liveFutures  map[uint32]struct{}
	selected     map[string]bool
	sdMultiplier float64

	ticks     chan models.Tick
	samples   chan models.VolatilitySample
	marginsCh chan map[string]float64
	requests  chan float64
	snapshots chan chan models.Snapshot

	sinkMu sync.RWMutex
	sink   func(models.Snapshot)

	live      atomic.Value // []broker.MarginRequest
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

// NewEngine creates an engine scoped to the configured underlyings and
// registers it as the feed's tick handler.
func NewEngine(config Config, instruments []models.Instrument, feed broker.Feed, calendar Calendar, settings Settings, logger zerolog.Logger) *Engine {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.TickBuffer <= 0 {
		config.TickBuffer = 4096
	}
	if config.MaxExpiries <= 0 {
		config.MaxExpiries = 2
	}
	if config.SdMultiplier <= 0 {
		config.SdMultiplier = 1
	}

	underlyings := make([]string, len(config.Underlyings))
	scope := make(map[string]struct{}, len(config.Underlyings))
	for i, u := range config.Underlyings {
		underlyings[i] = strings.ToUpper(u)
		scope[underlyings[i]] = struct{}{}
	}
	config.Underlyings = underlyings
	scoped := make([]models.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if _, ok := scope[inst.Underlying]; ok {
			scoped = append(scoped, inst)
		}
	}

	universe := NewUniverse(scoped)
	linked := make(map[uint32]uint32)
	for _, inst := range scoped {
		if !inst.Kind.IsOption() {
			continue
		}
		if fut, ok := universe.LinkedFuture(inst.Underlying, inst.Expiry); ok {
			linked[inst.Token] = fut.Token
		}
	}

	e := &Engine{
		config:       config,
		universe:     universe,
		feed:         feed,
		calendar:     calendar,
		settings:     settings,
		logger:       logging.WithComponent(logger, "engine"),
		linked:       linked,
		entries:      make(map[uint32]*models.OptionChainEntry),
		futures:      make(map[uint32]models.FuturesQuote),
		vols:         make(map[string]models.VolatilitySample),
		margins:      make(map[string]float64),
		liveOptions:  make(map[uint32]struct{}),
		liveFutures:  make(map[uint32]struct{}),
		selected:     make(map[string]bool),
		sdMultiplier: config.SdMultiplier,
		ticks:        make(chan models.Tick, config.TickBuffer),
		samples:      make(chan models.VolatilitySample, 64),
		marginsCh:    make(chan map[string]float64, 4),
		requests:     make(chan float64, 4),
		snapshots:    make(chan chan models.Snapshot),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	e.live.Store([]broker.MarginRequest(nil))

	if feed != nil {
		feed.OnTick(e.HandleTick)
	}
	return e
}

// OnSnapshot sets the callback receiving a snapshot after every recompute.
func (e *Engine) OnSnapshot(sink func(models.Snapshot)) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sink = sink
}

// Ready is closed after the startup selection cycle.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// HandleTick queues a tick for the loop. It blocks when the queue is full so
// ticks are applied strictly in arrival order.
func (e *Engine) HandleTick(t models.Tick) {
	select {
	case e.ticks <- t:
	case <-e.done:
	}
}

// PublishVolatility queues a volatility sample for the loop.
func (e *Engine) PublishVolatility(s models.VolatilitySample) {
	select {
	case e.samples <- s:
	case <-e.done:
	}
}

// ApplyMargins queues order margins keyed by trading symbol.
func (e *Engine) ApplyMargins(m map[string]float64) {
	select {
	case e.marginsCh <- m:
	case <-e.done:
	}
}

// Subscribe requests a selection cycle with a new SD multiplier.
func (e *Engine) Subscribe(sdMultiplier float64) {
	select {
	case e.requests <- sdMultiplier:
	case <-e.done:
	}
}

// Snapshot returns a copy of the live chain from the loop.
func (e *Engine) Snapshot(ctx context.Context) (models.Snapshot, error) {
	reply := make(chan models.Snapshot, 1)
	select {
	case e.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, apperrors.ErrNotReady
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LiveMarginRequests returns the margin requests for the live option set.
// It is safe to call from any goroutine.
func (e *Engine) LiveMarginRequests() []broker.MarginRequest {
	reqs, _ := e.live.Load().([]broker.MarginRequest)
	return reqs
}

// Run drives the event loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.doneOnce.Do(func() { close(e.done) })

	if e.settings != nil {
		e.sdMultiplier = e.settings.SdMultiplier(e.config.SdMultiplier)
	}
	e.resubscribe(TriggerStartup)
	e.readyOnce.Do(func() { close(e.ready) })

	recompute := time.NewTicker(e.config.RecomputeInterval)
	defer recompute.Stop()
	reselect := time.NewTicker(e.config.ReselectInterval)
	defer reselect.Stop()

	e.logger.Info().
		Strs("underlyings", e.config.Underlyings).
		Float64("sd_multiplier", e.sdMultiplier).
		Dur("recompute", e.config.RecomputeInterval).
		Msg("Engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine stopped")
			return nil
		case t := <-e.ticks:
			e.applyTick(t)
		case s := <-e.samples:
			e.applySample(s)
		case m := <-e.marginsCh:
			e.applyMargins(m)
		case sd := <-e.requests:
			if sd > 0 {
				e.sdMultiplier = sd
			}
			e.resubscribe(TriggerRequest)
		case <-reselect.C:
			e.resubscribe(TriggerTimer)
		case <-recompute.C:
			e.recompute()
			e.emit()
		case reply := <-e.snapshots:
			reply <- e.snapshot()
		}
	}
}

func (e *Engine) applyTick(t models.Tick) {
	metrics.TicksProcessed.WithLabelValues(string(t.Mode())).Inc()

	token := t.InstrumentToken()
	inst, ok := e.universe.Instrument(token)
	if !ok {
		return
	}

	if inst.Kind == models.KindFuture {
		if t.LTP() <= 0 {
			return
		}
		_, seen := e.futures[token]
		e.futures[token] = models.FuturesQuote{
			Token:      token,
			Underlying: inst.Underlying,
			Expiry:     inst.Expiry,
			LastPrice:  t.LTP(),
			UpdatedAt:  e.config.Now(),
		}
		if !seen && !e.selected[inst.Underlying] && e.hasVolatility(inst.Underlying) {
			e.resubscribe(TriggerFirstTick)
		}
		return
	}

	entry, ok := e.entries[token]
	if !ok {
		return
	}
	entry.LastPrice = t.LTP()
	switch tick := t.(type) {
	case models.FullTick:
		entry.Bid = tick.BestBid()
	case *models.FullTick:
		entry.Bid = tick.BestBid()
	}
}

func (e *Engine) applySample(s models.VolatilitySample) {
	if s.AnnualizedVol <= 0 {
		return
	}
	_, had := e.vols[s.Underlying]
	e.vols[s.Underlying] = s
	if !had && !e.selected[s.Underlying] && e.hasFuturesPrice(s.Underlying) {
		e.resubscribe(TriggerVolatility)
	}
}

func (e *Engine) applyMargins(m map[string]float64) {
	for sym, v := range m {
		if v > 0 {
			e.margins[sym] = v
		}
	}
	for _, entry := range e.entries {
		if v, ok := m[entry.TradingSymbol]; ok && v > 0 {
			entry.OrderMargin = v
		}
	}
}

func (e *Engine) hasVolatility(underlying string) bool {
	s, ok := e.vols[underlying]
	return ok && s.AnnualizedVol > 0
}

func (e *Engine) hasFuturesPrice(underlying string) bool {
	for _, f := range e.universe.Futures(underlying) {
		if q, ok := e.futures[f.Token]; ok && q.LastPrice > 0 {
			return true
		}
	}
	return false
}

// selectionInput captures the current futures prices and volatility.
func (e *Engine) selectionInput() SelectionInput {
	return SelectionInput{
		Underlyings:     e.config.Underlyings,
		Today:           e.config.Now(),
		MaxExpiries:     e.config.MaxExpiries,
		SdMultiplier:    e.sdMultiplier,
		TrailingMinutes: e.calendar.MinutesInTrailingYear(),
		MinutesUntil:    e.calendar.MinutesUntilExpiry,
		Volatility: func(u string) (float64, bool) {
			s, ok := e.vols[u]
			return s.AnnualizedVol, ok && s.AnnualizedVol > 0
		},
		FuturesPrice: func(token uint32) (float64, bool) {
			q, ok := e.futures[token]
			return q.LastPrice, ok
		},
	}
}

// resubscribe runs a selection cycle and diffs the result against the live
// token set so only changed tokens reach the feed.
func (e *Engine) resubscribe(trigger string) {
	sel := e.universe.Select(e.selectionInput())
	metrics.Resubscribes.WithLabelValues(trigger).Inc()

	nextOptions := tokenSet(sel.Options)
	nextFutures := tokenSet(sel.Futures)

	var removed, addedOptions, addedFutures []uint32
	for token := range e.liveOptions {
		if _, keep := nextOptions[token]; !keep {
			removed = append(removed, token)
			delete(e.entries, token)
		}
	}
	for token := range e.liveFutures {
		if _, keep := nextFutures[token]; !keep {
			removed = append(removed, token)
		}
	}
	for _, token := range sel.Options {
		if _, live := e.liveOptions[token]; live {
			continue
		}
		addedOptions = append(addedOptions, token)
		inst, _ := e.universe.Instrument(token)
		entry := models.NewOptionChainEntry(inst)
		entry.OrderMargin = e.margins[inst.TradingSymbol]
		e.entries[token] = entry
	}
	for _, token := range sel.Futures {
		if _, live := e.liveFutures[token]; !live {
			addedFutures = append(addedFutures, token)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	if e.feed != nil {
		if err := e.feed.Unsubscribe(removed); err != nil {
			e.logger.Warn().Err(err).Int("tokens", len(removed)).Msg("Unsubscribe failed")
		}
		// Tokens the feed refused stay out of the live sets so the next
		// selection cycle sends them again.
		if err := e.feed.Subscribe(addedOptions, models.TickModeFull); err != nil {
			e.logger.Warn().Err(err).Int("tokens", len(addedOptions)).Msg("Option subscribe failed")
			for _, token := range addedOptions {
				delete(nextOptions, token)
				delete(e.entries, token)
			}
		}
		if err := e.feed.Subscribe(addedFutures, models.TickModeLTP); err != nil {
			e.logger.Warn().Err(err).Int("tokens", len(addedFutures)).Msg("Futures subscribe failed")
			for _, token := range addedFutures {
				delete(nextFutures, token)
			}
		}
	}

	e.liveOptions = nextOptions
	e.liveFutures = nextFutures
	for u := range sel.Evaluated {
		e.selected[u] = true
	}
	e.publishLive()

	perUnderlying := make(map[string]int)
	for _, entry := range e.entries {
		perUnderlying[entry.Underlying]++
	}
	for _, u := range e.config.Underlyings {
		metrics.SelectionSize.WithLabelValues(u).Set(float64(perUnderlying[u]))
	}
	for _, g := range sel.Groups {
		if g.Skipped != "" {
			lg := logging.WithUnderlying(e.logger, g.Underlying)
			lg.Debug().
				Str("expiry", dateKey(g.Expiry)).Str("reason", g.Skipped).Msg("Group skipped")
			continue
		}
		lg := logging.WithUnderlying(e.logger, g.Underlying)
		lg.Debug().
			Str("expiry", dateKey(g.Expiry)).
			Float64("ltp", g.LTP).
			Float64("ceiling", g.Bounds.Ceiling).
			Float64("floor", g.Bounds.Floor).
			Int("calls", g.Calls).
			Int("puts", g.Puts).
			Msg("Group selected")
	}

	if len(removed)+len(addedOptions)+len(addedFutures) > 0 || trigger != TriggerTimer {
		e.logger.Info().
			Str("trigger", trigger).
			Float64("sd_multiplier", e.sdMultiplier).
			Int("options", len(sel.Options)).
			Int("futures", len(sel.Futures)).
			Int("added", len(addedOptions)+len(addedFutures)).
			Int("removed", len(removed)).
			Msg("Selection updated")
	}
}

func (e *Engine) publishLive() {
	reqs := make([]broker.MarginRequest, 0, len(e.entries))
	for _, entry := range e.entries {
		qty := 1
		if entry.Exchange != models.MCX {
			qty = entry.LotSize
		}
		reqs = append(reqs, broker.MarginRequest{
			Exchange:      entry.Exchange,
			TradingSymbol: entry.TradingSymbol,
			Quantity:      qty,
		})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].TradingSymbol < reqs[j].TradingSymbol })
	e.live.Store(reqs)
}

// recompute refreshes every live entry. An entry that cannot be computed is
// skipped for this cycle and keeps its previous values.
func (e *Engine) recompute() {
	start := time.Now()
	trailing := e.calendar.MinutesInTrailingYear()

	for token, entry := range e.entries {
		quote := e.futures[e.linked[token]]
		in := EntryInputs{
			UnderlyingLTP:   quote.LastPrice,
			AnnualizedVol:   e.vols[entry.Underlying].AnnualizedVol,
			TrailingMinutes: trailing,
			MinutesUntil:    e.calendar.MinutesUntilExpiry(entry.Expiry),
			BidBalance:      0,
			Multiplier:      1,
		}
		if e.settings != nil {
			in.BidBalance = e.settings.BidBalance(entry.Underlying)
			in.Multiplier = e.settings.Multiplier(entry.Underlying)
		}
		if err := ComputeEntry(entry, in); err != nil {
			reason := "non_finite"
			if apperrors.Is(err, apperrors.ErrNoFuturesPrice) {
				reason = "no_futures_price"
			}
			metrics.EntriesSkipped.WithLabelValues(reason).Inc()
			continue
		}
	}

	metrics.RecomputeDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
}

func (e *Engine) snapshot() models.Snapshot {
	snap := make(models.Snapshot, len(e.entries))
	for token, entry := range e.entries {
		snap[token] = *entry
	}
	return snap
}

func (e *Engine) emit() {
	e.sinkMu.RLock()
	sink := e.sink
	e.sinkMu.RUnlock()
	if sink != nil {
		sink(e.snapshot())
	}
}

func tokenSet(tokens []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
