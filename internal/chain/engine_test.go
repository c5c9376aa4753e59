package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
)

type subscribeCall struct {
	tokens []uint32
	mode   models.TickMode
}

type fakeFeed struct {
	mu           sync.Mutex
	subscribes   []subscribeCall
	unsubscribes [][]uint32
	subscribeErr error
	onTick       func(models.Tick)
}

func (f *fakeFeed) Connect(ctx context.Context) error { return nil }
func (f *fakeFeed) Disconnect() error                 { return nil }

func (f *fakeFeed) Subscribe(tokens []uint32, mode models.TickMode) error {
	if len(tokens) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, subscribeCall{tokens: append([]uint32(nil), tokens...), mode: mode})
	return f.subscribeErr
}

func (f *fakeFeed) failSubscribes(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *fakeFeed) Unsubscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, append([]uint32(nil), tokens...))
	return nil
}

func (f *fakeFeed) OnTick(handler func(models.Tick)) { f.onTick = handler }
func (f *fakeFeed) OnError(handler func(error))      {}
func (f *fakeFeed) OnConnect(handler func())         {}
func (f *fakeFeed) OnDisconnect(handler func())      {}

func (f *fakeFeed) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = nil
	f.unsubscribes = nil
}

func (f *fakeFeed) calls() ([]subscribeCall, [][]uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscribeCall(nil), f.subscribes...), append([][]uint32(nil), f.unsubscribes...)
}

type fixedCalendar struct{}

func (fixedCalendar) MinutesInTrailingYear() int       { return testTrailing }
func (fixedCalendar) MinutesUntilExpiry(time.Time) int { return testRemaining }

type fakeSettings struct {
	bidBalance float64
	multiplier float64
	sd         float64
}

func (s fakeSettings) BidBalance(string) float64 { return s.bidBalance }
func (s fakeSettings) Multiplier(string) float64 {
	if s.multiplier == 0 {
		return 1
	}
	return s.multiplier
}
func (s fakeSettings) SdMultiplier(def float64) float64 {
	if s.sd > 0 {
		return s.sd
	}
	return def
}

func newTestEngine(t *testing.T, feed *fakeFeed, settings Settings) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Underlyings = []string{"gold"}
	cfg.RecomputeInterval = 10 * time.Millisecond
	cfg.ReselectInterval = time.Hour
	cfg.Now = func() time.Time { return testToday }
	return NewEngine(cfg, goldUniverse(), feed, fixedCalendar{}, settings, zerolog.Nop())
}

func sample(av float64) models.VolatilitySample {
	return models.VolatilitySample{Underlying: "GOLD", AnnualizedVol: av, Source: "test"}
}

func TestNewEngineLeavesCallerUnderlyings(t *testing.T) {
	cfg := DefaultConfig()
	symbols := []string{"gold", "Silver"}
	cfg.Underlyings = symbols
	cfg.Now = func() time.Time { return testToday }

	e := NewEngine(cfg, goldUniverse(), &fakeFeed{}, fixedCalendar{}, fakeSettings{}, zerolog.Nop())
	assert.Equal(t, []string{"gold", "Silver"}, symbols)
	assert.Equal(t, []string{"GOLD", "SILVER"}, e.config.Underlyings)
}

func TestEngineStartupSubscribesFuturesOnly(t *testing.T) {
	feed := &fakeFeed{}
	e := newTestEngine(t, feed, fakeSettings{})
	require.NotNil(t, feed.onTick)

	e.resubscribe(TriggerStartup)

	subs, unsubs := feed.calls()
	require.Len(t, subs, 1)
	assert.Equal(t, []uint32{1, 2}, subs[0].tokens)
	assert.Equal(t, models.TickModeLTP, subs[0].mode)
	assert.Empty(t, unsubs)
	assert.Empty(t, e.entries)
	assert.Empty(t, e.LiveMarginRequests())
}

func TestEngineFirstFuturesTickTriggersSelection(t *testing.T) {
	feed := &fakeFeed{}
	e := newTestEngine(t, feed, fakeSettings{})
	e.resubscribe(TriggerStartup)
	feed.reset()

	// Volatility without a futures price does not select.
	e.applySample(sample(35.82))
	subs, _ := feed.calls()
	assert.Empty(t, subs)

	e.applyTick(models.LTPTick{Token: 1, LastPrice: 78000})

	subs, _ = feed.calls()
	require.Len(t, subs, 1)
	assert.Equal(t, models.TickModeFull, subs[0].mode)
	want := append(tokenRange(116, 120), tokenRange(200, 203)...)
	assert.ElementsMatch(t, want, subs[0].tokens)
	assert.Len(t, e.entries, len(want))

	// Later ticks of the same future do not reselect.
	feed.reset()
	e.applyTick(models.LTPTick{Token: 1, LastPrice: 78100})
	subs, _ = feed.calls()
	assert.Empty(t, subs)
	assert.Equal(t, 78100.0, e.futures[1].LastPrice)
}

func TestEngineFirstVolatilityTriggersSelection(t *testing.T) {
	feed := &fakeFeed{}
	e := newTestEngine(t, feed, fakeSettings{})
	e.resubscribe(TriggerStartup)
	e.applyTick(models.LTPTick{Token: 1, LastPrice: 78000})
	assert.Empty(t, e.entries)

	e.applySample(sample(35.82))
	assert.Len(t, e.entries, 9)
}

func TestEngineOptionTicksAndMargins(t *testing.T) {
	feed := &fakeFeed{}
	e := newTestEngine(t, feed, fakeSettings{})
	e.resubscribe(TriggerStartup)
	e.applySample(sample(35.82))
	e.applyTick(models.LTPTick{Token: 1, LastPrice: 78000})

	e.applyTick(models.FullTick{Token: 116, LastPrice: 50, Bids: []models.DepthLevel{{Price: 48, Quantity: 3}}})
	e.applyTick(models.LTPTick{Token: 117, LastPrice: 31})
	e.applyTick(models.LTPTick{Token: 9999, LastPrice: 1})
	e.applyMargins(map[string]float64{"GOLD25Jan86000CE": 20000, "UNKNOWN": 5})

	e.recompute()
	snap := e.snapshot()
	require.Len(t, snap, 9)

	entry := snap[116]
	assert.Equal(t, 50.0, entry.LastPrice)
	assert.Equal(t, 48.0, entry.Bid)
	assert.Equal(t, 20000.0, entry.OrderMargin)
	assert.Equal(t, 78000.0, entry.UnderlyingLTP)
	assert.Equal(t, 48.0, entry.SellValue)
	assert.InDelta(t, 0.0024, entry.ReturnOnMargin, 1e-12)
	assert.InDelta(t, 9.038377047315464, entry.SigmaXI, 1e-9)

	assert.Equal(t, 31.0, snap[117].LastPrice)
	assert.Zero(t, snap[117].Bid)

	// Snapshots are copies.
	entry.Bid = 0
	assert.Equal(t, 48.0, e.entries[116].Bid)

	reqs := e.LiveMarginRequests()
	require.Len(t, reqs, 9)
	for _, r := range reqs {
		assert.Equal(t, models.MCX, r.Exchange)
		assert.Equal(t, 1, r.Quantity)
	}
}

func TestEngineRecomputeSkipsWithoutFuturesPrice(t *testing.T) {
	feed := &fakeFeed{}
	e := newTestEngine(t, feed, fakeSettings{})
	e.resubscribe(TriggerStartup)
	e.applySample(sample(35.82))
	e.applyTick(models.LTPTick{Token: 1, LastPrice: 78000})

	// Drop the quote behind the engine's back; entries keep their values.
	delete(e.futures, 1)
	e.recompute()
	for _, entry := range e.snapshot() {
		assert.Zero(t, entry.UnderlyingLTP)
	}
}

func TestEngineRetriesRefusedSubscriptions(t *testing.T) {
	feed := &fakeFeed{}
	e := newTestEngine(t, feed, fakeSettings{})
	e.resubscribe(TriggerStartup)
	e.applySample(sample(35.82))
	e.applyTick(models.LTPTick{Token: 1, LastPrice: 78000})
	require.Len(t, e.entries, 9)

	// The feed drops while a wider band is selected.
	feed.failSubscribes(apperrors.ErrNotConnected)
	feed.reset()
	e.sdMultiplier = 0.5
	e.resubscribe(TriggerRequest)
	subs, _ := feed.calls()
	require.Len(t, subs, 1)
	refused := subs[0].tokens
	require.NotEmpty(t, refused)
	for _, token := range refused {
		assert.NotContains(t, e.entries, token)
		assert.NotContains(t, e.liveOptions, token)
	}
	assert.Len(t, e.entries, 9)

	// Once the feed is back the next cycle sends them again.
	feed.failSubscribes(nil)
	feed.reset()
	e.resubscribe(TriggerTimer)
	subs, _ = feed.calls()
	require.Len(t, subs, 1)
	assert.ElementsMatch(t, refused, subs[0].tokens)
	for _, token := range refused {
		assert.Contains(t, e.entries, token)
		assert.Contains(t, e.liveOptions, token)
	}
}

func TestEngineResubscribeDiffs(t *testing.T) {
	feed := &fakeFeed{}
	e := newTestEngine(t, feed, fakeSettings{})
	e.resubscribe(TriggerStartup)
	e.applySample(sample(35.82))
	e.applyTick(models.LTPTick{Token: 1, LastPrice: 78000})
	e.applyMargins(map[string]float64{"GOLD25Jan86000CE": 15000})
	feed.reset()

	// Same inputs: nothing to do.
	e.resubscribe(TriggerTimer)
	subs, unsubs := feed.calls()
	assert.Empty(t, subs)
	assert.Empty(t, unsubs)

	// A wider band drops the strikes closest to the money.
	e.sdMultiplier = 1.5
	e.resubscribe(TriggerRequest)
	subs, unsubs = feed.calls()
	assert.Empty(t, subs)
	require.Len(t, unsubs, 1)
	for _, token := range unsubs[0] {
		_, live := e.entries[token]
		assert.False(t, live)
	}
	assert.Contains(t, e.entries, uint32(120))
	assert.NotContains(t, e.entries, uint32(116))

	// Narrowing again re-creates entries and carries known margins.
	feed.reset()
	e.sdMultiplier = 0.5
	e.resubscribe(TriggerRequest)
	subs, unsubs = feed.calls()
	require.Len(t, subs, 1)
	assert.Empty(t, unsubs)
	assert.Contains(t, e.entries, uint32(116))
	assert.Equal(t, 15000.0, e.entries[116].OrderMargin)

	live := make(map[uint32]struct{})
	for token := range e.entries {
		live[token] = struct{}{}
	}
	assert.Equal(t, live, e.liveOptions)
}

func TestEngineRun(t *testing.T) {
	feed := &fakeFeed{}
	e := newTestEngine(t, feed, fakeSettings{sd: 1})

	snaps := make(chan models.Snapshot, 16)
	e.OnSnapshot(func(s models.Snapshot) {
		select {
		case snaps <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case <-e.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("engine not ready")
	}

	e.PublishVolatility(sample(35.82))
	feed.onTick(models.LTPTick{Token: 1, LastPrice: 78000})
	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(ctx)
		return err == nil && len(snap) == 9
	}, 2*time.Second, 10*time.Millisecond)

	feed.onTick(models.FullTick{Token: 200, LastPrice: 12, Bids: []models.DepthLevel{{Price: 11}}})
	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(ctx)
		return err == nil && len(snap) == 9 && snap[200].Bid == 11 && snap[200].UnderlyingLTP == 78000
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		select {
		case s := <-snaps:
			return len(s) == 9
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	e.Subscribe(2)
	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(ctx)
		return err == nil && len(snap) < 9
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	// Producers never block once the loop is gone.
	e.HandleTick(models.LTPTick{Token: 1, LastPrice: 1})
	e.PublishVolatility(sample(1))
	_, err := e.Snapshot(context.Background())
	assert.Error(t, err)
}
