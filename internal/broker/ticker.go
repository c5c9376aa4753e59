package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
)

// KiteFeed implements Feed over the Kite Connect WebSocket ticker.
type KiteFeed struct {
	ticker      *kiteticker.Ticker
	apiKey      string
	accessToken string
	logger      zerolog.Logger

	// Handlers
	onTick       func(models.Tick)
	onError      func(error)
	onConnect    func()
	onDisconnect func()

	// State
	connected  bool
	subscribed map[uint32]models.TickMode
	lastTick   atomic.Int64 // unix nanos of the last tick received

	handshakeTimeout  time.Duration
	reconnectMaxRetry int
	reconnectMaxDelay time.Duration

	mu      sync.RWMutex
	writeMu sync.Mutex // Protects websocket writes (Subscribe, SetMode)
}

// KiteFeedConfig holds configuration for the feed.
type KiteFeedConfig struct {
	APIKey            string
	AccessToken       string
	HandshakeTimeout  time.Duration
	ReconnectMaxRetry int
	ReconnectMaxDelay time.Duration
}

// NewKiteFeed creates a new Kite ticker feed.
func NewKiteFeed(cfg KiteFeedConfig, logger zerolog.Logger) *KiteFeed {
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &KiteFeed{
		apiKey:            cfg.APIKey,
		accessToken:       cfg.AccessToken,
		logger:            logger.With().Str("component", "feed").Logger(),
		subscribed:        make(map[uint32]models.TickMode),
		handshakeTimeout:  timeout,
		reconnectMaxRetry: cfg.ReconnectMaxRetry,
		reconnectMaxDelay: cfg.ReconnectMaxDelay,
	}
}

// Connect establishes the WebSocket connection and waits for the handshake.
func (f *KiteFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connected {
		f.mu.Unlock()
		return nil
	}

	f.ticker = kiteticker.New(f.apiKey, f.accessToken)
	f.ticker.SetAutoReconnect(true)
	if f.reconnectMaxRetry > 0 {
		f.ticker.SetReconnectMaxRetries(f.reconnectMaxRetry)
	}
	if f.reconnectMaxDelay > 0 {
		if err := f.ticker.SetReconnectMaxDelay(f.reconnectMaxDelay); err != nil {
			f.logger.Warn().Err(err).Msg("Ignoring reconnect max delay")
		}
	}

	connectedCh := make(chan struct{}, 1)
	firstConnect := true

	f.ticker.OnConnect(func() {
		f.mu.Lock()
		f.connected = true
		isFirst := firstConnect
		firstConnect = false
		handler := f.onConnect
		f.mu.Unlock()

		select {
		case connectedCh <- struct{}{}:
		default:
		}

		// Restore the subscription set, including tokens recorded while
		// the feed was down.
		if !isFirst {
			f.logger.Info().Msg("Feed reconnected, resubscribing")
		}
		f.resubscribe()

		if isFirst && handler != nil {
			go handler()
		}
	})

	f.ticker.OnClose(func(code int, reason string) {
		f.mu.Lock()
		wasConnected := f.connected
		f.connected = false
		handler := f.onDisconnect
		f.mu.Unlock()

		f.logger.Warn().Int("code", code).Str("reason", reason).Msg("Feed closed")
		if handler != nil && wasConnected {
			go handler()
		}
	})

	f.ticker.OnError(func(err error) {
		f.mu.RLock()
		handler := f.onError
		f.mu.RUnlock()
		if handler != nil {
			handler(apperrors.NewTransientError("kite", "ticker", err))
		}
	})

	f.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		f.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Feed reconnecting")
	})

	f.ticker.OnNoReconnect(func(attempt int) {
		f.mu.RLock()
		handler := f.onError
		f.mu.RUnlock()
		if handler != nil {
			handler(fmt.Errorf("feed gave up after %d reconnect attempts: %w", attempt, apperrors.ErrNotConnected))
		}
	})

	f.ticker.OnTick(func(tick kitemodels.Tick) {
		f.lastTick.Store(time.Now().UnixNano())
		f.mu.RLock()
		handler := f.onTick
		f.mu.RUnlock()
		if handler != nil {
			handler(convertTick(tick))
		}
	})

	f.mu.Unlock()

	go f.ticker.Serve()

	timer := time.NewTimer(f.handshakeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connectedCh:
		return nil
	case <-timer.C:
		f.ticker.Close()
		return apperrors.NewConfigurationError("feed", fmt.Sprintf("no handshake within %s", f.handshakeTimeout), apperrors.ErrHandshakeTimeout)
	}
}

// Disconnect closes the WebSocket connection.
func (f *KiteFeed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ticker != nil {
		f.ticker.SetAutoReconnect(false)
		f.ticker.Close()
		f.connected = false
	}

	return nil
}

// Subscribe subscribes tokens in the given mode. Tokens are recorded even
// when the feed is down, so the next connect restores them.
func (f *KiteFeed) Subscribe(tokens []uint32, mode models.TickMode) error {
	if len(tokens) == 0 {
		return nil
	}

	f.mu.Lock()
	for _, token := range tokens {
		f.subscribed[token] = mode
	}
	if !f.connected {
		f.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.ticker.Subscribe(tokens); err != nil {
		return apperrors.NewTransientError("kite", "subscribe", err)
	}
	if err := f.ticker.SetMode(kiteMode(mode), tokens); err != nil {
		return apperrors.NewTransientError("kite", "set mode", err)
	}

	return nil
}

// Unsubscribe unsubscribes tokens.
func (f *KiteFeed) Unsubscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}

	f.mu.Lock()
	for _, token := range tokens {
		delete(f.subscribed, token)
	}
	if !f.connected {
		f.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.ticker.Unsubscribe(tokens); err != nil {
		return apperrors.NewTransientError("kite", "unsubscribe", err)
	}

	return nil
}

// OnTick sets the tick handler.
func (f *KiteFeed) OnTick(handler func(models.Tick)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTick = handler
}

// OnError sets the error handler.
func (f *KiteFeed) OnError(handler func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = handler
}

// OnConnect sets the connect handler.
func (f *KiteFeed) OnConnect(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = handler
}

// OnDisconnect sets the disconnect handler.
func (f *KiteFeed) OnDisconnect(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = handler
}

// IsConnected returns whether the feed is connected.
func (f *KiteFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// LastTick returns when the last tick arrived, or the zero time.
func (f *KiteFeed) LastTick() time.Time {
	n := f.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// resubscribe restores every subscribed token after a reconnect.
func (f *KiteFeed) resubscribe() {
	f.mu.RLock()
	byMode := make(map[models.TickMode][]uint32)
	for token, mode := range f.subscribed {
		byMode[mode] = append(byMode[mode], token)
	}
	f.mu.RUnlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	for mode, tokens := range byMode {
		if err := f.ticker.Subscribe(tokens); err != nil {
			f.logger.Error().Err(err).Int("tokens", len(tokens)).Msg("Resubscribe failed")
			continue
		}
		if err := f.ticker.SetMode(kiteMode(mode), tokens); err != nil {
			f.logger.Error().Err(err).Str("mode", string(mode)).Msg("Set mode failed")
		}
	}
}

func kiteMode(mode models.TickMode) kiteticker.Mode {
	if mode == models.TickModeFull {
		return kiteticker.ModeFull
	}
	return kiteticker.ModeLTP
}

// convertTick converts a Kite tick into the LTP or full tick variant.
func convertTick(tick kitemodels.Tick) models.Tick {
	if tick.Mode != string(kiteticker.ModeFull) {
		return models.LTPTick{
			Token:     tick.InstrumentToken,
			LastPrice: tick.LastPrice,
			Timestamp: tick.Timestamp.Time,
		}
	}

	return models.FullTick{
		Token:     tick.InstrumentToken,
		LastPrice: tick.LastPrice,
		Bids:      convertDepth(tick.Depth.Buy[:]),
		Asks:      convertDepth(tick.Depth.Sell[:]),
		Timestamp: tick.Timestamp.Time,
	}
}

// convertDepth keeps the populated levels of a depth side.
func convertDepth(items []kitemodels.DepthItem) []models.DepthLevel {
	levels := make([]models.DepthLevel, 0, len(items))
	for _, item := range items {
		if item.Price <= 0 {
			break
		}
		levels = append(levels, models.DepthLevel{
			Price:    item.Price,
			Quantity: item.Quantity,
			Orders:   item.Orders,
		})
	}
	return levels
}

// Ensure KiteFeed implements Feed interface
var _ Feed = (*KiteFeed)(nil)
