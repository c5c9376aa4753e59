// Package stream fans option-chain snapshots out to dashboard clients.
package stream

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/metrics"
	"chainstream/internal/models"
	"chainstream/internal/store"
)

// Source produces snapshots: the chain engine in single-process mode or
// the shard coordinator.
type Source interface {
	Ready() <-chan struct{}
	OnSnapshot(sink func(models.Snapshot))
	Subscribe(sdMultiplier float64)
}

// SettingsWriter persists settings.
type SettingsWriter interface {
	SetSetting(ctx context.Context, key, value string) error
}

// SettingsCache receives settings written through the hub so local readers
// see them before the next refresh.
type SettingsCache interface {
	Set(key, value string)
}

// HubConfig holds configuration for the hub.
type HubConfig struct {
	// ClientBufferSize is the size of each client's send buffer.
	ClientBufferSize int
	// FilterSellValue publishes only entries with sellValue > returnOnMargin.
	FilterSellValue bool
	// PersistTimeout bounds settings writes.
	PersistTimeout time.Duration
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ClientBufferSize: 16,
		PersistTimeout:   2 * time.Second,
	}
}

// Hub distributes snapshots to WebSocket clients, filtered per client.
type Hub struct {
	config   HubConfig
	source   Source
	settings SettingsWriter
	cache    SettingsCache
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	snapshots chan models.Snapshot
	lastMu    sync.RWMutex
	last      models.Snapshot

	// Metrics
	published atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub and registers it as the source's snapshot sink.
func NewHub(config HubConfig, source Source, settings SettingsWriter, cache SettingsCache, logger zerolog.Logger) *Hub {
	if config.ClientBufferSize <= 0 {
		config.ClientBufferSize = 16
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = 2 * time.Second
	}
	h := &Hub{
		config:    config,
		source:    source,
		settings:  settings,
		cache:     cache,
		logger:    logging.WithComponent(logger, "hub"),
		clients:   make(map[*Client]struct{}),
		snapshots: make(chan models.Snapshot, 1),
	}
	source.OnSnapshot(h.Publish)
	return h
}

// IsReady reports whether the source finished startup.
func (h *Hub) IsReady() bool {
	select {
	case <-h.source.Ready():
		return true
	default:
		return false
	}
}

// Publish queues a snapshot for broadcast. Only the newest pending snapshot
// is kept, so a slow broadcast never blocks the producer.
func (h *Hub) Publish(snap models.Snapshot) {
	for {
		select {
		case h.snapshots <- snap:
			return
		default:
		}
		select {
		case <-h.snapshots:
		default:
		}
	}
}

// Run broadcasts queued snapshots until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case snap := <-h.snapshots:
			h.lastMu.Lock()
			h.last = snap
			h.lastMu.Unlock()
			h.broadcast(snap)
		}
	}
}

// broadcast sends a snapshot to every client. Clients whose buffer is full
// are dropped. Sends happen under the read lock so unregister cannot close a
// channel mid-send.
func (h *Hub) broadcast(snap models.Snapshot) {
	h.published.Add(1)
	metrics.SnapshotsPublished.Inc()

	var full []byte
	var slow []*Client

	h.mu.RLock()
	for c := range h.clients {
		subs := c.Subscriptions()
		payload := full
		if len(subs) > 0 || full == nil {
			var err error
			payload, err = encodeSnapshot(h.view(snap, subs))
			if err != nil {
				h.mu.RUnlock()
				h.logger.Error().Err(err).Msg("Failed to encode snapshot")
				return
			}
			if len(subs) == 0 {
				full = payload
			}
		}

		select {
		case c.send <- payload:
			h.sent.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("client", c.id).Msg("Client too slow, dropping")
		h.dropped.Add(1)
		metrics.ClientsDropped.Inc()
		h.unregister(c)
	}
}

// view applies the client filter and the optional presentation filter.
func (h *Hub) view(snap models.Snapshot, subs SubscriptionSet) models.Snapshot {
	out := FilterSnapshot(snap, subs)
	if h.config.FilterSellValue {
		out = SellValueFilter(out)
	}
	return out
}

// sendLatest pushes the last broadcast snapshot to one client.
func (h *Hub) sendLatest(c *Client) {
	h.lastMu.RLock()
	snap := h.last
	h.lastMu.RUnlock()
	if snap == nil {
		return
	}

	payload, err := encodeSnapshot(h.view(snap, c.Subscriptions()))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
		h.sent.Add(1)
	default:
	}
}

// sendError tells one client why its frame was rejected.
func (h *Hub) sendError(c *Client, err error) {
	reason := err
	var perr *apperrors.ProtocolError
	if apperrors.As(err, &perr) && perr.Err != nil {
		reason = perr.Err
	}
	payload, merr := json.Marshal(ErrorMessage{Type: MsgError, Message: reason.Error()})
	if merr != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedClients.Set(float64(n))
	h.logger.Info().Str("client", c.id).Int("clients", n).Msg("Client connected")
}

// unregister removes a client and closes its send channel. It is idempotent.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedClients.Set(float64(n))
	h.logger.Info().Str("client", c.id).Int("clients", n).Msg("Client disconnected")
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

// handleMessage applies one inbound client frame.
func (h *Hub) handleMessage(c *Client, data []byte) {
	msg, err := ParseClientMessage(data)
	if err != nil {
		metrics.ProtocolErrors.WithLabelValues("client").Inc()
		h.logger.Warn().Err(err).Str("client", c.id).Msg("Ignoring client message")
		h.sendError(c, err)
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		c.subscribe(msg.Symbols)
		h.logger.Debug().Str("client", c.id).Strs("symbols", c.Subscriptions().Symbols()).Msg("Subscribed")
		h.sendLatest(c)
	case MsgUnsubscribe:
		c.unsubscribe(msg.Symbols)
		h.logger.Debug().Str("client", c.id).Strs("symbols", c.Subscriptions().Symbols()).Msg("Unsubscribed")
		h.sendLatest(c)
	case MsgUpdateSdMultiplier:
		h.UpdateSdMultiplier(msg.Value)
	}
}

// UpdateSdMultiplier persists the SD multiplier and triggers a selection
// cycle. A failed write is logged and the new value still applies.
func (h *Hub) UpdateSdMultiplier(value float64) {
	str := strconv.FormatFloat(value, 'f', -1, 64)

	if h.settings != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.PersistTimeout)
		err := h.settings.SetSetting(ctx, store.SettingSdMultiplier, str)
		cancel()
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to persist sd multiplier")
		}
	}
	if h.cache != nil {
		h.cache.Set(store.SettingSdMultiplier, str)
	}

	h.logger.Info().Float64("sd_multiplier", value).Msg("SD multiplier updated")
	h.source.Subscribe(value)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	SnapshotsPublished uint64 `json:"snapshotsPublished"`
	MessagesSent       uint64 `json:"messagesSent"`
	ClientsDropped     uint64 `json:"clientsDropped"`
	Clients            int    `json:"clients"`
}

// GetMetrics returns hub counters.
func (h *Hub) GetMetrics() HubMetrics {
	return HubMetrics{
		SnapshotsPublished: h.published.Load(),
		MessagesSent:       h.sent.Load(),
		ClientsDropped:     h.dropped.Load(),
		Clients:            h.ClientCount(),
	}
}
