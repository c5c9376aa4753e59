package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
	"chainstream/internal/store"
)

type fakeSource struct {
	ready chan struct{}
	sink  func(models.Snapshot)

	mu  sync.Mutex
	sds []float64
}

func newFakeSource(ready bool) *fakeSource {
	s := &fakeSource{ready: make(chan struct{})}
	if ready {
		close(s.ready)
	}
	return s
}

func (s *fakeSource) Ready() <-chan struct{}                { return s.ready }
func (s *fakeSource) OnSnapshot(sink func(models.Snapshot)) { s.sink = sink }

func (s *fakeSource) Subscribe(sd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sds = append(s.sds, sd)
}

func (s *fakeSource) subscribes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.sds...)
}

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func (f *fakeSettings) SetSetting(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.values[key] = value
	return nil
}

type fakeCache map[string]string

func (c fakeCache) Set(key, value string) { c[key] = value }

func entry(token uint32, underlying string, sellValue, rom float64) models.OptionChainEntry {
	return models.OptionChainEntry{
		Instrument:     models.Instrument{Token: token, Underlying: underlying, Kind: models.KindCall},
		SellValue:      sellValue,
		ReturnOnMargin: rom,
	}
}

func mixedSnapshot() models.Snapshot {
	return models.Snapshot{
		1: entry(1, "GOLD", 48, 0.002),
		2: entry(2, "GOLD", 0, 0.1),
		3: entry(3, "GOLDM", 12, 0.01),
		4: entry(4, "SILVER", 300, 0.02),
		5: entry(5, "ZINC", -4, 0),
	}
}

func newTestHub(t *testing.T, cfg HubConfig, source *fakeSource) (*Hub, *fakeSettings, fakeCache) {
	t.Helper()
	settings := &fakeSettings{values: map[string]string{}}
	cache := fakeCache{}
	return NewHub(cfg, source, settings, cache, zerolog.Nop()), settings, cache
}

func testClient(h *Hub, buffer int, symbols ...string) *Client {
	return &Client{
		id:   strings.Join(symbols, ",") + "-client",
		hub:  h,
		send: make(chan []byte, buffer),
		subs: NewSubscriptionSet(symbols...),
	}
}

func decodeFrame(t *testing.T, data []byte) models.Snapshot {
	t.Helper()
	var msg OptionChainMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, MsgOptionChain, msg.Type)
	return msg.Data
}

func TestFilterSnapshot(t *testing.T) {
	snap := mixedSnapshot()

	gold := FilterSnapshot(snap, NewSubscriptionSet("gold"))
	assert.Len(t, gold, 2)
	for _, e := range gold {
		assert.Equal(t, "GOLD", e.Underlying)
	}

	assert.Len(t, FilterSnapshot(snap, NewSubscriptionSet("GOLD", "SILVER")), 3)
	assert.Equal(t, snap, FilterSnapshot(snap, NewSubscriptionSet()))
	assert.Empty(t, FilterSnapshot(snap, NewSubscriptionSet("COPPER")))
}

func TestSubscriptionSet(t *testing.T) {
	s := NewSubscriptionSet(" gold", "SILVER", "")
	assert.Equal(t, []string{"GOLD", "SILVER"}, s.Symbols())

	s.Remove("silver")
	assert.Equal(t, []string{"GOLD"}, s.Symbols())

	c := s.Clone()
	c.Add("ZINC")
	assert.False(t, s.Contains("ZINC"))
}

func TestSellValueFilter(t *testing.T) {
	out := SellValueFilter(mixedSnapshot())
	assert.Len(t, out, 3)
	assert.Contains(t, out, uint32(1))
	assert.Contains(t, out, uint32(3))
	assert.Contains(t, out, uint32(4))
}

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"subscribe", `{"type":"subscribe","symbols":["GOLD"]}`, nil},
		{"unsubscribe", `{"type":"unsubscribe","symbols":["GOLD","SILVER"]}`, nil},
		{"update sd", `{"type":"updateSdMultiplier","value":1.5}`, nil},
		{"not json", `subscribe GOLD`, apperrors.ErrMalformedMessage},
		{"unknown type", `{"type":"placeOrder"}`, apperrors.ErrUnknownMessage},
		{"no symbols", `{"type":"subscribe"}`, apperrors.ErrMalformedMessage},
		{"zero sd", `{"type":"updateSdMultiplier","value":0}`, apperrors.ErrMalformedMessage},
		{"negative sd", `{"type":"updateSdMultiplier","value":-2}`, apperrors.ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tt.input))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			var perr *apperrors.ProtocolError
			assert.True(t, errors.As(err, &perr))
		})
	}
}

func TestHubBroadcastFiltersPerClient(t *testing.T) {
	h, _, _ := newTestHub(t, DefaultHubConfig(), newFakeSource(true))
	goldOnly := testClient(h, 4, "GOLD")
	everything := testClient(h, 4)
	h.register(goldOnly)
	h.register(everything)

	h.broadcast(mixedSnapshot())

	gold := decodeFrame(t, <-goldOnly.send)
	assert.Len(t, gold, 2)
	for _, e := range gold {
		assert.Equal(t, "GOLD", e.Underlying)
	}
	assert.Len(t, decodeFrame(t, <-everything.send), 5)
	assert.Equal(t, uint64(2), h.GetMetrics().MessagesSent)
}

func TestHubPresentationFilter(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.FilterSellValue = true
	h, _, _ := newTestHub(t, cfg, newFakeSource(true))
	c := testClient(h, 1, "GOLD")
	h.register(c)

	h.broadcast(mixedSnapshot())
	snap := decodeFrame(t, <-c.send)
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, uint32(1))
}

func TestHubDropsSlowClient(t *testing.T) {
	h, _, _ := newTestHub(t, DefaultHubConfig(), newFakeSource(true))
	slow := testClient(h, 1)
	h.register(slow)

	h.broadcast(mixedSnapshot())
	h.broadcast(mixedSnapshot())

	assert.Zero(t, h.ClientCount())
	assert.Equal(t, uint64(1), h.GetMetrics().ClientsDropped)

	_, ok := <-slow.send
	assert.True(t, ok)
	_, ok = <-slow.send
	assert.False(t, ok)

	// Unregistering again is harmless.
	h.unregister(slow)
}

func TestHubPublishKeepsLatest(t *testing.T) {
	source := newFakeSource(true)
	h, _, _ := newTestHub(t, DefaultHubConfig(), source)
	require.NotNil(t, source.sink)

	source.sink(models.Snapshot{1: entry(1, "GOLD", 1, 0)})
	source.sink(models.Snapshot{2: entry(2, "GOLD", 1, 0)})
	h.Publish(models.Snapshot{3: entry(3, "GOLD", 1, 0)})

	got := <-h.snapshots
	assert.Contains(t, got, uint32(3))
	assert.Empty(t, h.snapshots)
}

func TestHubSubscribeSendsLatest(t *testing.T) {
	h, _, _ := newTestHub(t, DefaultHubConfig(), newFakeSource(true))
	h.last = mixedSnapshot()
	c := testClient(h, 4)
	h.register(c)

	h.handleMessage(c, []byte(`{"type":"subscribe","symbols":["silver"]}`))
	snap := decodeFrame(t, <-c.send)
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, uint32(4))

	h.handleMessage(c, []byte(`{"type":"unsubscribe","symbols":["SILVER"]}`))
	assert.Len(t, decodeFrame(t, <-c.send), 5)

	// Malformed frames change nothing and are answered with an error frame.
	h.handleMessage(c, []byte(`{"type":`))
	assert.Empty(t, c.Subscriptions())
	rejected := decodeError(t, <-c.send)
	assert.Contains(t, rejected.Message, "malformed")
	assert.Empty(t, c.send)
}

func decodeError(t *testing.T, data []byte) ErrorMessage {
	t.Helper()
	var msg ErrorMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, MsgError, msg.Type)
	return msg
}

func TestHubRejectsInvalidRequests(t *testing.T) {
	source := newFakeSource(true)
	h, settings, _ := newTestHub(t, DefaultHubConfig(), source)
	c := testClient(h, 4)
	h.register(c)

	h.handleMessage(c, []byte(`{"type":"updateSdMultiplier","value":0}`))
	assert.Contains(t, decodeError(t, <-c.send).Message, "(0, 100]")
	assert.Empty(t, source.subscribes())
	assert.Empty(t, settings.values)

	h.handleMessage(c, []byte(`{"type":"resize"}`))
	assert.Contains(t, decodeError(t, <-c.send).Message, "resize")

	// Unregistered clients get nothing.
	h.unregister(c)
	other := testClient(h, 1)
	h.handleMessage(other, []byte(`{"type":`))
	assert.Empty(t, other.send)
}

func TestHubUpdateSdMultiplier(t *testing.T) {
	source := newFakeSource(true)
	h, settings, cache := newTestHub(t, DefaultHubConfig(), source)
	c := testClient(h, 1)

	h.handleMessage(c, []byte(`{"type":"updateSdMultiplier","value":1.5}`))

	assert.Equal(t, "1.5", settings.values[store.SettingSdMultiplier])
	assert.Equal(t, "1.5", cache[store.SettingSdMultiplier])
	assert.Equal(t, []float64{1.5}, source.subscribes())

	// A failed write still applies the value.
	settings.err = errors.New("database is locked")
	h.UpdateSdMultiplier(2)
	assert.Equal(t, "1.5", settings.values[store.SettingSdMultiplier])
	assert.Equal(t, "2", cache[store.SettingSdMultiplier])
	assert.Equal(t, []float64{1.5, 2}, source.subscribes())
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestServeWSRefusedUntilReady(t *testing.T) {
	source := newFakeSource(false)
	h, _, _ := newTestHub(t, DefaultHubConfig(), source)
	server := httptest.NewServer(NewRouter(h, zerolog.Nop()))
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	health, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, health.StatusCode)
}

func TestServeWSGoldOnlyClient(t *testing.T) {
	source := newFakeSource(true)
	h, _, _ := newTestHub(t, DefaultHubConfig(), source)
	server := httptest.NewServer(NewRouter(h, zerolog.Nop()))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","symbols":["GOLD"]}`)))
	require.Eventually(t, func() bool {
		return h.ClientCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for time.Now().Before(deadline) {
		source.sink(mixedSnapshot())

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		snap := decodeFrame(t, data)
		if len(snap) == 2 {
			for _, e := range snap {
				assert.Equal(t, "GOLD", e.Underlying)
			}
			break
		}
	}

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
