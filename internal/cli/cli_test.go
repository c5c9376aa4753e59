package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainstream/internal/config"
	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/models"
	"chainstream/internal/store"
	"chainstream/internal/stream"
	"chainstream/pkg/utils"
)

// writeConfigDir creates a config directory with an empty credentials file.
func writeConfigDir(t *testing.T) string {
	t.Helper()
	t.Setenv("KITE_API_KEY", "")
	t.Setenv("KITE_ACCESS_TOKEN", "")
	t.Setenv("CHAINSTREAM_DB", "")

	dir := t.TempDir()
	conf := "[logging]\nlevel = \"error\"\n"
	creds := "[kite]\napi_key = \"\"\napi_secret = \"\"\naccess_token = \"\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(conf), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.toml"), []byte(creds), 0600))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(logging.NewLoggerWithConfig(logging.LogConfig{Level: "error"}))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionSkipsConfig(t *testing.T) {
	out, err := execute(t, "version", "--json", "--config", filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "`+Version+`"`)
}

func TestHolidaysAddListRemove(t *testing.T) {
	dir := writeConfigDir(t)

	out, err := execute(t, "--config", dir, "holidays", "add", "14-MAR-2025", "morning")
	require.NoError(t, err)
	assert.Contains(t, out, "MorningOnly")

	_, err = execute(t, "--config", dir, "holidays", "add", "2025-10-02", "FullClosure")
	require.NoError(t, err)

	out, err = execute(t, "--config", dir, "holidays", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "14-Mar-2025")
	assert.Contains(t, out, "evening until 23:30")
	assert.Contains(t, out, "closed")

	_, err = execute(t, "--config", dir, "holidays", "remove", "2025-03-14")
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(filepath.Join(dir, "chainstream.db"))
	require.NoError(t, err)
	defer st.Close()
	holidays, err := st.GetHolidays(context.Background())
	require.NoError(t, err)
	require.Len(t, holidays, 1)
	assert.Equal(t, models.FullClosure, holidays[0].Kind)
}

func TestHolidaysAddRejectsBadInput(t *testing.T) {
	dir := writeConfigDir(t)

	_, err := execute(t, "--config", dir, "holidays", "add", "not-a-date", "full")
	assert.Error(t, err)
	_, err = execute(t, "--config", dir, "holidays", "add", "2025-03-14", "halfday")
	assert.Error(t, err)
}

func TestSettingsSetAndList(t *testing.T) {
	dir := writeConfigDir(t)

	_, err := execute(t, "--config", dir, "settings", "set", "sd_multiplier", "1.5")
	require.NoError(t, err)
	_, err = execute(t, "--config", dir, "settings", "set", "bid_balance", "2.5", "--underlying", "gold")
	require.NoError(t, err)
	_, err = execute(t, "--config", dir, "settings", "set", "sd_multiplier", "0")
	assert.Error(t, err)

	out, err := execute(t, "--config", dir, "settings", "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"sd_multiplier": "1.5"`)
	assert.Contains(t, out, `"bid_balance.GOLD": "2.5"`)
}

func TestServeRequiresCredentials(t *testing.T) {
	dir := writeConfigDir(t)

	_, err := execute(t, "--config", dir, "serve")
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
}

func TestParseDayKind(t *testing.T) {
	tests := []struct {
		in   string
		want models.DayKind
		ok   bool
	}{
		{"MorningOnly", models.MorningOnly, true},
		{"morning-only", models.MorningOnly, true},
		{"evening", models.EveningOnly, true},
		{"EVENING_ONLY", models.EveningOnly, true},
		{"full", models.FullClosure, true},
		{"Full Closure", models.FullClosure, true},
		{"half", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDayKind(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSettingKey(t *testing.T) {
	tests := []struct {
		name, underlying, value string
		want                    string
		ok                      bool
	}{
		{"sd_multiplier", "", "1.5", "sd_multiplier", true},
		{"sd_multiplier", "", "100", "sd_multiplier", true},
		{"sd_multiplier", "", "100.5", "", false},
		{"sd_multiplier", "", "-1", "", false},
		{"sd_multiplier", "GOLD", "1", "", false},
		{"bid_balance", "gold", "-2", "bid_balance.GOLD", true},
		{"bid_balance", "", "2", "", false},
		{"multiplier", "SILVER", "0", "", false},
		{"multiplier", "SILVER", "1.2", "multiplier.SILVER", true},
		{"volatility", "ZINC", "0", "volatility.ZINC", true},
		{"volatility", "ZINC", "-5", "", false},
		{"volatility", "ZINC", "abc", "", false},
		{"unknown", "", "1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.underlying+"/"+tt.value, func(t *testing.T) {
			got, err := settingKey(tt.name, tt.underlying, tt.value)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitSymbols(t *testing.T) {
	assert.Equal(t, []string{"GOLD", "SILVERM"}, splitSymbols(" gold, ,silverm,"))
	assert.Nil(t, splitSymbols(""))
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", wsURL(":8080"))
	assert.Equal(t, "ws://10.0.0.5:9000/ws", wsURL("10.0.0.5:9000"))
	assert.Equal(t, "wss://example.com/ws", wsURL("wss://example.com/ws"))
}

func TestSessionFromConfig(t *testing.T) {
	session, err := sessionFromConfig(config.CalendarConfig{
		MorningOpen:     "10:00",
		EveningCloseStd: "23:50",
	})
	require.NoError(t, err)
	assert.Equal(t, 600, session.MorningOpen)
	assert.Equal(t, 17*60, session.MorningClose)
	assert.Equal(t, 23*60+30, session.EveningCloseDST)
	assert.Equal(t, 23*60+50, session.EveningCloseStd)

	_, err = sessionFromConfig(config.CalendarConfig{MorningClose: "5pm"})
	assert.True(t, apperrors.IsFatal(err))
}

type flakySource struct {
	failures    int
	calls       int
	instruments []models.Instrument
}

func (f *flakySource) FetchInstruments(ctx context.Context, exchange models.Exchange, underlyings []string) ([]models.Instrument, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("gateway timeout")
	}
	return f.instruments, nil
}

func testInstruments() []models.Instrument {
	expiry := time.Date(2025, 2, 5, 0, 0, 0, 0, utils.IndiaLocation)
	return []models.Instrument{
		{Token: 1, TradingSymbol: "GOLD25FEBFUT", Underlying: "GOLD", Kind: models.KindFuture, Exchange: models.MCX, Expiry: expiry, LotSize: 1},
		{Token: 2, TradingSymbol: "GOLD25FEB78000CE", Underlying: "GOLD", Kind: models.KindCall, Exchange: models.MCX, Expiry: expiry, Strike: 78000, LotSize: 1},
		{Token: 3, TradingSymbol: "GOLD25FEB78000PE", Underlying: "GOLD", Kind: models.KindPut, Exchange: models.MCX, Expiry: expiry, Strike: 78000, LotSize: 1},
		{Token: 4, TradingSymbol: "ZINC25FEBFUT", Underlying: "ZINC", Kind: models.KindFuture, Exchange: models.MCX, Expiry: expiry, LotSize: 5000},
	}
}

func TestSyncInstrumentsRetriesAndRecords(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	defer st.Close()

	source := &flakySource{failures: 2, instruments: testInstruments()}
	retry := utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	summary, err := syncInstruments(context.Background(), source, st, []string{"GOLD", "ZINC"}, retry)
	require.NoError(t, err)
	assert.Equal(t, 3, source.calls)
	assert.Equal(t, []syncSummary{
		{Underlying: "GOLD", Futures: 1, Calls: 1, Puts: 1},
		{Underlying: "ZINC", Futures: 1},
	}, summary)

	stored, err := st.GetInstruments(context.Background(), []string{"GOLD"})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	assert.False(t, st.GetLastSync(store.SyncInstruments).IsZero())
}

func TestSyncInstrumentsEmptyIsFatal(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = syncInstruments(context.Background(), &flakySource{}, st, []string{"GOLD"}, utils.RetryConfig{MaxAttempts: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrReferenceMissing))
	assert.True(t, st.GetLastSync(store.SyncInstruments).IsZero())
}

func TestTableRenderAlignsColoredCells(t *testing.T) {
	var buf bytes.Buffer
	output := newOutput(&buf, false, true)
	table := NewTable(output, "A", "B")
	table.AddRow(output.Green("x"), "long value")
	table.AddRow("yyy", "z")
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, visibleLen(lines[2]), visibleLen(lines[3]))
	assert.Equal(t, 3, visibleLen(output.Green("abc")))
}

func TestChainRowsOrder(t *testing.T) {
	feb := time.Date(2025, 2, 5, 0, 0, 0, 0, utils.IndiaLocation)
	mar := feb.AddDate(0, 1, 0)
	snap := models.Snapshot{
		1: {Instrument: models.Instrument{Token: 1, Underlying: "SILVER", Kind: models.KindCall, Expiry: feb, Strike: 90000}},
		2: {Instrument: models.Instrument{Token: 2, Underlying: "GOLD", Kind: models.KindPut, Expiry: feb, Strike: 77000}},
		3: {Instrument: models.Instrument{Token: 3, Underlying: "GOLD", Kind: models.KindCall, Expiry: mar, Strike: 80000}},
		4: {Instrument: models.Instrument{Token: 4, Underlying: "GOLD", Kind: models.KindCall, Expiry: feb, Strike: 81000}},
		5: {Instrument: models.Instrument{Token: 5, Underlying: "GOLD", Kind: models.KindCall, Expiry: feb, Strike: 80000}},
	}

	var tokens []uint32
	for _, e := range chainRows(snap) {
		tokens = append(tokens, e.Token)
	}
	assert.Equal(t, []uint32{5, 4, 2, 3, 1}, tokens)
}

func TestRunWatchPrintsSubscribedSnapshot(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan stream.ClientMessage, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Initial full snapshot, sent before the subscription applies.
		full := stream.OptionChainMessage{Type: stream.MsgOptionChain, Data: models.Snapshot{
			7: {Instrument: models.Instrument{Token: 7, TradingSymbol: "ZINC25FEB260CE", Underlying: "ZINC"}},
		}}
		if err := conn.WriteJSON(full); err != nil {
			return
		}

		var msg stream.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg

		gold := stream.OptionChainMessage{Type: stream.MsgOptionChain, Data: models.Snapshot{
			2: {Instrument: models.Instrument{Token: 2, TradingSymbol: "GOLD25FEB78000CE", Underlying: "GOLD", Kind: models.KindCall}, OrderMargin: 150000},
		}}
		_ = conn.WriteJSON(gold)
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	var buf bytes.Buffer
	output := newOutput(&buf, true, false)
	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	err := runWatch(context.Background(), output, target, []string{"GOLD"}, 0, 1, 5*time.Second)
	require.NoError(t, err)

	msg := <-received
	assert.Equal(t, stream.MsgSubscribe, msg.Type)
	assert.Equal(t, []string{"GOLD"}, msg.Symbols)
	assert.Contains(t, buf.String(), "GOLD25FEB78000CE")
	assert.NotContains(t, buf.String(), "ZINC25FEB260CE")
}

func TestRenderChainFormatsMargin(t *testing.T) {
	var buf bytes.Buffer
	output := newOutput(&buf, false, false)
	renderChain(output, models.Snapshot{
		2: {Instrument: models.Instrument{Token: 2, TradingSymbol: "GOLD25FEB78000CE", Underlying: "GOLD", Kind: models.KindCall},
			OrderMargin: 150000, ReturnOnMargin: 0.0024, StrikePositionPct: 10.25},
	})
	assert.Contains(t, buf.String(), "₹1,50,000.00")
	assert.Contains(t, buf.String(), "+0.24%")
	assert.Contains(t, buf.String(), "10.25%")
}
