package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"chainstream/internal/models"
	"chainstream/internal/stream"
)

// serverFrame is any frame the streamer sends.
type serverFrame struct {
	Type    string          `json:"type"`
	Data    models.Snapshot `json:"data"`
	Message string          `json:"message"`
}

func newWatchCmd(app *App) *cobra.Command {
	var (
		addr    string
		symbols []string
		sd      float64
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print option-chain snapshots from a running streamer",
		Example: `  chainstream watch --symbols GOLD
  chainstream watch --symbols GOLD,SILVER --sd 1.5 --count 0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = app.Config.Server.Addr
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, NewOutput(cmd), wsURL(addr), splitSymbols(strings.Join(symbols, ",")), sd, count, timeout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "streamer address (default: server.addr)")
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "underlyings to subscribe (default: all)")
	cmd.Flags().Float64Var(&sd, "sd", 0, "send updateSdMultiplier before watching")
	cmd.Flags().IntVar(&count, "count", 1, "snapshots to print, 0 for unlimited")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "wait limit for each snapshot")
	return cmd
}

// wsURL turns a listen address such as ":8080" into a dialable URL.
func wsURL(addr string) string {
	if u, err := url.Parse(addr); err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		return addr
	}
	host := addr
	if len(host) > 0 && host[0] == ':' {
		host = "localhost" + host
	}
	return (&url.URL{Scheme: "ws", Host: host, Path: "/ws"}).String()
}

func runWatch(ctx context.Context, output *Output, target string, symbols []string, sd float64, count int, timeout time.Duration) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if len(symbols) > 0 {
		if err := conn.WriteJSON(stream.ClientMessage{Type: stream.MsgSubscribe, Symbols: symbols}); err != nil {
			return err
		}
	}
	if sd > 0 {
		if err := conn.WriteJSON(stream.ClientMessage{Type: stream.MsgUpdateSdMultiplier, Value: sd}); err != nil {
			return err
		}
	}

	for printed := 0; count == 0 || printed < count; {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading snapshot: %w", err)
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			output.Warning("Ignoring malformed frame: %v", err)
			continue
		}
		switch frame.Type {
		case stream.MsgError:
			output.Error("Server rejected request: %s", frame.Message)
			continue
		case stream.MsgOptionChain:
		default:
			continue
		}
		// Snapshots sent before the subscribe took effect still carry
		// other underlyings.
		if len(symbols) > 0 && !onlySymbols(frame.Data, symbols) {
			continue
		}

		if output.IsJSON() {
			if err := output.JSON(frame.Data); err != nil {
				return err
			}
		} else {
			renderChain(output, frame.Data)
		}
		printed++
	}
	return nil
}

func onlySymbols(snap models.Snapshot, symbols []string) bool {
	allowed := stream.NewSubscriptionSet(symbols...)
	for _, e := range snap {
		if !allowed.Contains(e.Underlying) {
			return false
		}
	}
	return true
}

// chainRows orders entries by underlying, expiry, kind and strike.
func chainRows(snap models.Snapshot) []models.OptionChainEntry {
	rows := make([]models.OptionChainEntry, 0, len(snap))
	for _, e := range snap {
		rows = append(rows, e)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Underlying != b.Underlying {
			return a.Underlying < b.Underlying
		}
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Strike < b.Strike
	})
	return rows
}

func renderChain(output *Output, snap models.Snapshot) {
	if len(snap) == 0 {
		output.Warning("Empty snapshot")
		return
	}

	table := NewTable(output, "SYMBOL", "FUT", "STRIKE%", "LTP", "BID", "SELL", "MARGIN", "ROM", "DELTA")
	for _, e := range chainRows(snap) {
		rom := output.SignColor(e.ReturnOnMargin, FormatPercent(e.ReturnOnMargin*100))
		margin := "-"
		if e.OrderMargin > 0 {
			margin = FormatIndianCurrency(e.OrderMargin)
		}
		table.AddRow(
			e.TradingSymbol,
			FormatPrice(e.UnderlyingLTP),
			fmt.Sprintf("%.2f%%", e.StrikePositionPct),
			FormatPrice(e.LastPrice),
			FormatPrice(e.Bid),
			FormatPrice(e.SellValue),
			margin,
			rom,
			output.SignColor(e.Delta, fmt.Sprintf("%.4f", e.Delta)),
		)
	}
	table.Render()
	output.Dim("%d entries at %s", len(snap), FormatDateTime(time.Now()))
}
