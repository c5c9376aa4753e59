// Package broker provides market-data and margin integrations with Kite Connect.
package broker

import (
	"context"

	"chainstream/internal/models"
)

// Feed is a streaming market-data connection.
// Tick handlers are invoked synchronously in arrival order.
type Feed interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(tokens []uint32, mode models.TickMode) error
	Unsubscribe(tokens []uint32) error
	OnTick(handler func(models.Tick))
	OnError(handler func(error))
	OnConnect(handler func())
	OnDisconnect(handler func())
}

// QuoteSource looks up last traded prices, e.g. for a volatility index.
type QuoteSource interface {
	LTP(ctx context.Context, instrument string) (float64, error)
}

// MarginRequest describes one symbol for an order-margin quote.
type MarginRequest struct {
	Exchange      models.Exchange
	TradingSymbol string
	Quantity      int
}

// MarginSource quotes order margins for a batch of symbols. The result is
// keyed by trading symbol; symbols missing from it are unresolved.
type MarginSource interface {
	OrderMargins(ctx context.Context, reqs []MarginRequest) (map[string]float64, error)
}

// InstrumentSource downloads the instrument master.
type InstrumentSource interface {
	FetchInstruments(ctx context.Context, exchange models.Exchange, underlyings []string) ([]models.Instrument, error)
}
