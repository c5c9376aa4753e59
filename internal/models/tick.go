package models

import "time"

// TickMode is the discriminant of a tick variant.
type TickMode string

const (
	TickModeLTP  TickMode = "ltp"
	TickModeFull TickMode = "full"
)

// Tick is a market-data update. Concrete values are LTPTick or FullTick;
// consumers dispatch on Mode() or with a type switch.
type Tick interface {
	Mode() TickMode
	InstrumentToken() uint32
	LTP() float64
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity uint32  `json:"quantity"`
	Orders   uint32  `json:"orders"`
}

// LTPTick carries only the last traded price.
type LTPTick struct {
	Token     uint32
	LastPrice float64
	Timestamp time.Time
}

func (t LTPTick) Mode() TickMode          { return TickModeLTP }
func (t LTPTick) InstrumentToken() uint32 { return t.Token }
func (t LTPTick) LTP() float64            { return t.LastPrice }

// FullTick carries the last traded price plus market depth.
type FullTick struct {
	Token     uint32
	LastPrice float64
	Bids      []DepthLevel
	Asks      []DepthLevel
	Timestamp time.Time
}

func (t FullTick) Mode() TickMode          { return TickModeFull }
func (t FullTick) InstrumentToken() uint32 { return t.Token }
func (t FullTick) LTP() float64            { return t.LastPrice }

// BestBid returns the top bid price, or 0 when the book is empty.
func (t FullTick) BestBid() float64 {
	if len(t.Bids) > 0 {
		return t.Bids[0].Price
	}
	return 0
}
