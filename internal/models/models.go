// Package models provides domain models for the option-chain streamer.
package models

import (
	"time"
)

// Exchange represents an exchange segment.
type Exchange string

const (
	NFO Exchange = "NFO" // F&O
	MCX Exchange = "MCX" // Commodity
)

// InstrumentKind represents the contract type of an instrument.
type InstrumentKind string

const (
	KindFuture InstrumentKind = "FUT"
	KindCall   InstrumentKind = "CE"
	KindPut    InstrumentKind = "PE"
)

// IsOption returns true for calls and puts.
func (k InstrumentKind) IsOption() bool {
	return k == KindCall || k == KindPut
}

// Valid returns true if the kind is one of FUT, CE or PE.
func (k InstrumentKind) Valid() bool {
	return k == KindFuture || k.IsOption()
}

// Instrument represents a tradeable derivative contract.
// Instruments are loaded once from the reference store and never mutated.
type Instrument struct {
	Token         uint32         `json:"token"`
	TradingSymbol string         `json:"tradingSymbol"`
	Underlying    string         `json:"underlying"`
	Kind          InstrumentKind `json:"kind"`
	Exchange      Exchange       `json:"exchange"`
	Expiry        time.Time      `json:"expiry"`
	Strike        float64        `json:"strike,omitempty"`
	LotSize       int            `json:"lotSize"`
	TickSize      float64        `json:"tickSize"`
}

// DayKind describes a partial or full market holiday.
type DayKind string

const (
	// MorningOnly marks a day whose morning session is a holiday; only the evening trades.
	MorningOnly DayKind = "MorningOnly"
	// EveningOnly marks a day whose evening session is a holiday; only the morning trades.
	EveningOnly DayKind = "EveningOnly"
	// FullClosure marks a day with no trading.
	FullClosure DayKind = "FullClosure"
)

// Valid returns true for a known day kind.
func (k DayKind) Valid() bool {
	return k == MorningOnly || k == EveningOnly || k == FullClosure
}

// HolidayEntry is a single row of the exchange holiday calendar.
type HolidayEntry struct {
	Date time.Time `json:"date"`
	Kind DayKind   `json:"kind"`
}

// VolatilitySample is the latest volatility reading for an underlying.
// AnnualizedVol is quoted in percent points (e.g. 35.82).
type VolatilitySample struct {
	Underlying    string    `json:"underlying"`
	AnnualizedVol float64   `json:"annualizedVol"`
	DailyVol      float64   `json:"dailyVol"`
	Source        string    `json:"source"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// FuturesQuote is the last traded price of a futures contract.
type FuturesQuote struct {
	Token      uint32    `json:"token"`
	Underlying string    `json:"underlying"`
	Expiry     time.Time `json:"expiry"`
	LastPrice  float64   `json:"lastPrice"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
