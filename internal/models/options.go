package models

// OptionChainEntry is the working record for a selected option contract.
// The chain engine owns and mutates entries; everything else sees copies.
type OptionChainEntry struct {
	Instrument

	UnderlyingLTP     float64 `json:"underlyingLtp"`
	LastPrice         float64 `json:"lastPrice"`
	Bid               float64 `json:"bid"`
	SellValue         float64 `json:"sellValue"`
	StrikePositionPct float64 `json:"strikePositionPct"`
	ReturnOnMargin    float64 `json:"returnOnMargin"`
	OrderMargin       float64 `json:"orderMargin"`
	SD                float64 `json:"sd"`
	SigmaN            float64 `json:"sigmaN"`
	SigmaX            float64 `json:"sigmaX"`
	SigmaXI           float64 `json:"sigmaXI"`
	Delta             float64 `json:"delta"`
	AddedValue        float64 `json:"addedValue"`
}

// NewOptionChainEntry creates a zeroed entry for an instrument.
func NewOptionChainEntry(inst Instrument) *OptionChainEntry {
	return &OptionChainEntry{Instrument: inst}
}

// Snapshot is a read-only copy of the option chain keyed by instrument token.
type Snapshot map[uint32]OptionChainEntry

// Underlyings returns the distinct underlyings present in the snapshot.
func (s Snapshot) Underlyings() map[string]struct{} {
	out := make(map[string]struct{})
	for _, e := range s {
		out[e.Underlying] = struct{}{}
	}
	return out
}

// Merge copies every entry of other into s, overwriting duplicates.
func (s Snapshot) Merge(other Snapshot) {
	for token, e := range other {
		s[token] = e
	}
}
