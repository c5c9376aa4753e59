package chain

import (
	"fmt"
	"math"

	apperrors "chainstream/internal/errors"
	"chainstream/internal/models"
)

// EntryInputs are the per-cycle values an entry's metrics depend on.
type EntryInputs struct {
	UnderlyingLTP float64
	BidBalance    float64
	Multiplier    float64
	// AnnualizedVol is in percent points (35.82, not 0.3582). The sigma
	// band takes it as is; delta divides it by 100.
	AnnualizedVol   float64
	TrailingMinutes int
	MinutesUntil    int
}

// ComputeEntry recomputes the derived fields of an entry. On error the entry
// is left untouched.
func ComputeEntry(e *models.OptionChainEntry, in EntryInputs) error {
	if in.UnderlyingLTP <= 0 {
		return apperrors.NewDataQualityError(e.TradingSymbol, "linked futures price unavailable", apperrors.ErrNoFuturesPrice)
	}

	next := *e
	next.UnderlyingLTP = in.UnderlyingLTP
	next.StrikePositionPct = math.Abs(e.Strike-in.UnderlyingLTP) / in.UnderlyingLTP * 100
	next.SellValue = (e.Bid - in.BidBalance) * float64(e.LotSize) * in.Multiplier

	next.ReturnOnMargin = 0
	if e.OrderMargin > 0 {
		next.ReturnOnMargin = next.SellValue / e.OrderMargin
	}

	// Per-entry sigma stages use a base multiplier of 1.
	band := ComputeBand(in.AnnualizedVol, in.TrailingMinutes, in.MinutesUntil, 1)
	next.SD = band.SD
	next.SigmaN = band.SigmaN
	next.SigmaX = band.SigmaX
	next.SigmaXI = SigmaXI(band.SigmaN, band.SigmaX, e.Kind)

	next.Delta = Delta(in.UnderlyingLTP, e.Strike, in.AnnualizedVol/100, YearFraction(in.MinutesUntil, in.TrailingMinutes), e.Kind)

	next.AddedValue = 0
	if next.Delta != 0 {
		next.AddedValue = next.ReturnOnMargin / math.Abs(next.Delta)
	}

	for name, v := range map[string]float64{
		"strikePositionPct": next.StrikePositionPct,
		"sellValue":         next.SellValue,
		"returnOnMargin":    next.ReturnOnMargin,
		"delta":             next.Delta,
		"addedValue":        next.AddedValue,
		"sigmaXI":           next.SigmaXI,
	} {
		if !finite(v) {
			return apperrors.NewDataQualityError(e.TradingSymbol, fmt.Sprintf("%s is not finite", name), nil)
		}
	}

	*e = next
	return nil
}
