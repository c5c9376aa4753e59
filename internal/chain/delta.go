package chain

import (
	"math"

	"chainstream/internal/models"
)

// NormCDF is the standard normal cumulative distribution function.
func NormCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// Delta is the Black-Scholes option delta with zero rate and dividend.
// sigma is decimal volatility and t is time to expiry in years. Calls return
// N(d1), puts N(d1)-1. Invalid inputs return 0.
func Delta(spot, strike, sigma, t float64, kind models.InstrumentKind) float64 {
	if spot <= 0 || strike <= 0 || sigma <= 0 || t <= 0 {
		return 0
	}
	d1 := (math.Log(spot/strike) + 0.5*sigma*sigma*t) / (sigma * math.Sqrt(t))
	if math.IsNaN(d1) {
		return 0
	}
	switch kind {
	case models.KindCall:
		return NormCDF(d1)
	case models.KindPut:
		return NormCDF(d1) - 1
	default:
		return 0
	}
}

// YearFraction converts minutes to expiry into a fraction of the trailing
// trading year.
func YearFraction(remaining, trailing int) float64 {
	if remaining <= 0 || trailing <= 0 {
		return 0
	}
	return float64(remaining) / float64(trailing)
}
