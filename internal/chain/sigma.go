// Package chain selects volatility-bounded option strikes around each
// underlying's futures price and maintains the live option chain metrics.
package chain

import (
	"math"

	"chainstream/internal/models"
)

// Sigma is the volatility band for the remaining period:
// av / sqrt(T/N), where T is trailing-year minutes and N minutes to expiry.
// It returns 0 when any input is non-positive.
func Sigma(av float64, trailing, remaining int) float64 {
	if av <= 0 || trailing <= 0 || remaining <= 0 {
		return 0
	}
	return av / math.Sqrt(float64(trailing)/float64(remaining))
}

// SigmaN scales sigma by the SD multiplier.
func SigmaN(sigma, multiplier float64) float64 {
	if sigma <= 0 || multiplier <= 0 {
		return 0
	}
	return sigma * multiplier
}

// SigmaX is sigmaN / sqrt(T/N), or 0 when any input is non-positive.
func SigmaX(sigmaN float64, trailing, remaining int) float64 {
	if sigmaN <= 0 || trailing <= 0 || remaining <= 0 {
		return 0
	}
	return sigmaN / math.Sqrt(float64(trailing)/float64(remaining))
}

// SigmaXI widens the band for calls and narrows it for puts:
// sigmaN+sigmaX for CE, sigmaN-sigmaX for PE, 0 if either input is <= 0.
func SigmaXI(sigmaN, sigmaX float64, kind models.InstrumentKind) float64 {
	if sigmaN <= 0 || sigmaX <= 0 {
		return 0
	}
	switch kind {
	case models.KindCall:
		return sigmaN + sigmaX
	case models.KindPut:
		return sigmaN - sigmaX
	default:
		return 0
	}
}

// Band holds the successive sigma stages for one expiry.
type Band struct {
	SD     float64
	SigmaN float64
	SigmaX float64
	CallXI float64
	PutXI  float64
}

// ComputeBand evaluates every sigma stage for an expiry.
func ComputeBand(av float64, trailing, remaining int, multiplier float64) Band {
	sd := Sigma(av, trailing, remaining)
	sn := SigmaN(sd, multiplier)
	sx := SigmaX(sn, trailing, remaining)
	return Band{
		SD:     sd,
		SigmaN: sn,
		SigmaX: sx,
		CallXI: SigmaXI(sn, sx, models.KindCall),
		PutXI:  SigmaXI(sn, sx, models.KindPut),
	}
}

// Bounds is the strike window around the futures price.
type Bounds struct {
	Ceiling float64
	Floor   float64
}

// ComputeBounds returns LTP*(1+callXI/100) and LTP*(1-putXI/100). If either
// value is not finite both bounds fall back to LTP.
func ComputeBounds(ltp, callXI, putXI float64) Bounds {
	ceiling := ltp * (1 + callXI/100)
	floor := ltp * (1 - putXI/100)
	if !finite(ceiling) || !finite(floor) {
		return Bounds{Ceiling: ltp, Floor: ltp}
	}
	return Bounds{Ceiling: ceiling, Floor: floor}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
