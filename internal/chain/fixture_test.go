package chain

import (
	"fmt"
	"time"

	"chainstream/internal/models"
	"chainstream/pkg/utils"
)

const (
	testTrailing  = 224385
	testRemaining = 9778
)

func istDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, utils.IndiaLocation)
}

var (
	testToday  = time.Date(2025, time.January, 10, 10, 0, 0, 0, utils.IndiaLocation)
	testExpiry = []time.Time{
		istDate(2025, time.January, 27),
		istDate(2025, time.February, 24),
		istDate(2025, time.March, 25),
	}
)

// goldUniverse returns two GOLD futures and three option expiries with
// strikes 70000..90000 in steps of 1000. Call tokens are 100*(2e+1)+i and
// put tokens 100*(2e+2)+i for expiry index e and strike index i.
func goldUniverse() []models.Instrument {
	out := []models.Instrument{
		{Token: 1, TradingSymbol: "GOLD25FEBFUT", Underlying: "GOLD", Kind: models.KindFuture, Exchange: models.MCX, Expiry: istDate(2025, time.February, 5), LotSize: 1},
		{Token: 2, TradingSymbol: "GOLD25MARFUT", Underlying: "GOLD", Kind: models.KindFuture, Exchange: models.MCX, Expiry: istDate(2025, time.March, 5), LotSize: 1},
	}
	for e, expiry := range testExpiry {
		tag := expiry.Format("06Jan")
		for i := 0; i <= 20; i++ {
			strike := float64(70000 + 1000*i)
			out = append(out,
				models.Instrument{
					Token:         uint32(100*(2*e+1) + i),
					TradingSymbol: fmt.Sprintf("GOLD%s%.0fCE", tag, strike),
					Underlying:    "GOLD", Kind: models.KindCall, Exchange: models.MCX,
					Expiry: expiry, Strike: strike, LotSize: 1,
				},
				models.Instrument{
					Token:         uint32(100*(2*e+2) + i),
					TradingSymbol: fmt.Sprintf("GOLD%s%.0fPE", tag, strike),
					Underlying:    "GOLD", Kind: models.KindPut, Exchange: models.MCX,
					Expiry: expiry, Strike: strike, LotSize: 1,
				},
			)
		}
	}
	return out
}

func tokenRange(from, to uint32) []uint32 {
	var out []uint32
	for t := from; t <= to; t++ {
		out = append(out, t)
	}
	return out
}

func fixedInput(prices map[uint32]float64, vols map[string]float64, sd float64) SelectionInput {
	return SelectionInput{
		Underlyings:     []string{"GOLD"},
		Today:           testToday,
		MaxExpiries:     2,
		SdMultiplier:    sd,
		TrailingMinutes: testTrailing,
		MinutesUntil:    func(time.Time) int { return testRemaining },
		Volatility: func(u string) (float64, bool) {
			v, ok := vols[u]
			return v, ok
		},
		FuturesPrice: func(token uint32) (float64, bool) {
			p, ok := prices[token]
			return p, ok
		},
	}
}
