package chain

import (
	"sort"
	"time"

	"chainstream/internal/models"
	"chainstream/pkg/utils"
)

// optionGroup holds the calls and puts of one (underlying, expiry).
type optionGroup struct {
	Expiry time.Time
	Calls  []models.Instrument // ascending strike
	Puts   []models.Instrument // descending strike
}

// Universe indexes the reference instruments for selection.
type Universe struct {
	byToken map[uint32]models.Instrument
	futures map[string][]models.Instrument     // by underlying, ascending expiry
	groups  map[string]map[string]*optionGroup // underlying -> date key -> group
	expiry  map[string][]time.Time             // underlying -> ascending option expiries
}

// NewUniverse builds the selection index from the instrument master.
func NewUniverse(instruments []models.Instrument) *Universe {
	u := &Universe{
		byToken: make(map[uint32]models.Instrument, len(instruments)),
		futures: make(map[string][]models.Instrument),
		groups:  make(map[string]map[string]*optionGroup),
		expiry:  make(map[string][]time.Time),
	}

	for _, inst := range instruments {
		u.byToken[inst.Token] = inst
		switch {
		case inst.Kind == models.KindFuture:
			u.futures[inst.Underlying] = append(u.futures[inst.Underlying], inst)
		case inst.Kind.IsOption():
			byExpiry, ok := u.groups[inst.Underlying]
			if !ok {
				byExpiry = make(map[string]*optionGroup)
				u.groups[inst.Underlying] = byExpiry
			}
			key := dateKey(inst.Expiry)
			g, ok := byExpiry[key]
			if !ok {
				g = &optionGroup{Expiry: utils.StartOfDay(inst.Expiry)}
				byExpiry[key] = g
				u.expiry[inst.Underlying] = append(u.expiry[inst.Underlying], g.Expiry)
			}
			if inst.Kind == models.KindCall {
				g.Calls = append(g.Calls, inst)
			} else {
				g.Puts = append(g.Puts, inst)
			}
		}
	}

	for _, futs := range u.futures {
		sort.SliceStable(futs, func(i, j int) bool { return futs[i].Expiry.Before(futs[j].Expiry) })
	}
	for _, exps := range u.expiry {
		sort.Slice(exps, func(i, j int) bool { return exps[i].Before(exps[j]) })
	}
	for _, byExpiry := range u.groups {
		for _, g := range byExpiry {
			sortCalls(g.Calls)
			sortPuts(g.Puts)
		}
	}

	return u
}

// Instrument returns the instrument for a token.
func (u *Universe) Instrument(token uint32) (models.Instrument, bool) {
	inst, ok := u.byToken[token]
	return inst, ok
}

// Futures returns the futures of an underlying in ascending expiry.
func (u *Universe) Futures(underlying string) []models.Instrument {
	return u.futures[underlying]
}

// LinkedFuture returns the future that anchors an option expiry: the
// same-underlying future with the smallest expiry on or after it, else the
// latest future.
func (u *Universe) LinkedFuture(underlying string, expiry time.Time) (models.Instrument, bool) {
	futs := u.futures[underlying]
	if len(futs) == 0 {
		return models.Instrument{}, false
	}
	day := utils.StartOfDay(expiry)
	for _, f := range futs {
		if !utils.StartOfDay(f.Expiry).Before(day) {
			return f, true
		}
	}
	return futs[len(futs)-1], true
}

// Expiries returns up to limit option expiries of an underlying on or after today.
func (u *Universe) Expiries(underlying string, today time.Time, limit int) []time.Time {
	today = utils.StartOfDay(today)
	var out []time.Time
	for _, e := range u.expiry[underlying] {
		if e.Before(today) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (u *Universe) group(underlying string, expiry time.Time) *optionGroup {
	return u.groups[underlying][dateKey(expiry)]
}

// SelectCalls returns the first call at or above the ceiling and every
// higher strike. calls must be sorted ascending by strike. No qualifying
// strike selects nothing.
func SelectCalls(calls []models.Instrument, ceiling float64) []models.Instrument {
	for i, c := range calls {
		if c.Strike >= ceiling {
			return calls[i:]
		}
	}
	return nil
}

// SelectPuts returns the first put at or below the floor and every lower
// strike. puts must be sorted descending by strike. No qualifying strike
// selects nothing.
func SelectPuts(puts []models.Instrument, floor float64) []models.Instrument {
	for i, p := range puts {
		if p.Strike <= floor {
			return puts[i:]
		}
	}
	return nil
}

// SelectionInput is everything a selection cycle reads. Values are captured
// at the start of the cycle.
type SelectionInput struct {
	Underlyings     []string
	Today           time.Time
	MaxExpiries     int
	SdMultiplier    float64
	TrailingMinutes int
	MinutesUntil    func(expiry time.Time) int
	Volatility      func(underlying string) (float64, bool)
	FuturesPrice    func(token uint32) (float64, bool)
}

// GroupResult describes the outcome for one (underlying, expiry).
type GroupResult struct {
	Underlying string
	Expiry     time.Time
	Future     uint32
	LTP        float64
	Band       Band
	Bounds     Bounds
	Calls      int
	Puts       int
	Skipped    string // non-empty when the group was not evaluated
}

// Selection is the result of a selection cycle. Token slices are sorted.
type Selection struct {
	Options   []uint32
	Futures   []uint32
	Groups    []GroupResult
	Evaluated map[string]bool // underlyings with at least one evaluated group
}

// Skip reasons.
const (
	SkipNoFuture     = "no_linked_future"
	SkipNoPrice      = "no_futures_price"
	SkipNoVolatility = "no_volatility"
)

// Select computes the option token set. It is a pure function of its input.
func (u *Universe) Select(in SelectionInput) Selection {
	today := utils.StartOfDay(in.Today)
	options := make(map[uint32]struct{})
	futures := make(map[uint32]struct{})
	sel := Selection{Evaluated: make(map[string]bool)}

	underlyings := append([]string(nil), in.Underlyings...)
	sort.Strings(underlyings)

	for _, underlying := range underlyings {
		for _, f := range u.futures[underlying] {
			if !utils.StartOfDay(f.Expiry).Before(today) {
				futures[f.Token] = struct{}{}
			}
		}

		for _, expiry := range u.Expiries(underlying, today, in.MaxExpiries) {
			res := GroupResult{Underlying: underlying, Expiry: expiry}

			fut, ok := u.LinkedFuture(underlying, expiry)
			if !ok {
				res.Skipped = SkipNoFuture
				sel.Groups = append(sel.Groups, res)
				continue
			}
			res.Future = fut.Token
			futures[fut.Token] = struct{}{}

			ltp, ok := in.FuturesPrice(fut.Token)
			if !ok || ltp <= 0 {
				res.Skipped = SkipNoPrice
				sel.Groups = append(sel.Groups, res)
				continue
			}
			av, ok := in.Volatility(underlying)
			if !ok {
				res.Skipped = SkipNoVolatility
				sel.Groups = append(sel.Groups, res)
				continue
			}

			res.LTP = ltp
			res.Band = ComputeBand(av, in.TrailingMinutes, in.MinutesUntil(expiry), in.SdMultiplier)
			res.Bounds = ComputeBounds(ltp, res.Band.CallXI, res.Band.PutXI)

			g := u.group(underlying, expiry)
			calls := SelectCalls(g.Calls, res.Bounds.Ceiling)
			puts := SelectPuts(g.Puts, res.Bounds.Floor)
			for _, c := range calls {
				options[c.Token] = struct{}{}
			}
			for _, p := range puts {
				options[p.Token] = struct{}{}
			}
			res.Calls, res.Puts = len(calls), len(puts)
			sel.Evaluated[underlying] = true
			sel.Groups = append(sel.Groups, res)
		}
	}

	sel.Options = sortedTokens(options)
	sel.Futures = sortedTokens(futures)
	return sel
}

func sortCalls(calls []models.Instrument) {
	sort.SliceStable(calls, func(i, j int) bool {
		if calls[i].Strike != calls[j].Strike {
			return calls[i].Strike < calls[j].Strike
		}
		return calls[i].Token < calls[j].Token
	})
}

func sortPuts(puts []models.Instrument) {
	sort.SliceStable(puts, func(i, j int) bool {
		if puts[i].Strike != puts[j].Strike {
			return puts[i].Strike > puts[j].Strike
		}
		return puts[i].Token < puts[j].Token
	})
}

func sortedTokens(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dateKey(t time.Time) string {
	return t.In(utils.IndiaLocation).Format(utils.DateKey)
}
