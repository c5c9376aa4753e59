package stream

import (
	"sort"
	"strings"

	"chainstream/internal/models"
)

// SubscriptionSet is the set of underlyings a client follows.
// An empty set means every underlying.
type SubscriptionSet map[string]struct{}

// NewSubscriptionSet creates a set from symbols.
func NewSubscriptionSet(symbols ...string) SubscriptionSet {
	s := make(SubscriptionSet, len(symbols))
	s.Add(symbols...)
	return s
}

// Add inserts symbols, upper-cased.
func (s SubscriptionSet) Add(symbols ...string) {
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			s[sym] = struct{}{}
		}
	}
}

// Remove deletes symbols.
func (s SubscriptionSet) Remove(symbols ...string) {
	for _, sym := range symbols {
		delete(s, strings.ToUpper(strings.TrimSpace(sym)))
	}
}

// Contains reports whether the underlying is followed.
func (s SubscriptionSet) Contains(underlying string) bool {
	_, ok := s[underlying]
	return ok
}

// Symbols returns the sorted members.
func (s SubscriptionSet) Symbols() []string {
	out := make([]string, 0, len(s))
	for sym := range s {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of the set.
func (s SubscriptionSet) Clone() SubscriptionSet {
	out := make(SubscriptionSet, len(s))
	for sym := range s {
		out[sym] = struct{}{}
	}
	return out
}

// FilterSnapshot keeps the entries whose underlying is in subs. An empty set
// returns the snapshot unchanged.
func FilterSnapshot(snap models.Snapshot, subs SubscriptionSet) models.Snapshot {
	if len(subs) == 0 {
		return snap
	}
	out := make(models.Snapshot)
	for token, e := range snap {
		if subs.Contains(e.Underlying) {
			out[token] = e
		}
	}
	return out
}

// SellValueFilter keeps the entries whose sell value exceeds their return on
// margin.
func SellValueFilter(snap models.Snapshot) models.Snapshot {
	out := make(models.Snapshot, len(snap))
	for token, e := range snap {
		if e.SellValue > e.ReturnOnMargin {
			out[token] = e
		}
	}
	return out
}
