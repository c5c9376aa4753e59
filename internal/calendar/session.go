package calendar

import (
	"time"

	"chainstream/internal/models"
	"chainstream/pkg/utils"
)

// Session describes the MCX trading day in minutes after IST midnight.
// The evening session opens when the morning session closes.
type Session struct {
	MorningOpen     int
	MorningClose    int
	EveningCloseDST int // while US daylight saving is in force
	EveningCloseStd int
}

// DefaultSession returns the standard MCX session model.
func DefaultSession() Session {
	return Session{
		MorningOpen:     9 * 60,
		MorningClose:    17 * 60,
		EveningCloseDST: 23*60 + 30,
		EveningCloseStd: 23*60 + 55,
	}
}

// EveningClose returns the evening session end for the given date.
func (s Session) EveningClose(day time.Time) int {
	if IsUSDaylightSaving(day) {
		return s.EveningCloseDST
	}
	return s.EveningCloseStd
}

// windows returns the tradable [open, close) windows for a day kind.
func (s Session) windows(day time.Time, kind models.DayKind, holiday bool) [][2]int {
	morning := [2]int{s.MorningOpen, s.MorningClose}
	evening := [2]int{s.MorningClose, s.EveningClose(day)}
	if !holiday {
		return [][2]int{morning, evening}
	}
	switch kind {
	case models.FullClosure:
		return nil
	case models.MorningOnly:
		// Morning session closed, evening trades.
		return [][2]int{evening}
	case models.EveningOnly:
		return [][2]int{morning}
	default:
		return [][2]int{morning, evening}
	}
}

// IsUSDaylightSaving reports whether US daylight saving time is in force on
// the calendar date of day: from the second Sunday of March through the
// Saturday before the first Sunday of November.
func IsUSDaylightSaving(day time.Time) bool {
	y, m, d := day.In(utils.IndiaLocation).Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	start := nthSunday(y, time.March, 2)
	end := nthSunday(y, time.November, 1)
	return !date.Before(start) && date.Before(end)
}

func nthSunday(year int, month time.Month, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (7 - int(first.Weekday())) % 7
	return first.AddDate(0, 0, offset+7*(n-1))
}

func overlap(from, to int, w [2]int) int {
	lo, hi := w[0], w[1]
	if from > lo {
		lo = from
	}
	if to < hi {
		hi = to
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}
