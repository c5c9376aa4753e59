// Package utils provides shared utility functions.
package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// DateKey is the canonical map key for a calendar date.
const DateKey = "2006-01-02"

// StartOfDay returns midnight IST of the day containing t.
func StartOfDay(t time.Time) time.Time {
	t = t.In(IndiaLocation)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, IndiaLocation)
}

// IsWeekend returns true for Saturday and Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.In(IndiaLocation).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// MinuteOfDay returns minutes elapsed since IST midnight.
func MinuteOfDay(t time.Time) int {
	t = t.In(IndiaLocation)
	return t.Hour()*60 + t.Minute()
}
