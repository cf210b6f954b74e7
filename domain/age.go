package domain

import (
	"strconv"
	"time"
)

const msPerDay int64 = 1000 * 60 * 60 * 24

// ElapsedDays returns the whole days between changedAt and now, rounded down.
func ElapsedDays(changedAt, now time.Time) int64 {
	ms := now.Sub(changedAt).Milliseconds()
	days := ms / msPerDay
	if ms%msPerDay != 0 && ms < 0 {
		days--
	}
	return days
}

// FormatDays renders an elapsed day count. Counts of 21 days and more are
// shown as whole weeks.
func FormatDays(days int64) string {
	switch {
	case days == 1:
		return "1 day"
	case days < 21:
		return strconv.FormatInt(days, 10) + " days"
	default:
		return strconv.FormatInt(days/7, 10) + " weeks"
	}
}

// FormatAge returns the time-in-state label for an item that entered its
// state at changedAt. It returns "" when no whole day has elapsed.
func FormatAge(changedAt, now time.Time) string {
	days := ElapsedDays(changedAt, now)
	if days <= 0 {
		return ""
	}
	return FormatDays(days)
}
