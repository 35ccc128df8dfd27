package billing

import "time"

// AddMonthsClamped adds months calendar months to t. When the day of month
// does not exist in the target month it is clamped to that month's last day,
// so Jan 31 + 1 month is Feb 28 (Feb 29 in leap years). The time of day and
// location are preserved.
func AddMonthsClamped(t time.Time, months int) time.Time {
	if months == 0 {
		return t
	}
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	// Day 1 never overflows, so the target year and month are exact.
	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	last := daysIn(first.Year(), first.Month(), t.Location())
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
