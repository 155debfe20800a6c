package quota

import "time"

// PeriodStart returns the first instant of the UTC calendar month containing t.
// Quota periods are keyed by this value.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd returns the first instant of the month after the period
// containing t (exclusive upper bound for range queries).
func PeriodEnd(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, 1, 0)
}
