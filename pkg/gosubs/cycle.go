package gosubs

import "time"

// cycleEnd returns the end of the billing period that starts at start. The
// anniversary day-of-month is preserved and clipped to the last day of short
// months, so a subscription started on Jan 31 renews on Feb 28 (or 29).
func cycleEnd(start time.Time, cycle BillingCycle) time.Time {
	switch cycle {
	case CycleYearly:
		return addMonthsSafe(start, 12)
	default:
		return addMonthsSafe(start, 1)
	}
}

// nthCycleEnd returns the end of the n-th period (1-based) of a subscription
// that started at start. Computing from the original start keeps the
// anniversary day stable across short months.
func nthCycleEnd(start time.Time, cycle BillingCycle, n int) time.Time {
	months := n
	if cycle == CycleYearly {
		months = 12 * n
	}
	return addMonthsSafe(start, months)
}

// trialEnd returns the moment a trial of the given length ends.
func trialEnd(start time.Time, days int) time.Time {
	return start.AddDate(0, 0, days)
}

// addMonthsSafe adds months to a time, handling month-end edge cases.
// time.Date is built with day=1 to avoid overflow, then clipped to the
// target month's last day.
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	targetDate := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(targetDate.Year(), targetDate.Month()+1, 0, 0, 0, 0, 0, targetDate.Location()).Day()

	actualDay := day
	if actualDay > lastDay {
		actualDay = lastDay
	}

	return time.Date(targetDate.Year(), targetDate.Month(), actualDay, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
