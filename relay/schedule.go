package relay

import (
	"fmt"
	"time"
)

// scheduleScanDays how far ahead the next fire scan looks
const scheduleScanDays = 8

/*
ComputeNextFire find the next instant a reminder schedule fires

The schedule is anchored to its own timezone: "07:30 in America/New_York"
fires at 07:30 New York wall clock regardless of where the relay runs, and
follows that zone across DST transitions.

	@param timeOfDay string - fire time (`HH:MM`, 24 hour)
	@param weekdays []time.Weekday - allowed weekdays; empty means every day
	@param timezone string - IANA timezone name
	@param now time.Time - the evaluation instant
	@returns the next fire instant in UTC
*/
func ComputeNextFire(
	timeOfDay string, weekdays []time.Weekday, timezone string, now time.Time,
) (time.Time, error) {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone '%s' [%w]", timezone, err)
	}

	parsed, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed fire time '%s' [%w]", timeOfDay, err)
	}

	allowed := map[time.Weekday]bool{}
	for _, day := range weekdays {
		allowed[day] = true
	}

	localNow := now.In(location)
	for dayOffset := 0; dayOffset < scheduleScanDays; dayOffset++ {
		day := localNow.AddDate(0, 0, dayOffset)
		candidate := time.Date(
			day.Year(), day.Month(), day.Day(),
			parsed.Hour(), parsed.Minute(), 0, 0, location,
		)
		if !candidate.After(now) {
			continue
		}
		if len(allowed) > 0 && !allowed[candidate.Weekday()] {
			continue
		}
		return candidate.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("no fire slot within %d days of '%s'", scheduleScanDays, timeOfDay)
}
