package render

import (
	"fmt"
	"time"
)

// ReadableTimedelta describes d in its largest whole unit: "5 minutes",
// "1 day", "2 years". Months are 30 days and years 12 months.
func ReadableTimedelta(d time.Duration) string {
	minutes := int64(d / time.Minute)
	if minutes < 60 {
		return plural(minutes, "minute")
	}

	hours := minutes / 60
	if hours < 24 {
		return plural(hours, "hour")
	}

	days := hours / 24
	if days < 30 {
		return plural(days, "day")
	}

	months := days / 30
	if months < 12 {
		return plural(months, "month")
	}

	return plural(months/12, "year")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// ReadableDuration formats an episode length given in seconds.
func ReadableDuration(seconds int64) string {
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%.1f hours", float64(minutes)/60)
}

// TimestampToDate formats a unix timestamp as YYYY-MM-DD in UTC.
func TimestampToDate(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}
