package settlement

import (
	"fmt"
	"time"
)

// ForTime formats t's ISO-week period identifier using Go's calendar-correct
// ISOWeek, never naive day-count division — spec §4.8 requires the true ISO
// week (Monday-start, week containing the year's first Thursday), which
// ISOWeek implements directly.
func ForTime(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// Bounds returns the inclusive start and exclusive end of the ISO week
// named by periodID, for filtering StateRecords/FeeReports "valid at period
// close".
func Bounds(periodID string) (start, end time.Time, err error) {
	var year, week int
	if _, err := fmt.Sscanf(periodID, "%04d-W%02d", &year, &week); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("settlement: invalid period id %q: %w", periodID, err)
	}
	// Jan 4th is always in week 1 of its ISO year; walk back to that week's Monday.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := int(jan4.Weekday())
	if offset == 0 {
		offset = 7
	}
	week1Monday := jan4.AddDate(0, 0, -(offset - 1))
	start = week1Monday.AddDate(0, 0, (week-1)*7)
	end = start.AddDate(0, 0, 7)
	return start, end, nil
}
