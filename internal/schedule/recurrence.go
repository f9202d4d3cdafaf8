package schedule

import "time"

// Occurrence is one fire time of a recurring series. Index numbers
// occurrences from the series start, so the same rule always yields the same
// (index, time) pairs regardless of when the enumeration runs.
type Occurrence struct {
	Index int
	At    time.Time
}

// hard cap on candidate generation, well past any sane lookahead
const maxCandidates = 5000

// Occurrences enumerates the fire times of rec that fall in (now, now+lookahead],
// honoring EndDate and MaxOccurrences. Times are computed in loc so that
// daylight-saving shifts keep the local wall-clock hour stable.
func Occurrences(rec *Recurring, loc *time.Location, now time.Time, lookahead time.Duration) []Occurrence {
	horizon := now.Add(lookahead)

	var out []Occurrence
	idx := 0
	for c := range candidates(rec, loc) {
		if idx >= maxCandidates {
			break
		}
		at := c
		if at.Before(rec.Start) {
			continue
		}
		if rec.EndDate != nil && at.After(*rec.EndDate) {
			break
		}
		if rec.MaxOccurrences > 0 && idx >= rec.MaxOccurrences {
			break
		}
		if at.After(horizon) {
			break
		}
		if at.After(now) {
			out = append(out, Occurrence{Index: idx, At: at})
		}
		idx++
	}
	return out
}

// candidates yields the raw series in chronological order, unbounded.
// Callers stop ranging when their window is exhausted.
func candidates(rec *Recurring, loc *time.Location) func(yield func(time.Time) bool) {
	anchor := rec.Start.In(loc)

	return func(yield func(time.Time) bool) {
		switch rec.Pattern {
		case PatternDaily:
			day := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, loc)
			for i := 0; i < maxCandidates; i++ {
				d := day.AddDate(0, 0, i*rec.Interval)
				at := time.Date(d.Year(), d.Month(), d.Day(), rec.AtHour, rec.AtMinute, 0, 0, loc)
				if !yield(at) {
					return
				}
			}

		case PatternWeekly:
			days := rec.DaysOfWeek
			if len(days) == 0 {
				days = []time.Weekday{anchor.Weekday()}
			}
			days = sortedWeekdays(days)

			// Monday of the anchor's week.
			offset := (int(anchor.Weekday()) + 6) % 7
			weekStart := time.Date(anchor.Year(), anchor.Month(), anchor.Day()-offset, 0, 0, 0, 0, loc)

			for w := 0; w < maxCandidates; w++ {
				ws := weekStart.AddDate(0, 0, w*rec.Interval*7)
				for _, wd := range days {
					dayOffset := (int(wd) + 6) % 7
					d := ws.AddDate(0, 0, dayOffset)
					at := time.Date(d.Year(), d.Month(), d.Day(), rec.AtHour, rec.AtMinute, 0, 0, loc)
					if !yield(at) {
						return
					}
				}
			}

		case PatternMonthly:
			for m := 0; m < maxCandidates; m++ {
				month := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, m*rec.Interval, 0)
				day := rec.DayOfMonth
				if last := daysIn(month); day > last {
					day = last
				}
				at := time.Date(month.Year(), month.Month(), day, rec.AtHour, rec.AtMinute, 0, 0, loc)
				if !yield(at) {
					return
				}
			}
		}
	}
}

func sortedWeekdays(days []time.Weekday) []time.Weekday {
	// Monday-first order so candidates within a week come out chronologically.
	out := make([]time.Weekday, len(days))
	copy(out, days)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && mondayIndex(out[j]) < mondayIndex(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func mondayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func daysIn(month time.Time) int {
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, month.Location())
	return first.AddDate(0, 1, -1).Day()
}
