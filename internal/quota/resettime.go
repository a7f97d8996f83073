package quota

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Fallback horizons for reset text that matches no known shape.
const (
	sessionFallback = 5 * time.Hour
	weeklyFallback  = 7 * 24 * time.Hour
)

var monthsByName = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

var (
	// "Dec 17", "Dec 17 at 6am", "December 17, at 6:30pm (Europe/Oslo)"
	calendarRe = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:\s*,)?(?:\s+at)?(?:\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?`)
	// "11:59pm", "6 am", "3am"
	timeOfDayRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
)

// ParseResetTime resolves the CLI's free-text reset description to a
// concrete future timestamp relative to now.
//
// Two shapes are recognized: an absolute calendar reference
// ("<Month> <Day>[, at] <H>[:MM][am/pm] [(<zone>)]") resolving to the next
// future occurrence of that month/day, and a bare time of day
// ("<H>[:MM] am/pm") resolving to the next future occurrence of that time.
// Anything else falls back to a heuristic default: text that looks weekly
// (calendar date or the word "week") resets 7 days out, the rest 5 hours
// out. Time zones named in the text are ignored; times resolve in now's
// location.
func ParseResetTime(text string, now time.Time) time.Time {
	if m := calendarRe.FindStringSubmatch(text); m != nil {
		if t, ok := resolveCalendar(m, now); ok {
			return t
		}
	}

	if m := timeOfDayRe.FindStringSubmatch(text); m != nil {
		if t, ok := resolveTimeOfDay(m, now); ok {
			return t
		}
	}

	if Classify(text) == LimitWeekly {
		return now.Add(weeklyFallback)
	}
	return now.Add(sessionFallback)
}

// Classify decides which quota window a reset description refers to.
// A calendar-date pattern or the word "week" means the weekly window;
// everything else (bare times, unrecognized text) is the session window.
func Classify(text string) LimitType {
	if calendarRe.MatchString(text) || strings.Contains(strings.ToLower(text), "week") {
		return LimitWeekly
	}
	return LimitSession
}

// resolveCalendar turns a calendar match into the next future occurrence of
// that month/day, rolling to next year if the date has already passed.
func resolveCalendar(m []string, now time.Time) (time.Time, bool) {
	month, ok := monthsByName[strings.ToLower(m[1])]
	if !ok {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(m[2])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}

	hour, minute := 0, 0
	if m[3] != "" {
		hour, err = strconv.Atoi(m[3])
		if err != nil || hour > 23 {
			return time.Time{}, false
		}
		if m[4] != "" {
			minute, _ = strconv.Atoi(m[4])
		}
		hour = to24Hour(hour, m[5])
	}

	t := time.Date(now.Year(), month, day, hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = time.Date(now.Year()+1, month, day, hour, minute, 0, 0, now.Location())
	}
	return t, true
}

// resolveTimeOfDay turns a bare am/pm time into the next future occurrence,
// rolling to tomorrow if that time has already passed today.
func resolveTimeOfDay(m []string, now time.Time) (time.Time, bool) {
	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return time.Time{}, false
	}
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
		if minute > 59 {
			return time.Time{}, false
		}
	}
	hour = to24Hour(hour, m[3])

	t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = t.Add(24 * time.Hour)
	}
	return t, true
}

// to24Hour applies an am/pm marker to an hour value.
func to24Hour(hour int, marker string) int {
	switch strings.ToLower(marker) {
	case "pm":
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	return hour
}
