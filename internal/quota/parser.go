// Package quota parses the coding-agent CLI's free-text usage and
// rate-limit output into structured quota facts. The CLI speaks to humans,
// not machines, so everything here is heuristic: unmatched sections stay at
// their zero value and unparseable reset descriptions fall back to
// documented defaults instead of erroring.
package quota

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LimitType distinguishes the CLI's two quota windows.
type LimitType string

const (
	// LimitSession is the rolling 5-hour session window.
	LimitSession LimitType = "session"
	// LimitWeekly is the 7-day all-models window.
	LimitWeekly LimitType = "weekly"
)

// UsageSnapshot is the structured form of a "show usage" text block.
// Reset times are kept as the CLI's own free text; ParseResetTime turns
// them into timestamps on demand.
type UsageSnapshot struct {
	SessionPercent   float64   `json:"sessionUsagePercent"`
	SessionResetTime string    `json:"sessionResetTime,omitempty"`
	WeeklyPercent    float64   `json:"weeklyUsagePercent"`
	WeeklyResetTime  string    `json:"weeklyResetTime,omitempty"`
	OpusPercent      float64   `json:"opusUsagePercent,omitempty"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// IsZero reports whether the snapshot carries no parsed facts.
func (s UsageSnapshot) IsZero() bool {
	return s.SessionPercent == 0 && s.WeeklyPercent == 0 && s.OpusPercent == 0 &&
		s.SessionResetTime == "" && s.WeeklyResetTime == ""
}

// usage section headers, matched case-insensitively per line
var (
	percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	resetsRe  = regexp.MustCompile(`(?i)resets?\s*:?\s+(.+?)\s*$`)
)

// usageSection identifies which labeled block a line belongs to.
type usageSection int

const (
	sectionNone usageSection = iota
	sectionSession
	sectionWeekly
	sectionOpus
)

// classifyHeader maps a line to the usage section it opens, if any.
// Header matching is keyword-based: the CLI has reworded these labels
// across releases but "session", "week"/"weekly" and the Opus sub-category
// have stayed recognizable.
func classifyHeader(line string) (usageSection, bool) {
	l := strings.ToLower(line)

	// A line with a percentage is data, never a header.
	if percentRe.MatchString(line) {
		return sectionNone, false
	}

	switch {
	case strings.Contains(l, "opus"):
		return sectionOpus, true
	case strings.Contains(l, "session"):
		return sectionSession, true
	case strings.Contains(l, "week"):
		return sectionWeekly, true
	}
	return sectionNone, false
}

// ParseUsage extracts session/weekly/opus usage percentages and reset
// descriptions from a raw usage text block. Sections that do not appear in
// the text are left at their zero value.
func ParseUsage(raw string, now time.Time) UsageSnapshot {
	snap := UsageSnapshot{LastUpdated: now}

	section := sectionNone
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(stripANSI(line))
		if line == "" {
			continue
		}

		if s, ok := classifyHeader(line); ok {
			section = s
			continue
		}
		if section == sectionNone {
			continue
		}

		if m := percentRe.FindStringSubmatch(line); m != nil {
			pct, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				switch section {
				case sectionSession:
					snap.SessionPercent = pct
				case sectionWeekly:
					snap.WeeklyPercent = pct
				case sectionOpus:
					snap.OpusPercent = pct
				}
			}
		}

		if m := resetsRe.FindStringSubmatch(line); m != nil {
			switch section {
			case sectionSession:
				snap.SessionResetTime = m[1]
			case sectionWeekly:
				snap.WeeklyResetTime = m[1]
			}
		}
	}

	return snap
}

// rate-limit notice matchers, in priority order. The first match wins; its
// capture group is the raw reset description.
var rateLimitMatchers = []*regexp.Regexp{
	// "Claude usage limit reached. Your limit will reset at 7pm (Europe/Oslo)."
	regexp.MustCompile(`(?i)usage limit reached.*?reset(?:s)?\s+(?:at\s+)?([^.|\n]+)`),
	// "5-hour limit reached ∙ resets 3am"
	regexp.MustCompile(`(?i)\b(?:5-hour|session|weekly)\s+limit reached\b[^\n]*?resets\s+([^.|\n]+)`),
	// "You've reached your usage limit. Try again at Dec 17, 6am"
	regexp.MustCompile(`(?i)reached your (?:usage|weekly|session) limit\b[^\n]*?(?:try again|resets?)\s+(?:at\s+)?([^.|\n]+)`),
}

// DetectRateLimit scans a chunk of process output for a rate-limit notice.
// It returns the raw reset description and true when one is found.
func DetectRateLimit(chunk string) (string, bool) {
	clean := stripANSI(chunk)
	for _, re := range rateLimitMatchers {
		if m := re.FindStringSubmatch(clean); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// ansiRe strips terminal escape sequences so redraws don't break matching.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiRe.ReplaceAllString(s, "")
}
