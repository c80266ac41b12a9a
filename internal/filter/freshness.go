package filter

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Rules reported in a freshness verdict.
const (
	RuleMarker      = "marker"
	RuleCalendar    = "calendar"
	RuleClock       = "clock"
	RuleUnparseable = "unparseable"
)

// DefaultFreshMarkers are relative-time phrases treated as posted just now.
var DefaultFreshMarkers = []string{"just now", "today at"}

var (
	atWordPattern   = regexp.MustCompile(`(?i)\s+at\s+`)
	spacePattern    = regexp.MustCompile(`\s+`)
	meridiemPattern = regexp.MustCompile(`(?i)\b([ap])\.?m\.?(\s|$)`)
	clockPattern    = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})(?:\s*([ap])\.?m\b)?`)

	// datePartPattern spots a calendar date: a month or weekday name, a
	// numeric d/m/y or y-m-d group, or a four digit year.
	datePartPattern = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\b` +
		`|\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday|mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)\b` +
		`|\d{1,4}[/.-]\d{1,2}[/.-]\d{1,4}` +
		`|\b(19|20)\d{2}\b`)
)

// calendarLayouts are tried in order against the normalised timestamp text.
var calendarLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"Monday, 2 January 2006 15:04:05",
	"Monday, 2 January 2006 15:04",
	"Monday, 2 January 2006 3:04 PM",
	"Monday, January 2, 2006 15:04",
	"Monday, January 2, 2006 3:04 PM",
	"Mon, 2 Jan 2006 15:04",
	"2 January 2006 15:04",
	"2 January 2006 3:04 PM",
	"January 2, 2006 15:04",
	"January 2, 2006 3:04 PM",
	"2 Jan 2006 15:04",
	"Jan 2, 2006 3:04 PM",
	"2006/01/02 15:04",
	"02/01/2006 15:04",
	"01/02/2006 15:04",
	"01/02/2006 3:04 PM",
}

// FreshnessOptions configure the age window.
type FreshnessOptions struct {
	MaxAge   time.Duration
	Markers  []string
	Location *time.Location
}

// Verdict explains a freshness decision.
type Verdict struct {
	Fresh bool
	Rule  string
	// At is the resolved instant, zero when the text could not be resolved.
	At  time.Time
	Age time.Duration
}

// Freshness decides whether a free-form timestamp falls inside the age window.
type Freshness struct {
	maxAge  time.Duration
	markers []string
	loc     *time.Location
}

// NewFreshness constructs a Freshness filter. MaxAge defaults to ten seconds.
func NewFreshness(opts FreshnessOptions) *Freshness {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	markers := opts.Markers
	if len(markers) == 0 {
		markers = DefaultFreshMarkers
	}
	normalised := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			normalised = append(normalised, m)
		}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Freshness{maxAge: maxAge, markers: normalised, loc: loc}
}

// MaxAge returns the configured window.
func (f *Freshness) MaxAge() time.Duration {
	return f.maxAge
}

// IsFresh reports whether raw lies within maxAgeSeconds of now.
func (f *Freshness) IsFresh(raw string, now time.Time, maxAgeSeconds int) bool {
	return f.evaluate(raw, now, time.Duration(maxAgeSeconds)*time.Second).Fresh
}

// Evaluate judges raw against the configured window.
func (f *Freshness) Evaluate(raw string, now time.Time) Verdict {
	return f.evaluate(raw, now, f.maxAge)
}

func (f *Freshness) evaluate(raw string, now time.Time, maxAge time.Duration) Verdict {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Verdict{Rule: RuleUnparseable}
	}
	now = now.In(f.loc)

	lower := strings.ToLower(text)
	for _, marker := range f.markers {
		if !strings.Contains(lower, marker) {
			continue
		}
		at := now
		if clock, ok := clockOn(text, now); ok {
			at = clock
		}
		return Verdict{Fresh: true, Rule: RuleMarker, At: at, Age: absDuration(now.Sub(at))}
	}

	if datePartPattern.MatchString(text) {
		// A dated timestamp is judged on its own date or not at all.
		if parsed, ok := f.parseCalendar(text); ok {
			return judge(RuleCalendar, parsed, now, maxAge)
		}
		return Verdict{Rule: RuleUnparseable}
	}

	if clock, ok := clockOn(text, now); ok {
		if strings.Contains(lower, "yesterday") || clock.After(now) {
			clock = clock.AddDate(0, 0, -1)
		}
		return judge(RuleClock, clock, now, maxAge)
	}

	return Verdict{Rule: RuleUnparseable}
}

func (f *Freshness) parseCalendar(text string) (time.Time, bool) {
	normalised := normaliseTimestamp(text)
	for _, layout := range calendarLayouts {
		if t, err := time.ParseInLocation(layout, normalised, f.loc); err == nil {
			return t, true
		}
	}
	if t, err := dateparse.ParseIn(normalised, f.loc); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func normaliseTimestamp(text string) string {
	out := atWordPattern.ReplaceAllString(text, " ")
	out = meridiemPattern.ReplaceAllStringFunc(out, func(m string) string {
		suffix := ""
		if strings.HasSuffix(m, " ") {
			suffix = " "
		}
		return strings.ToUpper(m[:1]) + "M" + suffix
	})
	out = spacePattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// clockOn combines the first valid HH:MM in text with the calendar day of now.
func clockOn(text string, now time.Time) (time.Time, bool) {
	for _, m := range clockPattern.FindAllStringSubmatch(text, -1) {
		hour, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		minute, err := strconv.Atoi(m[2])
		if err != nil || minute > 59 {
			continue
		}
		switch strings.ToLower(m[3]) {
		case "a":
			if hour < 1 || hour > 12 {
				continue
			}
			if hour == 12 {
				hour = 0
			}
		case "p":
			if hour < 1 || hour > 12 {
				continue
			}
			if hour != 12 {
				hour += 12
			}
		default:
			if hour > 23 {
				continue
			}
		}
		return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()), true
	}
	return time.Time{}, false
}

func judge(rule string, at, now time.Time, maxAge time.Duration) Verdict {
	age := absDuration(now.Sub(at))
	return Verdict{Fresh: age <= maxAge, Rule: rule, At: at, Age: age}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
