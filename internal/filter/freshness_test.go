package filter

import (
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2025, time.November, 26, 13, 34, 20, 0, time.UTC)
}

func newUTCFreshness(maxAge time.Duration) *Freshness {
	return NewFreshness(FreshnessOptions{MaxAge: maxAge, Location: time.UTC})
}

func TestFreshnessBoundary(t *testing.T) {
	f := newUTCFreshness(10 * time.Second)
	now := fixedNow()

	if !f.IsFresh("2025-11-26T13:34:10Z", now, 10) {
		t.Fatal("timestamp exactly at the window edge should be fresh")
	}
	if f.IsFresh("2025-11-26T13:34:09Z", now, 10) {
		t.Fatal("timestamp one second past the window should be stale")
	}
}

func TestFreshnessMarkers(t *testing.T) {
	f := newUTCFreshness(10 * time.Second)
	now := fixedNow()

	for _, raw := range []string{"Just now", "Today at 13:34", "today at 1:34 PM"} {
		v := f.Evaluate(raw, now)
		if !v.Fresh || v.Rule != RuleMarker {
			t.Fatalf("%q: expected marker verdict, got %+v", raw, v)
		}
	}

	v := f.Evaluate("Today at 13:30", now)
	if want := time.Date(2025, time.November, 26, 13, 30, 0, 0, time.UTC); !v.At.Equal(want) {
		t.Fatalf("marker should resolve embedded clock, got %s", v.At)
	}
}

func TestFreshnessCalendarParse(t *testing.T) {
	f := newUTCFreshness(time.Minute)
	now := fixedNow()

	cases := map[string]bool{
		"Wednesday, 26 November 2025 at 13:34":    true,
		"Wednesday, November 26, 2025 at 1:34 PM": true,
		"26/11/2025 13:34":                        true,
		"Tuesday, 25 November 2025 at 13:34":      false,
		"2025-11-26 13:20:00":                     false,
	}
	for raw, want := range cases {
		v := f.Evaluate(raw, now)
		if v.Rule != RuleCalendar {
			t.Fatalf("%q: expected calendar rule, got %s", raw, v.Rule)
		}
		if v.Fresh != want {
			t.Fatalf("%q: fresh=%v, want %v (age %s)", raw, v.Fresh, want, v.Age)
		}
	}
}

func TestFreshnessClockFallback(t *testing.T) {
	f := newUTCFreshness(time.Minute)
	now := fixedNow()

	v := f.Evaluate("13:34", now)
	if !v.Fresh || v.Rule != RuleClock {
		t.Fatalf("bare clock within window should be fresh, got %+v", v)
	}

	v = f.Evaluate("1:34 PM", now)
	if !v.Fresh {
		t.Fatalf("12-hour clock within window should be fresh, got %+v", v)
	}

	v = f.Evaluate("13:00", now)
	if v.Fresh {
		t.Fatalf("clock half an hour old should be stale, got %+v", v)
	}
}

func TestFreshnessCrossMidnight(t *testing.T) {
	f := newUTCFreshness(2 * time.Minute)
	now := time.Date(2025, time.November, 27, 0, 0, 30, 0, time.UTC)

	v := f.Evaluate("23:59", now)
	if !v.Fresh {
		t.Fatalf("clock just before midnight should map to previous day, got %+v", v)
	}
	if v.At.Day() != 26 {
		t.Fatalf("expected previous day, got %s", v.At)
	}

	v = f.Evaluate("Yesterday at 00:00", now)
	if v.Fresh {
		t.Fatalf("yesterday marker must subtract a day, got %+v", v)
	}
}

func TestFreshnessUnparseableIsStale(t *testing.T) {
	f := newUTCFreshness(time.Hour)
	now := fixedNow()

	for _, raw := range []string{"", "   ", "a while ago", "99:99"} {
		v := f.Evaluate(raw, now)
		if v.Fresh || v.Rule != RuleUnparseable {
			t.Fatalf("%q: expected unparseable stale verdict, got %+v", raw, v)
		}
	}
}

func TestFreshnessDatedTextKeepsItsDate(t *testing.T) {
	f := newUTCFreshness(10 * time.Second)
	now := time.Date(2025, time.November, 26, 13, 34, 5, 0, time.UTC)

	for _, raw := range []string{
		"Tuesday, 25 November 2025 at 13:34:00",
		"11/25/2025 13:34",
		"25 Nov 2025 13:34",
		"Nov 25, 2025 1:34 PM",
		"2025/11/25 13:34",
		"Monday, 1 January 2024 at 13:34",
		"Tuesday 13:34",
		"Nov 25th, around 13:34",
	} {
		v := f.Evaluate(raw, now)
		if v.Fresh {
			t.Fatalf("%q: a message from another day must not be fresh, got %+v", raw, v)
		}
		if v.Rule == RuleClock {
			t.Fatalf("%q: dated text must not fall back to today's clock, got %+v", raw, v)
		}
	}

	v := f.Evaluate("Tuesday, 25 November 2025 at 13:34:00", now)
	if want := time.Date(2025, time.November, 25, 13, 34, 0, 0, time.UTC); v.Rule != RuleCalendar || !v.At.Equal(want) {
		t.Fatalf("expected calendar parse at %s, got %+v", want, v)
	}
}

func TestFreshnessDatedTextSameDay(t *testing.T) {
	f := newUTCFreshness(time.Minute)
	now := fixedNow()

	for _, raw := range []string{"11/26/2025 13:34", "2025/11/26 13:34"} {
		v := f.Evaluate(raw, now)
		if !v.Fresh || v.Rule != RuleCalendar {
			t.Fatalf("%q: same-day dated text should parse as fresh, got %+v", raw, v)
		}
	}
}
