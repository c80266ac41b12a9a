package transform

import (
	"reflect"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"signalrelay/internal/message"
)

func TestTransformExtractsFields(t *testing.T) {
	tr := New(Options{})
	rec := message.ProcessedRecord{
		ID:      "1",
		Content: "> Ticker : AAPL\n> Entry : 150.25\n> Expiry : 2025-12-19\n> Strike : 155C\n========\ndiscord.gg/abc",
	}

	sig := tr.Transform(rec)

	want := map[string]string{"ticker": "AAPL", "entry": "150.25", "expiry": "2025-12-19", "strike": "155C"}
	if !reflect.DeepEqual(sig.Fields, want) {
		t.Fatalf("fields mismatch: got %#v", sig.Fields)
	}
	if sig.Status != message.StatusPending {
		t.Fatalf("new signal should be pending, got %s", sig.Status)
	}
	if !sig.EntryPrice.Valid || !sig.EntryPrice.Decimal.Equal(decimal.RequireFromString("150.25")) {
		t.Fatalf("entry price not parsed: %+v", sig.EntryPrice)
	}
	for _, v := range sig.Fields {
		if strings.Contains(v, "=") || strings.Contains(v, "discord.gg") {
			t.Fatalf("divider or invite leaked into field value %q", v)
		}
	}
}

func TestTransformMissingFieldsKeepTemplateShape(t *testing.T) {
	tr := New(Options{})
	sig := tr.Transform(message.ProcessedRecord{ID: "2", Content: "Oculus Trading Signal\n> Ticker: TSLA"})

	for _, k := range message.FieldKeys {
		if _, ok := sig.Fields[k]; !ok {
			t.Fatalf("field %s must be present", k)
		}
	}
	if sig.Fields["strike"] != "" {
		t.Fatalf("missing field should default to empty, got %q", sig.Fields["strike"])
	}

	want := strings.Join([]string{
		"@everyone",
		"***SULTAN TRADING SIGNAL:***",
		"",
		"> Ticker : TSLA",
		"> Entry : ",
		"> Expiry : ",
		"> Strike :",
	}, "\n")
	if sig.RenderedContent != want {
		t.Fatalf("rendered content mismatch:\n%s", sig.RenderedContent)
	}
	if sig.EntryPrice.Valid {
		t.Fatal("entry price should be null when entry is empty")
	}
}

func TestTransformLastMatchWins(t *testing.T) {
	tr := New(Options{Mention: "@here", Title: "NEW SIGNAL"})
	sig := tr.Transform(message.ProcessedRecord{Content: "Ticker: SPY\nticker：QQQ\nEntry: $4.10 - 4.30"})

	if sig.Fields["ticker"] != "QQQ" {
		t.Fatalf("last ticker should win, got %q", sig.Fields["ticker"])
	}
	if !strings.HasPrefix(sig.RenderedContent, "@here\nNEW SIGNAL\n") {
		t.Fatalf("custom mention/title not applied: %q", sig.RenderedContent)
	}
	if !sig.EntryPrice.Decimal.Equal(decimal.RequireFromString("4.10")) {
		t.Fatalf("entry price should take first number, got %s", sig.EntryPrice.Decimal)
	}
}

func TestCleanLines(t *testing.T) {
	tr := New(Options{})
	lines := tr.CleanLines("OCULUS   trading SIGNAL\n\n> Ticker: AMD\n-----\n~~~~\nhttps://discord.gg/xyz\n=\n==\nnotes")

	want := []string{"", "> Ticker: AMD", "notes"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("clean lines mismatch: %#v", lines)
	}
}

func TestFormatArchived(t *testing.T) {
	out := FormatArchived(message.ProcessedRecord{
		Author:       "trader",
		RawTimestamp: "Today at 13:34",
		Content:      "hello",
		Attachments:  []message.Attachment{{URL: "https://cdn/x.png", Name: "x.png"}},
		Embeds:       []message.Embed{{Title: "Chart"}},
	})

	for _, part := range []string{"**[Today at 13:34] trader:**\nhello", "- x.png: https://cdn/x.png", "- **Chart**: No Description\n  URL: No URL"} {
		if !strings.Contains(out, part) {
			t.Fatalf("archived output missing %q:\n%s", part, out)
		}
	}
}
