package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signalrelay/internal/config"
	"signalrelay/internal/message"
	"signalrelay/internal/storage"
)

func testApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Relay:  config.RelayConfig{MaxBatchSize: 10, MaxAge: 10 * time.Second, DeliveryEnabled: true},
		Filter: config.FilterConfig{MinLength: 20, Timezone: "UTC"},
		State: config.StateConfig{
			CheckpointPath: filepath.Join(dir, "monitor_state.json"),
			LogPath:        filepath.Join(dir, "monitored_messages.json"),
		},
		Delivery: config.DeliveryConfig{Kind: config.DeliveryWebhook, Timeout: time.Second},
		Export:   config.ExportConfig{MaxDataPoints: 100},
	}
	return NewApp(cfg, zerolog.Nop())
}

type webhookRecorder struct {
	mu       sync.Mutex
	contents []string
}

func (w *webhookRecorder) handler(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var payload struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(body, &payload)
	w.mu.Lock()
	w.contents = append(w.contents, payload.Content)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func TestReplayPostsArchivedRecords(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	a := testApp(t)
	a.Config.Delivery.Webhook.URL = srv.URL
	a.Config.Replay = config.ReplayConfig{PauseEvery: 2, Pause: time.Millisecond}

	records := []message.ProcessedRecord{
		{ID: "1", Author: "alice", RawTimestamp: "13:30", Content: "first"},
		{ID: "2", Author: "bob", RawTimestamp: "13:31", Content: "second"},
		{ID: "3", Author: "carol", RawTimestamp: "13:32", Content: "third"},
	}
	path := filepath.Join(t.TempDir(), "export.json")
	data, _ := json.Marshal(records)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	summary, err := a.Replay(context.Background(), ReplayOptions{File: path, Limit: 2})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if summary.Posted != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(rec.contents) != 2 || rec.contents[0] != "**[13:30] alice:**\nfirst" {
		t.Fatalf("unexpected posts: %q", rec.contents)
	}
}

func TestReplayRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := testApp(t).Replay(context.Background(), ReplayOptions{File: path}); err == nil {
		t.Fatal("expected error for empty replay file")
	}
}

func TestShowFallsBackToRecordLog(t *testing.T) {
	a := testApp(t)
	store := a.newFingerprintStore(nil)
	base := time.Date(2025, time.November, 26, 13, 0, 0, 0, time.UTC)
	store.PersistRecords(context.Background(), []message.CanonicalSignal{
		{ID: "1", Record: message.ProcessedRecord{ID: "1", Content: "Ticker: SPY\nEntry: 1.10", ObservedAt: base}},
		{ID: "2", Record: message.ProcessedRecord{ID: "2", Content: "Ticker: QQQ\nEntry: 2.20", ObservedAt: base.Add(time.Minute)}},
	})

	rows, err := a.recentRows(context.Background(), 1)
	if err != nil {
		t.Fatalf("recent rows: %v", err)
	}
	if len(rows) != 1 || rows[0].MessageID != "2" || rows[0].Ticker != "QQQ" {
		t.Fatalf("expected newest row from the log, got %+v", rows)
	}

	var out bytes.Buffer
	if err := writeRowsTable(&out, rows); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "QQQ") || !strings.Contains(out.String(), "pending") {
		t.Fatalf("unexpected table:\n%s", out.String())
	}
}

func TestHourlyCountsFillsGaps(t *testing.T) {
	base := time.Date(2025, time.November, 26, 13, 10, 0, 0, time.UTC)
	rows := []storage.SignalRow{
		{ObservedAt: base},
		{ObservedAt: base.Add(5 * time.Minute)},
		{ObservedAt: base.Add(2 * time.Hour)},
	}
	got := hourlyCounts(rows)
	if len(got) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(got))
	}
	if got[0].Count != 2 || got[1].Count != 0 || got[2].Count != 1 {
		t.Fatalf("unexpected counts %+v", got)
	}

	single := hourlyCounts(rows[:1])
	if len(single) != 2 {
		t.Fatalf("single hour should be padded to two buckets, got %d", len(single))
	}
}

func TestDownsampleKeepsEnds(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	got := downsample(items, 4)
	if len(got) != 4 || got[0] != 0 || got[3] != 9 {
		t.Fatalf("unexpected downsample %v", got)
	}
	if len(downsample(items, 0)) != len(items) {
		t.Fatal("zero max should keep everything")
	}
}

func TestExportWritesCSVFromLog(t *testing.T) {
	a := testApp(t)
	observed := time.Now().UTC().Add(-time.Hour)
	a.newFingerprintStore(nil).PersistRecords(context.Background(), []message.CanonicalSignal{
		{ID: "1", Record: message.ProcessedRecord{ID: "1", Content: "Ticker: SPY\nEntry: 1.10", ObservedAt: observed}},
	})

	csvPath := filepath.Join(t.TempDir(), "out", "signals.csv")
	if err := a.Export(context.Background(), ExportOptions{CSVPath: csvPath}); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "SPY") || !strings.Contains(lines[1], "1.10") {
		t.Fatalf("unexpected csv:\n%s", data)
	}
}
