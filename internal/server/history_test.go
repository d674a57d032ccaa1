package server

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestHistory(t *testing.T) *HistoryDB {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryRecordsOutcome(t *testing.T) {
	h := openTestHistory(t)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }

	h.RecordStart("job1", "https://site.example/v/1")
	clock = clock.Add(42 * time.Second)
	h.RecordOutcome("job1", "streaming")

	records, total, err := h.Recent(10, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Fatalf("total = %d, records = %d", total, len(records))
	}
	r := records[0]
	if r.ID != "job1" || r.Outcome != "streaming" || r.Duration != 42 {
		t.Errorf("record = %+v", r)
	}
}

func TestHistoryStatsAggregates(t *testing.T) {
	h := openTestHistory(t)

	outcomes := map[string]string{
		"a": "streaming",
		"b": "streaming",
		"c": "direct_link",
		"d": "server_download",
		"e": "degraded",
		"f": "error",
	}
	for id, outcome := range outcomes {
		h.RecordStart(id, "https://site.example/"+id)
		h.RecordOutcome(id, outcome)
	}
	// A started-but-unfinished job counts only toward the total.
	h.RecordStart("g", "https://site.example/g")

	stats, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 7 {
		t.Errorf("Total = %d, want 7", stats.Total)
	}
	if stats.Streaming != 2 || stats.DirectLinks != 1 || stats.ServerDownloads != 1 ||
		stats.Degraded != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHistoryRecentPagination(t *testing.T) {
	h := openTestHistory(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }

	for _, id := range []string{"a", "b", "c"} {
		h.RecordStart(id, "https://site.example/"+id)
		h.RecordOutcome(id, "streaming")
		clock = clock.Add(time.Minute)
	}

	records, total, err := h.Recent(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(records) != 2 {
		t.Fatalf("total = %d, len = %d", total, len(records))
	}
	if records[0].ID != "c" {
		t.Errorf("newest first: got %q", records[0].ID)
	}

	records, _, err = h.Recent(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != "a" {
		t.Errorf("page 2 = %+v", records)
	}
}
