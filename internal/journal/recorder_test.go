package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jimbot/services/internal/events"
	"jimbot/services/internal/logging"
)

func testEvent(id string) *events.Event {
	return &events.Event{
		ID:        id,
		Type:      events.TypeMoneyChanged,
		Source:    "mod",
		Version:   1,
		Timestamp: 42,
		Payload:   events.MoneyChangedPayload{OldValue: 1, NewValue: 2, Difference: 1},
	}
}

func TestRecorderWritesReadableSegments(t *testing.T) {
	dir := t.TempDir()
	recorder, err := NewRecorder(Options{Dir: dir, SegmentBytes: 1 << 20, Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("new recorder failed: %v", err)
	}

	//1.- Record a handful of envelopes and seal the segment.
	for i := 0; i < 5; i++ {
		if _, err := recorder.Record(testEvent("evt")); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	//2.- The manifest names exactly one sealed segment.
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(manifest.Sealed) != 1 {
		t.Fatalf("expected one sealed segment, got %+v", manifest)
	}

	//3.- The sealed segment decodes back into envelopes.
	entries, err := ReadSegment(filepath.Join(dir, manifest.Sealed[0]))
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0]["type"] != "MONEY_CHANGED" || entries[0]["source"] != "mod" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
}

func TestRecorderRollsAtThreshold(t *testing.T) {
	dir := t.TempDir()
	recorder, err := NewRecorder(Options{Dir: dir, SegmentBytes: 256, Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("new recorder failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := recorder.Record(testEvent("evt")); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	stats := recorder.Stats()
	if stats.Segments < 2 {
		t.Fatalf("expected the segment to roll, got %+v", stats)
	}
	if stats.Events != 20 {
		t.Fatalf("expected 20 events, got %+v", stats)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestRecorderEnforcesRetention(t *testing.T) {
	dir := t.TempDir()
	recorder, err := NewRecorder(Options{
		Dir:          dir,
		SegmentBytes: 128,
		RetainBytes:  1,
		Clock:        func() time.Time { return time.Unix(1700000000, 0) },
		Logger:       logging.NewTestLogger(),
	})
	if err != nil {
		t.Fatalf("new recorder failed: %v", err)
	}
	for i := 0; i < 40; i++ {
		if _, err := recorder.Record(testEvent("evt")); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	//1.- A one byte budget keeps at most the newest sealed segment on disk.
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(manifest.Sealed) > 1 {
		t.Fatalf("retention did not evict old segments: %+v", manifest.Sealed)
	}
}

func TestRecorderRejectsMissingDir(t *testing.T) {
	if _, err := NewRecorder(Options{Dir: "  "}); err == nil {
		t.Fatalf("expected rejection of empty directory")
	}
}
