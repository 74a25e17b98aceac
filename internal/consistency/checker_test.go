package consistency

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/yanver/vistore/internal/record"
	"github.com/yanver/vistore/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", 5)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createItem(t *testing.T, s *storage.Store, id string, duration float64) {
	t.Helper()
	if err := s.CreateMediaItem(context.Background(), storage.MediaItem{ID: id, DurationSec: duration}); err != nil {
		t.Fatalf("CreateMediaItem: %v", err)
	}
}

func insertRecords(t *testing.T, s *storage.Store, records ...record.ContextRecord) {
	t.Helper()
	err := s.RunBatch(context.Background(), storage.DefaultRetryPolicy(), func(b *storage.Batch) error {
		for _, r := range records {
			if err := b.InsertRecord(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inserting records: %v", err)
	}
}

func frameAt(id string, ts float64) record.ContextRecord {
	return record.ContextRecord{
		ID: id, MediaItemID: "vid-1", Kind: record.KindFrame, Timestamp: &ts,
		Payload: []byte(fmt.Sprintf(`{"path":"/frames/%s.jpg","width":1280,"height":720}`, id)),
	}
}

func captionAt(id string, ts float64) record.ContextRecord {
	return record.ContextRecord{
		ID: id, MediaItemID: "vid-1", Kind: record.KindCaption, Timestamp: &ts,
		Payload: []byte(`{"text":"a scene"}`),
	}
}

func transcriptSeg(id string, start, end float64) record.ContextRecord {
	return record.ContextRecord{
		ID: id, MediaItemID: "vid-1", Kind: record.KindTranscript, Timestamp: &start,
		Payload: []byte(fmt.Sprintf(`{"start":%v,"end":%v,"text":"seg %s","confidence":0.9}`, start, end, id)),
	}
}

func checkNamed(t *testing.T, report *Report, name string) CheckResult {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in report: %+v", name, report.Checks)
	return CheckResult{}
}

func TestCleanItemPasses(t *testing.T) {
	s := openTestStore(t)
	createItem(t, s, "vid-1", 10)

	var records []record.ContextRecord
	for i := 0; i < 10; i++ {
		records = append(records,
			frameAt(fmt.Sprintf("f%02d", i), float64(i)),
			captionAt(fmt.Sprintf("c%02d", i), float64(i)))
	}
	insertRecords(t, s, records...)

	report, err := NewChecker(s, DefaultConfig()).CheckMediaItem(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("CheckMediaItem: %v", err)
	}
	if !report.Passed {
		t.Errorf("clean item failed: %+v", report.Checks)
	}
	if len(report.Recommendations) != 0 {
		t.Errorf("unexpected recommendations: %v", report.Recommendations)
	}
}

// TestOrderingInversionDetected stores 20 frames with one timestamp
// inversion mid-stream and expects the ordering check to name the first
// offending record.
func TestOrderingInversionDetected(t *testing.T) {
	s := openTestStore(t)
	createItem(t, s, "vid-1", 20)

	var records []record.ContextRecord
	for i := 0; i < 20; i++ {
		ts := float64(i)
		if i == 10 {
			ts = 5.0 // goes backwards
		}
		records = append(records, frameAt(fmt.Sprintf("f%02d", i), ts))
	}
	insertRecords(t, s, records...)

	report, err := NewChecker(s, DefaultConfig()).CheckMediaItem(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("CheckMediaItem: %v", err)
	}
	if report.Passed {
		t.Fatal("report passed despite inversion")
	}

	res := checkNamed(t, report, "timestamp_ordering_frame")
	if res.Passed {
		t.Fatal("ordering check passed despite inversion")
	}
	if len(res.Issues) != 1 || res.Issues[0].RecordID != "f10" {
		t.Errorf("issues = %+v, want single issue at f10", res.Issues)
	}
}

// TestCaptionDivergenceDetected stores 10 frames but only 2 captions,
// well past the 10% tolerance.
func TestCaptionDivergenceDetected(t *testing.T) {
	s := openTestStore(t)
	createItem(t, s, "vid-1", 10)

	var records []record.ContextRecord
	for i := 0; i < 10; i++ {
		records = append(records, frameAt(fmt.Sprintf("f%02d", i), float64(i)))
	}
	records = append(records, captionAt("c0", 0), captionAt("c1", 1))
	insertRecords(t, s, records...)

	report, err := NewChecker(s, DefaultConfig()).CheckMediaItem(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("CheckMediaItem: %v", err)
	}

	res := checkNamed(t, report, "caption_count")
	if res.Passed {
		t.Fatal("caption check passed despite divergence")
	}
	want := "expected ~10 captions (within 10% of frame count), found 2"
	if res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
}

func TestFrameCountBand(t *testing.T) {
	cfg := DefaultConfig()

	cases := []struct {
		name     string
		duration float64
		frames   int
		pass     bool
	}{
		{"exact", 20, 20, true},
		{"within band", 20, 16, true},
		{"boundary frame", 20, 21, true},
		{"too few", 20, 10, false},
		{"too many", 20, 40, false},
		{"unknown duration skipped", 0, 3, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := openTestStore(t)
			createItem(t, s, "vid-1", tc.duration)

			var records []record.ContextRecord
			for i := 0; i < tc.frames; i++ {
				records = append(records, frameAt(fmt.Sprintf("f%03d", i), float64(i)))
			}
			insertRecords(t, s, records...)

			report, err := NewChecker(s, cfg).CheckMediaItem(context.Background(), "vid-1")
			if err != nil {
				t.Fatalf("CheckMediaItem: %v", err)
			}
			res := checkNamed(t, report, "frame_count")
			if res.Passed != tc.pass {
				t.Errorf("frame_count passed = %v, want %v (%s)", res.Passed, tc.pass, res.Message)
			}
		})
	}
}

func TestTranscriptContinuity(t *testing.T) {
	t.Run("overlap fails", func(t *testing.T) {
		s := openTestStore(t)
		createItem(t, s, "vid-1", 0)
		insertRecords(t, s,
			transcriptSeg("t1", 0, 3),
			transcriptSeg("t2", 2.5, 5), // overlaps t1
		)

		report, err := NewChecker(s, DefaultConfig()).CheckMediaItem(context.Background(), "vid-1")
		if err != nil {
			t.Fatalf("CheckMediaItem: %v", err)
		}
		res := checkNamed(t, report, "transcript_continuity")
		if res.Passed {
			t.Fatal("continuity check passed despite overlap")
		}
		if len(res.Issues) != 1 || res.Issues[0].RecordID != "t2" {
			t.Errorf("issues = %+v, want overlap at t2", res.Issues)
		}
	})

	t.Run("gap surfaced but passes", func(t *testing.T) {
		s := openTestStore(t)
		createItem(t, s, "vid-1", 0)
		insertRecords(t, s,
			transcriptSeg("t1", 0, 2),
			transcriptSeg("t2", 7, 9), // 5s silence
		)

		report, err := NewChecker(s, DefaultConfig()).CheckMediaItem(context.Background(), "vid-1")
		if err != nil {
			t.Fatalf("CheckMediaItem: %v", err)
		}
		res := checkNamed(t, report, "transcript_continuity")
		if !res.Passed {
			t.Errorf("gap should not fail the check: %s", res.Message)
		}
		if len(res.Issues) != 1 {
			t.Errorf("issues = %+v, want the gap surfaced", res.Issues)
		}
	})
}

func TestPayloadIntegrityDetectsCorruption(t *testing.T) {
	s := openTestStore(t)
	createItem(t, s, "vid-1", 0)

	bad := frameAt("f1", 0)
	bad.Payload = []byte(`{"path": 42}`) // wrong type
	insertRecords(t, s, bad)

	report, err := NewChecker(s, DefaultConfig()).CheckMediaItem(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("CheckMediaItem: %v", err)
	}
	res := checkNamed(t, report, "payload_integrity")
	if res.Passed {
		t.Fatal("integrity check passed despite corrupt payload")
	}
	if len(res.Issues) != 1 || res.Issues[0].RecordID != "f1" {
		t.Errorf("issues = %+v, want corruption at f1", res.Issues)
	}
}

func TestRecommendationsNameTools(t *testing.T) {
	s := openTestStore(t)
	createItem(t, s, "vid-1", 10)

	// Frames fine, captions missing entirely.
	var records []record.ContextRecord
	for i := 0; i < 10; i++ {
		records = append(records, frameAt(fmt.Sprintf("f%02d", i), float64(i)))
	}
	insertRecords(t, s, records...)

	report, err := NewChecker(s, DefaultConfig()).CheckMediaItem(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("CheckMediaItem: %v", err)
	}
	if report.Passed {
		t.Fatal("expected caption_count failure")
	}
	found := false
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "caption") {
			found = true
		}
	}
	if !found {
		t.Errorf("recommendations %v do not name the caption tool", report.Recommendations)
	}
}
