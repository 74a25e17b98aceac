// Package consistency audits the stored data for a media item after
// the fact. It runs read-only, never blocks ingestion, and never
// auto-repairs: defects are reported with remediation recommendations.
package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/yanver/vistore/internal/record"
	"github.com/yanver/vistore/internal/storage"
)

// Config carries the policy tolerances. The values are operational
// defaults, not invariants; see DefaultConfig.
type Config struct {
	// SamplingIntervalSec is the configured frame extraction interval
	// used to derive the expected frame count from media duration.
	SamplingIntervalSec float64
	// FrameCountTolerance is the accepted relative deviation between
	// expected and actual frame count.
	FrameCountTolerance float64
	// CaptionTolerance is the accepted relative deviation between
	// caption count and frame count.
	CaptionTolerance float64
	// GapThresholdSec is the transcript gap size worth surfacing.
	GapThresholdSec float64
}

// DefaultConfig returns the standard tolerances: 1s sampling, 25% frame
// count band, 10% caption divergence, 2s transcript gaps.
func DefaultConfig() Config {
	return Config{
		SamplingIntervalSec: 1.0,
		FrameCountTolerance: 0.25,
		CaptionTolerance:    0.10,
		GapThresholdSec:     2.0,
	}
}

// Issue points at a concrete defect found by a check.
type Issue struct {
	RecordID string `json:"record_id,omitempty"`
	Detail   string `json:"detail"`
}

// CheckResult is one independently pass/fail check.
type CheckResult struct {
	Name    string  `json:"name"`
	Passed  bool    `json:"passed"`
	Message string  `json:"message"`
	Issues  []Issue `json:"issues,omitempty"`
}

// Report aggregates every check for a media item.
type Report struct {
	MediaItemID     string        `json:"media_item_id"`
	CheckedAt       time.Time     `json:"checked_at"`
	Passed          bool          `json:"passed"`
	Checks          []CheckResult `json:"checks"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// Checker runs the post-write audits.
type Checker struct {
	store  *storage.Store
	cfg    Config
	logger *slog.Logger
}

// NewChecker creates a Checker with the given tolerances.
func NewChecker(store *storage.Store, cfg Config) *Checker {
	if cfg.SamplingIntervalSec <= 0 {
		cfg = DefaultConfig()
	}
	return &Checker{store: store, cfg: cfg, logger: slog.Default()}
}

// CheckMediaItem runs every check for the item and aggregates the
// results. Individual check failures become report entries, not
// errors; an error return means the audit itself could not run.
func (c *Checker) CheckMediaItem(ctx context.Context, mediaItemID string) (*Report, error) {
	item, err := c.store.GetMediaItem(ctx, mediaItemID)
	if err != nil {
		return nil, fmt.Errorf("loading media item %s: %w", mediaItemID, err)
	}

	counts, err := c.store.CountRecordsByKind(ctx, mediaItemID)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}

	report := &Report{
		MediaItemID: mediaItemID,
		CheckedAt:   time.Now().UTC(),
		Passed:      true,
	}

	report.add(c.checkFrameCount(item, counts[record.KindFrame]), "reprocess with the frame extraction tool")
	report.add(c.checkCaptionCount(counts[record.KindFrame], counts[record.KindCaption]), "reprocess with the caption tool")

	for _, kind := range record.Kinds {
		if !kind.Ordered() || counts[kind] == 0 {
			continue
		}
		res, err := c.checkTimestampOrdering(ctx, mediaItemID, kind)
		if err != nil {
			return nil, err
		}
		report.add(res, fmt.Sprintf("re-sort or reprocess %s records", kind))
	}

	integrity, err := c.checkPayloadIntegrity(ctx, mediaItemID)
	if err != nil {
		return nil, err
	}
	report.add(integrity, "reprocess the records with malformed payloads")

	continuity, err := c.checkTranscriptContinuity(ctx, mediaItemID)
	if err != nil {
		return nil, err
	}
	report.add(continuity, "reprocess with the transcription tool")

	return report, nil
}

// add appends the result and, when it failed, the matching
// recommendation.
func (r *Report) add(res CheckResult, recommendation string) {
	r.Checks = append(r.Checks, res)
	if !res.Passed {
		r.Passed = false
		r.Recommendations = append(r.Recommendations, recommendation)
	}
}

// checkFrameCount compares the stored frame count against the count
// implied by media duration and the sampling interval, within a
// tolerance band. Extraction policies vary, so this is plausibility,
// not equality.
func (c *Checker) checkFrameCount(item storage.MediaItem, frames int) CheckResult {
	res := CheckResult{Name: "frame_count", Passed: true}
	if item.DurationSec <= 0 {
		res.Message = "media duration unknown, check skipped"
		return res
	}

	expected := item.DurationSec / c.cfg.SamplingIntervalSec
	lo := expected * (1 - c.cfg.FrameCountTolerance)
	hi := expected*(1+c.cfg.FrameCountTolerance) + 1 // extraction may emit a final boundary frame

	if float64(frames) < lo || float64(frames) > hi {
		res.Passed = false
		res.Message = fmt.Sprintf("expected ~%d frames for %.1fs at %.1fs intervals, found %d",
			int(math.Round(expected)), item.DurationSec, c.cfg.SamplingIntervalSec, frames)
		return res
	}
	res.Message = fmt.Sprintf("%d frames within expected band", frames)
	return res
}

// checkCaptionCount verifies captions track frames within the
// configured tolerance; a large divergence flags a processing gap.
func (c *Checker) checkCaptionCount(frames, captions int) CheckResult {
	res := CheckResult{Name: "caption_count", Passed: true}
	if frames == 0 {
		res.Message = "no frames stored, check skipped"
		return res
	}

	divergence := math.Abs(float64(captions-frames)) / float64(frames)
	if divergence > c.cfg.CaptionTolerance {
		res.Passed = false
		res.Message = fmt.Sprintf("expected ~%d captions (within %.0f%% of frame count), found %d",
			frames, c.cfg.CaptionTolerance*100, captions)
		return res
	}
	res.Message = fmt.Sprintf("%d captions for %d frames", captions, frames)
	return res
}

// checkTimestampOrdering scans the records in stored order and reports
// the first inversion found.
func (c *Checker) checkTimestampOrdering(ctx context.Context, mediaItemID string, kind record.Kind) (CheckResult, error) {
	res := CheckResult{Name: "timestamp_ordering_" + string(kind), Passed: true}

	records, err := c.store.ListRecordsInsertOrder(ctx, mediaItemID, kind)
	if err != nil {
		return res, fmt.Errorf("listing %s records: %w", kind, err)
	}

	var prev *float64
	for _, r := range records {
		if r.Timestamp == nil {
			continue
		}
		if prev != nil && *r.Timestamp < *prev {
			res.Passed = false
			res.Message = fmt.Sprintf("first inversion at record %s: timestamp %v after %v", r.ID, *r.Timestamp, *prev)
			res.Issues = append(res.Issues, Issue{
				RecordID: r.ID,
				Detail:   fmt.Sprintf("timestamp %v is earlier than preceding %v", *r.Timestamp, *prev),
			})
			return res, nil
		}
		prev = r.Timestamp
	}
	res.Message = fmt.Sprintf("%d %s records in order", len(records), kind)
	return res, nil
}

// checkPayloadIntegrity verifies every stored payload still
// deserializes into its kind's shape.
func (c *Checker) checkPayloadIntegrity(ctx context.Context, mediaItemID string) (CheckResult, error) {
	res := CheckResult{Name: "payload_integrity", Passed: true}

	total := 0
	for _, kind := range record.Kinds {
		records, err := c.store.ListRecordsInsertOrder(ctx, mediaItemID, kind)
		if err != nil {
			return res, fmt.Errorf("listing %s records: %w", kind, err)
		}
		total += len(records)
		for _, r := range records {
			if _, err := record.DecodePayload(kind, r.Payload); err != nil {
				res.Passed = false
				res.Issues = append(res.Issues, Issue{RecordID: r.ID, Detail: err.Error()})
			}
		}
	}

	if !res.Passed {
		res.Message = fmt.Sprintf("%d record(s) with corrupt payloads", len(res.Issues))
	} else {
		res.Message = fmt.Sprintf("%d payloads intact", total)
	}
	return res, nil
}

// checkTranscriptContinuity surfaces overlapping segments and gaps
// beyond the threshold. Gaps are surfaced, not necessarily errors, but
// an overlap fails the check.
func (c *Checker) checkTranscriptContinuity(ctx context.Context, mediaItemID string) (CheckResult, error) {
	res := CheckResult{Name: "transcript_continuity", Passed: true}

	records, err := c.store.ListRecordsInsertOrder(ctx, mediaItemID, record.KindTranscript)
	if err != nil {
		return res, fmt.Errorf("listing transcript records: %w", err)
	}
	if len(records) == 0 {
		res.Message = "no transcript segments stored"
		return res, nil
	}

	type segment struct {
		id         string
		start, end float64
	}
	segments := make([]segment, 0, len(records))
	for _, r := range records {
		payload, err := record.DecodePayload(record.KindTranscript, r.Payload)
		if err != nil {
			continue // payload_integrity reports these
		}
		p := payload.(*record.TranscriptPayload)
		segments = append(segments, segment{id: r.ID, start: p.Start, end: p.End})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].start < segments[j].start })

	overlaps := 0
	for i := 1; i < len(segments); i++ {
		prev, cur := segments[i-1], segments[i]
		if cur.start < prev.end {
			overlaps++
			res.Issues = append(res.Issues, Issue{
				RecordID: cur.id,
				Detail:   fmt.Sprintf("segment [%.2f, %.2f] overlaps previous ending at %.2f", cur.start, cur.end, prev.end),
			})
		} else if gap := cur.start - prev.end; gap > c.cfg.GapThresholdSec {
			res.Issues = append(res.Issues, Issue{
				RecordID: cur.id,
				Detail:   fmt.Sprintf("gap of %.2fs before segment starting at %.2f", gap, cur.start),
			})
		}
	}

	if overlaps > 0 {
		res.Passed = false
		res.Message = fmt.Sprintf("%d overlapping segment(s)", overlaps)
	} else if len(res.Issues) > 0 {
		res.Message = fmt.Sprintf("%d gap(s) beyond %.1fs surfaced", len(res.Issues), c.cfg.GapThresholdSec)
	} else {
		res.Message = fmt.Sprintf("%d segments continuous", len(segments))
	}
	return res, nil
}

// RunPeriodic audits every media item at the given interval until ctx
// is cancelled. Failures are logged and the sweep continues; the
// checker is safely abandonable at any point.
func (c *Checker) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := c.store.MediaItemIDs(ctx)
		if err != nil {
			c.logger.Error("consistency sweep failed to list media items", "error", err)
			continue
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}
			report, err := c.CheckMediaItem(ctx, id)
			if err != nil {
				c.logger.Error("consistency check failed", "media_item_id", id, "error", err)
				continue
			}
			if !report.Passed {
				c.logger.Warn("consistency defects found",
					"media_item_id", id, "recommendations", report.Recommendations)
			}
		}
	}
}
