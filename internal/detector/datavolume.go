package detector

import (
	"context"
	"fmt"
	"time"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

// DataVolume detects abnormal transfer volume. Two independent conditions
// fire it: the candidate's cumulative byte volume in the period exceeds a
// multiple of the warm organization baseline for that category (relative
// deviation), or it exceeds the static absolute ceiling regardless of any
// baseline. The evidence reports which condition(s) triggered. A cold
// baseline disables only the relative check.
type DataVolume struct{}

// Kind implements Detector.
func (d *DataVolume) Kind() schema.DetectorKind {
	return schema.DetectorDataVolume
}

// Detect implements Detector.
func (d *DataVolume) Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error) {
	// Volume accumulates over one period, anchored at the newest event.
	// Older events belong to an earlier period and do not count toward
	// either ceiling.
	var newest time.Time
	for i := range c.Events {
		if c.Events[i].Timestamp.After(newest) {
			newest = c.Events[i].Timestamp
		}
	}
	cutoff := newest.Add(-cfg.DataVolume.Period)

	volumeByCategory := make(map[string]int64)
	var total int64
	for i := range c.Events {
		size := c.Events[i].Metadata.ByteSize
		if size <= 0 || c.Events[i].Timestamp.Before(cutoff) {
			continue
		}
		volumeByCategory[string(c.Events[i].EventType)] += size
		total += size
	}

	if total == 0 {
		return nil, bserrors.NewInsufficientData(string(d.Kind()), 1, 0)
	}

	var (
		triggered        []string
		relativeRatio    float64
		relativeCategory string
	)

	// Relative deviation against the warm baseline, per category.
	for category, bytes := range volumeByCategory {
		base, err := bl.VolumeBaseline(category)
		if err != nil {
			continue // cold baseline or no history: static check only
		}
		ratio := float64(bytes) / base
		if ratio >= cfg.DataVolume.RelativeMultiplier && ratio > relativeRatio {
			relativeRatio = ratio
			relativeCategory = category
		}
	}
	if relativeRatio > 0 {
		triggered = append(triggered, "relative_deviation")
	}

	// Absolute ceiling, independent of any baseline.
	absolute := total >= cfg.DataVolume.AbsoluteCeilingBytes
	if absolute {
		triggered = append(triggered, "absolute_critical")
	}

	if len(triggered) == 0 {
		return nil, nil
	}

	var score float64
	switch {
	case absolute && relativeRatio > 0:
		score = 100
	case absolute:
		score = 90
	default:
		// 70 at the multiplier, approaching 100 as the ratio doubles it.
		score = 70 + 30*(relativeRatio-cfg.DataVolume.RelativeMultiplier)/cfg.DataVolume.RelativeMultiplier
	}

	confidence := schema.ClampConfidence(score / 100 * 0.95)

	evidence := map[string]any{
		"triggered":         triggered,
		"total_bytes":       total,
		"absolute_ceiling":  cfg.DataVolume.AbsoluteCeilingBytes,
		"period":            cfg.DataVolume.Period.String(),
		"baseline_warm":     bl.Warm(),
		"summary":           fmt.Sprintf("%d bytes transferred (%v)", total, triggered),
	}
	if relativeRatio > 0 {
		evidence["relative_ratio"] = relativeRatio
		evidence["relative_category"] = relativeCategory
	}

	return newResult(d.Kind(), c.AutomationID, score, confidence, evidence), nil
}
