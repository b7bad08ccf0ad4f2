package detector

import (
	"context"
	"fmt"
	"math"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

// TimingVariance detects machine-regular scheduling. Humans produce noisy
// inter-event intervals; cron jobs and polling loops produce near-constant
// ones. The detector computes the coefficient of variation (stddev/mean) of
// the gaps between consecutive events and fires when it falls below the
// configured ceiling.
type TimingVariance struct{}

// Kind implements Detector.
func (d *TimingVariance) Kind() schema.DetectorKind {
	return schema.DetectorTimingVariance
}

// Detect implements Detector.
func (d *TimingVariance) Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error) {
	if len(c.Events) < cfg.Timing.MinEvents {
		return nil, bserrors.NewInsufficientData(string(d.Kind()), cfg.Timing.MinEvents, len(c.Events))
	}

	events := sortedByTime(c.Events)
	span := observedSpan(events)
	if span < cfg.Timing.MinSpan {
		return nil, bserrors.NewInsufficientData(string(d.Kind()), cfg.Timing.MinEvents, len(events))
	}

	gaps := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		gaps = append(gaps, events[i].Timestamp.Sub(events[i-1].Timestamp).Seconds())
	}

	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		// All events at the same instant; velocity territory, not timing.
		return nil, nil
	}

	var variance float64
	for _, g := range gaps {
		diff := g - mean
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(len(gaps)))
	cv := stdDev / mean

	if cv >= cfg.Timing.MaxCV {
		return nil, nil
	}

	// CV of 0 (perfectly regular) scores 100; scores fall linearly to 0 at
	// the ceiling.
	score := 100 * (1 - cv/cfg.Timing.MaxCV)

	// More intervals mean more certainty that the regularity is real.
	confidence := schema.ClampConfidence(float64(len(gaps)) / 20.0)
	if confidence < 0.3 {
		confidence = 0.3
	}

	evidence := map[string]any{
		"coefficient_of_variation": cv,
		"mean_gap_seconds":         mean,
		"gap_stddev_seconds":       stdDev,
		"interval_count":           len(gaps),
		"max_cv":                   cfg.Timing.MaxCV,
		"summary": fmt.Sprintf("%d intervals averaging %.2fs with CV %.3f indicate scheduled execution",
			len(gaps), mean, cv),
	}

	return newResult(d.Kind(), c.AutomationID, score, confidence, evidence), nil
}
