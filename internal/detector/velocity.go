package detector

import (
	"context"
	"fmt"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

// Velocity detects event rates no human could sustain. Events are grouped
// by action kind; each group's rate over the observed span is compared
// against the per-kind human ceiling and the automation floor. The score
// scales linearly between the automation floor and the critical ceiling,
// saturating at 100.
//
// When a warm baseline exists, an observed rate within the organization's
// learned normal band (mean + 2 sigma) is not flagged even above the static
// floor, so an org whose routine automation runs at 5/sec is not re-flagged
// every batch.
type Velocity struct{}

// Kind implements Detector.
func (d *Velocity) Kind() schema.DetectorKind {
	return schema.DetectorVelocity
}

// Detect implements Detector. Zero-duration spans and single-event groups
// produce no result, not an error.
func (d *Velocity) Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error) {
	if len(c.Events) < 2 {
		return nil, bserrors.NewInsufficientData(string(d.Kind()), 2, len(c.Events))
	}

	byKind := make(map[schema.EventType][]schema.Event)
	for _, e := range c.Events {
		byKind[e.EventType] = append(byKind[e.EventType], e)
	}

	var (
		topScore    float64
		topKind     schema.EventType
		topVelocity float64
		topCount    int
	)

	for kind, group := range byKind {
		if len(group) < 2 {
			continue
		}
		span := observedSpan(group)
		if span <= 0 {
			continue
		}

		velocity := float64(len(group)) / span.Seconds()

		ceiling, ok := cfg.Velocity.HumanCeilings[kind]
		if !ok {
			ceiling = cfg.Velocity.DefaultHumanCeiling
		}
		if velocity <= ceiling {
			continue
		}

		// Within the org's learned normal band: not an anomaly.
		if stats, err := bl.NormalVelocity(); err == nil {
			if velocity <= stats.Mean+2*stats.StdDev {
				continue
			}
		}

		score := scoreBetween(velocity, cfg.Velocity.AutomationFloor, cfg.Velocity.CriticalCeiling)
		if score > topScore {
			topScore = score
			topKind = kind
			topVelocity = velocity
			topCount = len(group)
		}
	}

	if topScore <= 0 {
		return nil, nil
	}

	confidence := schema.ClampConfidence(topScore * 1.2 / 100)
	evidence := map[string]any{
		"event_type":        string(topKind),
		"events_per_second": topVelocity,
		"event_count":       topCount,
		"automation_floor":  cfg.Velocity.AutomationFloor,
		"critical_ceiling":  cfg.Velocity.CriticalCeiling,
		"baseline_warm":     bl.Warm(),
		"summary": fmt.Sprintf("%d %s events at %.2f/sec exceeds automation floor %.2f/sec",
			topCount, topKind, topVelocity, cfg.Velocity.AutomationFloor),
	}

	return newResult(d.Kind(), c.AutomationID, topScore, confidence, evidence), nil
}

// scoreBetween maps velocity linearly onto [0,100] between floor and
// ceiling; below floor contributes a proportional sub-floor score so the
// score stays monotonically non-decreasing in velocity.
func scoreBetween(velocity, floor, ceiling float64) float64 {
	if velocity >= ceiling {
		return 100
	}
	if velocity >= floor {
		// 70 at the floor, 100 at the ceiling.
		return 70 + 30*(velocity-floor)/(ceiling-floor)
	}
	// Above the human ceiling but below the automation floor: scale up to 70.
	return 70 * velocity / floor
}
