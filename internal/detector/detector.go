// Package detector implements the pattern detectors of the automation
// discovery engine. Each detector is a pure scoring function over one
// automation candidate's events: identical inputs and configuration always
// produce identical results, and no detector holds mutable state across
// calls.
package detector

import (
	"context"
	"sort"
	"time"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	"botsentry/internal/schema"
)

// Detector is a pure scoring function over one candidate's events.
// Detect returns (nil, nil) or (nil, *InsufficientDataError) when the
// candidate gives it nothing to say; a non-nil result is a finding.
type Detector interface {
	Kind() schema.DetectorKind
	Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error)
}

// All returns the full detector set in its canonical order. The order is
// part of the engine's determinism contract: the orchestrator runs and
// aggregates detectors in this order.
func All(catalog SignatureCatalog, weights *config.WeightTable) []Detector {
	return []Detector{
		&Velocity{},
		&TimingVariance{},
		&BatchOperation{},
		&OffHours{},
		NewSignatureMatch(catalog, weights),
		&PermissionEscalation{},
		&DataVolume{},
	}
}

// sortedByTime returns a timestamp-ordered copy of events, leaving the
// caller's slice untouched. Ties break on EventID so ordering is total.
func sortedByTime(events []schema.Event) []schema.Event {
	out := make([]schema.Event, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].EventID.String() < out[j].EventID.String()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// observedSpan returns the duration between the earliest and latest event.
func observedSpan(events []schema.Event) time.Duration {
	if len(events) == 0 {
		return 0
	}
	minT, maxT := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(minT) {
			minT = e.Timestamp
		}
		if e.Timestamp.After(maxT) {
			maxT = e.Timestamp
		}
	}
	return maxT.Sub(minT)
}

// newResult builds a clamped DetectionResult.
func newResult(kind schema.DetectorKind, automationID string, score, confidence float64, evidence map[string]any) *schema.DetectionResult {
	return &schema.DetectionResult{
		AutomationID: automationID,
		Detector:     kind,
		Score:        schema.ClampScore(score),
		Confidence:   schema.ClampConfidence(confidence),
		Evidence:     evidence,
		ProducedAt:   time.Now().UTC(),
	}
}
