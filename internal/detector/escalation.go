package detector

import (
	"context"
	"fmt"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

// permissionRank is the fixed ordinal permission scale.
var permissionRank = map[string]int{
	"read":  1,
	"write": 2,
	"admin": 3,
	"owner": 4,
}

// PermissionEscalation detects actors accumulating privilege. It walks the
// candidate's permission_change events in timestamp order and counts
// strictly-increasing level transitions inside the lookback window. The
// evidence distinguishes gradual escalation (single-level steps) from
// jumps (a step crossing two or more levels); both are reportable.
type PermissionEscalation struct{}

// Kind implements Detector.
func (d *PermissionEscalation) Kind() schema.DetectorKind {
	return schema.DetectorEscalation
}

// Detect implements Detector.
func (d *PermissionEscalation) Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error) {
	events := sortedByTime(c.Events)

	type change struct {
		event *schema.Event
		rank  int
	}
	var changes []change
	for i := range events {
		e := &events[i]
		if e.EventType != schema.EventPermissionChange {
			continue
		}
		rank, ok := permissionRank[e.Metadata.PermissionLevel]
		if !ok {
			continue
		}
		changes = append(changes, change{event: e, rank: rank})
	}

	if len(changes) < 2 {
		return nil, bserrors.NewInsufficientData(string(d.Kind()), 2, len(changes))
	}

	var (
		escalations int
		gradual     int
		jumps       int
		steps       []string
		maxRank     int
	)

	for i := 1; i < len(changes); i++ {
		prev, cur := changes[i-1], changes[i]
		if cur.event.Timestamp.Sub(prev.event.Timestamp) > cfg.Escalation.Lookback {
			continue
		}
		if cur.rank <= prev.rank {
			continue
		}

		escalations++
		delta := cur.rank - prev.rank
		if delta >= 2 {
			jumps++
		} else {
			gradual++
		}
		steps = append(steps, fmt.Sprintf("%s->%s",
			prev.event.Metadata.PermissionLevel, cur.event.Metadata.PermissionLevel))
		if cur.rank > maxRank {
			maxRank = cur.rank
		}
	}

	if escalations < cfg.Escalation.MinEscalations {
		return nil, nil
	}

	// Severity grows with how far up the scale the actor climbed and how
	// many escalation steps occurred.
	score := 50 + 12.5*float64(maxRank) + 5*float64(escalations-cfg.Escalation.MinEscalations)
	confidence := schema.ClampConfidence(0.5 + 0.15*float64(escalations))

	evidence := map[string]any{
		"escalations":         escalations,
		"gradual_steps":       gradual,
		"jump_steps":          jumps,
		"steps":               steps,
		"highest_level":       levelName(maxRank),
		"lookback":            cfg.Escalation.Lookback.String(),
		"pattern":             patternName(gradual, jumps),
		"summary": fmt.Sprintf("%d permission escalations within %v reaching %s",
			escalations, cfg.Escalation.Lookback, levelName(maxRank)),
	}

	return newResult(d.Kind(), c.AutomationID, score, confidence, evidence), nil
}

func levelName(rank int) string {
	for name, r := range permissionRank {
		if r == rank {
			return name
		}
	}
	return "unknown"
}

func patternName(gradual, jumps int) string {
	switch {
	case jumps > 0 && gradual > 0:
		return "mixed"
	case jumps > 0:
		return "jump"
	default:
		return "gradual"
	}
}
