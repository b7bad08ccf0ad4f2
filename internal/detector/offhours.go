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

// OffHours detects activity concentrated outside the organization's
// business hours. Each event is classified against the configured
// timezone-aware window; classification uses the event's local wall-clock
// time so day boundaries and DST transitions never misclassify. The
// off-hours fraction is invariant under event reordering.
type OffHours struct{}

// Kind implements Detector.
func (d *OffHours) Kind() schema.DetectorKind {
	return schema.DetectorOffHours
}

// Detect implements Detector.
func (d *OffHours) Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error) {
	if len(c.Events) < cfg.OffHours.MinEvents {
		return nil, bserrors.NewInsufficientData(string(d.Kind()), cfg.OffHours.MinEvents, len(c.Events))
	}

	loc, err := time.LoadLocation(cfg.OffHours.Timezone)
	if err != nil {
		return nil, bserrors.NewInputError("off_hours.timezone", fmt.Sprintf("unknown timezone %q", cfg.OffHours.Timezone))
	}

	businessDays := make(map[time.Weekday]bool, len(cfg.OffHours.Days))
	for _, day := range cfg.OffHours.Days {
		businessDays[time.Weekday(day)] = true
	}

	offCount := 0
	for i := range c.Events {
		local := c.Events[i].Timestamp.In(loc)
		if !businessDays[local.Weekday()] {
			offCount++
			continue
		}
		hour := local.Hour()
		if hour < cfg.OffHours.StartHour || hour >= cfg.OffHours.EndHour {
			offCount++
		}
	}

	fraction := float64(offCount) / float64(len(c.Events))
	if fraction < cfg.OffHours.SuspiciousFraction {
		return nil, nil
	}

	// Score scales from 60 at the suspicious threshold to 100 at the
	// critical threshold.
	var score float64
	if fraction >= cfg.OffHours.CriticalFraction {
		score = 100
	} else {
		span := cfg.OffHours.CriticalFraction - cfg.OffHours.SuspiciousFraction
		if span <= 0 {
			score = 100
		} else {
			score = 60 + 40*(fraction-cfg.OffHours.SuspiciousFraction)/span
		}
	}

	confidence := schema.ClampConfidence(fraction/cfg.OffHours.CriticalFraction)

	evidence := map[string]any{
		"off_hours_fraction":  fraction,
		"off_hours_events":    offCount,
		"total_events":        len(c.Events),
		"timezone":            cfg.OffHours.Timezone,
		"business_hours":      fmt.Sprintf("%02d:00-%02d:00", cfg.OffHours.StartHour, cfg.OffHours.EndHour),
		"suspicious_fraction": cfg.OffHours.SuspiciousFraction,
		"critical_fraction":   cfg.OffHours.CriticalFraction,
		"summary": fmt.Sprintf("%.0f%% of %d events outside business hours (%s)",
			fraction*100, len(c.Events), cfg.OffHours.Timezone),
	}

	return newResult(d.Kind(), c.AutomationID, score, confidence, evidence), nil
}
