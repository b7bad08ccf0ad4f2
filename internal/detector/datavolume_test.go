package detector

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/baseline"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

func volumeView(byCategory map[string]float64) baseline.View {
	return baseline.NewView(&baseline.OrganizationBaseline{
		OrgID:            "org-1",
		VolumeByCategory: byCategory,
		SampleSize:       100,
	}, 50)
}

func sizedCandidate(eventType schema.EventType, sizes []int64) schema.AutomationCandidate {
	base := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	events := make([]schema.Event, len(sizes))
	for i, size := range sizes {
		events[i] = schema.Event{
			EventID:   uuid.New(),
			OrgID:     "org-1",
			Platform:  "google_workspace",
			EventType: eventType,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Actor:     schema.Actor{ID: "svc-1"},
			Metadata:  schema.Metadata{ByteSize: size},
		}
	}
	return schema.AutomationCandidate{AutomationID: "svc-1", OrgID: "org-1", Events: events}
}

func TestDataVolume_RelativeDeviation(t *testing.T) {
	cfg := testOrgConfig()
	d := &DataVolume{}

	// Baseline 10MB for exports; 40MB observed is 4x, above the 3x
	// multiplier but far below the absolute ceiling.
	bl := volumeView(map[string]float64{string(schema.EventDataExport): 10 << 20})
	c := sizedCandidate(schema.EventDataExport, []int64{20 << 20, 20 << 20})

	result, err := d.Detect(context.Background(), &c, &cfg, bl)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result == nil {
		t.Fatal("4x baseline volume must fire")
	}
	triggered := result.Evidence["triggered"].([]string)
	if len(triggered) != 1 || triggered[0] != "relative_deviation" {
		t.Errorf("triggered = %v, want [relative_deviation]", triggered)
	}
	if result.Score < 70 || result.Score >= 90 {
		t.Errorf("score = %v, want in [70, 90) for a relative-only trigger", result.Score)
	}
}

func TestDataVolume_AbsoluteCeiling(t *testing.T) {
	cfg := testOrgConfig()
	d := &DataVolume{}

	// 600MB total with a cold baseline: only the static check applies.
	c := sizedCandidate(schema.EventDataExport, []int64{300 << 20, 300 << 20})

	result, err := d.Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result == nil {
		t.Fatal("600MB must fire the absolute ceiling")
	}
	triggered := result.Evidence["triggered"].([]string)
	if len(triggered) != 1 || triggered[0] != "absolute_critical" {
		t.Errorf("triggered = %v, want [absolute_critical]", triggered)
	}
	if result.Score != 90 {
		t.Errorf("score = %v, want 90", result.Score)
	}
	if result.Evidence["baseline_warm"].(bool) {
		t.Error("baseline reported warm on a cold view")
	}
}

func TestDataVolume_BothConditionsScore100(t *testing.T) {
	cfg := testOrgConfig()
	d := &DataVolume{}

	bl := volumeView(map[string]float64{string(schema.EventDataExport): 10 << 20})
	c := sizedCandidate(schema.EventDataExport, []int64{300 << 20, 300 << 20})

	result, err := d.Detect(context.Background(), &c, &cfg, bl)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result == nil || result.Score != 100 {
		t.Fatalf("both triggers must score 100, got %+v", result)
	}
	if triggered := result.Evidence["triggered"].([]string); len(triggered) != 2 {
		t.Errorf("triggered = %v, want both conditions", triggered)
	}
}

func TestDataVolume_NormalVolumeDoesNotFire(t *testing.T) {
	cfg := testOrgConfig()
	d := &DataVolume{}

	bl := volumeView(map[string]float64{string(schema.EventFileCreate): 10 << 20})
	c := sizedCandidate(schema.EventFileCreate, []int64{5 << 20, 5 << 20})

	result, err := d.Detect(context.Background(), &c, &cfg, bl)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result != nil {
		t.Errorf("2x baseline fired below the 3x multiplier: %+v", result.Evidence)
	}
}

func TestDataVolume_ColdBaselineDisablesRelativeOnly(t *testing.T) {
	cfg := testOrgConfig()
	d := &DataVolume{}

	// 100MB would be 10x a warm baseline but the view is cold, and 100MB
	// stays below the absolute ceiling.
	c := sizedCandidate(schema.EventDataExport, []int64{50 << 20, 50 << 20})

	result, err := d.Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result != nil {
		t.Errorf("cold baseline fired on relative volume: %+v", result.Evidence)
	}
}

func TestDataVolume_PeriodBoundsAccumulation(t *testing.T) {
	cfg := testOrgConfig()
	d := &DataVolume{}

	// Two 300MB transfers a full period apart. Only the newer one counts,
	// so neither the absolute ceiling nor the relative check fires.
	c := sizedCandidate(schema.EventDataExport, []int64{300 << 20, 300 << 20})
	c.Events[0].Timestamp = c.Events[1].Timestamp.Add(-cfg.DataVolume.Period - time.Hour)

	result, err := d.Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result != nil {
		t.Errorf("volume from an earlier period counted toward the ceiling: %+v", result.Evidence)
	}
}

func TestDataVolume_NoBytesIsInsufficientData(t *testing.T) {
	cfg := testOrgConfig()
	d := &DataVolume{}

	c := burstCandidate(5, time.Minute, schema.EventLogin)
	if result, err := d.Detect(context.Background(), &c, &cfg, coldView()); result != nil || !bserrors.IsInsufficientData(err) {
		t.Errorf("no byte sizes: result=%v err=%v, want insufficient data", result, err)
	}
}
