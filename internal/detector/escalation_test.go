package detector

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

func permissionCandidate(levels []string, spacing time.Duration) schema.AutomationCandidate {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	events := make([]schema.Event, len(levels))
	for i, level := range levels {
		events[i] = schema.Event{
			EventID:   uuid.New(),
			OrgID:     "org-1",
			Platform:  "google_workspace",
			EventType: schema.EventPermissionChange,
			Timestamp: base.Add(time.Duration(i) * spacing),
			Actor:     schema.Actor{ID: "svc-1"},
			Metadata:  schema.Metadata{PermissionLevel: level},
		}
	}
	return schema.AutomationCandidate{AutomationID: "svc-1", OrgID: "org-1", Events: events}
}

func TestPermissionEscalation_GradualClimb(t *testing.T) {
	cfg := testOrgConfig()

	c := permissionCandidate([]string{"read", "write", "admin"}, time.Hour)
	result, err := (&PermissionEscalation{}).Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result == nil {
		t.Fatal("read->write->admin must fire")
	}
	if result.Evidence["pattern"] != "gradual" {
		t.Errorf("pattern = %v, want gradual", result.Evidence["pattern"])
	}
	if result.Evidence["escalations"].(int) != 2 {
		t.Errorf("escalations = %v, want 2", result.Evidence["escalations"])
	}
	if result.Evidence["highest_level"] != "admin" {
		t.Errorf("highest level = %v, want admin", result.Evidence["highest_level"])
	}
}

func TestPermissionEscalation_JumpScoresHigher(t *testing.T) {
	cfg := testOrgConfig()
	d := &PermissionEscalation{}

	gradual := permissionCandidate([]string{"read", "write", "admin"}, time.Hour)
	jump := permissionCandidate([]string{"read", "admin", "owner"}, time.Hour)

	gr, err := d.Detect(context.Background(), &gradual, &cfg, coldView())
	if err != nil || gr == nil {
		t.Fatalf("gradual: result=%v err=%v", gr, err)
	}
	jr, err := d.Detect(context.Background(), &jump, &cfg, coldView())
	if err != nil || jr == nil {
		t.Fatalf("jump: result=%v err=%v", jr, err)
	}

	if jr.Score <= gr.Score {
		t.Errorf("jump to owner score %v, want above gradual-to-admin score %v", jr.Score, gr.Score)
	}
	if jr.Evidence["jump_steps"].(int) != 1 {
		t.Errorf("jump steps = %v, want 1", jr.Evidence["jump_steps"])
	}
}

func TestPermissionEscalation_DowngradesIgnored(t *testing.T) {
	cfg := testOrgConfig()

	// One upward step only: below the minimum of two escalations.
	c := permissionCandidate([]string{"admin", "read", "write", "read"}, time.Hour)
	result, err := (&PermissionEscalation{}).Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result != nil {
		t.Errorf("downgrades fired: %+v", result.Evidence)
	}
}

func TestPermissionEscalation_OutsideLookbackIgnored(t *testing.T) {
	cfg := testOrgConfig()

	// Steps 30h apart exceed the 24h lookback.
	c := permissionCandidate([]string{"read", "write", "admin"}, 30*time.Hour)
	result, err := (&PermissionEscalation{}).Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result != nil {
		t.Errorf("stale escalations fired: %+v", result.Evidence)
	}
}

func TestPermissionEscalation_InsufficientData(t *testing.T) {
	cfg := testOrgConfig()
	d := &PermissionEscalation{}

	one := permissionCandidate([]string{"admin"}, time.Hour)
	if result, err := d.Detect(context.Background(), &one, &cfg, coldView()); result != nil || !bserrors.IsInsufficientData(err) {
		t.Errorf("1 change: result=%v err=%v, want insufficient data", result, err)
	}

	// Non-permission events never count as changes.
	none := burstCandidate(5, time.Minute, schema.EventFileCreate)
	if result, err := d.Detect(context.Background(), &none, &cfg, coldView()); result != nil || !bserrors.IsInsufficientData(err) {
		t.Errorf("no changes: result=%v err=%v, want insufficient data", result, err)
	}
}

func TestPermissionEscalation_UnknownLevelsSkipped(t *testing.T) {
	cfg := testOrgConfig()

	c := permissionCandidate([]string{"read", "superuser", "write", "admin"}, time.Hour)
	result, err := (&PermissionEscalation{}).Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result == nil {
		t.Fatal("known levels around an unknown one must still fire")
	}
	if result.Evidence["escalations"].(int) != 2 {
		t.Errorf("escalations = %v, want 2", result.Evidence["escalations"])
	}
}
