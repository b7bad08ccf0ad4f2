package detector

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/config"
	"botsentry/internal/schema"
	"botsentry/internal/signature"
)

func metadataCandidate(md []schema.Metadata) schema.AutomationCandidate {
	base := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	events := make([]schema.Event, len(md))
	for i, m := range md {
		events[i] = schema.Event{
			EventID: uuid.New(), OrgID: "org-1", Platform: "slack",
			EventType: schema.EventAPICall, Timestamp: base.Add(time.Duration(i) * time.Second),
			Actor: schema.Actor{ID: "svc-1"}, Metadata: m,
		}
	}
	return schema.AutomationCandidate{AutomationID: "svc-1", OrgID: "org-1", Events: events}
}

func newTestSignatureDetector() *SignatureMatch {
	weights := config.DefaultWeightTable()
	return NewSignatureMatch(signature.BuiltinCatalog(), &weights)
}

func TestSignatureMatch_AdditiveWeights(t *testing.T) {
	d := newTestSignatureDetector()
	cfg := testOrgConfig()

	tests := []struct {
		name      string
		metadata  []schema.Metadata
		wantScore float64
	}{
		{
			name:      "endpoint only",
			metadata:  []schema.Metadata{{Endpoint: "https://hooks.zapier.com/x/1"}},
			wantScore: 40,
		},
		{
			name:      "endpoint plus agent",
			metadata:  []schema.Metadata{{Endpoint: "https://hooks.zapier.com/x/1", UserAgent: "Zapier/2.0"}},
			wantScore: 70,
		},
		{
			name: "all three dimensions",
			metadata: []schema.Metadata{
				{Endpoint: "https://hooks.zapier.com/x/1", UserAgent: "Zapier/2.0", Marker: "zap_id=991"},
			},
			wantScore: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := metadataCandidate(tt.metadata)
			result, err := d.Detect(context.Background(), &c, &cfg, coldView())
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if result == nil {
				t.Fatal("expected a match")
			}
			if result.Score != tt.wantScore {
				t.Errorf("score = %v, want %v", result.Score, tt.wantScore)
			}
			if result.Evidence["provider"] != "Zapier" {
				t.Errorf("provider = %v, want Zapier", result.Evidence["provider"])
			}
		})
	}
}

func TestSignatureMatch_DimensionsAccumulateAcrossEvents(t *testing.T) {
	d := newTestSignatureDetector()
	cfg := testOrgConfig()

	// Endpoint on one event, agent string on another: the signature still
	// collects both dimensions.
	c := metadataCandidate([]schema.Metadata{
		{Endpoint: "https://api.github.com/repos/acme/infra"},
		{UserAgent: "GitHub-Hookshot/8fa2c10"},
	})

	result, err := d.Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result == nil {
		t.Fatal("expected a match across events")
	}
	if result.Score != 70 {
		t.Errorf("score = %v, want 70 for endpoint+agent", result.Score)
	}
	dims := result.Evidence["matched_dimensions"].([]string)
	if len(dims) != 2 {
		t.Errorf("matched dimensions = %v, want 2", dims)
	}
}

func TestSignatureMatch_NoMatchNoResult(t *testing.T) {
	d := newTestSignatureDetector()
	cfg := testOrgConfig()

	c := metadataCandidate([]schema.Metadata{
		{Endpoint: "https://intranet.example.com/wiki", UserAgent: "Mozilla/5.0"},
	})

	result, err := d.Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result != nil {
		t.Errorf("unknown metadata matched: %+v", result.Evidence)
	}
}

func TestSignatureMatch_BestSignatureWins(t *testing.T) {
	d := newTestSignatureDetector()
	cfg := testOrgConfig()

	// Salesforce matches on endpoint only (40); Make matches endpoint and
	// marker (70) and must win.
	c := metadataCandidate([]schema.Metadata{
		{Endpoint: "https://na1.salesforce.com/services/data"},
		{Endpoint: "https://hook.make.com/abc", Marker: "imt_scenario=77"},
	})

	result, err := d.Detect(context.Background(), &c, &cfg, coldView())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result == nil {
		t.Fatal("expected a match")
	}
	if result.Evidence["provider"] != "Make" {
		t.Errorf("provider = %v, want Make", result.Evidence["provider"])
	}
	if result.Score != 70 {
		t.Errorf("score = %v, want 70", result.Score)
	}
}

func TestParseCatalog_RejectsDuplicateIDs(t *testing.T) {
	doc := []byte(`
signatures:
  - id: dup
    provider: A
    class: automation_platform
  - id: dup
    provider: B
    class: crm_sync
`)
	if _, err := signature.ParseCatalog(doc); err == nil {
		t.Fatal("duplicate signature ids must be rejected")
	}
}
