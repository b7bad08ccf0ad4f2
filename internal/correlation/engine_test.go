package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/config"
	"botsentry/internal/schema"
)

func testCorrelationConfig() config.CorrelationConfig {
	return config.DefaultOrgConfig().Correlation
}

func crossPlatformPair(gap time.Duration) []schema.Event {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return []schema.Event{
		{
			EventID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), OrgID: "org-1",
			Platform: "google_workspace", EventType: schema.EventFileShare,
			Timestamp: base, Actor: schema.Actor{ID: "svc-1"},
			Resource: &schema.Resource{ExternalID: "doc-42", Type: "document"},
		},
		{
			EventID: uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8"), OrgID: "org-1",
			Platform: "slack", EventType: schema.EventAPICall,
			Timestamp: base.Add(gap), Actor: schema.Actor{ID: "svc-1"},
			Resource: &schema.Resource{ExternalID: "doc-42", Type: "document"},
		},
	}
}

func TestCorrelate_SharedResourceAndActor(t *testing.T) {
	engine := NewEngine(nil)
	cfg := testCorrelationConfig()

	// Same resource and actor across two platforms inside the window.
	chains, err := engine.Correlate(context.Background(), "org-1", crossPlatformPair(2*time.Minute), &cfg)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(chains) != 1 {
		t.Fatalf("chains = %d, want 1", len(chains))
	}

	chain := chains[0]
	if chain.Confidence < 0.8 {
		t.Errorf("confidence = %v, want >= 0.8", chain.Confidence)
	}
	if len(chain.Platforms) != 2 {
		t.Errorf("platforms = %v, want 2", chain.Platforms)
	}
	if !chain.Covers("svc-1") {
		t.Error("chain must cover the shared actor")
	}
	if !hasBasis(chain, BasisResource) || !hasBasis(chain, BasisActor) {
		t.Errorf("basis = %v, want shared_resource and shared_actor", chain.Basis)
	}
}

func TestCorrelate_SinglePlatformNotEmitted(t *testing.T) {
	engine := NewEngine(nil)
	cfg := testCorrelationConfig()

	events := crossPlatformPair(time.Minute)
	events[1].Platform = events[0].Platform

	chains, err := engine.Correlate(context.Background(), "org-1", events, &cfg)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(chains) != 0 {
		t.Errorf("single-platform cluster emitted: %+v", chains)
	}
}

func TestCorrelate_OutsideWindowNotJoined(t *testing.T) {
	engine := NewEngine(nil)
	cfg := testCorrelationConfig()

	chains, err := engine.Correlate(context.Background(), "org-1", crossPlatformPair(10*time.Minute), &cfg)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(chains) != 0 {
		t.Errorf("events 10m apart correlated: %+v", chains)
	}
}

func TestCorrelate_ActorAloneBelowFloor(t *testing.T) {
	engine := NewEngine(nil)
	cfg := testCorrelationConfig()

	// Shared actor but distinct resources: actor (0.4) plus temporal (0.2)
	// stays below the 0.8 floor.
	events := crossPlatformPair(time.Second)
	events[1].Resource = &schema.Resource{ExternalID: "other-doc", Type: "document"}

	chains, err := engine.Correlate(context.Background(), "org-1", events, &cfg)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(chains) != 0 {
		t.Errorf("weak cluster crossed the floor: %+v", chains)
	}
}

func TestCorrelate_AddingEventsNeverLowersConfidence(t *testing.T) {
	engine := NewEngine(nil)
	cfg := testCorrelationConfig()

	base := crossPlatformPair(2 * time.Minute)
	chains, err := engine.Correlate(context.Background(), "org-1", base, &cfg)
	if err != nil || len(chains) != 1 {
		t.Fatalf("base pass: chains=%v err=%v", chains, err)
	}
	before := chains[0].Confidence

	// A third event by the same actor joins the cluster with a tight gap.
	extra := schema.Event{
		EventID: uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8"), OrgID: "org-1",
		Platform: "salesforce", EventType: schema.EventAPICall,
		Timestamp: base[1].Timestamp.Add(5 * time.Second),
		Actor:     schema.Actor{ID: "svc-1"},
	}
	grown, err := engine.Correlate(context.Background(), "org-1", append(base, extra), &cfg)
	if err != nil || len(grown) != 1 {
		t.Fatalf("grown pass: chains=%v err=%v", grown, err)
	}

	if grown[0].Confidence < before {
		t.Errorf("confidence dropped from %v to %v after adding a qualifying event", before, grown[0].Confidence)
	}
	if len(grown[0].Events) != 3 {
		t.Errorf("chain size = %d, want 3", len(grown[0].Events))
	}
}

func TestCorrelate_DeterministicAcrossInputOrder(t *testing.T) {
	engine := NewEngine(nil)
	cfg := testCorrelationConfig()

	events := crossPlatformPair(time.Minute)
	forward, err := engine.Correlate(context.Background(), "org-1", events, &cfg)
	if err != nil || len(forward) != 1 {
		t.Fatalf("forward: chains=%v err=%v", forward, err)
	}

	reversed := []schema.Event{events[1], events[0]}
	backward, err := engine.Correlate(context.Background(), "org-1", reversed, &cfg)
	if err != nil || len(backward) != 1 {
		t.Fatalf("backward: chains=%v err=%v", backward, err)
	}

	if forward[0].ChainID != backward[0].ChainID {
		t.Errorf("chain id depends on input order: %v vs %v", forward[0].ChainID, backward[0].ChainID)
	}
	if forward[0].Confidence != backward[0].Confidence {
		t.Errorf("confidence depends on input order: %v vs %v", forward[0].Confidence, backward[0].Confidence)
	}
}

func TestCorrelate_PassCap(t *testing.T) {
	engine := NewEngine(nil)
	cfg := testCorrelationConfig()
	cfg.MaxEventsPerPass = 2

	base := crossPlatformPair(time.Minute)
	extra := schema.Event{
		EventID: uuid.New(), OrgID: "org-1",
		Platform: "salesforce", EventType: schema.EventAPICall,
		Timestamp: base[1].Timestamp.Add(time.Minute),
		Actor:     schema.Actor{ID: "svc-1"},
	}

	chains, err := engine.Correlate(context.Background(), "org-1", append(base, extra), &cfg)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(chains) != 1 || len(chains[0].Events) != 2 {
		t.Fatalf("capped pass chains = %+v, want one 2-event chain", chains)
	}
}

func TestChainResult_MapsConfidenceToScore(t *testing.T) {
	engine := NewEngine(nil)
	cfg := testCorrelationConfig()

	chains, err := engine.Correlate(context.Background(), "org-1", crossPlatformPair(time.Minute), &cfg)
	if err != nil || len(chains) != 1 {
		t.Fatalf("Correlate: chains=%v err=%v", chains, err)
	}

	result := ChainResult(&chains[0], "svc-1")
	if result.Detector != schema.DetectorCorrelation {
		t.Errorf("detector = %v", result.Detector)
	}
	if want := chains[0].Confidence * 100; result.Score != want {
		t.Errorf("score = %v, want %v", result.Score, want)
	}
	if result.Evidence["chain_id"] != chains[0].ChainID.String() {
		t.Errorf("chain id evidence = %v", result.Evidence["chain_id"])
	}
}

func hasBasis(c Chain, b string) bool {
	for _, got := range c.Basis {
		if got == b {
			return true
		}
	}
	return false
}
