package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	"botsentry/internal/detector"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
	"botsentry/internal/signature"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := config.DefaultConfig()
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	store := baseline.NewMemoryStore()
	learner := baseline.NewLearner(store, cfg.Baseline.WarmSampleCount, cfg.Baseline.RefreshCadence)
	return New(cfg, signature.BuiltinCatalog(), store, learner, nil)
}

func burstEvents(actorID, platform string, n int, span time.Duration) []schema.Event {
	base := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	events := make([]schema.Event, n)
	var step time.Duration
	if n > 1 {
		step = span / time.Duration(n-1)
	}
	for i := range events {
		events[i] = schema.Event{
			EventID:   uuid.New(),
			OrgID:     "org-1",
			Platform:  platform,
			EventType: schema.EventFileCreate,
			Timestamp: base.Add(time.Duration(i) * step),
			Actor:     schema.Actor{ID: actorID},
		}
	}
	return events
}

func burstBatch(automations int) *schema.Batch {
	candidates := make([]schema.AutomationCandidate, automations)
	for i := range candidates {
		id := fmt.Sprintf("bot-%04d", i)
		candidates[i] = schema.AutomationCandidate{
			AutomationID: id,
			OrgID:        "org-1",
			Kind:         schema.CandidateBot,
			Events:       burstEvents(id, "google_workspace", 50, 10*time.Second),
		}
	}
	return schema.NewBatch("org-1", candidates)
}

func TestProcessBatch_AggregatesDetectorResults(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.ProcessBatch(context.Background(), burstBatch(1))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(result.Assessments) != 1 {
		t.Fatalf("assessments = %d, want 1", len(result.Assessments))
	}

	a := result.Assessments[0]
	if a.AutomationID != "bot-0000" {
		t.Errorf("automation id = %q", a.AutomationID)
	}
	if len(a.Contributing) == 0 {
		t.Fatal("burst candidate produced no contributing results")
	}
	if a.RiskScore <= 0 || a.RiskScore > 100 {
		t.Errorf("risk score = %v, want (0,100]", a.RiskScore)
	}
	if a.RiskLevel == "" {
		t.Error("risk level not bucketed")
	}
	if a.WeightsVersion != o.cfg.Weights.Version {
		t.Errorf("weights version = %q, want %q", a.WeightsVersion, o.cfg.Weights.Version)
	}
	if len(a.Incomplete) != 0 {
		t.Errorf("incomplete = %v, want none", a.Incomplete)
	}
}

func TestProcessBatch_Deterministic(t *testing.T) {
	o := newTestOrchestrator(t)

	// Rebuild the identical batch for each run; the learner mutates the
	// baseline between runs, so reuse a fresh orchestrator per pass.
	batch := burstBatch(5)

	first, err := newTestOrchestrator(t).ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(first.Assessments) != len(second.Assessments) {
		t.Fatalf("assessment counts differ: %d vs %d", len(first.Assessments), len(second.Assessments))
	}
	for i := range first.Assessments {
		a, b := first.Assessments[i], second.Assessments[i]
		if a.AutomationID != b.AutomationID {
			t.Errorf("assessment %d ordering differs: %q vs %q", i, a.AutomationID, b.AutomationID)
		}
		if a.RiskScore != b.RiskScore {
			t.Errorf("%s: risk score differs across runs: %v vs %v", a.AutomationID, a.RiskScore, b.RiskScore)
		}
		if a.RiskLevel != b.RiskLevel {
			t.Errorf("%s: risk level differs across runs: %v vs %v", a.AutomationID, a.RiskLevel, b.RiskLevel)
		}
		if len(a.Contributing) != len(b.Contributing) {
			t.Errorf("%s: contributing counts differ: %d vs %d", a.AutomationID, len(a.Contributing), len(b.Contributing))
			continue
		}
		for j := range a.Contributing {
			if a.Contributing[j].Detector != b.Contributing[j].Detector {
				t.Errorf("%s: contributing order differs at %d: %v vs %v",
					a.AutomationID, j, a.Contributing[j].Detector, b.Contributing[j].Detector)
			}
			if a.Contributing[j].Score != b.Contributing[j].Score {
				t.Errorf("%s/%s: score differs across runs: %v vs %v",
					a.AutomationID, a.Contributing[j].Detector, a.Contributing[j].Score, b.Contributing[j].Score)
			}
		}
	}
}

func TestProcessBatch_CorrelationChainAttached(t *testing.T) {
	o := newTestOrchestrator(t)

	// One automation acting on the same resource across two platforms.
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	events := []schema.Event{
		{
			EventID: uuid.New(), OrgID: "org-1", Platform: "google_workspace",
			EventType: schema.EventFileShare, Timestamp: base,
			Actor:    schema.Actor{ID: "svc-1"},
			Resource: &schema.Resource{ExternalID: "doc-42", Type: "document"},
		},
		{
			EventID: uuid.New(), OrgID: "org-1", Platform: "slack",
			EventType: schema.EventAPICall, Timestamp: base.Add(time.Minute),
			Actor:    schema.Actor{ID: "svc-1"},
			Resource: &schema.Resource{ExternalID: "doc-42", Type: "document"},
		},
	}
	batch := schema.NewBatch("org-1", []schema.AutomationCandidate{
		{AutomationID: "svc-1", OrgID: "org-1", Kind: schema.CandidateIntegration, Events: events},
	})

	result, err := o.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(result.Chains) != 1 {
		t.Fatalf("chains = %d, want 1", len(result.Chains))
	}

	a := result.Assessments[0]
	if a.ChainID == nil {
		t.Fatal("assessment missing correlation chain reference")
	}
	if *a.ChainID != result.Chains[0].ChainID {
		t.Errorf("chain id = %v, want %v", *a.ChainID, result.Chains[0].ChainID)
	}

	found := false
	for _, r := range a.Contributing {
		if r.Detector == schema.DetectorCorrelation {
			found = true
			if r.Confidence < 0.8 {
				t.Errorf("correlation confidence = %v, want >= 0.8", r.Confidence)
			}
		}
	}
	if !found {
		t.Error("correlation result not attached to the covered candidate")
	}
}

func TestSubmit_RejectsAtCapacity(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Queue.Size = 1
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	o := New(cfg, signature.BuiltinCatalog(), baseline.NewMemoryStore(), nil, nil)

	if err := o.Submit(burstBatch(1)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	err := o.Submit(burstBatch(1))
	if !bserrors.IsCapacityExceeded(err) {
		t.Fatalf("Submit at capacity = %v, want CapacityExceededError", err)
	}
}

func TestSubmit_RejectsOversizedBatch(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Engine.MaxBatchSize = 2
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	o := New(cfg, signature.BuiltinCatalog(), baseline.NewMemoryStore(), nil, nil)

	if err := o.Submit(burstBatch(3)); err == nil {
		t.Fatal("oversized batch admitted")
	}
}

func TestRun_DiscardsBacklogOnShutdown(t *testing.T) {
	o := newTestOrchestrator(t)

	handled := make(chan struct{}, 8)
	o.AddHandler(func(ctx context.Context, res *BatchResult) error {
		handled <- struct{}{}
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := o.Submit(burstBatch(1)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	if qm := o.QueueMetrics(); qm.Popped != 3 {
		t.Errorf("popped = %d, want the full backlog drained", qm.Popped)
	}
	select {
	case <-handled:
		t.Error("handler invoked for a discarded batch")
	default:
	}
}

type panicDetector struct{}

func (d *panicDetector) Kind() schema.DetectorKind { return schema.DetectorKind("panic_test") }

func (d *panicDetector) Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error) {
	panic("unreachable state")
}

func TestProcessBatch_DetectorPanicIsolated(t *testing.T) {
	o := newTestOrchestrator(t)
	o.detectors = append(o.detectors, &panicDetector{})

	result, err := o.ProcessBatch(context.Background(), burstBatch(1))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	a := result.Assessments[0]
	if len(a.Incomplete) != 1 || a.Incomplete[0] != "panic_test" {
		t.Errorf("incomplete = %v, want [panic_test]", a.Incomplete)
	}
	if len(a.Contributing) == 0 {
		t.Error("panic in one detector suppressed the others")
	}
}

type stallDetector struct{}

func (d *stallDetector) Kind() schema.DetectorKind { return schema.DetectorKind("stall_test") }

func (d *stallDetector) Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessBatch_DetectorTimeoutIsolated(t *testing.T) {
	o := newTestOrchestrator(t)
	o.cfg.Engine.DetectorBudget = 20 * time.Millisecond
	o.detectors = append(o.detectors, &stallDetector{})

	result, err := o.ProcessBatch(context.Background(), burstBatch(1))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	a := result.Assessments[0]
	if len(a.Incomplete) != 1 || a.Incomplete[0] != "stall_test" {
		t.Errorf("incomplete = %v, want [stall_test]", a.Incomplete)
	}
}

func TestProcessBatch_CancelledContextDiscardsBatch(t *testing.T) {
	o := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if result, err := o.ProcessBatch(ctx, burstBatch(3)); err == nil {
		t.Fatalf("cancelled batch returned %+v, want error", result)
	}
}

func TestProcessBatch_LargeBatchCompletes(t *testing.T) {
	if testing.Short() {
		t.Skip("large batch")
	}
	o := newTestOrchestrator(t)

	batch := burstBatch(1000)
	started := time.Now()
	result, err := o.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(result.Assessments) != 1000 {
		t.Fatalf("assessments = %d, want 1000", len(result.Assessments))
	}
	if elapsed := time.Since(started); elapsed > 30*time.Second {
		t.Errorf("batch took %v, budget is 30s", elapsed)
	}

	// Output order is stable regardless of worker interleaving.
	for i := 1; i < len(result.Assessments); i++ {
		if result.Assessments[i-1].AutomationID >= result.Assessments[i].AutomationID {
			t.Fatalf("assessments not sorted at %d", i)
		}
	}
}

var _ detector.Detector = (*panicDetector)(nil)
var _ detector.Detector = (*stallDetector)(nil)
