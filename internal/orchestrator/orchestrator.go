// Package orchestrator runs detection batches: it admits work through a
// bounded queue, fans candidates out to a worker pool, runs the
// correlation pass once all candidates are done, and aggregates every
// candidate's results into one composite risk assessment.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	"botsentry/internal/correlation"
	"botsentry/internal/detector"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/queue"
	"botsentry/internal/schema"
)

// BatchResult is the outcome of one processed batch.
type BatchResult struct {
	BatchID     uuid.UUID                        `json:"batch_id"`
	OrgID       string                           `json:"org_id"`
	Assessments []schema.CompositeRiskAssessment `json:"assessments"`
	Chains      []correlation.Chain              `json:"chains,omitempty"`
	Duration    time.Duration                    `json:"duration"`
}

// AssessmentHandler receives each completed batch result from the run
// loop. Handler errors are logged, never fatal.
type AssessmentHandler func(context.Context, *BatchResult) error

// Orchestrator coordinates detectors, correlation, and aggregation.
type Orchestrator struct {
	cfg        *config.Config
	detectors  []detector.Detector
	correlator *correlation.Engine
	learner    *baseline.Learner
	store      baseline.Store
	admission  *queue.RingBuffer
	logger     *slog.Logger

	handlers []AssessmentHandler
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// New creates an orchestrator. The learner may be nil; batches are then
// assessed without feeding the baseline.
func New(cfg *config.Config, catalog detector.SignatureCatalog, store baseline.Store, learner *baseline.Learner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		detectors:  detector.All(catalog, &cfg.Weights),
		correlator: correlation.NewEngine(logger),
		learner:    learner,
		store:      store,
		admission:  queue.NewRingBuffer(cfg.Queue.Size),
		logger:     logger,
	}
}

// AddHandler registers a handler for completed batch results.
func (o *Orchestrator) AddHandler(h AssessmentHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, h)
}

// Submit admits a batch for asynchronous processing. A saturated queue
// returns a CapacityExceededError immediately; the caller must retry.
func (o *Orchestrator) Submit(batch *schema.Batch) error {
	if len(batch.Candidates) > o.cfg.Engine.MaxBatchSize {
		return bserrors.NewInputError("batch",
			fmt.Sprintf("%d candidates exceeds batch limit %d", len(batch.Candidates), o.cfg.Engine.MaxBatchSize))
	}
	return o.admission.Push(batch)
}

// QueueMetrics exposes admission queue statistics.
func (o *Orchestrator) QueueMetrics() queue.Metrics {
	return o.admission.Metrics()
}

// Run drains the admission queue until ctx is cancelled. Each batch is
// processed under its own budget; one failed batch never stops the loop.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-ctx.Done()
		o.admission.Close()
	}()

	for {
		batch, err := o.admission.PopBlocking()
		if err != nil {
			break
		}

		if ctx.Err() != nil {
			// Shutdown: drop the backlog in one pass instead of failing
			// each queued batch against a cancelled context.
			discarded := 1
			for {
				if _, err := o.admission.Pop(); err != nil {
					break
				}
				discarded++
			}
			o.logger.Warn("discarding queued batches on shutdown", "count", discarded)
			break
		}

		result, err := o.ProcessBatch(ctx, batch)
		if err != nil {
			o.logger.Error("batch processing failed",
				"batch_id", batch.BatchID,
				"org_id", batch.OrgID,
				"error", err,
			)
			continue
		}
		o.dispatch(ctx, result)
	}
	o.wg.Wait()
}

func (o *Orchestrator) dispatch(ctx context.Context, result *BatchResult) {
	o.mu.Lock()
	handlers := append([]AssessmentHandler(nil), o.handlers...)
	o.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, result); err != nil {
			o.logger.Error("assessment handler failed",
				"batch_id", result.BatchID,
				"error", err,
			)
		}
	}
}

// ProcessBatch runs the full detection pipeline for one batch. Identical
// input and configuration yield an identical result: candidates are
// assessed in a fixed order, contributing results are sorted before
// aggregation, and chain ids derive from event ids.
//
// The batch runs under the configured budget. Cancellation or deadline
// exhaustion discards this batch's partial results only.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batch *schema.Batch) (*BatchResult, error) {
	started := time.Now()

	if o.cfg.Engine.BatchBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Engine.BatchBudget)
		defer cancel()
	}

	orgCfg := o.cfg.ForOrg(batch.OrgID)
	view := o.baselineView(ctx, batch.OrgID)

	passes := make([]candidatePass, len(batch.Candidates))
	if err := o.runCandidates(ctx, batch, &orgCfg, view, passes); err != nil {
		return nil, err
	}

	// Correlation is a barrier: it needs the batch's full event set, so it
	// starts only after every candidate pass has finished.
	corrCfg := orgCfg.Correlation
	if o.cfg.Engine.CorrelationBudget > 0 {
		corrCfg.PassBudget = o.cfg.Engine.CorrelationBudget
	}
	chains, err := o.correlator.Correlate(ctx, batch.OrgID, batch.AllEvents(), &corrCfg)
	if err != nil {
		if bserrors.IsTimeout(err) {
			// Assessments still aggregate without chains.
			o.logger.Warn("correlation pass timed out", "org_id", batch.OrgID)
			for i := range passes {
				passes[i].incomplete = append(passes[i].incomplete, string(schema.DetectorCorrelation))
			}
		} else {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, o.batchAborted(err)
	}

	assessments := make([]schema.CompositeRiskAssessment, len(batch.Candidates))
	for i := range batch.Candidates {
		c := &batch.Candidates[i]
		results := passes[i].results
		var chainID *uuid.UUID

		for j := range chains {
			if chains[j].Covers(c.AutomationID) {
				results = append(results, *correlation.ChainResult(&chains[j], c.AutomationID))
				id := chains[j].ChainID
				chainID = &id
				break
			}
		}

		assessments[i] = o.aggregate(c, results, passes[i].incomplete, chainID)
	}

	sort.Slice(assessments, func(i, j int) bool {
		return assessments[i].AutomationID < assessments[j].AutomationID
	})

	result := &BatchResult{
		BatchID:     batch.BatchID,
		OrgID:       batch.OrgID,
		Assessments: assessments,
		Chains:      chains,
		Duration:    time.Since(started),
	}

	o.feedBaseline(batch)

	o.logger.Info("batch processed",
		"batch_id", batch.BatchID,
		"org_id", batch.OrgID,
		"candidates", len(batch.Candidates),
		"chains", len(chains),
		"duration", result.Duration,
	)
	return result, nil
}

type candidatePass struct {
	results    []schema.DetectionResult
	incomplete []string
}

// runCandidates fans the batch's candidates out to the worker pool. Each
// worker writes only its own candidate's slot, so no locking is needed on
// the passes slice.
func (o *Orchestrator) runCandidates(ctx context.Context, batch *schema.Batch, orgCfg *config.OrgConfig, view baseline.View, passes []candidatePass) error {
	workers := o.cfg.Engine.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(batch.Candidates) {
		workers = len(batch.Candidates)
	}
	if workers < 1 {
		workers = 1
	}

	indices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				passes[i] = o.runDetectors(ctx, &batch.Candidates[i], orgCfg, view)
			}
		}()
	}

feed:
	for i := range batch.Candidates {
		select {
		case indices <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(indices)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return o.batchAborted(err)
	}
	return nil
}

// runDetectors runs every detector against one candidate. A detector
// failure, timeout, or panic is isolated: it marks that detector
// incomplete and the rest still contribute.
func (o *Orchestrator) runDetectors(ctx context.Context, c *schema.AutomationCandidate, orgCfg *config.OrgConfig, view baseline.View) candidatePass {
	var pass candidatePass

	for _, d := range o.detectors {
		if ctx.Err() != nil {
			return pass
		}

		result, err := o.runOne(ctx, d, c, orgCfg, view)
		switch {
		case err == nil && result != nil:
			pass.results = append(pass.results, *result)
		case err == nil:
			// No finding.
		case bserrors.IsInsufficientData(err) || bserrors.IsBaselineUnavailable(err):
			// Expected no-result conditions, not failures.
		default:
			o.logger.Warn("detector failed",
				"detector", d.Kind(),
				"automation_id", c.AutomationID,
				"error", err,
			)
			pass.incomplete = append(pass.incomplete, string(d.Kind()))
		}
	}
	return pass
}

// runOne executes a single detector under the per-detector budget with
// panic isolation.
func (o *Orchestrator) runOne(ctx context.Context, d detector.Detector, c *schema.AutomationCandidate, orgCfg *config.OrgConfig, view baseline.View) (*schema.DetectionResult, error) {
	budget := o.cfg.Engine.DetectorBudget
	dctx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	type outcome struct {
		result *schema.DetectionResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("detector %s panicked: %v", d.Kind(), r)}
			}
		}()
		result, err := d.Detect(dctx, c, orgCfg, view)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-dctx.Done():
		return nil, bserrors.NewTimeout(string(d.Kind()), budget)
	}
}

// aggregate folds a candidate's detection results into one assessment.
// Results are sorted by detector kind then production time first, so the
// weighted combination is bit-identical for identical inputs.
func (o *Orchestrator) aggregate(c *schema.AutomationCandidate, results []schema.DetectionResult, incomplete []string, chainID *uuid.UUID) schema.CompositeRiskAssessment {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Detector != results[j].Detector {
			return results[i].Detector < results[j].Detector
		}
		return results[i].ProducedAt.Before(results[j].ProducedAt)
	})
	sort.Strings(incomplete)

	var weightSum, weighted float64
	for i := range results {
		w := o.cfg.Weights.WeightFor(results[i].Detector)
		weighted += w * results[i].Score
		weightSum += w
	}

	score := 0.0
	if weightSum > 0 {
		score = schema.ClampScore(weighted / weightSum)
	}

	return schema.CompositeRiskAssessment{
		AutomationID:   c.AutomationID,
		OrgID:          c.OrgID,
		RiskScore:      score,
		RiskLevel:      schema.RiskLevelForScore(score),
		Contributing:   results,
		ChainID:        chainID,
		Incomplete:     incomplete,
		WeightsVersion: o.cfg.Weights.Version,
		ProducedAt:     time.Now().UTC(),
	}
}

// baselineView fetches an immutable baseline snapshot for the org. Any
// store failure degrades to a cold view; detection never fails on it.
func (o *Orchestrator) baselineView(ctx context.Context, orgID string) baseline.View {
	warmAt := o.cfg.Baseline.WarmSampleCount
	if o.store == nil {
		return baseline.NewView(nil, warmAt)
	}

	snap, err := o.store.Get(ctx, orgID)
	if err != nil {
		if err != baseline.ErrNotFound {
			o.logger.Warn("baseline fetch failed", "org_id", orgID, "error", err)
		}
		return baseline.NewView(nil, warmAt)
	}
	return baseline.NewView(snap, warmAt)
}

// feedBaseline folds the processed batch into the learner. Baseline
// updates are eventually consistent; failures are logged and the batch
// result stands.
func (o *Orchestrator) feedBaseline(batch *schema.Batch) {
	if o.learner == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.learner.Learn(ctx, batch.OrgID, batch.Candidates); err != nil {
		o.logger.Warn("baseline learn failed", "org_id", batch.OrgID, "error", err)
	}

	kinds := make([]schema.CandidateKind, 0, len(batch.Candidates))
	for i := range batch.Candidates {
		if batch.Candidates[i].Kind != "" {
			kinds = append(kinds, batch.Candidates[i].Kind)
		}
	}
	if err := o.learner.RecordAssessments(ctx, batch.OrgID, kinds); err != nil {
		o.logger.Warn("baseline assessment record failed", "org_id", batch.OrgID, "error", err)
	}
}

func (o *Orchestrator) batchAborted(err error) error {
	if err == context.DeadlineExceeded {
		return bserrors.NewTimeout("batch", o.cfg.Engine.BatchBudget)
	}
	return err
}
