// Package correlation builds cross-platform correlation chains from one
// organization's event set. A chain groups events that plausibly belong to
// a single automation workflow spanning at least two platforms, with a
// confidence combined from four independent bases.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/config"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

// Basis names for chain evidence.
const (
	BasisTemporal = "temporal"
	BasisResource = "shared_resource"
	BasisActor    = "shared_actor"
	BasisContext  = "context"
)

// Basis combination weights. Resource and actor identity are the strong
// signals; temporal proximity and a shared context tag only reinforce.
const (
	weightResource = 0.4
	weightActor    = 0.4
	weightTemporal = 0.2
	weightContext  = 0.2
)

// EventRef references one event that belongs to a chain.
type EventRef struct {
	EventID   uuid.UUID `json:"event_id"`
	Platform  string    `json:"platform"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Chain is a set of correlated events spanning at least two platforms,
// ordered by timestamp.
type Chain struct {
	ChainID    uuid.UUID  `json:"chain_id"`
	OrgID      string     `json:"org_id"`
	Events     []EventRef `json:"events"`
	Platforms  []string   `json:"platforms"`
	Actors     []string   `json:"actors"`
	Confidence float64    `json:"confidence"`
	Basis      []string   `json:"basis"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
}

// Covers reports whether the chain involves the given actor.
func (c *Chain) Covers(actorID string) bool {
	for _, a := range c.Actors {
		if a == actorID {
			return true
		}
	}
	return false
}

// Engine runs correlation passes. It holds no per-pass state; every call
// to Correlate is independent, so concurrent passes for different
// organizations need no coordination.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a correlation engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Correlate builds correlation chains from one organization's events.
//
// Events sharing an actor, a resource external id, or a context tag are
// clustered when they fall within the configured window of each other.
// Each cluster spanning at least two platforms is scored on the four
// bases and emitted when its confidence reaches the floor. Chain ids are
// derived from the member event ids, so identical inputs produce
// identical chains across passes.
func (e *Engine) Correlate(ctx context.Context, orgID string, events []schema.Event, cfg *config.CorrelationConfig) ([]Chain, error) {
	if len(events) < 2 {
		return nil, nil
	}

	if cfg.PassBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.PassBudget)
		defer cancel()
	}

	sorted := make([]schema.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].EventID.String() < sorted[j].EventID.String()
	})

	// The pass is capped; overflow is dropped from the tail, not buffered.
	if cfg.MaxEventsPerPass > 0 && len(sorted) > cfg.MaxEventsPerPass {
		e.logger.Warn("correlation pass capped",
			"org_id", orgID,
			"events", len(sorted),
			"cap", cfg.MaxEventsPerPass,
		)
		sorted = sorted[:cfg.MaxEventsPerPass]
	}

	if err := ctx.Err(); err != nil {
		return nil, passTimeout(err, cfg.PassBudget)
	}

	clusters := clusterEvents(sorted, cfg.Window)

	var chains []Chain
	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return nil, passTimeout(err, cfg.PassBudget)
		}
		if len(cluster) < 2 {
			continue
		}

		chain := scoreCluster(orgID, cluster, cfg)
		if len(chain.Platforms) < 2 {
			continue
		}
		if chain.Confidence < cfg.ConfidenceFloor {
			continue
		}
		chains = append(chains, chain)
	}

	sort.Slice(chains, func(i, j int) bool {
		return chains[i].ChainID.String() < chains[j].ChainID.String()
	})

	e.logger.Debug("correlation pass complete",
		"org_id", orgID,
		"events", len(sorted),
		"chains", len(chains),
	)
	return chains, nil
}

func passTimeout(err error, budget time.Duration) error {
	if err == context.DeadlineExceeded {
		return bserrors.NewTimeout("correlation", budget)
	}
	return err
}

// clusterEvents unions events that share an actor id, a resource external
// id, or a context tag, when consecutive sharers fall within the window.
// Indices refer to the sorted slice, so cluster membership and order are
// deterministic.
func clusterEvents(sorted []schema.Event, window time.Duration) [][]*schema.Event {
	parent := make([]int, len(sorted))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra < rb {
				parent[rb] = ra
			} else {
				parent[ra] = rb
			}
		}
	}

	// For each join dimension, link an event to the previous event with
	// the same value when the gap is inside the window. Transitive links
	// extend a cluster beyond one window span, which is the sliding
	// window semantic.
	last := make(map[string]int)
	link := func(key string, i int) {
		if key == "" {
			return
		}
		if j, ok := last[key]; ok {
			if sorted[i].Timestamp.Sub(sorted[j].Timestamp) <= window {
				union(i, j)
			}
		}
		last[key] = i
	}

	for i := range sorted {
		e := &sorted[i]
		if e.Actor.ID != "" {
			link("actor:"+e.Actor.ID, i)
		}
		if e.Resource != nil && e.Resource.ExternalID != "" {
			link("resource:"+e.Resource.ExternalID, i)
		}
		if e.Metadata.ContextTag != "" {
			link("context:"+e.Metadata.ContextTag, i)
		}
	}

	groups := make(map[int][]*schema.Event)
	var order []int
	for i := range sorted {
		root := find(i)
		if _, ok := groups[root]; !ok {
			order = append(order, root)
		}
		groups[root] = append(groups[root], &sorted[i])
	}

	clusters := make([][]*schema.Event, 0, len(order))
	for _, root := range order {
		clusters = append(clusters, groups[root])
	}
	return clusters
}

// scoreCluster computes the chain for one cluster. Basis scores are
// monotone under event addition: the identity bases latch once any two
// events share the dimension, and the temporal score depends on the
// minimum consecutive gap, which new events can only shrink.
func scoreCluster(orgID string, cluster []*schema.Event, cfg *config.CorrelationConfig) Chain {
	refs := make([]EventRef, len(cluster))
	platforms := make(map[string]bool)
	actors := make(map[string]bool)
	resourceSeen := make(map[string]int)
	actorSeen := make(map[string]int)
	contextSeen := make(map[string]int)

	for i, e := range cluster {
		refs[i] = EventRef{
			EventID:   e.EventID,
			Platform:  e.Platform,
			ActorID:   e.Actor.ID,
			Timestamp: e.Timestamp,
		}
		platforms[e.Platform] = true
		if e.Actor.ID != "" {
			actors[e.Actor.ID] = true
			actorSeen[e.Actor.ID]++
		}
		if e.Resource != nil && e.Resource.ExternalID != "" {
			resourceSeen[e.Resource.ExternalID]++
		}
		if e.Metadata.ContextTag != "" {
			contextSeen[e.Metadata.ContextTag]++
		}
	}

	var basis []string
	confidence := 0.0

	if anyShared(resourceSeen) {
		basis = append(basis, BasisResource)
		confidence += weightResource
	}
	if anyShared(actorSeen) {
		basis = append(basis, BasisActor)
		confidence += weightActor
	}

	minGap := time.Duration(-1)
	for i := 1; i < len(cluster); i++ {
		gap := cluster[i].Timestamp.Sub(cluster[i-1].Timestamp)
		if minGap < 0 || gap < minGap {
			minGap = gap
		}
	}
	if temporal := temporalScore(minGap, cfg); temporal > 0 {
		basis = append(basis, BasisTemporal)
		confidence += weightTemporal * temporal
	}

	if anyShared(contextSeen) {
		basis = append(basis, BasisContext)
		confidence += weightContext
	}

	if confidence > 1 {
		confidence = 1
	}

	return Chain{
		ChainID:    chainID(orgID, refs),
		OrgID:      orgID,
		Events:     refs,
		Platforms:  sortedKeys(platforms),
		Actors:     sortedKeys(actors),
		Confidence: confidence,
		Basis:      basis,
		Start:      refs[0].Timestamp,
		End:        refs[len(refs)-1].Timestamp,
	}
}

func anyShared(counts map[string]int) bool {
	for _, n := range counts {
		if n >= 2 {
			return true
		}
	}
	return false
}

// temporalScore is 1 when the tightest consecutive gap is inside the
// proximity threshold and decays linearly to 0 at the window edge.
func temporalScore(minGap time.Duration, cfg *config.CorrelationConfig) float64 {
	if minGap < 0 || minGap > cfg.Window {
		return 0
	}
	if minGap <= cfg.TemporalProximity {
		return 1
	}
	span := cfg.Window - cfg.TemporalProximity
	if span <= 0 {
		return 1
	}
	return float64(cfg.Window-minGap) / float64(span)
}

// chainID derives a stable chain id from the member events, so the same
// cluster yields the same id on every pass.
func chainID(orgID string, refs []EventRef) uuid.UUID {
	name := orgID
	for _, r := range refs {
		name += "/" + r.EventID.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChainResult converts a chain into a detection result scoped to one
// automation. The chain confidence maps onto both the score and the
// result confidence.
func ChainResult(chain *Chain, automationID string) *schema.DetectionResult {
	return &schema.DetectionResult{
		AutomationID: automationID,
		Detector:     schema.DetectorCorrelation,
		Score:        schema.ClampScore(chain.Confidence * 100),
		Confidence:   schema.ClampConfidence(chain.Confidence),
		Evidence: map[string]any{
			"chain_id":    chain.ChainID.String(),
			"platforms":   chain.Platforms,
			"basis":       chain.Basis,
			"event_count": len(chain.Events),
			"start":       chain.Start,
			"end":         chain.End,
			"summary": fmt.Sprintf("correlated %d events across %d platforms (confidence %.2f)",
				len(chain.Events), len(chain.Platforms), chain.Confidence),
		},
		ProducedAt: time.Now().UTC(),
	}
}
