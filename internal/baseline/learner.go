package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"botsentry/internal/schema"
)

// casRetries bounds how often a writer re-reads after losing a
// compare-and-swap race before giving up on the batch's contribution.
const casRetries = 3

// Learner maintains per-organization baselines from observed batches.
// Writes are serialized per organization (single writer); any number of
// in-flight batches may read concurrently through View. Updates are
// eventually consistent: a stale baseline degrades precision, not
// correctness.
type Learner struct {
	store   Store
	warmAt  int
	refresh time.Duration

	mu       sync.Mutex
	orgLocks map[string]*sync.Mutex
}

// NewLearner creates a Learner over a snapshot store.
func NewLearner(store Store, warmSampleCount int, refreshCadence time.Duration) *Learner {
	if warmSampleCount <= 0 {
		warmSampleCount = 50
	}
	if refreshCadence <= 0 {
		refreshCadence = 7 * 24 * time.Hour
	}
	return &Learner{
		store:    store,
		warmAt:   warmSampleCount,
		refresh:  refreshCadence,
		orgLocks: make(map[string]*sync.Mutex),
	}
}

// WarmSampleCount returns the configured warm-up threshold.
func (l *Learner) WarmSampleCount() int {
	return l.warmAt
}

// View returns the read-side baseline view for an organization. A missing
// or cold baseline yields a view that reports Warm() == false.
func (l *Learner) View(ctx context.Context, orgID string) View {
	snap, err := l.store.Get(ctx, orgID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("baseline read failed, treating as cold",
				"org_id", orgID, "error", err)
		}
		return NewView(nil, l.warmAt)
	}
	return NewView(snap, l.warmAt)
}

// Learn folds one batch's candidates into the organization's baseline.
// Each candidate contributes one velocity sample plus its event histograms.
func (l *Learner) Learn(ctx context.Context, orgID string, candidates []schema.AutomationCandidate) error {
	if len(candidates) == 0 {
		return nil
	}
	return l.update(ctx, orgID, func(snap *OrganizationBaseline) {
		for i := range candidates {
			foldCandidate(snap, &candidates[i])
		}
	})
}

// RecordAssessments folds assessed candidate kinds into the automation-type
// distribution.
func (l *Learner) RecordAssessments(ctx context.Context, orgID string, kinds []schema.CandidateKind) error {
	if len(kinds) == 0 {
		return nil
	}
	return l.update(ctx, orgID, func(snap *OrganizationBaseline) {
		if snap.AutomationTypeDistribution == nil {
			snap.AutomationTypeDistribution = make(map[string]int64)
		}
		for _, k := range kinds {
			if k == "" {
				k = schema.CandidateBot
			}
			snap.AutomationTypeDistribution[string(k)]++
		}
	})
}

// ReplayHistory warms a baseline from historical events, grouped by actor.
// Used at startup against the event-history store.
func (l *Learner) ReplayHistory(ctx context.Context, orgID string, events []schema.Event) error {
	if len(events) == 0 {
		return nil
	}

	byActor := make(map[string][]schema.Event)
	for _, e := range events {
		byActor[e.Actor.ID] = append(byActor[e.Actor.ID], e)
	}

	actors := make([]string, 0, len(byActor))
	for id := range byActor {
		actors = append(actors, id)
	}
	sort.Strings(actors)

	candidates := make([]schema.AutomationCandidate, 0, len(actors))
	for _, id := range actors {
		candidates = append(candidates, schema.AutomationCandidate{
			AutomationID: id,
			OrgID:        orgID,
			Events:       byActor[id],
		})
	}
	return l.Learn(ctx, orgID, candidates)
}

// RefreshDue reports whether an organization's baseline is older than the
// refresh cadence.
func (l *Learner) RefreshDue(ctx context.Context, orgID string) bool {
	snap, err := l.store.Get(ctx, orgID)
	if err != nil {
		return true
	}
	return time.Since(snap.LastUpdated) >= l.refresh
}

// update performs one single-writer, versioned read-modify-write for an
// organization.
func (l *Learner) update(ctx context.Context, orgID string, apply func(*OrganizationBaseline)) error {
	lock := l.lockFor(orgID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < casRetries; attempt++ {
		snap, err := l.store.Get(ctx, orgID)
		expected := uint64(0)
		switch {
		case errors.Is(err, ErrNotFound):
			snap = &OrganizationBaseline{OrgID: orgID}
		case err != nil:
			return fmt.Errorf("baseline read for %s: %w", orgID, err)
		default:
			expected = snap.Version
		}

		apply(snap)
		snap.LastUpdated = time.Now().UTC()

		err = l.store.Put(ctx, snap, expected)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("baseline write for %s: %w", orgID, err)
		}
		// Another writer (different process) won the race; re-read and retry.
	}
	return fmt.Errorf("baseline write for %s: %w", orgID, ErrVersionConflict)
}

func (l *Learner) lockFor(orgID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.orgLocks[orgID]
	if !ok {
		lock = &sync.Mutex{}
		l.orgLocks[orgID] = lock
	}
	return lock
}

// foldCandidate incorporates one candidate's events into the snapshot.
func foldCandidate(snap *OrganizationBaseline, c *schema.AutomationCandidate) {
	if len(c.Events) == 0 {
		return
	}

	if snap.VolumeByCategory == nil {
		snap.VolumeByCategory = make(map[string]float64)
	}
	if snap.PermissionPatterns == nil {
		snap.PermissionPatterns = make(map[string]int64)
	}
	if snap.CrossPlatformUsage == nil {
		snap.CrossPlatformUsage = make(map[string]int64)
	}

	// One velocity sample per candidate: observed events/sec over the span.
	if v, ok := candidateVelocity(c.Events); ok {
		snap.SampleSize++
		n := float64(snap.SampleSize)
		delta := v - snap.NormalVelocity.Mean
		snap.NormalVelocity.Mean += delta / n
		snap.WelfordM2 += delta * (v - snap.NormalVelocity.Mean)
		if snap.SampleSize > 1 {
			snap.NormalVelocity.StdDev = math.Sqrt(snap.WelfordM2 / (n - 1))
		}
	}

	volume := make(map[string]float64)
	for i := range c.Events {
		e := &c.Events[i]
		snap.HourHistogram[e.Timestamp.UTC().Hour()]++
		snap.CrossPlatformUsage[e.Platform]++
		if e.EventType == schema.EventPermissionChange && e.Metadata.PermissionLevel != "" {
			snap.PermissionPatterns[e.Metadata.PermissionLevel]++
		}
		if e.Metadata.ByteSize > 0 {
			volume[string(e.EventType)] += float64(e.Metadata.ByteSize)
		}
	}

	// Running mean of per-candidate byte volume per category.
	n := float64(snap.SampleSize)
	if n < 1 {
		n = 1
	}
	for cat, bytes := range volume {
		old := snap.VolumeByCategory[cat]
		snap.VolumeByCategory[cat] = old + (bytes-old)/n
	}
}

// candidateVelocity computes events/sec over a candidate's observed span.
// Single events and zero-duration spans produce no sample.
func candidateVelocity(events []schema.Event) (float64, bool) {
	if len(events) < 2 {
		return 0, false
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
	span := maxT.Sub(minT).Seconds()
	if span <= 0 {
		return 0, false
	}
	return float64(len(events)) / span, true
}
