package detector

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

// sequentialNamePattern splits an object name into a stem and a numeric
// counter, e.g. "backup_0042.tar" -> ("backup_", "0042").
var sequentialNamePattern = regexp.MustCompile(`^(.*?)(\d+)(\.[A-Za-z0-9]+)?$`)

// BatchOperation detects scripted bulk operations: bursts of near-identical
// events inside a short window, typically with sequentially named objects.
// Input order is irrelevant; events are sorted by timestamp before the
// forward scan.
//
// For each anchor event the detector scans forward within the window and
// scores every later event against four checks: same action kind, same
// resource kind, sequential-naming continuation, and matching permission
// scope set. An event joins the anchor's group when its similarity
// (matched/4) reaches the threshold; the detector fires on the best group
// of at least the minimum size.
type BatchOperation struct{}

// Kind implements Detector.
func (d *BatchOperation) Kind() schema.DetectorKind {
	return schema.DetectorBatchOperation
}

// Detect implements Detector.
func (d *BatchOperation) Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error) {
	minGroup := cfg.BatchOps.MinGroupSize
	if len(c.Events) < minGroup {
		return nil, bserrors.NewInsufficientData(string(d.Kind()), minGroup, len(c.Events))
	}

	events := sortedByTime(c.Events)

	var (
		bestGroup []int
		bestSim   float64
	)

	for i := range events {
		anchor := &events[i]
		group := []int{i}
		var simSum float64

		for j := i + 1; j < len(events); j++ {
			other := &events[j]
			if other.Timestamp.Sub(anchor.Timestamp) > cfg.BatchOps.Window {
				break
			}

			sim := pairSimilarity(anchor, other)
			if sim >= cfg.BatchOps.SimilarityThreshold {
				group = append(group, j)
				simSum += sim
			}
		}

		if len(group) < minGroup {
			continue
		}

		meanSim := simSum / float64(len(group)-1)
		if len(group) > len(bestGroup) || (len(group) == len(bestGroup) && meanSim > bestSim) {
			bestGroup = group
			bestSim = meanSim
		}
	}

	if len(bestGroup) < minGroup {
		return nil, nil
	}

	threshold := cfg.BatchOps.SimilarityThreshold
	score := 70.0
	if threshold < 1 {
		score = 70 + 30*(bestSim-threshold)/(1-threshold)
	}
	confidence := schema.ClampConfidence(float64(len(bestGroup))/10 + bestSim/2)

	anchor := events[bestGroup[0]]
	evidence := map[string]any{
		"group_size":      len(bestGroup),
		"mean_similarity": bestSim,
		"window_seconds":  cfg.BatchOps.Window.Seconds(),
		"event_type":      string(anchor.EventType),
		"first_event_id":  anchor.EventID.String(),
		"summary": fmt.Sprintf("%d near-identical %s events within %v (similarity %.2f)",
			len(bestGroup), anchor.EventType, cfg.BatchOps.Window, bestSim),
	}

	return newResult(d.Kind(), c.AutomationID, score, confidence, evidence), nil
}

// pairSimilarity scores two events against the four batch checks.
func pairSimilarity(a, b *schema.Event) float64 {
	matched := 0

	if a.EventType == b.EventType {
		matched++
	}
	if resourceType(a) != "" && resourceType(a) == resourceType(b) {
		matched++
	}
	if sequentialNames(objectName(a), objectName(b)) {
		matched++
	}
	if sameScopes(a.Metadata.Scopes, b.Metadata.Scopes) {
		matched++
	}

	return float64(matched) / 4
}

func resourceType(e *schema.Event) string {
	if e.Resource == nil {
		return ""
	}
	return e.Resource.Type
}

func objectName(e *schema.Event) string {
	if e.Metadata.Name != "" {
		return e.Metadata.Name
	}
	if e.Resource != nil {
		return e.Resource.Name
	}
	return ""
}

// sequentialNames reports whether two object names share a stem and differ
// only in a numeric counter ("report_001" / "report_002").
func sequentialNames(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}

	ma := sequentialNamePattern.FindStringSubmatch(a)
	mb := sequentialNamePattern.FindStringSubmatch(b)
	if ma == nil || mb == nil {
		return false
	}
	// Same stem and extension, different counter.
	return ma[1] == mb[1] && ma[3] == mb[3] && ma[2] != mb[2] && ma[1] != ""
}

// sameScopes compares two scope sets ignoring order. Two empty sets match:
// most platforms only attach scopes to authorize events.
func sameScopes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return strings.Join(as, ",") == strings.Join(bs, ",")
}
