package detector

import (
	"context"
	"fmt"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	"botsentry/internal/schema"
	"botsentry/internal/signature"
)

// SignatureCatalog is the read side of the integration-signature catalog
// the detector matches against.
type SignatureCatalog interface {
	MatchEvent(endpoint, userAgent, marker string) []signature.Match
}

// SignatureMatch fingerprints known third-party integrations from event
// metadata. Each matched dimension contributes its configured additive
// weight (endpoint / agent-string / content-marker); the dimension weights
// come from the versioned weight table, not inline constants.
type SignatureMatch struct {
	catalog SignatureCatalog
	weights config.SignatureWeights
}

// NewSignatureMatch creates a SignatureMatch over a catalog and weight table.
func NewSignatureMatch(catalog SignatureCatalog, weights *config.WeightTable) *SignatureMatch {
	return &SignatureMatch{
		catalog: catalog,
		weights: weights.Signature,
	}
}

// Kind implements Detector.
func (d *SignatureMatch) Kind() schema.DetectorKind {
	return schema.DetectorSignatureMatch
}

// Detect implements Detector.
func (d *SignatureMatch) Detect(ctx context.Context, c *schema.AutomationCandidate, cfg *config.OrgConfig, bl baseline.View) (*schema.DetectionResult, error) {
	// Per-signature best dimension hits across the whole candidate: a
	// provider may reveal its endpoint on one event and its agent string
	// on another.
	type hit struct {
		sig      *signature.Signature
		endpoint bool
		agent    bool
		marker   bool
	}
	hits := make(map[string]*hit)

	for i := range c.Events {
		md := &c.Events[i].Metadata
		for _, m := range d.catalog.MatchEvent(md.Endpoint, md.UserAgent, md.Marker) {
			h, ok := hits[m.Signature.ID]
			if !ok {
				h = &hit{sig: m.Signature}
				hits[m.Signature.ID] = h
			}
			h.endpoint = h.endpoint || m.Endpoint
			h.agent = h.agent || m.Agent
			h.marker = h.marker || m.Marker
		}
	}

	if len(hits) == 0 {
		return nil, nil
	}

	var best *hit
	var bestWeight float64
	for _, h := range hits {
		w := 0.0
		if h.endpoint {
			w += d.weights.Endpoint
		}
		if h.agent {
			w += d.weights.UserAgent
		}
		if h.marker {
			w += d.weights.Marker
		}
		if w > bestWeight || (w == bestWeight && (best == nil || h.sig.ID < best.sig.ID)) {
			best = h
			bestWeight = w
		}
	}

	matchedDims := []string{}
	if best.endpoint {
		matchedDims = append(matchedDims, "endpoint")
	}
	if best.agent {
		matchedDims = append(matchedDims, "user_agent")
	}
	if best.marker {
		matchedDims = append(matchedDims, "content_marker")
	}

	evidence := map[string]any{
		"provider":           best.sig.Provider,
		"class":              best.sig.Class,
		"signature_id":       best.sig.ID,
		"matched_dimensions": matchedDims,
		"summary": fmt.Sprintf("matched %s (%s) on %d dimension(s)",
			best.sig.Provider, best.sig.Class, len(matchedDims)),
	}

	// The additive weight sum is both the score (0-100) and, normalized,
	// the confidence.
	return newResult(d.Kind(), c.AutomationID, bestWeight, bestWeight/100, evidence), nil
}
