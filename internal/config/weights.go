package config

import (
	"fmt"

	"botsentry/internal/schema"
)

// WeightTable is the versioned scoring weight configuration. All weighted
// combination in the engine reads from here so scoring rules are
// independently testable and auditable; no scoring weight is an inline
// literal anywhere else.
type WeightTable struct {
	// Version identifies the weight revision; it is carried on every
	// assessment produced under it.
	Version string `yaml:"version"`

	// Detector maps detector kinds to their relative weight in the
	// composite risk aggregation.
	Detector map[schema.DetectorKind]float64 `yaml:"detector"`

	// Signature holds the additive dimension weights for the
	// signature-match detector. The three must sum to 100.
	Signature SignatureWeights `yaml:"signature"`
}

// SignatureWeights holds the additive per-dimension weights for
// signature matching.
type SignatureWeights struct {
	Endpoint  float64 `yaml:"endpoint"`
	UserAgent float64 `yaml:"user_agent"`
	Marker    float64 `yaml:"marker"`
}

// DefaultWeightTable returns revision 1 of the scoring weights.
func DefaultWeightTable() WeightTable {
	return WeightTable{
		Version: "1",
		Detector: map[schema.DetectorKind]float64{
			schema.DetectorVelocity:       1.0,
			schema.DetectorTimingVariance: 0.8,
			schema.DetectorBatchOperation: 1.0,
			schema.DetectorOffHours:       0.7,
			schema.DetectorSignatureMatch: 0.9,
			schema.DetectorEscalation:     1.2,
			schema.DetectorDataVolume:     1.1,
			schema.DetectorCorrelation:    1.0,
		},
		Signature: SignatureWeights{
			Endpoint:  40,
			UserAgent: 30,
			Marker:    30,
		},
	}
}

// WeightFor returns the aggregation weight for a detector kind, defaulting
// to 1.0 for kinds absent from the table.
func (w *WeightTable) WeightFor(kind schema.DetectorKind) float64 {
	if v, ok := w.Detector[kind]; ok {
		return v
	}
	return 1.0
}

// Validate checks the weight table for consistency.
func (w *WeightTable) Validate() error {
	if w.Version == "" {
		return fmt.Errorf("weight table version is required")
	}
	for kind, v := range w.Detector {
		if v < 0 {
			return fmt.Errorf("negative weight %v for detector %s", v, kind)
		}
	}
	sum := w.Signature.Endpoint + w.Signature.UserAgent + w.Signature.Marker
	if sum != 100 {
		return fmt.Errorf("signature weights must sum to 100, got %v", sum)
	}
	return nil
}
