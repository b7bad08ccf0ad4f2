package schema

import (
	"time"

	"github.com/google/uuid"
)

// CandidateKind classifies what sort of automated actor a candidate is.
type CandidateKind string

const (
	CandidateBot            CandidateKind = "bot"
	CandidateScript         CandidateKind = "script"
	CandidateServiceAccount CandidateKind = "service_account"
	CandidateIntegration    CandidateKind = "integration"
)

// AutomationCandidate groups the events attributable to one automated actor
// for a single detection pass. Events are sorted by timestamp by the
// orchestrator before any detector runs.
type AutomationCandidate struct {
	AutomationID string        `json:"automation_id" validate:"required,max=256"`
	OrgID        string        `json:"org_id" validate:"required,max=128"`
	Kind         CandidateKind `json:"kind,omitempty"`
	Events       []Event       `json:"events" validate:"required,min=1,dive"`
}

// DetectorKind identifies which detector produced a result.
type DetectorKind string

const (
	DetectorVelocity       DetectorKind = "velocity"
	DetectorTimingVariance DetectorKind = "timing_variance"
	DetectorBatchOperation DetectorKind = "batch_operation"
	DetectorOffHours       DetectorKind = "off_hours"
	DetectorSignatureMatch DetectorKind = "signature_match"
	DetectorEscalation     DetectorKind = "permission_escalation"
	DetectorDataVolume     DetectorKind = "data_volume"
	DetectorCorrelation    DetectorKind = "correlation"
)

// DetectionResult is one detector's finding for one automation candidate.
// Results are append-only: a result is never mutated or retracted, only
// superseded by a newer result in a later batch.
type DetectionResult struct {
	AutomationID string         `json:"automation_id"`
	Detector     DetectorKind   `json:"detector"`
	Score        float64        `json:"score"`      // 0-100, clamped
	Confidence   float64        `json:"confidence"` // 0-1, clamped
	Evidence     map[string]any `json:"evidence,omitempty"`
	ProducedAt   time.Time      `json:"produced_at"`
}

// RiskLevel buckets a composite risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelForScore buckets a 0-100 score into a risk level.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// CompositeRiskAssessment is the final aggregated verdict for one automation
// candidate in a batch, carrying full contributing evidence for audit.
type CompositeRiskAssessment struct {
	AutomationID   string            `json:"automation_id"`
	OrgID          string            `json:"org_id"`
	RiskScore      float64           `json:"risk_score"` // 0-100, clamped
	RiskLevel      RiskLevel         `json:"risk_level"`
	Contributing   []DetectionResult `json:"contributing_results"`
	ChainID        *uuid.UUID        `json:"correlation_chain_id,omitempty"`
	Incomplete     []string          `json:"incomplete,omitempty"` // detectors that failed or timed out
	WeightsVersion string            `json:"weights_version"`
	ProducedAt     time.Time         `json:"produced_at"`
}

// ClampScore clamps a detector or composite score into [0, 100].
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// ClampConfidence clamps a confidence value into [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
