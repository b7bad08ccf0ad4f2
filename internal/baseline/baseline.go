// Package baseline learns per-organization normal-behavior profiles and
// serves them to detectors for anomaly-relative comparisons. A baseline
// below its warm-up sample count never produces anomaly-relative values;
// callers fall back to static defaults.
package baseline

import (
	"time"

	bserrors "botsentry/internal/errors"
)

// VelocityStats holds the learned normal event velocity for an organization.
type VelocityStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// OrganizationBaseline is the learned normal-behavior profile for one
// organization. It is the only persisted artifact the engine owns,
// serialized and keyed by organization id. Updates are compare-and-swap on
// Version; the profile is never read-modify-written without a version check.
type OrganizationBaseline struct {
	OrgID          string        `json:"org_id"`
	NormalVelocity VelocityStats `json:"normal_velocity"`

	// VolumeByCategory is the learned mean transferred bytes per period,
	// keyed by data category (event type).
	VolumeByCategory map[string]float64 `json:"volume_by_category,omitempty"`

	// HourHistogram counts observed events per UTC hour of day; readers
	// refining the business-hours window shift it by the organization's
	// configured timezone.
	HourHistogram [24]int64 `json:"hour_histogram"`

	// PermissionPatterns counts observed permission grants by level.
	PermissionPatterns map[string]int64 `json:"permission_patterns,omitempty"`

	// AutomationTypeDistribution counts assessed candidates by kind.
	AutomationTypeDistribution map[string]int64 `json:"automation_type_distribution,omitempty"`

	// CrossPlatformUsage counts observed events per platform.
	CrossPlatformUsage map[string]int64 `json:"cross_platform_usage,omitempty"`

	SampleSize  int       `json:"sample_size"`
	LastUpdated time.Time `json:"last_updated"`
	Version     uint64    `json:"version"`

	// welfordM2 is the running sum of squared velocity deviations; kept in
	// the snapshot so learning can resume across restarts.
	WelfordM2 float64 `json:"welford_m2"`
}

// Clone returns a deep copy so concurrent readers never share mutable maps
// with the single writer.
func (b *OrganizationBaseline) Clone() *OrganizationBaseline {
	if b == nil {
		return nil
	}
	c := *b
	c.VolumeByCategory = cloneMapF(b.VolumeByCategory)
	c.PermissionPatterns = cloneMapI(b.PermissionPatterns)
	c.AutomationTypeDistribution = cloneMapI(b.AutomationTypeDistribution)
	c.CrossPlatformUsage = cloneMapI(b.CrossPlatformUsage)
	return &c
}

func cloneMapF(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	c := make(map[string]float64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneMapI(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	c := make(map[string]int64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// View is the immutable read side of a baseline handed to detectors for one
// detection pass. A View over a cold (or missing) baseline reports
// Warm() == false and returns BaselineUnavailableError from every
// anomaly-relative accessor; it never fails a batch.
type View struct {
	snap   *OrganizationBaseline
	warmAt int
}

// NewView wraps a snapshot (possibly nil) with the configured warm-up
// sample count.
func NewView(snap *OrganizationBaseline, warmAt int) View {
	return View{snap: snap, warmAt: warmAt}
}

// Warm reports whether the baseline has accumulated enough samples for
// anomaly-relative comparisons. The switch happens exactly at the
// configured threshold.
func (v View) Warm() bool {
	return v.snap != nil && v.snap.SampleSize >= v.warmAt
}

// NormalVelocity returns the learned velocity stats, or
// BaselineUnavailableError when the baseline is cold.
func (v View) NormalVelocity() (VelocityStats, error) {
	if !v.Warm() {
		return VelocityStats{}, v.unavailable()
	}
	return v.snap.NormalVelocity, nil
}

// VolumeBaseline returns the learned mean byte volume for a category, or
// BaselineUnavailableError when the baseline is cold or the category has
// no history.
func (v View) VolumeBaseline(category string) (float64, error) {
	if !v.Warm() {
		return 0, v.unavailable()
	}
	vol, ok := v.snap.VolumeByCategory[category]
	if !ok || vol <= 0 {
		return 0, v.unavailable()
	}
	return vol, nil
}

// SampleSize returns the number of accumulated samples (0 for a missing
// baseline).
func (v View) SampleSize() int {
	if v.snap == nil {
		return 0
	}
	return v.snap.SampleSize
}

// Version returns the snapshot version (0 for a missing baseline).
func (v View) Version() uint64 {
	if v.snap == nil {
		return 0
	}
	return v.snap.Version
}

func (v View) unavailable() error {
	orgID := ""
	samples := 0
	if v.snap != nil {
		orgID = v.snap.OrgID
		samples = v.snap.SampleSize
	}
	return bserrors.NewBaselineUnavailable(orgID, samples, v.warmAt)
}
