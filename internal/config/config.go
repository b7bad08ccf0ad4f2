// Package config handles configuration loading for the detection engine.
// Every detector threshold is per-organization and overridable; values a
// configuration omits fall back to the documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"botsentry/internal/schema"
)

// Config holds the complete engine configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Queue    QueueConfig    `yaml:"queue"`
	Baseline BaselineConfig `yaml:"baseline"`
	Storage  StorageConfig  `yaml:"storage"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Logging  LoggingConfig  `yaml:"logging"`
	Weights  WeightTable    `yaml:"weights"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Defaults OrgConfig      `yaml:"org_defaults"`
	Orgs     []OrgConfig    `yaml:"orgs,omitempty"`
}

// EngineConfig holds orchestrator-level settings.
type EngineConfig struct {
	Workers           int           `yaml:"workers"`            // candidate workers per batch, 0 = NumCPU
	BatchBudget       time.Duration `yaml:"batch_budget"`       // deadline for one batch
	DetectorBudget    time.Duration `yaml:"detector_budget"`    // per-detector, per-candidate
	CorrelationBudget time.Duration `yaml:"correlation_budget"` // per-org correlation pass
	MaxBatchSize      int           `yaml:"max_batch_size"`     // candidates per batch
}

// QueueConfig holds batch admission queue settings.
type QueueConfig struct {
	Size int `yaml:"size"` // in-flight batch capacity; full queue rejects
}

// BaselineConfig holds baseline learner settings.
type BaselineConfig struct {
	WarmSampleCount int           `yaml:"warm_sample_count"` // samples before anomaly-relative comparisons
	RefreshCadence  time.Duration `yaml:"refresh_cadence"`
	Redis           RedisConfig   `yaml:"redis"`
	Archive         ArchiveConfig `yaml:"archive"`
}

// RedisConfig holds connection settings for the baseline snapshot store.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// ArchiveConfig holds S3 snapshot archival settings.
type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Region   string        `yaml:"region"`
	Bucket   string        `yaml:"bucket"`
	Prefix   string        `yaml:"prefix"`
	Endpoint string        `yaml:"endpoint,omitempty"`
	Interval time.Duration `yaml:"interval"`
}

// StorageConfig holds event-history storage settings.
type StorageConfig struct {
	Enabled    bool             `yaml:"enabled"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig holds ClickHouse connection settings for the
// event-history store that feeds baseline warm-up.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// KafkaConfig holds the service shell's transport settings.
type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	EventsTopic      string   `yaml:"events_topic"`
	AssessmentsTopic string   `yaml:"assessments_topic"`
	GroupID          string   `yaml:"group_id"`
}

// LoggingConfig holds logging settings. Production scrubs connection
// details from errors that cross the service boundary.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Production bool   `yaml:"production"`
}

// CatalogConfig points at the integration-signature catalog file.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// OrgConfig holds the per-organization detection thresholds. A zero value
// in any field means "use the engine default" (see ApplyDefaults).
type OrgConfig struct {
	OrgID string `yaml:"org_id,omitempty"`

	Velocity    VelocityConfig    `yaml:"velocity"`
	Timing      TimingConfig      `yaml:"timing_variance"`
	BatchOps    BatchOpsConfig    `yaml:"batch_operation"`
	OffHours    OffHoursConfig    `yaml:"off_hours"`
	Escalation  EscalationConfig  `yaml:"permission_escalation"`
	DataVolume  DataVolumeConfig  `yaml:"data_volume"`
	Correlation CorrelationConfig `yaml:"correlation"`
}

// VelocityConfig configures the velocity detector.
type VelocityConfig struct {
	// HumanCeilings is the per-action-kind plausible human rate (events/sec).
	HumanCeilings map[schema.EventType]float64 `yaml:"human_ceilings,omitempty"`
	// DefaultHumanCeiling applies to action kinds absent from HumanCeilings.
	DefaultHumanCeiling float64 `yaml:"default_human_ceiling"`
	// AutomationFloor is the events/sec rate where scoring begins.
	AutomationFloor float64 `yaml:"automation_floor"`
	// CriticalCeiling is the events/sec rate where the score saturates at 100.
	CriticalCeiling float64 `yaml:"critical_ceiling"`
}

// TimingConfig configures the timing-variance detector.
type TimingConfig struct {
	// MaxCV is the coefficient-of-variation ceiling below which inter-event
	// gaps are considered machine-regular.
	MaxCV     float64       `yaml:"max_cv"`
	MinEvents int           `yaml:"min_events"`
	MinSpan   time.Duration `yaml:"min_span"`
}

// BatchOpsConfig configures the batch-operation detector.
type BatchOpsConfig struct {
	Window              time.Duration `yaml:"window"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	MinGroupSize        int           `yaml:"min_group_size"`
}

// OffHoursConfig configures the off-hours detector. Suspicious and Critical
// fractions are independently overridable.
type OffHoursConfig struct {
	Timezone           string  `yaml:"timezone"`
	StartHour          int     `yaml:"start_hour"`
	EndHour            int     `yaml:"end_hour"`
	Days               []int   `yaml:"days,omitempty"` // time.Weekday values, default Mon-Fri
	SuspiciousFraction float64 `yaml:"suspicious_fraction"`
	CriticalFraction   float64 `yaml:"critical_fraction"`
	MinEvents          int     `yaml:"min_events"`
}

// EscalationConfig configures the permission-escalation detector.
type EscalationConfig struct {
	Lookback       time.Duration `yaml:"lookback"`
	MinEscalations int           `yaml:"min_escalations"`
}

// DataVolumeConfig configures the data-volume detector.
type DataVolumeConfig struct {
	// RelativeMultiplier fires when volume exceeds this multiple of the warm
	// organization baseline for the category.
	RelativeMultiplier float64 `yaml:"relative_multiplier"`
	// AbsoluteCeilingBytes fires regardless of baseline.
	AbsoluteCeilingBytes int64 `yaml:"absolute_ceiling_bytes"`
	// Period over which volume is accumulated.
	Period time.Duration `yaml:"period"`
}

// CorrelationConfig configures the cross-platform correlation engine.
type CorrelationConfig struct {
	Window            time.Duration `yaml:"window"`
	MaxEventsPerPass  int           `yaml:"max_events_per_pass"`
	ConfidenceFloor   float64       `yaml:"confidence_floor"`
	TemporalProximity time.Duration `yaml:"temporal_proximity"` // full temporal score inside this gap
	PassBudget        time.Duration `yaml:"pass_budget"`        // per-pass wall-clock budget
}

// DefaultOrgConfig returns the documented default thresholds.
func DefaultOrgConfig() OrgConfig {
	return OrgConfig{
		Velocity: VelocityConfig{
			HumanCeilings: map[schema.EventType]float64{
				schema.EventFileCreate:       1,
				schema.EventPermissionChange: 2,
				schema.EventEmailSend:        3,
			},
			DefaultHumanCeiling: 2,
			AutomationFloor:     5,
			CriticalCeiling:     10,
		},
		Timing: TimingConfig{
			MaxCV:     0.25,
			MinEvents: 5,
			MinSpan:   10 * time.Second,
		},
		BatchOps: BatchOpsConfig{
			Window:              30 * time.Second,
			SimilarityThreshold: 0.7,
			MinGroupSize:        3,
		},
		OffHours: OffHoursConfig{
			Timezone:           "UTC",
			StartHour:          9,
			EndHour:            17,
			Days:               []int{1, 2, 3, 4, 5}, // Mon-Fri
			SuspiciousFraction: 0.30,
			CriticalFraction:   0.60,
			MinEvents:          10,
		},
		Escalation: EscalationConfig{
			Lookback:       24 * time.Hour,
			MinEscalations: 2,
		},
		DataVolume: DataVolumeConfig{
			RelativeMultiplier:   3,
			AbsoluteCeilingBytes: 500 * 1024 * 1024,
			Period:               24 * time.Hour,
		},
		Correlation: CorrelationConfig{
			Window:            5 * time.Minute,
			MaxEventsPerPass:  10000,
			ConfidenceFloor:   0.8,
			TemporalProximity: 30 * time.Second,
			PassBudget:        2 * time.Second,
		},
	}
}

// ApplyDefaults fills any zero-valued field from the defaults, so a partial
// per-organization override never disables a detector by accident.
func (o *OrgConfig) ApplyDefaults(def OrgConfig) {
	if o.Velocity.HumanCeilings == nil {
		o.Velocity.HumanCeilings = def.Velocity.HumanCeilings
	}
	if o.Velocity.DefaultHumanCeiling == 0 {
		o.Velocity.DefaultHumanCeiling = def.Velocity.DefaultHumanCeiling
	}
	if o.Velocity.AutomationFloor == 0 {
		o.Velocity.AutomationFloor = def.Velocity.AutomationFloor
	}
	if o.Velocity.CriticalCeiling == 0 {
		o.Velocity.CriticalCeiling = def.Velocity.CriticalCeiling
	}

	if o.Timing.MaxCV == 0 {
		o.Timing.MaxCV = def.Timing.MaxCV
	}
	if o.Timing.MinEvents == 0 {
		o.Timing.MinEvents = def.Timing.MinEvents
	}
	if o.Timing.MinSpan == 0 {
		o.Timing.MinSpan = def.Timing.MinSpan
	}

	if o.BatchOps.Window == 0 {
		o.BatchOps.Window = def.BatchOps.Window
	}
	if o.BatchOps.SimilarityThreshold == 0 {
		o.BatchOps.SimilarityThreshold = def.BatchOps.SimilarityThreshold
	}
	if o.BatchOps.MinGroupSize == 0 {
		o.BatchOps.MinGroupSize = def.BatchOps.MinGroupSize
	}

	if o.OffHours.Timezone == "" {
		o.OffHours.Timezone = def.OffHours.Timezone
	}
	if o.OffHours.StartHour == 0 && o.OffHours.EndHour == 0 {
		o.OffHours.StartHour = def.OffHours.StartHour
		o.OffHours.EndHour = def.OffHours.EndHour
	}
	if len(o.OffHours.Days) == 0 {
		o.OffHours.Days = def.OffHours.Days
	}
	if o.OffHours.SuspiciousFraction == 0 {
		o.OffHours.SuspiciousFraction = def.OffHours.SuspiciousFraction
	}
	if o.OffHours.CriticalFraction == 0 {
		o.OffHours.CriticalFraction = def.OffHours.CriticalFraction
	}
	if o.OffHours.MinEvents == 0 {
		o.OffHours.MinEvents = def.OffHours.MinEvents
	}

	if o.Escalation.Lookback == 0 {
		o.Escalation.Lookback = def.Escalation.Lookback
	}
	if o.Escalation.MinEscalations == 0 {
		o.Escalation.MinEscalations = def.Escalation.MinEscalations
	}

	if o.DataVolume.RelativeMultiplier == 0 {
		o.DataVolume.RelativeMultiplier = def.DataVolume.RelativeMultiplier
	}
	if o.DataVolume.AbsoluteCeilingBytes == 0 {
		o.DataVolume.AbsoluteCeilingBytes = def.DataVolume.AbsoluteCeilingBytes
	}
	if o.DataVolume.Period == 0 {
		o.DataVolume.Period = def.DataVolume.Period
	}

	if o.Correlation.Window == 0 {
		o.Correlation.Window = def.Correlation.Window
	}
	if o.Correlation.MaxEventsPerPass == 0 {
		o.Correlation.MaxEventsPerPass = def.Correlation.MaxEventsPerPass
	}
	if o.Correlation.ConfidenceFloor == 0 {
		o.Correlation.ConfidenceFloor = def.Correlation.ConfidenceFloor
	}
	if o.Correlation.TemporalProximity == 0 {
		o.Correlation.TemporalProximity = def.Correlation.TemporalProximity
	}
	if o.Correlation.PassBudget == 0 {
		o.Correlation.PassBudget = def.Correlation.PassBudget
	}
}

// Validate checks configuration consistency.
func (o *OrgConfig) Validate() error {
	if o.Velocity.AutomationFloor >= o.Velocity.CriticalCeiling {
		return fmt.Errorf("velocity: automation_floor (%v) must be below critical_ceiling (%v)",
			o.Velocity.AutomationFloor, o.Velocity.CriticalCeiling)
	}
	if o.OffHours.SuspiciousFraction > o.OffHours.CriticalFraction {
		return fmt.Errorf("off_hours: suspicious_fraction (%v) must not exceed critical_fraction (%v)",
			o.OffHours.SuspiciousFraction, o.OffHours.CriticalFraction)
	}
	if o.OffHours.StartHour < 0 || o.OffHours.StartHour > 23 ||
		o.OffHours.EndHour < 1 || o.OffHours.EndHour > 24 ||
		o.OffHours.StartHour >= o.OffHours.EndHour {
		return fmt.Errorf("off_hours: invalid business-hours window %d-%d",
			o.OffHours.StartHour, o.OffHours.EndHour)
	}
	if _, err := loadLocation(o.OffHours.Timezone); err != nil {
		return fmt.Errorf("off_hours: unknown timezone %q: %w", o.OffHours.Timezone, err)
	}
	if o.BatchOps.SimilarityThreshold < 0 || o.BatchOps.SimilarityThreshold > 1 {
		return fmt.Errorf("batch_operation: similarity_threshold must be in [0,1]")
	}
	if o.Correlation.ConfidenceFloor < 0 || o.Correlation.ConfidenceFloor > 1 {
		return fmt.Errorf("correlation: confidence_floor must be in [0,1]")
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:           0, // NumCPU
			BatchBudget:       30 * time.Second,
			DetectorBudget:    5 * time.Second,
			CorrelationBudget: 2 * time.Second,
			MaxBatchSize:      10000,
		},
		Queue: QueueConfig{
			Size: 64,
		},
		Baseline: BaselineConfig{
			WarmSampleCount: 50,
			RefreshCadence:  7 * 24 * time.Hour,
			Redis: RedisConfig{
				Enabled:      false,
				Addr:         "localhost:6379",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
			},
			Archive: ArchiveConfig{
				Enabled:  false,
				Prefix:   "baselines/",
				Interval: 24 * time.Hour,
			},
		},
		Storage: StorageConfig{
			Enabled: false,
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "botsentry",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
		},
		Kafka: KafkaConfig{
			Enabled:          false,
			Brokers:          []string{"localhost:9092"},
			EventsTopic:      "normalized-events",
			AssessmentsTopic: "risk-assessments",
			GroupID:          "botsentry-engine",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Weights:  DefaultWeightTable(),
		Catalog:  CatalogConfig{Path: "configs/signatures.yaml"},
		Defaults: DefaultOrgConfig(),
	}
}

// Load loads configuration from a file or returns defaults. The config path
// comes from BOTSENTRY_CONFIG_PATH or defaults to configs/config.yaml.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("BOTSENTRY_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := cfg.Finalize(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets never live in the file
	if v := os.Getenv("BOTSENTRY_REDIS_PASSWORD"); v != "" {
		cfg.Baseline.Redis.Password = v
	}
	if v := os.Getenv("BOTSENTRY_CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Storage.ClickHouse.Password = v
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize applies defaults to all per-org overrides and validates the
// resulting configuration.
func (c *Config) Finalize() error {
	def := DefaultOrgConfig()
	c.Defaults.ApplyDefaults(def)
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("org_defaults: %w", err)
	}

	for i := range c.Orgs {
		c.Orgs[i].ApplyDefaults(c.Defaults)
		if err := c.Orgs[i].Validate(); err != nil {
			return fmt.Errorf("org %q: %w", c.Orgs[i].OrgID, err)
		}
	}

	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	return nil
}

// ForOrg returns the effective configuration for an organization, falling
// back to the defaults when the org has no explicit override.
func (c *Config) ForOrg(orgID string) OrgConfig {
	for i := range c.Orgs {
		if c.Orgs[i].OrgID == orgID {
			return c.Orgs[i]
		}
	}
	return c.Defaults
}
