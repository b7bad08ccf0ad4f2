// Package startup provides verbose startup diagnostics for the service shell.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"time"

	"botsentry/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	return &Diagnostics{
		cfg:    cfg,
		logger: logger,
	}
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkCatalog()
	d.checkModules()
	d.checkBaselineStore(ctx)
	d.checkStorage(ctx)
	d.checkKafka(ctx)

	d.printSummary()

	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	d.addResult(DiagnosticResult{
		Name:    "memory",
		Status:  StatusOK,
		Message: "Memory statistics",
		Details: map[string]string{
			"alloc_mb":       fmt.Sprintf("%.2f", float64(m.Alloc)/1024/1024),
			"sys_mb":         fmt.Sprintf("%.2f", float64(m.Sys)/1024/1024),
			"num_goroutines": fmt.Sprintf("%d", runtime.NumGoroutine()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	configPath := os.Getenv("BOTSENTRY_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Weights.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "weight_table",
			Status:  StatusError,
			Message: fmt.Sprintf("Weight table validation failed: %s", err),
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "weight_table",
			Status:  StatusOK,
			Message: "Weight table is valid",
			Details: map[string]string{"version": d.cfg.Weights.Version},
		})
	}

	if err := d.cfg.Defaults.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "org_defaults",
			Status:  StatusError,
			Message: fmt.Sprintf("Default thresholds invalid: %s", err),
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "org_defaults",
			Status:  StatusOK,
			Message: "Default thresholds are valid",
			Details: map[string]string{"org_overrides": fmt.Sprintf("%d", len(d.cfg.Orgs))},
		})
	}
}

func (d *Diagnostics) checkCatalog() {
	path := d.cfg.Catalog.Path
	if path == "" {
		d.addResult(DiagnosticResult{
			Name:    "signature_catalog",
			Status:  StatusWarning,
			Message: "No catalog path configured, using builtin signatures",
		})
		return
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "signature_catalog",
			Status:  StatusWarning,
			Message: "Catalog file not found, using builtin signatures",
			Details: map[string]string{"path": path},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "signature_catalog",
			Status:  StatusOK,
			Message: "Catalog file found",
			Details: map[string]string{"path": path},
		})
	}
}

func (d *Diagnostics) checkModules() {
	modules := []struct {
		name    string
		enabled bool
	}{
		{"Detection Engine", true},
		{"Kafka Transport", d.cfg.Kafka.Enabled},
		{"ClickHouse Event History", d.cfg.Storage.Enabled},
		{"Redis Baseline Store", d.cfg.Baseline.Redis.Enabled},
		{"S3 Baseline Archive", d.cfg.Baseline.Archive.Enabled},
	}

	enabledCount := 0
	for _, m := range modules {
		status := StatusSkipped
		message := "Disabled"
		if m.enabled {
			status = StatusOK
			message = "Enabled"
			enabledCount++
		}
		d.addResult(DiagnosticResult{
			Name:    fmt.Sprintf("module_%s", m.name),
			Status:  status,
			Message: message,
		})
	}

	d.logger.Info("modules summary", "enabled", enabledCount, "total", len(modules))
}

func (d *Diagnostics) checkBaselineStore(ctx context.Context) {
	if !d.cfg.Baseline.Redis.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "redis_connectivity",
			Status:  StatusWarning,
			Message: "Redis is DISABLED - baselines will not survive restarts",
			Details: map[string]string{"mode": "in-memory"},
		})
		return
	}

	d.checkEndpoint(ctx, "redis_connectivity", "Redis", d.cfg.Baseline.Redis.Addr)
}

func (d *Diagnostics) checkStorage(ctx context.Context) {
	if !d.cfg.Storage.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "clickhouse_connectivity",
			Status:  StatusWarning,
			Message: "Event history is DISABLED - baseline replay unavailable after restarts",
		})
		return
	}

	host := "localhost:9000"
	if len(d.cfg.Storage.ClickHouse.Hosts) > 0 {
		host = d.cfg.Storage.ClickHouse.Hosts[0]
	}
	d.checkEndpoint(ctx, "clickhouse_connectivity", "ClickHouse", host)
}

func (d *Diagnostics) checkKafka(ctx context.Context) {
	if !d.cfg.Kafka.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "kafka_connectivity",
			Status:  StatusSkipped,
			Message: "Kafka transport disabled",
		})
		return
	}

	broker := "localhost:9092"
	if len(d.cfg.Kafka.Brokers) > 0 {
		broker = d.cfg.Kafka.Brokers[0]
	}
	d.checkEndpoint(ctx, "kafka_connectivity", "Kafka", broker)
}

func (d *Diagnostics) checkEndpoint(ctx context.Context, check, name, addr string) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    check,
			Status:  StatusError,
			Message: fmt.Sprintf("Cannot connect to %s: %s", name, err),
			Details: map[string]string{"addr": addr},
		})
		return
	}
	conn.Close()
	d.addResult(DiagnosticResult{
		Name:    check,
		Status:  StatusOK,
		Message: fmt.Sprintf("%s is reachable", name),
		Details: map[string]string{"addr": addr},
	})
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - service may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	} else {
		d.logger.Info("all startup diagnostics passed")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}
