package startup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"botsentry/internal/config"
)

// ---------- helpers ----------

// newTestLogger returns a slog.Logger that writes to a buffer so tests
// can inspect log output without polluting stdout.
func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler)
}

// newTestDiagnostics creates a Diagnostics with a default config and a
// buffer-backed logger. The caller can tweak cfg before running checks.
func newTestDiagnostics(t *testing.T) (*Diagnostics, *config.Config, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	d := NewDiagnostics(cfg, logger)
	return d, cfg, &buf
}

// chdirTemp changes the working directory to a new temp dir for the
// duration of the test, then restores the original directory on cleanup.
func chdirTemp(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("os.Getwd: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("os.Chdir(%q): %v", tmpDir, err)
	}
	t.Cleanup(func() {
		os.Chdir(origDir)
	})
	return tmpDir
}

// findResult searches a slice of DiagnosticResults for one whose Name
// matches the given name. Returns nil if not found.
func findResult(results []DiagnosticResult, name string) *DiagnosticResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

// ---------- Status.String() ----------

func TestStatusString(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusOK, "OK"},
		{StatusWarning, "WARNING"},
		{StatusError, "ERROR"},
		{StatusSkipped, "SKIPPED"},
		{Status(99), "UNKNOWN"},
		{Status(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := tt.status.String()
			if got != tt.expected {
				t.Errorf("Status(%d).String() = %q, want %q", int(tt.status), got, tt.expected)
			}
		})
	}
}

// ---------- NewDiagnostics ----------

func TestNewDiagnostics(t *testing.T) {
	cfg := config.DefaultConfig()
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	d := NewDiagnostics(cfg, logger)

	if d == nil {
		t.Fatal("NewDiagnostics returned nil")
	}
	if d.cfg != cfg {
		t.Error("Diagnostics.cfg does not point to the supplied config")
	}
	if len(d.results) != 0 {
		t.Errorf("expected empty results, got %d entries", len(d.results))
	}
}

// ---------- addResult ----------

func TestAddResult(t *testing.T) {
	tests := []struct {
		name           string
		status         Status
		expectLogLevel string // "INFO", "WARN", "ERROR", "DEBUG"
	}{
		{"ok result", StatusOK, "INFO"},
		{"warning result", StatusWarning, "WARN"},
		{"error result", StatusError, "ERROR"},
		{"skipped result", StatusSkipped, "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, buf := newTestDiagnostics(t)

			d.addResult(DiagnosticResult{
				Name:    "test_check",
				Status:  tt.status,
				Message: "msg",
				Details: map[string]string{"detail": "val"},
			})

			if len(d.results) != 1 {
				t.Fatalf("expected 1 result, got %d", len(d.results))
			}

			logOutput := buf.String()
			if !strings.Contains(logOutput, fmt.Sprintf("level=%s", tt.expectLogLevel)) {
				t.Errorf("expected log level %s in output:\n%s", tt.expectLogLevel, logOutput)
			}
		})
	}
}

// ---------- individual checks ----------

func TestCheckSystem(t *testing.T) {
	d, _, _ := newTestDiagnostics(t)

	d.checkSystem()

	if r := findResult(d.results, "runtime"); r == nil || r.Status != StatusOK {
		t.Errorf("expected OK runtime check, got %+v", r)
	}
	if r := findResult(d.results, "memory"); r == nil || r.Status != StatusOK {
		t.Errorf("expected OK memory check, got %+v", r)
	}
}

func TestCheckConfigurationMissingFile(t *testing.T) {
	chdirTemp(t)
	d, _, _ := newTestDiagnostics(t)

	d.checkConfiguration()

	r := findResult(d.results, "config_file")
	if r == nil {
		t.Fatal("expected config_file result")
	}
	if r.Status != StatusWarning {
		t.Errorf("expected WARNING for missing config file, got %v", r.Status)
	}
}

func TestCheckConfigurationFilePresent(t *testing.T) {
	tmpDir := chdirTemp(t)
	if err := os.MkdirAll(filepath.Join(tmpDir, "configs"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "configs", "config.yaml"), []byte("{}\n"), 0600); err != nil {
		t.Fatal(err)
	}

	d, _, _ := newTestDiagnostics(t)
	d.checkConfiguration()

	r := findResult(d.results, "config_file")
	if r == nil || r.Status != StatusOK {
		t.Errorf("expected OK for present config file, got %+v", r)
	}
}

func TestCheckConfigurationBadWeights(t *testing.T) {
	d, cfg, _ := newTestDiagnostics(t)
	cfg.Weights.Signature.Endpoint = 10 // dimensions no longer sum to 100

	d.checkConfiguration()

	r := findResult(d.results, "weight_table")
	if r == nil || r.Status != StatusError {
		t.Errorf("expected ERROR for invalid weight table, got %+v", r)
	}
}

func TestCheckCatalogMissing(t *testing.T) {
	chdirTemp(t)
	d, _, _ := newTestDiagnostics(t)

	d.checkCatalog()

	r := findResult(d.results, "signature_catalog")
	if r == nil || r.Status != StatusWarning {
		t.Errorf("expected WARNING for missing catalog, got %+v", r)
	}
}

func TestCheckModulesAllDisabled(t *testing.T) {
	d, cfg, _ := newTestDiagnostics(t)
	cfg.Kafka.Enabled = false
	cfg.Storage.Enabled = false
	cfg.Baseline.Redis.Enabled = false
	cfg.Baseline.Archive.Enabled = false

	d.checkModules()

	// The detection engine itself is always on.
	if r := findResult(d.results, "module_Detection Engine"); r == nil || r.Status != StatusOK {
		t.Errorf("expected detection engine module OK, got %+v", r)
	}
	if r := findResult(d.results, "module_Kafka Transport"); r == nil || r.Status != StatusSkipped {
		t.Errorf("expected kafka module SKIPPED, got %+v", r)
	}
}

func TestCheckBaselineStoreDisabled(t *testing.T) {
	d, cfg, _ := newTestDiagnostics(t)
	cfg.Baseline.Redis.Enabled = false

	d.checkBaselineStore(context.Background())

	r := findResult(d.results, "redis_connectivity")
	if r == nil || r.Status != StatusWarning {
		t.Errorf("expected WARNING when redis disabled, got %+v", r)
	}
}

func TestCheckKafkaDisabled(t *testing.T) {
	d, cfg, _ := newTestDiagnostics(t)
	cfg.Kafka.Enabled = false

	d.checkKafka(context.Background())

	r := findResult(d.results, "kafka_connectivity")
	if r == nil || r.Status != StatusSkipped {
		t.Errorf("expected SKIPPED when kafka disabled, got %+v", r)
	}
}

func TestCheckEndpointReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	d, _, _ := newTestDiagnostics(t)
	d.checkEndpoint(context.Background(), "test_connectivity", "Test", ln.Addr().String())

	r := findResult(d.results, "test_connectivity")
	if r == nil || r.Status != StatusOK {
		t.Errorf("expected OK for reachable endpoint, got %+v", r)
	}
}

func TestCheckEndpointUnreachable(t *testing.T) {
	// Grab a free port, then close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d, _, _ := newTestDiagnostics(t)
	d.checkEndpoint(context.Background(), "test_connectivity", "Test", addr)

	r := findResult(d.results, "test_connectivity")
	if r == nil || r.Status != StatusError {
		t.Errorf("expected ERROR for unreachable endpoint, got %+v", r)
	}
}

// ---------- HasErrors / HasWarnings ----------

func TestHasErrorsAndWarnings(t *testing.T) {
	d, _, _ := newTestDiagnostics(t)

	if d.HasErrors() || d.HasWarnings() {
		t.Error("expected no errors or warnings on empty results")
	}

	d.addResult(DiagnosticResult{Name: "a", Status: StatusWarning})
	if !d.HasWarnings() {
		t.Error("expected HasWarnings after warning result")
	}
	if d.HasErrors() {
		t.Error("did not expect HasErrors after warning result")
	}

	d.addResult(DiagnosticResult{Name: "b", Status: StatusError})
	if !d.HasErrors() {
		t.Error("expected HasErrors after error result")
	}
}

// ---------- RunAll ----------

func TestRunAllWithDefaults(t *testing.T) {
	chdirTemp(t)
	d, cfg, _ := newTestDiagnostics(t)
	// Leave all external modules disabled so RunAll needs no live services.
	cfg.Kafka.Enabled = false
	cfg.Storage.Enabled = false
	cfg.Baseline.Redis.Enabled = false
	cfg.Baseline.Archive.Enabled = false

	results := d.RunAll(context.Background())

	if len(results) == 0 {
		t.Fatal("expected diagnostic results")
	}
	if d.HasErrors() {
		t.Errorf("expected no errors with defaults, results: %+v", results)
	}
}
