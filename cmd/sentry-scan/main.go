// Package main provides a CLI tool for one-shot scans of exported
// activity-log event files.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	"botsentry/internal/kafka"
	"botsentry/internal/orchestrator"
	"botsentry/internal/schema"
	"botsentry/internal/signature"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "scan":
		runScanCmd(os.Args[2:])
	case "catalog":
		runCatalogCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("sentry-scan %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: sentry-scan <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  scan     Run all detectors over a JSON event file\n")
	fmt.Fprintf(os.Stderr, "  catalog  Validate a signature catalog file\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runScanCmd(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Emit assessments as JSON")
	minScore := fs.Float64("min-score", 0, "Only report assessments at or above this risk score")
	verbose := fs.Bool("verbose", false, "Show per-detector contributing results")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: an event file is required\n")
		fmt.Fprintf(os.Stderr, "Usage: sentry-scan scan [--json] [--min-score N] [--verbose] <events.json>\n")
		os.Exit(1)
	}

	os.Exit(runScan(paths, *jsonOut, *minScore, *verbose))
}

func runCatalogCmd(args []string) {
	fs := flag.NewFlagSet("catalog", flag.ExitOnError)
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one catalog file is required\n")
		os.Exit(1)
	}

	exit := 0
	for _, path := range paths {
		catalog, err := signature.LoadCatalog(path)
		if err != nil {
			fmt.Printf("  FAIL  %s: %v\n", path, err)
			exit = 1
			continue
		}
		fmt.Printf("  OK    %s (%d signature(s))\n", path, catalog.Len())
	}
	os.Exit(exit)
}

func runScan(paths []string, jsonOut bool, minScore float64, verbose bool) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}

	// Quiet logger: scan output goes to stdout, diagnostics to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	catalog := signature.BuiltinCatalog()
	if cfg.Catalog.Path != "" {
		if loaded, err := signature.LoadCatalog(cfg.Catalog.Path); err == nil {
			catalog = loaded
		}
	}

	store := baseline.NewMemoryStore()
	learner := baseline.NewLearner(store, cfg.Baseline.WarmSampleCount, cfg.Baseline.RefreshCadence)
	engine := orchestrator.New(cfg, catalog, store, learner, logger)

	ctx := context.Background()
	exit := 0
	for _, path := range paths {
		if err := scanFile(ctx, engine, path, jsonOut, minScore, verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			exit = 1
		}
	}
	return exit
}

func scanFile(ctx context.Context, engine *orchestrator.Orchestrator, path string, jsonOut bool, minScore float64, verbose bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var events []schema.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return fmt.Errorf("failed to parse events: %w", err)
	}
	if len(events) == 0 {
		return fmt.Errorf("no events in file")
	}

	validator := schema.NewValidator()
	valid := events[:0]
	for i := range events {
		if err := validator.Validate(&events[i]); err != nil {
			fmt.Fprintf(os.Stderr, "Skipping invalid event %s: %v\n", events[i].EventID, err)
			continue
		}
		valid = append(valid, events[i])
	}

	var reported []schema.CompositeRiskAssessment
	for _, batch := range kafka.GroupEvents(valid) {
		result, err := engine.ProcessBatch(ctx, batch)
		if err != nil {
			return err
		}
		for _, a := range result.Assessments {
			if a.RiskScore >= minScore {
				reported = append(reported, a)
			}
		}
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reported)
	}

	fmt.Printf("%s: %d event(s), %d assessment(s)\n", path, len(valid), len(reported))
	for _, a := range reported {
		fmt.Printf("  %-30s  org=%-12s  score=%6.2f  level=%s\n",
			a.AutomationID, a.OrgID, a.RiskScore, a.RiskLevel)
		if a.ChainID != nil {
			fmt.Printf("    chain: %s\n", a.ChainID)
		}
		if len(a.Incomplete) > 0 {
			fmt.Printf("    incomplete: %v\n", a.Incomplete)
		}
		if verbose {
			for _, r := range a.Contributing {
				fmt.Printf("    - %-18s score=%6.2f confidence=%.2f\n",
					r.Detector, r.Score, r.Confidence)
			}
		}
	}
	return nil
}
