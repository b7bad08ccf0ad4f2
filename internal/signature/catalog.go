// Package signature holds the catalog of known third-party integration
// fingerprints. The catalog is data, not code: it loads from YAML and can
// be extended without recompilation.
package signature

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Signature describes one known integration's observable fingerprint.
// All pattern matches are case-insensitive substring matches.
type Signature struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	// Class is the integration category (automation_platform, crm_sync,
	// backup_tool, ci_cd, ...).
	Class string `yaml:"class"`
	// EndpointPatterns match against event metadata endpoint hosts.
	EndpointPatterns []string `yaml:"endpoint_patterns,omitempty"`
	// AgentPatterns match against declared client / user-agent strings.
	AgentPatterns []string `yaml:"agent_patterns,omitempty"`
	// MarkerPatterns match against payload content markers.
	MarkerPatterns []string `yaml:"marker_patterns,omitempty"`
}

// Catalog is an immutable set of integration signatures.
type Catalog struct {
	signatures []Signature
}

// Match records which dimensions of a signature matched.
type Match struct {
	Signature *Signature
	Endpoint  bool
	Agent     bool
	Marker    bool
}

// LoadCatalog reads a signature catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a signature catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Signatures []Signature `yaml:"signatures"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse signature catalog: %w", err)
	}

	seen := make(map[string]bool, len(doc.Signatures))
	for _, sig := range doc.Signatures {
		if sig.ID == "" || sig.Provider == "" {
			return nil, fmt.Errorf("signature missing id or provider: %+v", sig)
		}
		if seen[sig.ID] {
			return nil, fmt.Errorf("duplicate signature id %q", sig.ID)
		}
		seen[sig.ID] = true
	}

	return &Catalog{signatures: doc.Signatures}, nil
}

// BuiltinCatalog returns the signatures shipped with the engine, used when
// no catalog file is configured.
func BuiltinCatalog() *Catalog {
	return &Catalog{signatures: []Signature{
		{
			ID:               "zapier",
			Provider:         "Zapier",
			Class:            "automation_platform",
			EndpointPatterns: []string{"zapier.com", "hooks.zapier.com"},
			AgentPatterns:    []string{"zapier"},
			MarkerPatterns:   []string{"zap_id"},
		},
		{
			ID:               "make",
			Provider:         "Make",
			Class:            "automation_platform",
			EndpointPatterns: []string{"make.com", "integromat.com"},
			AgentPatterns:    []string{"make-integromat", "integromat"},
			MarkerPatterns:   []string{"imt_scenario"},
		},
		{
			ID:               "ifttt",
			Provider:         "IFTTT",
			Class:            "automation_platform",
			EndpointPatterns: []string{"ifttt.com", "maker.ifttt.com"},
			AgentPatterns:    []string{"ifttt"},
		},
		{
			ID:               "github-actions",
			Provider:         "GitHub Actions",
			Class:            "ci_cd",
			EndpointPatterns: []string{"api.github.com"},
			AgentPatterns:    []string{"github-hookshot", "actions/"},
			MarkerPatterns:   []string{"workflow_run"},
		},
		{
			ID:               "salesforce-sync",
			Provider:         "Salesforce",
			Class:            "crm_sync",
			EndpointPatterns: []string{"salesforce.com", "force.com"},
			AgentPatterns:    []string{"salesforce", "sfdc"},
		},
	}}
}

// Len returns the number of signatures in the catalog.
func (c *Catalog) Len() int {
	return len(c.signatures)
}

// MatchEvent checks one event dimension tuple against every signature and
// returns the matches with at least one dimension hit.
func (c *Catalog) MatchEvent(endpoint, userAgent, marker string) []Match {
	var matches []Match

	endpoint = strings.ToLower(endpoint)
	userAgent = strings.ToLower(userAgent)
	marker = strings.ToLower(marker)

	for i := range c.signatures {
		sig := &c.signatures[i]
		m := Match{Signature: sig}

		m.Endpoint = endpoint != "" && matchesAny(endpoint, sig.EndpointPatterns)
		m.Agent = userAgent != "" && matchesAny(userAgent, sig.AgentPatterns)
		m.Marker = marker != "" && matchesAny(marker, sig.MarkerPatterns)

		if m.Endpoint || m.Agent || m.Marker {
			matches = append(matches, m)
		}
	}
	return matches
}

func matchesAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(value, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
