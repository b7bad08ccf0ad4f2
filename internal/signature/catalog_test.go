package signature

import (
	"testing"
)

func TestParseCatalog(t *testing.T) {
	yaml := `
signatures:
  - id: custom-bot
    provider: CustomBot
    class: automation_platform
    endpoint_patterns: ["api.custombot.io"]
    agent_patterns: ["custombot/"]
    marker_patterns: ["cb_run_id"]
  - id: other
    provider: Other
    class: backup_tool
    agent_patterns: ["otherbackup"]
`
	cat, err := ParseCatalog([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if cat.Len() != 2 {
		t.Errorf("Len() = %d, want 2", cat.Len())
	}
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing provider",
			yaml: "signatures:\n  - id: x\n    class: ci_cd\n",
		},
		{
			name: "duplicate id",
			yaml: "signatures:\n  - id: x\n    provider: A\n  - id: x\n    provider: B\n",
		},
		{
			name: "malformed yaml",
			yaml: "signatures: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.yaml)); err == nil {
				t.Error("ParseCatalog should fail")
			}
		})
	}
}

func TestCatalog_MatchEvent(t *testing.T) {
	cat := BuiltinCatalog()

	tests := []struct {
		name         string
		endpoint     string
		agent        string
		marker       string
		wantProvider string
		wantDims     int
	}{
		{
			name:         "endpoint only",
			endpoint:     "hooks.zapier.com",
			wantProvider: "Zapier",
			wantDims:     1,
		},
		{
			name:         "all three dimensions",
			endpoint:     "hooks.zapier.com",
			agent:        "Zapier/2.0",
			marker:       "zap_id=1234",
			wantProvider: "Zapier",
			wantDims:     3,
		},
		{
			name:         "case insensitive agent",
			agent:        "GitHub-Hookshot/abc",
			wantProvider: "GitHub Actions",
			wantDims:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := cat.MatchEvent(tt.endpoint, tt.agent, tt.marker)
			if len(matches) != 1 {
				t.Fatalf("got %d matches, want 1", len(matches))
			}
			m := matches[0]
			if m.Signature.Provider != tt.wantProvider {
				t.Errorf("provider = %q, want %q", m.Signature.Provider, tt.wantProvider)
			}
			dims := 0
			for _, hit := range []bool{m.Endpoint, m.Agent, m.Marker} {
				if hit {
					dims++
				}
			}
			if dims != tt.wantDims {
				t.Errorf("matched dimensions = %d, want %d", dims, tt.wantDims)
			}
		})
	}

	if got := cat.MatchEvent("internal.corp.example", "curl/8.0", ""); len(got) != 0 {
		t.Errorf("unexpected matches for unknown client: %d", len(got))
	}
}
