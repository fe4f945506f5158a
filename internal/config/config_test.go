package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullPipeline = `
orchestrator {
  worker_count        = 6
  session_budget      = "15m"
  max_revision_cycles = 1
  audit_capability    = "audit"
  packaging_step      = "assemble_package"
  journal_dir         = "/var/lib/permitgrid"
  corpus_seed         = "corpus.yaml"
  listen_addr         = ":9090"

  retry {
    max_transient_retries = 5
    initial_backoff       = "250ms"
    max_backoff           = "10s"
    multiplier            = 1.5
    jitter                = false
  }
}

capability "extraction" {
  url   = "http://localhost:8001"
  model = "gemini-2.5-pro"
}

capability "reasoning" {
  url = "http://localhost:8002"
}

step "parse_notice" {
  handler    = "notice.parse"
  capability = "extraction"
}

step "route" {
  handler    = "route.categorize"
  depends_on = ["parse_notice"]
}

step "zoning" {
  handler    = "validators.zoning"
  capability = "reasoning"
  depends_on = ["route"]
  categories = ["ZONING"]
  drafting   = true

  params = {
    tone               = "formal"
    max_draft_words    = 250
    include_precedents = true
  }
}
`

func TestLoadBytesFullPipeline(t *testing.T) {
	cfg, err := LoadBytes([]byte(fullPipeline), "pipeline.hcl")
	require.NoError(t, err)

	o := cfg.Orchestrator
	assert.Equal(t, 6, o.WorkerCount)
	assert.Equal(t, 15*time.Minute, o.SessionBudget)
	assert.Equal(t, 1, o.MaxRevisionCycles)
	assert.Equal(t, "audit", o.AuditCapability)
	assert.Equal(t, "assemble_package", o.PackagingStep)
	assert.Equal(t, "/var/lib/permitgrid", o.JournalDir)
	assert.Equal(t, "corpus.yaml", o.CorpusSeed)
	assert.Equal(t, ":9090", o.ListenAddr)

	assert.Equal(t, 5, o.Retry.MaxTransientRetries)
	assert.Equal(t, 250*time.Millisecond, o.Retry.InitialBackoff)
	assert.Equal(t, 10*time.Second, o.Retry.MaxBackoff)
	assert.Equal(t, 1.5, o.Retry.Multiplier)
	assert.False(t, o.Retry.Jitter)

	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "extraction", cfg.Endpoints[0].Capability)
	assert.Equal(t, "gemini-2.5-pro", cfg.Endpoints[0].Model)

	require.Len(t, cfg.Steps, 3)
	zoning := cfg.Steps[2]
	assert.Equal(t, "zoning", zoning.ID)
	assert.Equal(t, "validators.zoning", zoning.Handler)
	assert.Equal(t, []string{"route"}, zoning.DependsOn)
	assert.Equal(t, []string{"ZONING"}, zoning.Categories)
	assert.True(t, zoning.Drafting)
	assert.Equal(t, map[string]any{
		"tone":               "formal",
		"max_draft_words":    int64(250),
		"include_precedents": true,
	}, zoning.Params)
}

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
step "solo" {
  handler = "notice.parse"
}
`), "pipeline.hcl")
	require.NoError(t, err)

	d := Defaults()
	assert.Equal(t, d.WorkerCount, cfg.Orchestrator.WorkerCount)
	assert.Equal(t, d.SessionBudget, cfg.Orchestrator.SessionBudget)
	assert.Equal(t, d.MaxRevisionCycles, cfg.Orchestrator.MaxRevisionCycles)
	assert.Equal(t, d.Retry, cfg.Orchestrator.Retry)
}

func TestLoadBytesRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"no steps":           `orchestrator {}`,
		"missing handler":    `step "x" {}`,
		"unknown capability": `
step "x" {
  handler    = "h"
  capability = "ghost"
}`,
		"duplicate capability": `
capability "c" { url = "http://a" }
capability "c" { url = "http://b" }
step "x" { handler = "h" }`,
		"capability without url": `
capability "c" { url = "" }
step "x" { handler = "h" }`,
		"bad duration": `
orchestrator { session_budget = "fortnight" }
step "x" { handler = "h" }`,
		"negative workers": `
orchestrator { worker_count = -1 }
step "x" { handler = "h" }`,
		"syntax error": `step "x" {`,
		"non-object params": `
step "x" {
  handler = "h"
  params  = "formal"
}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadBytes([]byte(src), "pipeline.hcl")
			require.Error(t, err)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.hcl")
	require.NoError(t, os.WriteFile(path, []byte(fullPipeline), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Steps, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.hcl"))
	require.Error(t, err)
}
