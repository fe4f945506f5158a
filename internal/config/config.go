// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package config loads the pipeline definition from HCL: the orchestrator
// block with its budgets and retry policy, the capability endpoint bindings,
// and the step blocks that declare the execution graph. The loaded config is
// format-agnostic; binding handlers to steps happens in the step registry.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/permitgrid/internal/capability"
	"github.com/vk/permitgrid/internal/step"
)

// Orchestrator holds the engine-level settings.
type Orchestrator struct {
	WorkerCount       int
	SessionBudget     time.Duration
	MaxRevisionCycles int
	AuditCapability   string
	PackagingStep     string
	JournalDir        string
	CorpusSeed        string
	CorpusURL         string
	ListenAddr        string
	Retry             Retry
}

// Retry holds the transient backoff policy.
type Retry struct {
	MaxTransientRetries int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	Multiplier          float64
	Jitter              bool
}

// Config is the fully loaded pipeline configuration.
type Config struct {
	Orchestrator Orchestrator
	Endpoints    []capability.Endpoint
	Steps        []step.Definition
}

// hclFile is the top-level HCL layout.
type hclFile struct {
	Orchestrator *hclOrchestrator `hcl:"orchestrator,block"`
	Capabilities []*hclCapability `hcl:"capability,block"`
	Steps        []*hclStep       `hcl:"step,block"`
}

type hclOrchestrator struct {
	WorkerCount       *int      `hcl:"worker_count,optional"`
	SessionBudget     *string   `hcl:"session_budget,optional"`
	MaxRevisionCycles *int      `hcl:"max_revision_cycles,optional"`
	AuditCapability   *string   `hcl:"audit_capability,optional"`
	PackagingStep     *string   `hcl:"packaging_step,optional"`
	JournalDir        *string   `hcl:"journal_dir,optional"`
	CorpusSeed        *string   `hcl:"corpus_seed,optional"`
	CorpusURL         *string   `hcl:"corpus_url,optional"`
	ListenAddr        *string   `hcl:"listen_addr,optional"`
	Retry             *hclRetry `hcl:"retry,block"`
}

type hclRetry struct {
	MaxTransientRetries *int     `hcl:"max_transient_retries,optional"`
	InitialBackoff      *string  `hcl:"initial_backoff,optional"`
	MaxBackoff          *string  `hcl:"max_backoff,optional"`
	Multiplier          *float64 `hcl:"multiplier,optional"`
	Jitter              *bool    `hcl:"jitter,optional"`
}

type hclCapability struct {
	Name  string `hcl:"name,label"`
	URL   string `hcl:"url"`
	Model string `hcl:"model,optional"`
}

type hclStep struct {
	Name       string         `hcl:"name,label"`
	Handler    string         `hcl:"handler"`
	Capability string         `hcl:"capability,optional"`
	DependsOn  []string       `hcl:"depends_on,optional"`
	Categories []string       `hcl:"categories,optional"`
	Drafting   bool           `hcl:"drafting,optional"`
	Params     hcl.Expression `hcl:"params,optional"`
}

// Defaults returns the orchestrator settings used when the block or a field
// is absent.
func Defaults() Orchestrator {
	return Orchestrator{
		WorkerCount:       4,
		SessionBudget:     10 * time.Minute,
		MaxRevisionCycles: 2,
		ListenAddr:        ":8080",
		Retry: Retry{
			MaxTransientRetries: 3,
			InitialBackoff:      500 * time.Millisecond,
			MaxBackoff:          30 * time.Second,
			Multiplier:          2.0,
			Jitter:              true,
		},
	}
}

// Load parses one pipeline file.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse pipeline file %s: %w", path, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode pipeline file %s: %w", path, diags)
	}
	return fromParsed(&parsed)
}

// LoadBytes parses an in-memory pipeline definition; the filename only
// labels diagnostics.
func LoadBytes(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse pipeline %s: %w", filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode pipeline %s: %w", filename, diags)
	}
	return fromParsed(&parsed)
}

func fromParsed(parsed *hclFile) (*Config, error) {
	cfg := &Config{Orchestrator: Defaults()}

	if o := parsed.Orchestrator; o != nil {
		if o.WorkerCount != nil {
			if *o.WorkerCount <= 0 {
				return nil, fmt.Errorf("worker_count must be positive, got %d", *o.WorkerCount)
			}
			cfg.Orchestrator.WorkerCount = *o.WorkerCount
		}
		if err := setDuration(&cfg.Orchestrator.SessionBudget, o.SessionBudget, "session_budget"); err != nil {
			return nil, err
		}
		if o.MaxRevisionCycles != nil {
			if *o.MaxRevisionCycles < 0 {
				return nil, fmt.Errorf("max_revision_cycles must be non-negative, got %d", *o.MaxRevisionCycles)
			}
			cfg.Orchestrator.MaxRevisionCycles = *o.MaxRevisionCycles
		}
		setString(&cfg.Orchestrator.AuditCapability, o.AuditCapability)
		setString(&cfg.Orchestrator.PackagingStep, o.PackagingStep)
		setString(&cfg.Orchestrator.JournalDir, o.JournalDir)
		setString(&cfg.Orchestrator.CorpusSeed, o.CorpusSeed)
		setString(&cfg.Orchestrator.CorpusURL, o.CorpusURL)
		setString(&cfg.Orchestrator.ListenAddr, o.ListenAddr)

		if r := o.Retry; r != nil {
			if r.MaxTransientRetries != nil {
				cfg.Orchestrator.Retry.MaxTransientRetries = *r.MaxTransientRetries
			}
			if err := setDuration(&cfg.Orchestrator.Retry.InitialBackoff, r.InitialBackoff, "initial_backoff"); err != nil {
				return nil, err
			}
			if err := setDuration(&cfg.Orchestrator.Retry.MaxBackoff, r.MaxBackoff, "max_backoff"); err != nil {
				return nil, err
			}
			if r.Multiplier != nil {
				cfg.Orchestrator.Retry.Multiplier = *r.Multiplier
			}
			if r.Jitter != nil {
				cfg.Orchestrator.Retry.Jitter = *r.Jitter
			}
		}
	}

	seenCaps := make(map[string]bool, len(parsed.Capabilities))
	for _, c := range parsed.Capabilities {
		if seenCaps[c.Name] {
			return nil, fmt.Errorf("capability %q declared twice", c.Name)
		}
		seenCaps[c.Name] = true
		if c.URL == "" {
			return nil, fmt.Errorf("capability %q has no url", c.Name)
		}
		cfg.Endpoints = append(cfg.Endpoints, capability.Endpoint{
			Capability: c.Name,
			URL:        c.URL,
			Model:      c.Model,
		})
	}

	if len(parsed.Steps) == 0 {
		return nil, fmt.Errorf("pipeline declares no steps")
	}
	for _, s := range parsed.Steps {
		if s.Handler == "" {
			return nil, fmt.Errorf("step %q has no handler", s.Name)
		}
		if s.Capability != "" && !seenCaps[s.Capability] {
			return nil, fmt.Errorf("step %q references undeclared capability %q", s.Name, s.Capability)
		}
		params, err := paramsValue(s.Params)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", s.Name, err)
		}
		cfg.Steps = append(cfg.Steps, step.Definition{
			ID:         s.Name,
			Handler:    s.Handler,
			Capability: s.Capability,
			DependsOn:  s.DependsOn,
			Categories: s.Categories,
			Drafting:   s.Drafting,
			Params:     params,
		})
	}
	return cfg, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, *src, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", field, d)
	}
	*dst = d
	return nil
}
