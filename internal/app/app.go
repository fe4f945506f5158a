// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package app assembles and runs the orchestrator: it loads the pipeline
// and intake, registers the handler modules, wires the capability client,
// citation corpus, journal, and metrics together, and drives one session to
// a terminal state while serving the HTTP surface.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vk/permitgrid/internal/config"
	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/metrics"
	"github.com/vk/permitgrid/internal/step"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	pipeline *config.Config
	intake   domain.Intake
	specs    []*step.Spec
	metrics  *metrics.Metrics
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and registry,
// or an error for any configuration problem a user can fix.
func NewApp(outW io.Writer, appConfig *Config, modules ...step.Module) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	pipeline, err := config.Load(appConfig.PipelinePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline configuration: %w", err)
	}
	logger.Debug("Pipeline configuration loaded.", "steps", len(pipeline.Steps), "capabilities", len(pipeline.Endpoints))

	intake, err := loadIntake(appConfig.IntakePath)
	if err != nil {
		return nil, err
	}

	reg := step.NewRegistry()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All handler modules registered.", "count", len(modules))

	specs, err := reg.Build(pipeline.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to bind pipeline steps to handlers: %w", err)
	}
	logger.Debug("Pipeline steps bound to handlers.", "count", len(specs))

	if appConfig.Workers > 0 {
		pipeline.Orchestrator.WorkerCount = appConfig.Workers
	}
	if appConfig.ListenAddr != "" {
		pipeline.Orchestrator.ListenAddr = appConfig.ListenAddr
	}
	if appConfig.JournalDir != "" {
		pipeline.Orchestrator.JournalDir = appConfig.JournalDir
	}

	return &App{
		outW:     outW,
		logger:   logger,
		config:   appConfig,
		pipeline: pipeline,
		intake:   intake,
		specs:    specs,
		metrics:  metrics.New(),
	}, nil
}

// Specs returns the bound pipeline specs. This is primarily for testing.
func (a *App) Specs() []*step.Spec {
	return a.specs
}

// loadIntake reads the YAML intake document a session is created with.
func loadIntake(path string) (domain.Intake, error) {
	var intake domain.Intake
	raw, err := os.ReadFile(path)
	if err != nil {
		return intake, fmt.Errorf("failed to read intake file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &intake); err != nil {
		return intake, fmt.Errorf("failed to decode intake file %s: %w", path, err)
	}
	return intake, nil
}
