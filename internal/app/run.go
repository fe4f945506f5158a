package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/permitgrid/internal/capability"
	"github.com/vk/permitgrid/internal/ctxlog"
	"github.com/vk/permitgrid/internal/guardrail"
	"github.com/vk/permitgrid/internal/journal"
	"github.com/vk/permitgrid/internal/knowledge"
	"github.com/vk/permitgrid/internal/scheduler"
	"github.com/vk/permitgrid/internal/session"
	"github.com/vk/permitgrid/internal/step"
)

const capabilityTimeout = 120 * time.Second

// Run executes one session end to end and writes the response package to
// the application's output writer.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	env, cleanup, err := a.buildEnv()
	if err != nil {
		return err
	}
	defer cleanup()

	guard, guardCleanup, err := a.buildGuardrail()
	if err != nil {
		return err
	}
	defer guardCleanup()

	jnl, snap, err := a.openJournal()
	if err != nil {
		return err
	}
	if jnl != nil {
		defer jnl.Close()
	}

	o := a.pipeline.Orchestrator
	sessCfg := session.Config{
		Intake:            a.intake,
		Specs:             a.specs,
		Env:               env,
		Guardrail:         guard,
		Metrics:           a.metrics,
		Journal:           jnl,
		Budget:            o.SessionBudget,
		MaxRevisionCycles: o.MaxRevisionCycles,
		AuditCapability:   o.AuditCapability,
		PackagingStepID:   o.PackagingStep,
		Workers:           o.WorkerCount,
		Retry: scheduler.RetryConfig{
			MaxTransientRetries: o.Retry.MaxTransientRetries,
			InitialBackoff:      o.Retry.InitialBackoff,
			MaxBackoff:          o.Retry.MaxBackoff,
			Multiplier:          o.Retry.Multiplier,
			Jitter:              o.Retry.Jitter,
		},
	}

	var sess *session.Session
	if snap != nil {
		sess, err = session.Resume(sessCfg, snap)
		a.logger.Info("Resuming session from journal.", "runs_recovered", len(snap.Runs))
	} else {
		sess, err = session.New(sessCfg)
	}
	if err != nil {
		return fmt.Errorf("failed to assemble session: %w", err)
	}

	if o.ListenAddr != "" {
		srv := a.startServer(o.ListenAddr, sess)
		defer srv.Shutdown(context.Background())
	}

	if a.config.AnswersPath != "" {
		answers, err := loadAnswers(a.config.AnswersPath)
		if err != nil {
			return err
		}
		go a.autoAnswer(ctx, sess, answers)
	}

	a.logger.Info("Session starting.", "session_id", sess.ID, "steps", len(a.specs), "workers", o.WorkerCount)
	if err := sess.Run(ctx); err != nil {
		return fmt.Errorf("session ended in error: %w", err)
	}
	defer sess.Events().Close()

	enc := json.NewEncoder(a.outW)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sess.Package()); err != nil {
		return fmt.Errorf("failed to write response package: %w", err)
	}
	a.logger.Debug("App.Run method finished.")
	return nil
}

// buildEnv wires the external collaborators handlers call.
func (a *App) buildEnv() (*step.Env, func(), error) {
	env := &step.Env{}
	cleanup := func() {}

	if len(a.pipeline.Endpoints) > 0 {
		client := capability.NewClient(a.pipeline.Endpoints, capabilityTimeout)
		env.Invoker = client
		cleanup = func() { client.Close() }
		return env, cleanup, nil
	}

	for _, spec := range a.specs {
		if spec.Capability != "" {
			return nil, nil, fmt.Errorf("step %q is bound to capability %q but no capability endpoints are configured", spec.ID, spec.Capability)
		}
	}
	return env, cleanup, nil
}

// buildGuardrail selects the citation resolver: a local seed file when
// configured, the corpus service otherwise. A pipeline with drafting steps
// cannot run without one.
func (a *App) buildGuardrail() (*guardrail.Guardrail, func(), error) {
	o := a.pipeline.Orchestrator
	cleanup := func() {}
	switch {
	case o.CorpusSeed != "":
		corpus, err := knowledge.LoadCorpusFile(o.CorpusSeed)
		if err != nil {
			return nil, nil, err
		}
		a.logger.Debug("Citation corpus loaded from seed file.", "entries", corpus.Len())
		return guardrail.New(corpus), cleanup, nil
	case o.CorpusURL != "":
		client := knowledge.NewClient(o.CorpusURL, capabilityTimeout)
		cleanup = func() { client.Close() }
		return guardrail.New(client), cleanup, nil
	}

	for _, spec := range a.specs {
		if spec.Drafting {
			return nil, nil, fmt.Errorf("step %q drafts citations but neither corpus_seed nor corpus_url is configured", spec.ID)
		}
	}
	return nil, cleanup, nil
}

// openJournal opens a fresh journal under journal_dir, or replays the file
// named by --resume.
func (a *App) openJournal() (*journal.Journal, *journal.Snapshot, error) {
	if a.config.ResumeFrom != "" {
		snap, err := journal.Replay(a.config.ResumeFrom)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to replay journal: %w", err)
		}
		jnl, err := journal.Open(a.config.ResumeFrom)
		if err != nil {
			return nil, nil, err
		}
		return jnl, snap, nil
	}

	dir := a.pipeline.Orchestrator.JournalDir
	if dir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("session-%d.jsonl", time.Now().UnixNano()))
	jnl, err := journal.Open(path)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Debug("Session journal opened.", "path", path)
	return jnl, nil, nil
}
