package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/session"
	"github.com/vk/permitgrid/internal/step"
	"github.com/vk/permitgrid/internal/testutil"
	"github.com/vk/permitgrid/steps/draft"
)

const testPipeline = `
orchestrator {
  worker_count   = 2
  session_budget = "1m"
  packaging_step = "assemble_package"
  listen_addr    = ""
}

step "parse_notice" {
  handler = "test.parse"
}

step "route" {
  handler    = "test.route"
  depends_on = ["parse_notice"]
}

step "assemble_package" {
  handler    = "draft.assemble"
  depends_on = ["route"]
}
`

const testIntake = `
property_address: "12 Croft St, Toronto"
suite_type: "LANEWAY"
notice_text: "1. Angular plane exceeds permitted envelope."
`

// testModule stands in for capability-backed handlers.
type testModule struct{}

func (m *testModule) Register(r *step.Registry) {
	r.RegisterHandler("test.parse", func(ctx context.Context, env *step.Env, in *step.Input) (*step.Output, error) {
		return &step.Output{Items: []domain.DeficiencyItem{
			domain.NewDeficiencyItem(domain.CategoryZoning, in.Session.Intake.NoticeText, "revise", 0),
		}}, nil
	})
	r.RegisterHandler("test.route", func(ctx context.Context, env *step.Env, in *step.Input) (*step.Output, error) {
		return &step.Output{Unhandled: in.Upstream["parse_notice"].Items}, nil
	})
}

const frontageQuestion = "What is the lot frontage in metres?"

// askModule raises a clarification until the frontage answer arrives.
type askModule struct{}

func (m *askModule) Register(r *step.Registry) {
	r.RegisterHandler("test.ask", func(ctx context.Context, env *step.Env, in *step.Input) (*step.Output, error) {
		answer, ok := in.ClarifiedAnswer(frontageQuestion)
		if !ok {
			return nil, step.NeedInput(domain.NewClarificationRequest(in.Step.ID, frontageQuestion, "number", ""))
		}
		return &step.Output{Data: map[string]any{"frontage": answer}}, nil
	})
}

func writeFixtures(t *testing.T, pipeline, intake string) *Config {
	t.Helper()
	dir := t.TempDir()
	pipelinePath := filepath.Join(dir, "pipeline.hcl")
	intakePath := filepath.Join(dir, "intake.yaml")
	require.NoError(t, os.WriteFile(pipelinePath, []byte(pipeline), 0o644))
	require.NoError(t, os.WriteFile(intakePath, []byte(intake), 0o644))

	cfg, err := NewConfig(Config{
		PipelinePath: pipelinePath,
		IntakePath:   intakePath,
		LogLevel:     "error",
		LogFormat:    "text",
		JournalDir:   filepath.Join(dir, "journal"),
	})
	require.NoError(t, err)
	return cfg
}

func TestNewAppBindsPipeline(t *testing.T) {
	cfg := writeFixtures(t, testPipeline, testIntake)

	a, err := NewApp(&bytes.Buffer{}, cfg, &testModule{}, &draft.Module{})
	require.NoError(t, err)
	assert.Len(t, a.Specs(), 3)
	assert.Equal(t, domain.SuiteLaneway, a.intake.SuiteType)
	assert.Equal(t, 2, a.pipeline.Orchestrator.WorkerCount)
}

func TestNewAppRejectsUnknownHandler(t *testing.T) {
	cfg := writeFixtures(t, `
step "x" {
  handler = "nobody.home"
}
`, testIntake)

	_, err := NewApp(&bytes.Buffer{}, cfg, &testModule{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown handler")
}

func TestNewAppRejectsMissingIntake(t *testing.T) {
	cfg := writeFixtures(t, testPipeline, testIntake)
	cfg.IntakePath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := NewApp(&bytes.Buffer{}, cfg, &testModule{})
	require.Error(t, err)
}

func TestRunCompletesAndWritesPackage(t *testing.T) {
	cfg := writeFixtures(t, testPipeline, testIntake)

	var out bytes.Buffer
	a, err := NewApp(&out, cfg, &testModule{}, &draft.Module{})
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))

	// Logs and the package share the writer; decode from the first brace.
	raw := out.String()
	idx := strings.Index(raw, "{")
	require.GreaterOrEqual(t, idx, 0)
	var pkg domain.ResponsePackage
	require.NoError(t, json.Unmarshal([]byte(raw[idx:]), &pkg))
	assert.Equal(t, domain.SuiteLaneway, pkg.SuiteType)
	assert.Len(t, pkg.Unhandled, 1)

	// The journal captured the run.
	entries, err := os.ReadDir(cfg.JournalDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRunAnswersFileResolvesClarification(t *testing.T) {
	cfg := writeFixtures(t, `
orchestrator {
  packaging_step = "assemble_package"
  listen_addr    = ""
}

step "ask" {
  handler = "test.ask"
}

step "assemble_package" {
  handler    = "draft.assemble"
  depends_on = ["ask"]
}
`, testIntake)

	answersPath := filepath.Join(t.TempDir(), "answers.yaml")
	require.NoError(t, os.WriteFile(answersPath,
		[]byte(`"`+frontageQuestion+`": "7.6"`+"\n"), 0o644))
	cfg.AnswersPath = answersPath

	var out bytes.Buffer
	a, err := NewApp(&out, cfg, &askModule{}, &draft.Module{})
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))

	// The package decodes even with zero drafted responses.
	raw := out.String()
	idx := strings.Index(raw, "{")
	require.GreaterOrEqual(t, idx, 0)
	var pkg domain.ResponsePackage
	require.NoError(t, json.Unmarshal([]byte(raw[idx:]), &pkg))
	assert.Equal(t, domain.SuiteLaneway, pkg.SuiteType)
}

func TestBuildGuardrailReleasesCorpusClient(t *testing.T) {
	cfg := writeFixtures(t, `
orchestrator {
  corpus_url  = "http://localhost:8003"
  listen_addr = ""
}

step "parse_notice" {
  handler = "test.parse"
}
`, testIntake)

	a, err := NewApp(&bytes.Buffer{}, cfg, &testModule{})
	require.NoError(t, err)

	guard, cleanup, err := a.buildGuardrail()
	require.NoError(t, err)
	require.NotNil(t, guard)
	require.NotNil(t, cleanup, "corpus-backed guardrail must hand back a release func")
	cleanup()
}

func TestClarificationsHandler(t *testing.T) {
	cfg := writeFixtures(t, testPipeline, testIntake)
	a, err := NewApp(&bytes.Buffer{}, cfg, &testModule{}, &draft.Module{})
	require.NoError(t, err)

	sess, err := session.New(session.Config{
		Intake: testutil.Intake(),
		Specs:  a.Specs(),
		Env:    &step.Env{},
	})
	require.NoError(t, err)

	handler := a.clarificationsHandler(sess)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/clarifications", nil))
	assert.Equal(t, 404, rec.Code, "no batch outstanding yet")

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest("POST", "/clarifications", strings.NewReader("not json")))
	assert.Equal(t, 400, rec.Code)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest("POST", "/clarifications", strings.NewReader(`{"batch_id":"00000000-0000-0000-0000-000000000001","answers":{}}`)))
	assert.Equal(t, 409, rec.Code, "no batch matches the submitted id")

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest("DELETE", "/clarifications", nil))
	assert.Equal(t, 405, rec.Code)
}
