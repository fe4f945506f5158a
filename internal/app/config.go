package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	PipelinePath string // hcl pipeline definition
	IntakePath   string // yaml intake document

	LogFormat   string
	LogLevel    string
	ListenAddr  string // overrides the pipeline's listen_addr when set
	Workers     int    // overrides the pipeline's worker_count when positive
	JournalDir  string // overrides the pipeline's journal_dir when set
	ResumeFrom  string // journal file of a crashed session to resume
	AnswersPath string // yaml file of pre-supplied clarification answers
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	if cfg.IntakePath == "" {
		return nil, errors.New("IntakePath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
