package app

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/vk/permitgrid/internal/clarify"
	"github.com/vk/permitgrid/internal/events"
	"github.com/vk/permitgrid/internal/session"
)

// loadAnswers reads a YAML map of question text to answer, used to satisfy
// clarification batches without an interactive caller.
func loadAnswers(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read answers file: %w", err)
	}
	answers := make(map[string]string)
	if err := yaml.Unmarshal(raw, &answers); err != nil {
		return nil, fmt.Errorf("failed to decode answers file %s: %w", path, err)
	}
	return answers, nil
}

// autoAnswer watches the event stream and answers each clarification batch
// from the pre-supplied answer map. A question the map does not cover falls
// back to the request's default; a batch that still cannot be satisfied is
// left outstanding for the HTTP surface.
func (a *App) autoAnswer(ctx context.Context, sess *session.Session, answers map[string]string) {
	ch, cancel := sess.Events().Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.KindClarificationRequested {
				continue
			}
			ctrl := sess.Clarifications()
			batch := ctrl.Outstanding()
			if batch == nil {
				continue
			}
			set := clarify.AnswerSet{BatchID: batch.ID, Answers: make(map[uuid.UUID]string)}
			for _, req := range batch.Requests {
				if answer, found := answers[req.Question]; found {
					set.Answers[req.ID] = answer
				}
			}
			if err := ctrl.Submit(set); err != nil {
				a.logger.Warn("Answers file does not satisfy the clarification batch.",
					"batch_id", batch.ID, "error", err)
				continue
			}
			a.logger.Info("Clarification batch answered from answers file.",
				"batch_id", batch.ID, "questions", len(batch.Requests))
		}
	}
}
