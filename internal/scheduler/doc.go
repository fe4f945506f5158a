// Package scheduler resolves the pipeline's dependency graph into execution
// tiers and drives each tier through a bounded worker pool. It owns every
// step run for the duration of a session: it retries with backoff on
// transient failure, suspends and resumes runs around clarification batches,
// routes drafting output through the citation guardrail, and cascades
// upstream failures onto blocked dependents without running them.
package scheduler
