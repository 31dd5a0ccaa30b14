// Package grounded defines the grounded-search port: an LLM with web-search
// tool access that can answer a query, evaluate a condition against the
// answer, and compare two world-state snapshots. Implementations may fuse
// the underlying model calls; the engine commits only to the three-method
// contract.
package grounded

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/toralehq/torale/internal/store"
)

var (
	// ErrUnavailable marks transient upstream failures (network, 429, 5xx).
	// The executor activity retries it with backoff.
	ErrUnavailable = errors.New("llm unavailable")

	// ErrInvalidResponse means the model returned output that does not
	// conform to the required response schema. Retried once, then fatal.
	ErrInvalidResponse = errors.New("llm invalid response")

	// ErrRefusal means the model declined on content-policy grounds.
	// Fatal for the execution.
	ErrRefusal = errors.New("llm refusal")
)

// Config carries per-task model options, taken from the task's opaque
// config map with engine defaults applied.
type Config struct {
	Model string
}

// ConfigFromTask extracts grounded-search options from a task config map.
func ConfigFromTask(cfg map[string]string, defaultModel string) Config {
	c := Config{Model: defaultModel}
	if m, ok := cfg["llm.model"]; ok && m != "" {
		c.Model = m
	}
	return c
}

// SearchResult is the answer to one grounded query.
type SearchResult struct {
	// Answer is a concise natural-language answer (2–4 sentences).
	Answer string
	// Sources lists cited URLs in the order the upstream tool returned
	// them, title and URI verbatim.
	Sources []store.GroundingSource
	// CurrentState is the opaque JSON snapshot of facts relevant to the
	// query. The model chooses the shape.
	CurrentState json.RawMessage
}

// Evaluation is the model's judgement of a condition against an answer.
type Evaluation struct {
	ConditionMet bool
	// Evaluation is a short textual justification.
	Evaluation string
	// CurrentState is redundantly returned for implementations that fuse
	// search and evaluation into one call. May be nil.
	CurrentState json.RawMessage
}

// Comparison describes the difference between two state snapshots.
type Comparison struct {
	// Changed is true when the states differ in a way material to the
	// user's intent.
	Changed bool
	// ChangeSummary is a one-paragraph human-readable diff, empty when
	// Changed is false.
	ChangeSummary string
}

// Searcher is the grounded-search port consumed by the executor.
type Searcher interface {
	Search(ctx context.Context, query string, cfg Config) (*SearchResult, error)
	EvaluateCondition(ctx context.Context, answer, condition string, cfg Config) (*Evaluation, error)
	CompareStates(ctx context.Context, previous, current json.RawMessage, query string, cfg Config) (*Comparison, error)
}
