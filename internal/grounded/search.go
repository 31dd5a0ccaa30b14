package grounded

import (
	"context"
	"encoding/json"
	"fmt"
)

// System prompts for the three operations. Each demands a single JSON
// object so responses can be decoded against a fixed schema.
const (
	searchSystemPrompt = `You are a research assistant with web search access. ` +
		`Answer the user's question using current information from the web_search tool. ` +
		`Respond with a single JSON object, no prose around it:
{
  "answer": "concise 2-4 sentence answer",
  "current_state": { ...facts relevant to the question, stable key names, no timestamps... }
}
Keys in current_state must be deterministic: the same facts must always produce the same keys and values.`

	evaluateSystemPrompt = `You judge whether a condition is satisfied by an answer. ` +
		`Respond with a single JSON object, no prose around it:
{
  "condition_met": true or false,
  "evaluation": "one or two sentence justification",
  "current_state": { ...facts the answer establishes, stable key names... }
}`

	compareSystemPrompt = `You compare two JSON snapshots of the same monitored subject. ` +
		`Decide whether they differ in a way material to the user's question; ignore cosmetic ` +
		`differences such as key order or rephrased text with identical meaning. ` +
		`Respond with a single JSON object, no prose around it:
{
  "changed": true or false,
  "change_summary": "one paragraph describing what changed, or empty string"
}`
)

// Search answers the query using web search and returns the answer,
// grounding sources, and the opaque state snapshot.
func (c *Client) Search(ctx context.Context, query string, cfg Config) (*SearchResult, error) {
	content, sources, err := c.runWithTools(ctx, cfg, searchSystemPrompt, query)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Answer       string          `json:"answer"`
		CurrentState json.RawMessage `json:"current_state"`
	}
	if err := decodeStrictJSON(content, &parsed); err != nil {
		return nil, err
	}
	if parsed.Answer == "" {
		return nil, fmt.Errorf("%w: missing answer field", ErrInvalidResponse)
	}

	return &SearchResult{
		Answer:       parsed.Answer,
		Sources:      sources,
		CurrentState: parsed.CurrentState,
	}, nil
}

// EvaluateCondition judges the condition against a previously obtained
// answer. No tool access is needed; the answer carries the evidence.
func (c *Client) EvaluateCondition(ctx context.Context, answer, condition string, cfg Config) (*Evaluation, error) {
	user := fmt.Sprintf("Answer:\n%s\n\nCondition to evaluate:\n%s", answer, condition)

	model := cfg.Model
	if model == "" {
		model = c.defaultModel
	}
	resp, err := c.complete(ctx, chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: evaluateSystemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ConditionMet *bool           `json:"condition_met"`
		Evaluation   string          `json:"evaluation"`
		CurrentState json.RawMessage `json:"current_state"`
	}
	if err := decodeStrictJSON(resp.Choices[0].Message.Content, &parsed); err != nil {
		return nil, err
	}
	if parsed.ConditionMet == nil {
		return nil, fmt.Errorf("%w: missing condition_met field", ErrInvalidResponse)
	}

	return &Evaluation{
		ConditionMet: *parsed.ConditionMet,
		Evaluation:   parsed.Evaluation,
		CurrentState: parsed.CurrentState,
	}, nil
}

// CompareStates asks the model whether two snapshots differ materially
// with respect to the original query.
func (c *Client) CompareStates(ctx context.Context, previous, current json.RawMessage, query string, cfg Config) (*Comparison, error) {
	user := fmt.Sprintf("User's question:\n%s\n\nPrevious state:\n%s\n\nCurrent state:\n%s",
		query, string(previous), string(current))

	model := cfg.Model
	if model == "" {
		model = c.defaultModel
	}
	resp, err := c.complete(ctx, chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: compareSystemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Changed       *bool  `json:"changed"`
		ChangeSummary string `json:"change_summary"`
	}
	if err := decodeStrictJSON(resp.Choices[0].Message.Content, &parsed); err != nil {
		return nil, err
	}
	if parsed.Changed == nil {
		return nil, fmt.Errorf("%w: missing changed field", ErrInvalidResponse)
	}
	if !*parsed.Changed {
		parsed.ChangeSummary = ""
	}

	return &Comparison{Changed: *parsed.Changed, ChangeSummary: parsed.ChangeSummary}, nil
}

var _ Searcher = (*Client)(nil)
