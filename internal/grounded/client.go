package grounded

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/toralehq/torale/internal/store"
)

const (
	defaultAPIBase      = "https://api.openai.com/v1"
	defaultModel        = "gpt-4o-mini"
	defaultHTTPTimeout  = 120 * time.Second
	defaultMaxToolIters = 4
)

// ClientOptions configures the OpenAI-compatible grounded client.
type ClientOptions struct {
	APIKey  string
	APIBase string
	Model   string
	// RequestsPerMinute limits outbound model calls (0 = unlimited).
	RequestsPerMinute int
	MaxToolIterations int
}

// Client implements Searcher against an OpenAI-compatible chat completions
// endpoint. Web awareness comes from a web_search tool the model may call;
// every tool hit is accumulated as a grounding source.
type Client struct {
	apiKey       string
	apiBase      string
	defaultModel string
	httpc        *http.Client
	limiter      *rate.Limiter
	search       SearchProvider
	maxToolIters int
}

// NewClient creates a grounded client backed by the given search provider.
func NewClient(opts ClientOptions, search SearchProvider) *Client {
	base := opts.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	iters := opts.MaxToolIterations
	if iters <= 0 {
		iters = defaultMaxToolIters
	}
	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), opts.RequestsPerMinute)
	}
	return &Client{
		apiKey:       opts.APIKey,
		apiBase:      strings.TrimRight(base, "/"),
		defaultModel: model,
		httpc:        &http.Client{Timeout: defaultHTTPTimeout},
		limiter:      limiter,
		search:       search,
		maxToolIters: iters,
	}
}

// DefaultModel returns the model used when a task does not override it.
func (c *Client) DefaultModel() string { return c.defaultModel }

// --- wire types ---

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Tools          []any         `json:"tools,omitempty"`
	ToolChoice     string        `json:"tool_choice,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

func webSearchToolDef() any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        "web_search",
			"description": "Search the web for current information. Returns titles, URLs, and snippets.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "search query"},
					"count": map[string]any{"type": "integer", "description": "number of results (max 10)"},
				},
				"required": []string{"query"},
			},
		},
	}
}

// complete runs one chat completion call, classifying transport and API
// failures into the port's error taxonomy.
func (c *Client) complete(ctx context.Context, req chatRequest) (*chatResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// Wrap with %w so callers can still see context.DeadlineExceeded
	// behind the transport error.
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: unparseable API response", ErrInvalidResponse)
	}
	if out.Error != nil {
		if isRefusalErrorType(out.Error.Type) {
			return nil, fmt.Errorf("%w: %s", ErrRefusal, out.Error.Message)
		}
		return nil, fmt.Errorf("%w: api error: %s", ErrUnavailable, out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}
	if out.Choices[0].FinishReason == "content_filter" {
		return nil, fmt.Errorf("%w: content filtered", ErrRefusal)
	}
	return &out, nil
}

func isRefusalErrorType(t string) bool {
	switch t {
	case "content_policy_violation", "content_filter", "refusal":
		return true
	}
	return false
}

// runWithTools drives the tool loop: the model may call web_search up to
// maxToolIters times; hits are fed back as tool results and remembered as
// grounding sources. Returns the final assistant message content and the
// sources in call order.
func (c *Client) runWithTools(ctx context.Context, cfg Config, system, user string) (string, []store.GroundingSource, error) {
	model := cfg.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	var sources []store.GroundingSource

	for iter := 0; iter <= c.maxToolIters; iter++ {
		req := chatRequest{
			Model:       model,
			Messages:    messages,
			Temperature: 0.2,
		}
		if c.search != nil {
			req.Tools = []any{webSearchToolDef()}
			req.ToolChoice = "auto"
		}

		resp, err := c.complete(ctx, req)
		if err != nil {
			return "", nil, err
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return msg.Content, sources, nil
		}

		messages = append(messages, msg)
		for _, tc := range msg.ToolCalls {
			result, hits := c.execToolCall(ctx, tc)
			sources = append(sources, hits...)
			messages = append(messages, chatMessage{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
	}
	return "", nil, fmt.Errorf("%w: tool iteration limit exceeded", ErrInvalidResponse)
}

func (c *Client) execToolCall(ctx context.Context, tc toolCall) (string, []store.GroundingSource) {
	if tc.Function.Name != "web_search" || c.search == nil {
		return fmt.Sprintf("unknown tool: %s", tc.Function.Name), nil
	}

	var args struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args.Query == "" {
		return "invalid web_search arguments", nil
	}

	results, err := c.search.Search(ctx, args.Query, args.Count)
	if err != nil {
		slog.Warn("web search failed", "provider", c.search.Name(), "error", err)
		return fmt.Sprintf("search failed: %v", err), nil
	}

	var sb strings.Builder
	sources := make([]store.GroundingSource, 0, len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Description)
		sources = append(sources, store.GroundingSource{Title: r.Title, URI: r.URL})
	}
	if sb.Len() == 0 {
		return "no results", nil
	}
	return sb.String(), sources
}
