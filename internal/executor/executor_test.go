package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/toralehq/torale/internal/clock"
	"github.com/toralehq/torale/internal/grounded"
	"github.com/toralehq/torale/internal/store"
)

// fakeSearcher scripts the three grounded operations and counts calls.
type fakeSearcher struct {
	searchResult *grounded.SearchResult
	searchErr    error
	evalResult   *grounded.Evaluation
	evalErr      error
	cmpResult    *grounded.Comparison
	cmpErr       error

	searchFn func(call int) (*grounded.SearchResult, error)

	searchCalls int
	evalCalls   int
	cmpCalls    int
	lastQuery   string
}

// searchFn, when set, overrides the scripted result per call.
func (f *fakeSearcher) Search(_ context.Context, query string, _ grounded.Config) (*grounded.SearchResult, error) {
	f.searchCalls++
	f.lastQuery = query
	if f.searchFn != nil {
		return f.searchFn(f.searchCalls)
	}
	return f.searchResult, f.searchErr
}

func (f *fakeSearcher) EvaluateCondition(_ context.Context, _, _ string, _ grounded.Config) (*grounded.Evaluation, error) {
	f.evalCalls++
	return f.evalResult, f.evalErr
}

func (f *fakeSearcher) CompareStates(_ context.Context, _, _ json.RawMessage, _ string, _ grounded.Config) (*grounded.Comparison, error) {
	f.cmpCalls++
	return f.cmpResult, f.cmpErr
}

func newTestExecutor(f *fakeSearcher) (*Executor, *clock.Fixed) {
	clk := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(f, clk, Options{
		DefaultModel:   "test-model",
		CanonicalHash:  true,
		RetryBaseDelay: time.Millisecond,
	}), clk
}

func baseTask() *store.Task {
	return &store.Task{
		ID:          store.GenNewID(),
		Name:        "iphone-17",
		SearchQuery: "Has Apple announced the iPhone 17 release date?",
		Condition:   "A specific release date is announced",
		Behavior:    store.NotifyOnce,
		IsActive:    true,
	}
}

func TestExecuteFirstObservation(t *testing.T) {
	f := &fakeSearcher{
		searchResult: &grounded.SearchResult{
			Answer:       "No date announced yet.",
			Sources:      []store.GroundingSource{{Title: "Apple", URI: "https://apple.com"}},
			CurrentState: json.RawMessage(`{"announced":false}`),
		},
		evalResult: &grounded.Evaluation{ConditionMet: false, Evaluation: "no date"},
	}
	ex, _ := newTestExecutor(f)

	exec := ex.Execute(context.Background(), baseTask(), nil)

	if exec.Status != store.ExecSuccess {
		t.Fatalf("status = %s, want success: %s", exec.Status, exec.ErrorMessage)
	}
	if exec.ConditionMet {
		t.Error("condition_met should be false")
	}
	if exec.ChangeSummary != nil {
		t.Errorf("first observation must have nil change summary, got %q", *exec.ChangeSummary)
	}
	if f.cmpCalls != 0 {
		t.Errorf("CompareStates called %d times on first observation", f.cmpCalls)
	}
	if exec.Result == nil || string(exec.Result.CurrentState) != `{"announced":false}` {
		t.Errorf("result state = %v", exec.Result)
	}
	if len(exec.Sources) != 1 || exec.Sources[0].URI != "https://apple.com" {
		t.Errorf("sources = %v", exec.Sources)
	}
}

func TestExecuteTemporalContext(t *testing.T) {
	f := &fakeSearcher{
		searchResult: &grounded.SearchResult{Answer: "a", CurrentState: json.RawMessage(`{}`)},
		evalResult:   &grounded.Evaluation{},
	}
	ex, _ := newTestExecutor(f)

	ex.Execute(context.Background(), baseTask(), nil)
	wantPrefix := "Current time is 2025-06-01T12:00:00Z. First execution."
	if len(f.lastQuery) < len(wantPrefix) || f.lastQuery[:len(wantPrefix)] != wantPrefix {
		t.Errorf("query = %q, want prefix %q", f.lastQuery, wantPrefix)
	}

	last := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	ex.Execute(context.Background(), baseTask(), &last)
	if want := "Last execution was 2025-06-01T11:00:00Z ago."; !contains(f.lastQuery, want) {
		t.Errorf("query = %q, want to contain %q", f.lastQuery, want)
	}
}

func TestExecuteFastPathSkipsCompare(t *testing.T) {
	f := &fakeSearcher{
		searchResult: &grounded.SearchResult{
			Answer:       "unchanged",
			CurrentState: json.RawMessage(`{"date":"2025-09-10","announced":true}`),
		},
		evalResult: &grounded.Evaluation{ConditionMet: true, Evaluation: "date set"},
	}
	ex, _ := newTestExecutor(f)

	task := baseTask()
	// Same facts, different key order and whitespace.
	task.LastKnownState = json.RawMessage(`{ "announced": true, "date": "2025-09-10" }`)

	exec := ex.Execute(context.Background(), task, nil)

	if exec.Status != store.ExecSuccess {
		t.Fatalf("status = %s", exec.Status)
	}
	if f.cmpCalls != 0 {
		t.Errorf("CompareStates called %d times despite equal canonical hashes", f.cmpCalls)
	}
	if exec.ChangeSummary == nil || *exec.ChangeSummary != "" {
		t.Errorf("change summary = %v, want empty string", exec.ChangeSummary)
	}
}

func TestExecuteStateChanged(t *testing.T) {
	f := &fakeSearcher{
		searchResult: &grounded.SearchResult{
			Answer:       "date announced",
			CurrentState: json.RawMessage(`{"announced":true,"date":"2025-09-10"}`),
		},
		evalResult: &grounded.Evaluation{ConditionMet: true, Evaluation: "yes"},
		cmpResult:  &grounded.Comparison{Changed: true, ChangeSummary: "release date announced for Sep 10"},
	}
	ex, _ := newTestExecutor(f)

	task := baseTask()
	task.LastKnownState = json.RawMessage(`{"announced":false}`)

	exec := ex.Execute(context.Background(), task, nil)

	if f.cmpCalls != 1 {
		t.Errorf("CompareStates calls = %d, want 1", f.cmpCalls)
	}
	if exec.ChangeSummary == nil || *exec.ChangeSummary != "release date announced for Sep 10" {
		t.Errorf("change summary = %v", exec.ChangeSummary)
	}
}

func TestExecuteCompareReportsUnchanged(t *testing.T) {
	f := &fakeSearcher{
		searchResult: &grounded.SearchResult{
			Answer:       "still nothing",
			CurrentState: json.RawMessage(`{"announced":false,"rumors":"september"}`),
		},
		evalResult: &grounded.Evaluation{ConditionMet: false},
		cmpResult:  &grounded.Comparison{Changed: false},
	}
	ex, _ := newTestExecutor(f)

	task := baseTask()
	task.LastKnownState = json.RawMessage(`{"announced":false}`)

	exec := ex.Execute(context.Background(), task, nil)

	if exec.ChangeSummary == nil || *exec.ChangeSummary != "" {
		t.Errorf("change summary = %v, want empty string", exec.ChangeSummary)
	}
}

func TestExecuteEvaluationStateWins(t *testing.T) {
	f := &fakeSearcher{
		searchResult: &grounded.SearchResult{
			Answer:       "a",
			CurrentState: json.RawMessage(`{"from":"search"}`),
		},
		evalResult: &grounded.Evaluation{
			ConditionMet: true,
			CurrentState: json.RawMessage(`{"from":"eval"}`),
		},
	}
	ex, _ := newTestExecutor(f)

	exec := ex.Execute(context.Background(), baseTask(), nil)
	if string(exec.Result.CurrentState) != `{"from":"eval"}` {
		t.Errorf("current state = %s, want evaluation snapshot", exec.Result.CurrentState)
	}
}

func TestExecuteSearchFailure(t *testing.T) {
	f := &fakeSearcher{searchErr: grounded.ErrUnavailable}
	ex, _ := newTestExecutor(f)

	exec := ex.Execute(context.Background(), baseTask(), nil)

	if exec.Status != store.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorMessage == "" {
		t.Error("error message must be populated")
	}
	if exec.Result != nil {
		t.Error("failed execution must not carry a result")
	}
	if f.evalCalls != 0 {
		t.Error("evaluation must not run after search failure")
	}
}

func TestExecuteEmptySourcesIsLegal(t *testing.T) {
	f := &fakeSearcher{
		searchResult: &grounded.SearchResult{Answer: "no citations", CurrentState: json.RawMessage(`{}`)},
		evalResult:   &grounded.Evaluation{ConditionMet: false},
	}
	ex, _ := newTestExecutor(f)

	exec := ex.Execute(context.Background(), baseTask(), nil)
	if exec.Status != store.ExecSuccess {
		t.Errorf("execution should not fail for lack of citations: %s", exec.ErrorMessage)
	}
}

func TestCanonicalize(t *testing.T) {
	a, err := canonicalize(json.RawMessage(`{"b":1,"a":{"y":2,"x":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := canonicalize(json.RawMessage(`{ "a": { "x": 1, "y": 2 }, "b": 1 }`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
	if _, err := canonicalize(json.RawMessage(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestStateHasherCache(t *testing.T) {
	h := newStateHasher(4)
	h1, err := h.Hash(json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := h.Hash(json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("hash not stable")
	}
	if _, err := h.Hash(json.RawMessage(`{broken`)); err == nil {
		t.Error("expected error for broken JSON")
	}
}

func TestExecuteEvaluationFailure(t *testing.T) {
	f := &fakeSearcher{
		searchResult: &grounded.SearchResult{Answer: "a", CurrentState: json.RawMessage(`{}`)},
		evalErr:      grounded.ErrInvalidResponse,
	}
	ex, _ := newTestExecutor(f)

	exec := ex.Execute(context.Background(), baseTask(), nil)
	if exec.Status != store.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if !contains(exec.ErrorMessage, "invalid response") {
		t.Errorf("error message = %q, want mention of invalid response", exec.ErrorMessage)
	}
}

func TestExecuteRetriesUnavailableThenSucceeds(t *testing.T) {
	f := &fakeSearcher{
		searchFn: func(call int) (*grounded.SearchResult, error) {
			if call < 3 {
				return nil, grounded.ErrUnavailable
			}
			return &grounded.SearchResult{Answer: "recovered", CurrentState: json.RawMessage(`{}`)}, nil
		},
		evalResult: &grounded.Evaluation{ConditionMet: false},
	}
	ex, _ := newTestExecutor(f)

	exec := ex.Execute(context.Background(), baseTask(), nil)
	if exec.Status != store.ExecSuccess {
		t.Fatalf("status = %s, want success after retries: %s", exec.Status, exec.ErrorMessage)
	}
	if f.searchCalls != 3 {
		t.Errorf("search calls = %d, want 3", f.searchCalls)
	}
}

func TestExecuteInvalidResponseRetriesOnce(t *testing.T) {
	f := &fakeSearcher{
		searchFn: func(call int) (*grounded.SearchResult, error) {
			return nil, grounded.ErrInvalidResponse
		},
	}
	ex, _ := newTestExecutor(f)

	exec := ex.Execute(context.Background(), baseTask(), nil)
	if exec.Status != store.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if f.searchCalls != 2 {
		t.Errorf("search calls = %d, want 2 (one retry)", f.searchCalls)
	}
	if !contains(exec.ErrorMessage, "invalid response") {
		t.Errorf("error message = %q", exec.ErrorMessage)
	}
}

func TestExecuteDeadlineInChainRecordsTimeout(t *testing.T) {
	f := &fakeSearcher{
		searchErr: fmt.Errorf("%w: Post \"/chat/completions\": %w",
			grounded.ErrUnavailable, context.DeadlineExceeded),
	}
	ex, _ := newTestExecutor(f)

	exec := ex.Execute(context.Background(), baseTask(), nil)
	if exec.Status != store.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorMessage != "timeout" {
		t.Errorf("error message = %q, want %q", exec.ErrorMessage, "timeout")
	}
}

func TestExecuteExpiredContextRecordsTimeout(t *testing.T) {
	// The transport may report a connection error without wrapping the
	// context's deadline; the execution still records a timeout.
	f := &fakeSearcher{searchErr: errors.New("connection reset by peer")}
	ex, _ := newTestExecutor(f)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	exec := ex.Execute(ctx, baseTask(), nil)
	if exec.Status != store.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorMessage != "timeout" {
		t.Errorf("error message = %q, want %q", exec.ErrorMessage, "timeout")
	}
}

func TestExecuteNegativeRetryCountDisablesRetries(t *testing.T) {
	f := &fakeSearcher{
		searchFn: func(call int) (*grounded.SearchResult, error) {
			return nil, grounded.ErrInvalidResponse
		},
	}
	clk := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ex := New(f, clk, Options{
		DefaultModel:           "test-model",
		InvalidResponseRetries: -1,
		RetryBaseDelay:         time.Millisecond,
	})

	exec := ex.Execute(context.Background(), baseTask(), nil)
	if exec.Status != store.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if f.searchCalls != 1 {
		t.Errorf("search calls = %d, want 1 (retries disabled)", f.searchCalls)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
