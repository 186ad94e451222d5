package provider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/loomhq/loom/internal/id"
	"github.com/loomhq/loom/internal/persistence"
)

// fakeRequestStore captures accounting writes.
type fakeRequestStore struct {
	mu        sync.Mutex
	began     []persistence.AiRequest
	completed []persistence.AiRequest
	failed    []string
	toolCalls []persistence.AiRequestToolCall
}

func (f *fakeRequestStore) BeginAiRequest(_ context.Context, req persistence.AiRequest, _ []persistence.AiRequestMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.began = append(f.began, req)
	return nil
}

func (f *fakeRequestStore) CompleteAiRequest(_ context.Context, req persistence.AiRequest, toolCalls []persistence.AiRequestToolCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, req)
	f.toolCalls = append(f.toolCalls, toolCalls...)
	return nil
}

func (f *fakeRequestStore) FailAiRequest(_ context.Context, reqID id.RequestID, _ int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, errMsg)
	return nil
}

// stubProvider returns a fixed response or error.
type stubProvider struct {
	resp *Response
	err  error
}

func (s *stubProvider) Name() string             { return "anthropic" }
func (s *stubProvider) Model() string            { return "claude-sonnet-4-5" }
func (s *stubProvider) Capabilities() Capability { return CapGenerate | CapTools }

func (s *stubProvider) Generate(context.Context, []Message) (*Response, error) {
	return s.resp, s.err
}
func (s *stubProvider) GenerateWithTools(context.Context, []Message, []ToolDef) (*Response, error) {
	return s.resp, s.err
}
func (s *stubProvider) GenerateWithToolResults(context.Context, []Message) (*Response, error) {
	return s.resp, s.err
}
func (s *stubProvider) GenerateWithSchema(context.Context, []Message, []byte) (*Response, error) {
	return s.resp, s.err
}
func (s *stubProvider) GenerateStream(context.Context, []Message) (<-chan StreamChunk, error) {
	return nil, ErrCapability
}
func (s *stubProvider) GenerateWithGoogleSearch(context.Context, []Message) (*Response, error) {
	return nil, ErrCapability
}
func (s *stubProvider) GenerateWithCodeExecution(context.Context, []Message) (*Response, error) {
	return nil, ErrCapability
}

func TestRecorder_CompletedRequestCarriesCostSnapshot(t *testing.T) {
	store := &fakeRequestStore{}
	stub := &stubProvider{resp: &Response{
		Content: "done",
		Model:   "claude-sonnet-4-5",
		Usage:   Usage{InputTokens: 1000, OutputTokens: 500},
	}}
	rec := NewRecorder(stub, store, nil)

	taskID := id.NewTaskID()
	resp, err := rec.Generate(context.Background(), taskID, []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "done" {
		t.Fatalf("content = %q", resp.Content)
	}
	if len(store.began) != 1 || len(store.completed) != 1 {
		t.Fatalf("began = %d, completed = %d", len(store.began), len(store.completed))
	}
	row := store.completed[0]
	if row.TaskID != taskID {
		t.Fatalf("task id = %s, want %s", row.TaskID, taskID)
	}
	// 1000 in * $0.003/1K + 500 out * $0.015/1K = $0.0105 = 10500 microdollars.
	if row.CostMicrodollars != 10500 {
		t.Fatalf("cost = %d, want 10500", row.CostMicrodollars)
	}
	if row.InputPricePer1K != 0.003 || row.OutputPricePer1K != 0.015 {
		t.Fatalf("pricing snapshot = %v/%v", row.InputPricePer1K, row.OutputPricePer1K)
	}
}

func TestRecorder_AssignsToolCallIDs(t *testing.T) {
	store := &fakeRequestStore{}
	stub := &stubProvider{resp: &Response{
		ToolCalls: []ToolCall{
			{ID: "native-1", Name: "list_posts", Arguments: []byte(`{"limit":5}`)},
			{ID: "native-2", Name: "create_post", Arguments: []byte(`{}`)},
		},
	}}
	rec := NewRecorder(stub, store, nil)

	resp, err := rec.GenerateWithTools(context.Background(), id.NewTaskID(), nil, nil)
	if err != nil {
		t.Fatalf("GenerateWithTools: %v", err)
	}
	if len(store.toolCalls) != 2 {
		t.Fatalf("recorded tool calls = %d", len(store.toolCalls))
	}
	for i, tc := range resp.ToolCalls {
		if tc.AiToolCallID == "" {
			t.Fatalf("tool call %d has no accounting id", i)
		}
		if store.toolCalls[i].AiToolCallID != tc.AiToolCallID {
			t.Fatalf("tool call %d id mismatch", i)
		}
		if store.toolCalls[i].SequenceNumber != i+1 {
			t.Fatalf("tool call %d sequence = %d", i, store.toolCalls[i].SequenceNumber)
		}
	}
}

func TestRecorder_FailureRecorded(t *testing.T) {
	store := &fakeRequestStore{}
	stub := &stubProvider{err: errors.New("rate limited")}
	rec := NewRecorder(stub, store, nil)

	if _, err := rec.Generate(context.Background(), id.NewTaskID(), nil); err == nil {
		t.Fatal("expected provider error")
	}
	if len(store.failed) != 1 || store.failed[0] != "rate limited" {
		t.Fatalf("failed = %v", store.failed)
	}
	if len(store.completed) != 0 {
		t.Fatal("failed call recorded as completed")
	}
}

func TestRecorder_RecordsDespiteCanceledContext(t *testing.T) {
	store := &fakeRequestStore{}
	stub := &stubProvider{err: context.Canceled}
	rec := NewRecorder(stub, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rec.Generate(ctx, id.NewTaskID(), nil); err == nil {
		t.Fatal("expected error")
	}
	if len(store.failed) != 1 {
		t.Fatalf("failed = %v, want the canceled call recorded", store.failed)
	}
}

func TestRecorder_EmitsGenerationSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	store := &fakeRequestStore{}
	stub := &stubProvider{resp: &Response{
		Content: "done",
		Usage:   Usage{InputTokens: 1000, OutputTokens: 500},
	}}
	rec := NewRecorder(stub, store, nil)

	if _, err := rec.Generate(context.Background(), id.NewTaskID(), []Message{{Role: RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "llm.generate" {
		t.Fatalf("spans = %d, want one llm.generate span", len(spans))
	}
	tokens := make(map[string]int64)
	for _, kv := range spans[0].Attributes() {
		if kv.Value.Type() == attribute.INT64 {
			tokens[string(kv.Key)] = kv.Value.AsInt64()
		}
	}
	if tokens["loom.llm.tokens.input"] != 1000 || tokens["loom.llm.tokens.output"] != 500 {
		t.Fatalf("token attrs = %v, want 1000 in, 500 out", tokens)
	}
}
