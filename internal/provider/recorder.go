package provider

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/id"
	otelPkg "github.com/loomhq/loom/internal/otel"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/internal/pricing"
)

// RequestStore is the persistence surface for AI request accounting.
type RequestStore interface {
	BeginAiRequest(ctx context.Context, req persistence.AiRequest, prompt []persistence.AiRequestMessage) error
	CompleteAiRequest(ctx context.Context, req persistence.AiRequest, toolCalls []persistence.AiRequestToolCall) error
	FailAiRequest(ctx context.Context, reqID id.RequestID, latencyMs int64, errMsg string) error
}

// Recorder wraps a Provider so every generation is accounted: a pending
// AiRequest row before the wire call, completed with usage, pricing
// snapshot, and cost after it, or failed with the provider error. Planned
// tool calls get their ai_tool_call_id here.
type Recorder struct {
	provider Provider
	store    RequestStore
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewRecorder(p Provider, store RequestStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		provider: p,
		store:    store,
		tracer:   otel.Tracer(otelPkg.TracerName),
		logger:   logger,
	}
}

// Provider returns the wrapped provider.
func (r *Recorder) Provider() Provider { return r.provider }

func (r *Recorder) Name() string             { return r.provider.Name() }
func (r *Recorder) Model() string            { return r.provider.Model() }
func (r *Recorder) Capabilities() Capability { return r.provider.Capabilities() }

func (r *Recorder) Generate(ctx context.Context, taskID id.TaskID, messages []Message) (*Response, error) {
	return r.record(ctx, taskID, messages, func(ctx context.Context) (*Response, error) {
		return r.provider.Generate(ctx, messages)
	})
}

func (r *Recorder) GenerateWithTools(ctx context.Context, taskID id.TaskID, messages []Message, tools []ToolDef) (*Response, error) {
	return r.record(ctx, taskID, messages, func(ctx context.Context) (*Response, error) {
		return r.provider.GenerateWithTools(ctx, messages, tools)
	})
}

func (r *Recorder) GenerateWithToolResults(ctx context.Context, taskID id.TaskID, messages []Message) (*Response, error) {
	return r.record(ctx, taskID, messages, func(ctx context.Context) (*Response, error) {
		return r.provider.GenerateWithToolResults(ctx, messages)
	})
}

func (r *Recorder) GenerateWithSchema(ctx context.Context, taskID id.TaskID, messages []Message, schema []byte) (*Response, error) {
	return r.record(ctx, taskID, messages, func(ctx context.Context) (*Response, error) {
		return r.provider.GenerateWithSchema(ctx, messages, schema)
	})
}

func (r *Recorder) record(ctx context.Context, taskID id.TaskID, messages []Message, call func(ctx context.Context) (*Response, error)) (*Response, error) {
	reqID := id.NewRequestID()
	row := persistence.AiRequest{
		RequestID: reqID,
		Provider:  r.provider.Name(),
		Model:     r.provider.Model(),
		TaskID:    taskID,
	}
	prompt := make([]persistence.AiRequestMessage, 0, len(messages))
	for _, m := range messages {
		prompt = append(prompt, persistence.AiRequestMessage{Role: string(m.Role), Content: m.Content})
	}
	if err := r.store.BeginAiRequest(ctx, row, prompt); err != nil {
		return nil, err
	}

	callCtx, span := otelPkg.StartClientSpan(ctx, r.tracer, "llm.generate",
		otelPkg.AttrProvider.String(r.provider.Name()),
		otelPkg.AttrModel.String(r.provider.Model()),
		otelPkg.AttrTaskID.String(string(taskID)))
	start := time.Now()
	resp, err := call(callCtx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(
			otelPkg.AttrTokensInput.Int(resp.Usage.InputTokens),
			otelPkg.AttrTokensOutput.Int(resp.Usage.OutputTokens))
	}
	span.End()

	// Recording must survive request cancellation: a canceled ctx would
	// abort the very write that documents the failure.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		if ferr := r.store.FailAiRequest(recordCtx, reqID, latency, err.Error()); ferr != nil {
			r.logger.Error("record failed ai request", "request_id", reqID, "error", ferr)
		}
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = r.provider.Model()
	}
	price := pricing.Lookup(r.provider.Name(), model)
	row.Model = model
	row.InputTokens = resp.Usage.InputTokens
	row.OutputTokens = resp.Usage.OutputTokens
	row.InputPricePer1K = price.InputPer1K
	row.OutputPricePer1K = price.OutputPer1K
	row.CostMicrodollars = pricing.Microdollars(resp.Usage.InputTokens, resp.Usage.OutputTokens, price)
	row.LatencyMs = latency

	toolCalls := make([]persistence.AiRequestToolCall, 0, len(resp.ToolCalls))
	for i := range resp.ToolCalls {
		resp.ToolCalls[i].AiToolCallID = id.NewAiToolCallID()
		toolCalls = append(toolCalls, persistence.AiRequestToolCall{
			AiToolCallID:   resp.ToolCalls[i].AiToolCallID,
			RequestID:      reqID,
			SequenceNumber: i + 1,
			ToolName:       resp.ToolCalls[i].Name,
			Arguments:      resp.ToolCalls[i].Arguments,
		})
	}
	if err := r.store.CompleteAiRequest(recordCtx, row, toolCalls); err != nil {
		r.logger.Error("record completed ai request", "request_id", reqID, "error", err)
	}
	return resp, nil
}
