package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for loom spans.
var (
	AttrAgentName    = attribute.Key("loom.agent.name")
	AttrTaskID       = attribute.Key("loom.task.id")
	AttrContextID    = attribute.Key("loom.context.id")
	AttrToolName     = attribute.Key("loom.tool.name")
	AttrMCPServer    = attribute.Key("loom.mcp.server")
	AttrProvider     = attribute.Key("loom.llm.provider")
	AttrModel        = attribute.Key("loom.llm.model")
	AttrTokensInput  = attribute.Key("loom.llm.tokens.input")
	AttrTokensOutput = attribute.Key("loom.llm.tokens.output")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP server).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
