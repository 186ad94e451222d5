// Package provider abstracts the LLM providers behind one interface with
// explicit capability flags. Implementations speak the provider wire APIs
// directly over HTTP.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/id"
)

// Capability is a bitset of operations a provider supports.
type Capability uint32

const (
	CapGenerate Capability = 1 << iota
	CapTools
	CapSchema
	CapSearch
	CapCodeExec
	CapStreaming
)

// Has reports whether all flags in want are present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// ErrCapability marks an operation the provider does not support. Callers
// branch on it to degrade instead of failing the task.
var ErrCapability = errors.New("provider capability not supported")

// Role is the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one prompt message. Tool results use RoleTool with ToolCallID
// set to the provider-native call id they answer.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolName   string
}

// ToolDef describes one callable tool in the provider's catalogue format.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is one tool invocation the model planned. ID is the
// provider-native call id; AiToolCallID is assigned when the call is
// recorded for accounting.
type ToolCall struct {
	ID           string
	AiToolCallID id.AiToolCallID
	Name         string
	Arguments    []byte
}

// Usage is the token accounting for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the outcome of one generation.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
	Model     string
}

// StreamChunk is one delta of a streamed generation. Err is set on the final
// chunk when the stream failed mid-flight.
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}

// PlanKind classifies a planning response.
type PlanKind string

const (
	DirectResponse PlanKind = "direct_response"
	ToolCalls      PlanKind = "tool_calls"
)

// PlanResult is a planning-phase view of a Response.
type PlanResult struct {
	Kind      PlanKind
	Content   string
	Reasoning string
	Calls     []ToolCall
}

// Plan classifies a response: any planned tool call makes it a tool-call
// plan, with leading text kept as reasoning.
func Plan(r *Response) PlanResult {
	if len(r.ToolCalls) == 0 {
		return PlanResult{Kind: DirectResponse, Content: r.Content}
	}
	return PlanResult{Kind: ToolCalls, Reasoning: r.Content, Calls: r.ToolCalls}
}

// Provider is one LLM backend. Operations outside the advertised
// capabilities return ErrCapability.
type Provider interface {
	Name() string
	Model() string
	Capabilities() Capability

	Generate(ctx context.Context, messages []Message) (*Response, error)
	GenerateWithTools(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error)
	GenerateWithToolResults(ctx context.Context, messages []Message) (*Response, error)
	GenerateWithSchema(ctx context.Context, messages []Message, schema []byte) (*Response, error)
	GenerateStream(ctx context.Context, messages []Message) (<-chan StreamChunk, error)
	GenerateWithGoogleSearch(ctx context.Context, messages []Message) (*Response, error)
	GenerateWithCodeExecution(ctx context.Context, messages []Message) (*Response, error)
}

// New builds a provider by name from its config.
func New(name string, cfg config.ProviderConfig) (Provider, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout()}
	switch strings.ToLower(name) {
	case "anthropic":
		return newAnthropic(cfg, httpClient), nil
	case "openai":
		return newOpenAI(cfg, httpClient), nil
	case "gemini", "google":
		return newGemini(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
