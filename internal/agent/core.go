// Package agent drives the request -> task -> response pipeline: it persists
// the incoming message, plans with the configured provider, dispatches tool
// calls to supervised MCP servers, and commits the turn result in one
// transaction.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/id"
	"github.com/loomhq/loom/internal/mcp"
	otelPkg "github.com/loomhq/loom/internal/otel"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/internal/provider"
)

// responsePhaseMarker tells the model the tool phase is over. Without it,
// models with tool access keep planning instead of answering.
const responsePhaseMarker = "RESPONSE PHASE — do NOT call tools. Answer the user using the tool results below."

// Store is the persistence surface the core drives.
type Store interface {
	EnsureContext(ctx context.Context, ctxID id.ContextID, userID id.UserID, sessionID id.SessionID) (*persistence.Context, error)
	CreateTask(ctx context.Context, p persistence.CreateTaskParams) (*persistence.Task, error)
	SaveMessage(ctx context.Context, taskID id.TaskID, m persistence.NewMessage) (*persistence.Message, error)
	TransitionTask(ctx context.Context, taskID id.TaskID, to persistence.TaskStatus, statusMessage string) (*persistence.Task, error)
	UpdateTaskAndSaveMessages(ctx context.Context, p persistence.UpdateTaskParams) (*persistence.TaskBundle, error)
	GetTaskBundle(ctx context.Context, taskID id.TaskID) (*persistence.TaskBundle, error)
	StartExecutionStep(ctx context.Context, taskID id.TaskID, status string, content json.RawMessage) (id.StepID, error)
	FinishExecutionStep(ctx context.Context, stepID id.StepID, status, errMsg string) error
	LinkToolCallExecution(ctx context.Context, toolCallID id.AiToolCallID, mcpExecutionID string) error
}

// Generator is the recorded provider surface the core plans with. The
// production implementation is *provider.Recorder.
type Generator interface {
	Name() string
	Model() string
	Generate(ctx context.Context, taskID id.TaskID, messages []provider.Message) (*provider.Response, error)
	GenerateWithTools(ctx context.Context, taskID id.TaskID, messages []provider.Message, tools []provider.ToolDef) (*provider.Response, error)
	GenerateWithToolResults(ctx context.Context, taskID id.TaskID, messages []provider.Message) (*provider.Response, error)
}

// Incoming is one user message from the A2A envelope.
type Incoming struct {
	MessageID        id.MessageID
	TaskID           id.TaskID
	ClientMessageID  string
	Text             string
	ReferenceTaskIDs []string
	Metadata         json.RawMessage
}

// Core orchestrates persistence, planning, and tool dispatch for one agent
// turn at a time.
type Core struct {
	store      Store
	tools      ToolRunner
	generators map[string]Generator
	tracer     trace.Tracer
	logger     *slog.Logger
}

func NewCore(store Store, tools ToolRunner, generators map[string]Generator, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		store:      store,
		tools:      tools,
		generators: generators,
		tracer:     otel.Tracer(otelPkg.TracerName),
		logger:     logger,
	}
}

// HandleMessage runs the full pipeline for one incoming message and returns
// the hydrated task. Provider failures surface as a failed task, not an
// error; tool failures become is_error results the synthesis step explains.
func (c *Core) HandleMessage(ctx context.Context, rc id.RequestContext, agentCfg *config.AgentConfig, in Incoming) (*persistence.TaskBundle, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("empty message text")
	}
	if rc.ContextID == "" {
		rc.ContextID = id.NewContextID()
	}
	rc.AgentName = agentCfg.Name

	ctx, span := otelPkg.StartSpan(ctx, c.tracer, "agent.handle_message",
		otelPkg.AttrAgentName.String(agentCfg.Name),
		otelPkg.AttrContextID.String(string(rc.ContextID)))
	defer span.End()

	if _, err := c.store.EnsureContext(ctx, rc.ContextID, rc.UserID, rc.SessionID); err != nil {
		return nil, err
	}
	task, err := c.store.CreateTask(ctx, persistence.CreateTaskParams{
		TaskID:    in.TaskID,
		ContextID: rc.ContextID,
		AgentName: agentCfg.Name,
		Metadata:  in.Metadata,
	})
	if err != nil {
		return nil, err
	}
	rc.TaskID = task.ID
	span.SetAttributes(otelPkg.AttrTaskID.String(string(task.ID)))

	if _, err := c.store.SaveMessage(ctx, task.ID, persistence.NewMessage{
		MessageID:        in.MessageID,
		Role:             persistence.RoleUser,
		UserID:           rc.UserID,
		SessionID:        rc.SessionID,
		TraceID:          rc.TraceID,
		ClientMessageID:  in.ClientMessageID,
		ReferenceTaskIDs: in.ReferenceTaskIDs,
		Parts:            []persistence.NewPart{{Kind: persistence.PartText, Content: in.Text}},
	}); err != nil {
		return c.failTask(ctx, task.ID, "The message could not be saved.")
	}

	if _, err := c.store.TransitionTask(ctx, task.ID, persistence.TaskStatusWorking, ""); err != nil {
		return nil, err
	}

	gen := c.generators[agentCfg.Provider]
	if gen == nil {
		c.logger.Error("agent provider not configured", "agent", agentCfg.Name, "provider", agentCfg.Provider)
		return c.failTask(ctx, task.ID, fmt.Sprintf("Provider %q is not configured.", agentCfg.Provider))
	}

	tools := c.catalogue(ctx, &rc, agentCfg)
	baseMessages := promptMessages(agentCfg, in.Text)

	var resp *provider.Response
	if len(tools) > 0 {
		resp, err = gen.GenerateWithTools(ctx, task.ID, baseMessages, toolDefs(tools))
	} else {
		resp, err = gen.Generate(ctx, task.ID, baseMessages)
	}
	if err != nil {
		if ctx.Err() != nil {
			return c.cancelTask(ctx, task.ID)
		}
		c.logger.Error("planning call failed", "task", task.ID, "provider", gen.Name(), "error", err)
		return c.failTask(ctx, task.ID, "The agent was unable to process your request.")
	}
	if ctx.Err() != nil {
		return c.cancelTask(ctx, task.ID)
	}

	plan := provider.Plan(resp)
	content := plan.Content
	var outcomes []toolOutcome
	if plan.Kind == provider.ToolCalls {
		outcomes = c.runTools(ctx, rc, agentCfg, task.ID, tools, plan.Calls)
		synth, err := gen.GenerateWithToolResults(ctx, task.ID,
			synthesisMessages(baseMessages, outcomes))
		if err != nil {
			if ctx.Err() != nil {
				return c.cancelTask(ctx, task.ID)
			}
			c.logger.Error("synthesis call failed", "task", task.ID, "provider", gen.Name(), "error", err)
			return c.failTask(ctx, task.ID, "The agent was unable to compose a response.")
		}
		content = synth.Content
	}
	if ctx.Err() != nil {
		return c.cancelTask(ctx, task.ID)
	}

	result := classify(content, outcomes)
	agentMsg := persistence.NewMessage{
		Role:      persistence.RoleAgent,
		UserID:    rc.UserID,
		SessionID: rc.SessionID,
		TraceID:   rc.TraceID,
		Parts:     []persistence.NewPart{{Kind: persistence.PartText, Content: result.Content}},
	}
	bundle, err := c.store.UpdateTaskAndSaveMessages(ctx, persistence.UpdateTaskParams{
		TaskID:        task.ID,
		Status:        persistence.TaskStatusCompleted,
		MetadataPatch: result.Metadata,
		Messages:      []persistence.NewMessage{agentMsg},
		Artifacts:     result.Artifacts,
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// catalogue fetches and filters the tool set for this agent. Catalogue
// failure degrades the turn to plain generation.
func (c *Core) catalogue(ctx context.Context, rc *id.RequestContext, agentCfg *config.AgentConfig) []Tool {
	if c.tools == nil {
		return nil
	}
	all, err := c.tools.Catalogue(ctx, rc)
	if err != nil {
		c.logger.Warn("tool catalogue unavailable", "agent", agentCfg.Name, "error", err)
		return nil
	}
	return filterTools(all, agentCfg.Tools)
}

// runTools executes the planned calls in order. Every call gets an execution
// step; failures are captured as is_error results, never aborting the turn.
func (c *Core) runTools(ctx context.Context, rc id.RequestContext, agentCfg *config.AgentConfig, taskID id.TaskID, tools []Tool, calls []provider.ToolCall) []toolOutcome {
	byName := make(map[string]string, len(tools))
	for _, t := range tools {
		byName[t.Def.Name] = t.Server
	}

	outcomes := make([]toolOutcome, 0, len(calls))
	for _, call := range calls {
		args := json.RawMessage(call.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		stepContent, _ := json.Marshal(map[string]any{
			"tool":      call.Name,
			"arguments": args,
		})
		stepID, err := c.store.StartExecutionStep(ctx, taskID, "tool_call", stepContent)
		if err != nil {
			c.logger.Warn("start execution step", "task", taskID, "tool", call.Name, "error", err)
		}

		callCtx, span := otelPkg.StartClientSpan(ctx, c.tracer, "agent.tool_call",
			otelPkg.AttrToolName.String(call.Name),
			otelPkg.AttrMCPServer.String(byName[call.Name]))
		result := c.invokeTool(callCtx, rc, agentCfg, byName, call)
		span.End()
		if execID := result.ExecutionID(); execID != "" && call.AiToolCallID != "" {
			if err := c.store.LinkToolCallExecution(ctx, call.AiToolCallID, execID); err != nil {
				c.logger.Warn("link tool call execution", "tool_call", call.AiToolCallID, "execution", execID, "error", err)
			}
		}
		if stepID != "" {
			status, errMsg := "completed", ""
			if result.IsError {
				status, errMsg = "failed", result.Text()
			}
			if err := c.store.FinishExecutionStep(ctx, stepID, status, errMsg); err != nil {
				c.logger.Warn("finish execution step", "step", stepID, "error", err)
			}
		}
		outcomes = append(outcomes, toolOutcome{Call: call, Result: result})
	}
	return outcomes
}

func (c *Core) invokeTool(ctx context.Context, rc id.RequestContext, agentCfg *config.AgentConfig, byName map[string]string, call provider.ToolCall) *mcp.ToolCallResult {
	server, ok := byName[call.Name]
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool %q", call.Name))
	}

	params := mcp.CallToolParams{
		Name:      call.Name,
		Arguments: call.Arguments,
	}
	if override, ok := agentCfg.ToolModels[call.Name]; ok {
		params.ModelProvider = override.Provider
		params.ModelName = override.Model
	}
	rc.AiToolCallID = call.AiToolCallID
	rc.CallSource = "agent"

	result, err := c.tools.Call(ctx, &rc, server, params)
	if err != nil {
		c.logger.Warn("tool call failed", "tool", call.Name, "server", server, "error", err)
		return errorResult(err.Error())
	}
	return result
}

func errorResult(msg string) *mcp.ToolCallResult {
	return &mcp.ToolCallResult{
		IsError: true,
		Content: []mcp.ToolContent{{Type: "text", Text: msg}},
	}
}

// failTask moves the task to failed with a user-visible message and returns
// the hydrated bundle. The write survives request cancellation.
func (c *Core) failTask(ctx context.Context, taskID id.TaskID, userMsg string) (*persistence.TaskBundle, error) {
	return c.finishAbnormally(ctx, taskID, persistence.TaskStatusFailed, userMsg)
}

// cancelTask records cancellation at this persistence boundary.
func (c *Core) cancelTask(ctx context.Context, taskID id.TaskID) (*persistence.TaskBundle, error) {
	return c.finishAbnormally(ctx, taskID, persistence.TaskStatusCanceled, "The request was canceled.")
}

func (c *Core) finishAbnormally(ctx context.Context, taskID id.TaskID, status persistence.TaskStatus, userMsg string) (*persistence.TaskBundle, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := c.store.TransitionTask(writeCtx, taskID, status, userMsg); err != nil {
		return nil, err
	}
	return c.store.GetTaskBundle(writeCtx, taskID)
}

// CancelTask is the external cancel entry point used by the gateway.
func (c *Core) CancelTask(ctx context.Context, taskID id.TaskID) (*persistence.TaskBundle, error) {
	return c.cancelTask(ctx, taskID)
}

func promptMessages(agentCfg *config.AgentConfig, text string) []provider.Message {
	var messages []provider.Message
	if agentCfg.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: agentCfg.SystemPrompt})
	}
	return append(messages, provider.Message{Role: provider.RoleUser, Content: text})
}

// synthesisMessages replays the tool phase into the conversation and closes
// it with the response-phase marker so the model answers instead of planning
// further calls.
func synthesisMessages(base []provider.Message, outcomes []toolOutcome) []provider.Message {
	messages := make([]provider.Message, len(base), len(base)+2*len(outcomes)+1)
	copy(messages, base)

	var summary strings.Builder
	for _, o := range outcomes {
		messages = append(messages, provider.Message{
			Role:       provider.RoleAssistant,
			ToolCallID: o.Call.ID,
			ToolName:   o.Call.Name,
			Content:    string(o.Call.Arguments),
		})
		text := o.Result.Text()
		if o.Result.IsError {
			text = "[tool error] " + text
		} else if text == "" && len(o.Result.StructuredContent) > 0 {
			text = string(o.Result.StructuredContent)
		}
		messages = append(messages, provider.Message{
			Role:       provider.RoleTool,
			ToolCallID: o.Call.ID,
			ToolName:   o.Call.Name,
			Content:    text,
		})
		fmt.Fprintf(&summary, "- %s: %s\n", o.Call.Name, text)
	}

	return append(messages, provider.Message{
		Role:    provider.RoleUser,
		Content: responsePhaseMarker + "\n\nTool results:\n" + summary.String(),
	})
}

func toolDefs(tools []Tool) []provider.ToolDef {
	defs := make([]provider.ToolDef, 0, len(tools))
	for _, t := range tools {
		def := provider.ToolDef{
			Name:        t.Def.Name,
			Description: t.Def.Description,
		}
		if len(t.Def.InputSchema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(t.Def.InputSchema, &schema); err == nil {
				def.InputSchema = schema
			}
		}
		defs = append(defs, def)
	}
	return defs
}
