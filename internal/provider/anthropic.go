package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loomhq/loom/internal/config"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 4096
	anthropicAPIVersion       = "2023-06-01"
)

// anthropicProvider implements Provider on the Anthropic Messages API.
type anthropicProvider struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func newAnthropic(cfg config.ProviderConfig, httpClient *http.Client) *anthropicProvider {
	p := &anthropicProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		http:    httpClient,
	}
	if p.baseURL == "" {
		p.baseURL = defaultAnthropicBaseURL
	}
	if p.model == "" {
		p.model = defaultAnthropicModel
	}
	return p
}

func (p *anthropicProvider) Name() string  { return "anthropic" }
func (p *anthropicProvider) Model() string { return p.model }

func (p *anthropicProvider) Capabilities() Capability {
	return CapGenerate | CapTools | CapSchema | CapStreaming
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // tool_result payload
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *anthropicProvider) Generate(ctx context.Context, messages []Message) (*Response, error) {
	return p.chat(ctx, messages, nil)
}

func (p *anthropicProvider) GenerateWithTools(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	return p.chat(ctx, messages, tools)
}

func (p *anthropicProvider) GenerateWithToolResults(ctx context.Context, messages []Message) (*Response, error) {
	return p.chat(ctx, messages, nil)
}

func (p *anthropicProvider) GenerateWithSchema(ctx context.Context, messages []Message, schema []byte) (*Response, error) {
	validator, err := newSchemaValidator(schema)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	prompted := append([]Message{{
		Role: RoleSystem,
		Content: "Respond with a single JSON value matching this JSON Schema and nothing else:\n" +
			string(schema),
	}}, messages...)
	resp, err := p.chat(ctx, prompted, nil)
	if err != nil {
		return nil, err
	}
	jsonStr, err := validator.validate(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	resp.Content = jsonStr
	return resp, nil
}

func (p *anthropicProvider) GenerateWithGoogleSearch(context.Context, []Message) (*Response, error) {
	return nil, fmt.Errorf("anthropic: google search: %w", ErrCapability)
}

func (p *anthropicProvider) GenerateWithCodeExecution(context.Context, []Message) (*Response, error) {
	return nil, fmt.Errorf("anthropic: code execution: %w", ErrCapability)
}

func (p *anthropicProvider) chat(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	reqBody := p.buildRequest(messages, tools, false)
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic: API error (status %d): %s", resp.StatusCode, body)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("anthropic: unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	return p.parseResponse(&apiResp), nil
}

func (p *anthropicProvider) GenerateStream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	reqBody := p.buildRequest(messages, nil, true)
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic: API error (status %d): %s", resp.StatusCode, body)
	}

	ch := make(chan StreamChunk, 16)
	go p.readSSE(resp.Body, ch)
	return ch, nil
}

func (p *anthropicProvider) readSSE(body io.ReadCloser, ch chan<- StreamChunk) {
	defer body.Close()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				ch <- StreamChunk{Delta: event.Delta.Text}
			}
		case "message_stop":
			ch <- StreamChunk{Done: true}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- StreamChunk{Done: true, Err: fmt.Errorf("anthropic: stream: %w", err)}
		return
	}
	ch <- StreamChunk{Done: true}
}

func (p *anthropicProvider) buildRequest(messages []Message, tools []ToolDef, stream bool) *anthropicRequest {
	req := &anthropicRequest{
		Model:     p.model,
		MaxTokens: defaultAnthropicMaxTokens,
		Stream:    stream,
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += msg.Content
		case RoleTool:
			req.Messages = append(req.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case RoleAssistant:
			if msg.ToolCallID != "" {
				// Prior tool_use turn replayed for the follow-up call.
				req.Messages = append(req.Messages, anthropicMessage{
					Role: "assistant",
					Content: []anthropicContent{{
						Type:  "tool_use",
						ID:    msg.ToolCallID,
						Name:  msg.ToolName,
						Input: json.RawMessage(msg.Content),
					}},
				})
				continue
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: msg.Content})
		default:
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return req
}

func (p *anthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

func (p *anthropicProvider) parseResponse(apiResp *anthropicResponse) *Response {
	resp := &Response{
		Model: p.model,
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
	var textParts []string
	for _, item := range apiResp.Content {
		switch item.Type {
		case "text":
			textParts = append(textParts, item.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        item.ID,
				Name:      item.Name,
				Arguments: item.Input,
			})
		}
	}
	resp.Content = strings.Join(textParts, "\n")
	return resp
}
