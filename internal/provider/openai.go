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
	defaultOpenAIBaseURL = "https://api.openai.com"
	defaultOpenAIModel   = "gpt-4o"
)

// openaiProvider implements Provider on the Chat Completions API.
type openaiProvider struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func newOpenAI(cfg config.ProviderConfig, httpClient *http.Client) *openaiProvider {
	p := &openaiProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		http:    httpClient,
	}
	if p.baseURL == "" {
		p.baseURL = defaultOpenAIBaseURL
	}
	if p.model == "" {
		p.model = defaultOpenAIModel
	}
	return p
}

func (p *openaiProvider) Name() string  { return "openai" }
func (p *openaiProvider) Model() string { return p.model }

func (p *openaiProvider) Capabilities() Capability {
	return CapGenerate | CapTools | CapSchema | CapStreaming
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	Tools          []openaiTool    `json:"tools,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat any             `json:"response_format,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *openaiProvider) Generate(ctx context.Context, messages []Message) (*Response, error) {
	return p.chat(ctx, messages, nil, nil)
}

func (p *openaiProvider) GenerateWithTools(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	return p.chat(ctx, messages, tools, nil)
}

func (p *openaiProvider) GenerateWithToolResults(ctx context.Context, messages []Message) (*Response, error) {
	return p.chat(ctx, messages, nil, nil)
}

func (p *openaiProvider) GenerateWithSchema(ctx context.Context, messages []Message, schema []byte) (*Response, error) {
	validator, err := newSchemaValidator(schema)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("openai: parse schema: %w", err)
	}
	format := map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   "structured_output",
			"schema": schemaDoc,
		},
	}
	resp, err := p.chat(ctx, messages, nil, format)
	if err != nil {
		return nil, err
	}
	jsonStr, err := validator.validate(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	resp.Content = jsonStr
	return resp, nil
}

func (p *openaiProvider) GenerateWithGoogleSearch(context.Context, []Message) (*Response, error) {
	return nil, fmt.Errorf("openai: google search: %w", ErrCapability)
}

func (p *openaiProvider) GenerateWithCodeExecution(context.Context, []Message) (*Response, error) {
	return nil, fmt.Errorf("openai: code execution: %w", ErrCapability)
}

func (p *openaiProvider) chat(ctx context.Context, messages []Message, tools []ToolDef, responseFormat any) (*Response, error) {
	reqBody := p.buildRequest(messages, tools, false)
	reqBody.ResponseFormat = responseFormat
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: API error (status %d): %s", resp.StatusCode, body)
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}
	return p.parseResponse(&apiResp), nil
}

func (p *openaiProvider) GenerateStream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	reqBody := p.buildRequest(messages, nil, true)
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("openai: API error (status %d): %s", resp.StatusCode, body)
	}

	ch := make(chan StreamChunk, 16)
	go p.readSSE(resp.Body, ch)
	return ch, nil
}

func (p *openaiProvider) readSSE(body io.ReadCloser, ch chan<- StreamChunk) {
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
		if payload == "[DONE]" {
			ch <- StreamChunk{Done: true}
			return
		}
		var event struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if len(event.Choices) > 0 && event.Choices[0].Delta.Content != "" {
			ch <- StreamChunk{Delta: event.Choices[0].Delta.Content}
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- StreamChunk{Done: true, Err: fmt.Errorf("openai: stream: %w", err)}
		return
	}
	ch <- StreamChunk{Done: true}
}

func (p *openaiProvider) buildRequest(messages []Message, tools []ToolDef, stream bool) *openaiRequest {
	req := &openaiRequest{Model: p.model, Stream: stream}
	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			req.Messages = append(req.Messages, openaiMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case RoleAssistant:
			if msg.ToolCallID != "" {
				var tc openaiToolCall
				tc.ID = msg.ToolCallID
				tc.Type = "function"
				tc.Function.Name = msg.ToolName
				tc.Function.Arguments = msg.Content
				req.Messages = append(req.Messages, openaiMessage{
					Role:      "assistant",
					ToolCalls: []openaiToolCall{tc},
				})
				continue
			}
			req.Messages = append(req.Messages, openaiMessage{Role: "assistant", Content: msg.Content})
		default:
			req.Messages = append(req.Messages, openaiMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}
	for _, t := range tools {
		var ot openaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		req.Tools = append(req.Tools, ot)
	}
	return req
}

func (p *openaiProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
}

func (p *openaiProvider) parseResponse(apiResp *openaiResponse) *Response {
	msg := apiResp.Choices[0].Message
	resp := &Response{
		Model:   p.model,
		Content: msg.Content,
		Usage: Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return resp
}
