package provider

import (
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
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.5-flash"
)

// geminiProvider implements Provider on the generateContent API. It is the
// only provider with search grounding and code execution.
type geminiProvider struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func newGemini(cfg config.ProviderConfig, httpClient *http.Client) *geminiProvider {
	p := &geminiProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		http:    httpClient,
	}
	if p.baseURL == "" {
		p.baseURL = defaultGeminiBaseURL
	}
	if p.model == "" {
		p.model = defaultGeminiModel
	}
	return p
}

func (p *geminiProvider) Name() string  { return "gemini" }
func (p *geminiProvider) Model() string { return p.model }

func (p *geminiProvider) Capabilities() Capability {
	return CapGenerate | CapTools | CapSchema | CapSearch | CapCodeExec
}

type geminiPart struct {
	Text             string `json:"text,omitempty"`
	FunctionCall     *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"system_instruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	Tools             []map[string]any `json:"tools,omitempty"`
	GenerationConfig  map[string]any   `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *geminiProvider) Generate(ctx context.Context, messages []Message) (*Response, error) {
	return p.generate(ctx, messages, nil, nil)
}

func (p *geminiProvider) GenerateWithTools(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	var decls []map[string]any
	for _, t := range tools {
		decl := map[string]any{
			"name":        t.Name,
			"description": t.Description,
		}
		if t.InputSchema != nil {
			decl["parameters"] = t.InputSchema
		}
		decls = append(decls, decl)
	}
	return p.generate(ctx, messages, []map[string]any{{"functionDeclarations": decls}}, nil)
}

func (p *geminiProvider) GenerateWithToolResults(ctx context.Context, messages []Message) (*Response, error) {
	return p.generate(ctx, messages, nil, nil)
}

func (p *geminiProvider) GenerateWithSchema(ctx context.Context, messages []Message, schema []byte) (*Response, error) {
	validator, err := newSchemaValidator(schema)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("gemini: parse schema: %w", err)
	}
	genCfg := map[string]any{
		"responseMimeType": "application/json",
		"responseSchema":   schemaDoc,
	}
	resp, err := p.generate(ctx, messages, nil, genCfg)
	if err != nil {
		return nil, err
	}
	jsonStr, err := validator.validate(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	resp.Content = jsonStr
	return resp, nil
}

func (p *geminiProvider) GenerateWithGoogleSearch(ctx context.Context, messages []Message) (*Response, error) {
	return p.generate(ctx, messages, []map[string]any{{"googleSearch": map[string]any{}}}, nil)
}

func (p *geminiProvider) GenerateWithCodeExecution(ctx context.Context, messages []Message) (*Response, error) {
	return p.generate(ctx, messages, []map[string]any{{"codeExecution": map[string]any{}}}, nil)
}

func (p *geminiProvider) GenerateStream(context.Context, []Message) (<-chan StreamChunk, error) {
	return nil, fmt.Errorf("gemini: streaming: %w", ErrCapability)
}

func (p *geminiProvider) generate(ctx context.Context, messages []Message, tools []map[string]any, genCfg map[string]any) (*Response, error) {
	reqBody := p.buildRequest(messages)
	reqBody.Tools = tools
	reqBody.GenerationConfig = genCfg

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini: API error (status %d): %s", resp.StatusCode, body)
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("gemini: unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("gemini: error %d: %s", apiResp.Error.Code, apiResp.Error.Message)
	}
	if len(apiResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: empty candidates")
	}
	return p.parseResponse(&apiResp), nil
}

func (p *geminiProvider) buildRequest(messages []Message) *geminiRequest {
	req := &geminiRequest{}
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if req.SystemInstruction == nil {
				req.SystemInstruction = &geminiContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, geminiPart{Text: msg.Content})
		case RoleTool:
			part := geminiPart{}
			part.FunctionResponse = &struct {
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			}{
				Name:     msg.ToolName,
				Response: map[string]any{"content": msg.Content},
			}
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{part}})
		case RoleAssistant:
			if msg.ToolCallID != "" {
				part := geminiPart{}
				part.FunctionCall = &struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args,omitempty"`
				}{
					Name: msg.ToolName,
					Args: json.RawMessage(msg.Content),
				}
				req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{part}})
				continue
			}
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}
	return req
}

func (p *geminiProvider) parseResponse(apiResp *geminiResponse) *Response {
	resp := &Response{
		Model: p.model,
		Usage: Usage{
			InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
		},
	}
	var textParts []string
	for _, part := range apiResp.Candidates[0].Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
		if part.FunctionCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	resp.Content = strings.Join(textParts, "\n")
	return resp
}
