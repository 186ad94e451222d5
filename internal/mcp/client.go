package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loomhq/loom/internal/id"
)

// Tool model override headers. The tool server picks these up to route its
// own LLM calls to the model the agent config selected for the tool.
const (
	HeaderToolModelProvider = "x-model-provider"
	HeaderToolModelName     = "x-model-name"
)

// ToolDef is one entry from tools/list.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolContent is one content block of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the outcome of tools/call. A result with IsError set is
// data, not a transport failure; planning treats it as a failed tool run.
type ToolCallResult struct {
	Content           []ToolContent   `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	Meta              json.RawMessage `json:"_meta,omitempty"`
}

// ExecutionID extracts the server-side execution id from the result meta,
// empty if the server did not report one.
func (r *ToolCallResult) ExecutionID() string {
	if len(r.Meta) == 0 {
		return ""
	}
	var meta struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(r.Meta, &meta); err != nil {
		return ""
	}
	return meta.ExecutionID
}

// Text concatenates the textual content blocks.
func (r *ToolCallResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += c.Text
		}
	}
	return out
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Client speaks JSON-RPC 2.0 over HTTP to one tool server. RequestContext
// headers are forwarded on every call so the server can trace and authorize
// downstream work.
type Client struct {
	baseURL string
	http    *http.Client
	nextID  atomic.Int64
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// ListTools returns the server's tool catalogue.
func (c *Client) ListTools(ctx context.Context, rc *id.RequestContext) ([]ToolDef, error) {
	var result struct {
		Tools []ToolDef `json:"tools"`
	}
	if err := c.call(ctx, rc, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallToolParams names the tool and its arguments, plus the model override
// resolved for this tool.
type CallToolParams struct {
	Name          string
	Arguments     json.RawMessage
	ModelProvider string
	ModelName     string
}

// CallTool invokes one tool. Transport and RPC errors are returned as
// errors; a ToolCallResult with IsError set is returned as a value.
func (c *Client) CallTool(ctx context.Context, rc *id.RequestContext, p CallToolParams) (*ToolCallResult, error) {
	params := map[string]any{
		"name": p.Name,
	}
	if len(p.Arguments) > 0 {
		params["arguments"] = json.RawMessage(p.Arguments)
	}
	var result ToolCallResult
	err := c.callWithHeaders(ctx, rc, "tools/call", params, &result, func(h http.Header) {
		if p.ModelProvider != "" {
			h.Set(HeaderToolModelProvider, p.ModelProvider)
		}
		if p.ModelName != "" {
			h.Set(HeaderToolModelName, p.ModelName)
		}
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, rc *id.RequestContext, method string, params, result any) error {
	return c.callWithHeaders(ctx, rc, method, params, result, nil)
}

func (c *Client) callWithHeaders(ctx context.Context, rc *id.RequestContext, method string, params, result any, extra func(http.Header)) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if rc != nil {
		rc.InjectHeaders(req.Header)
	}
	if extra != nil {
		extra(req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, data)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}
