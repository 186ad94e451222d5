package agent

import (
	"context"
	"log/slog"

	"github.com/loomhq/loom/internal/id"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/persistence"
)

// Tool pairs a tool definition with the server that hosts it.
type Tool struct {
	Server string
	Def    mcp.ToolDef
}

// ToolRunner supplies the live tool catalogue and invokes tools on their
// servers. A failed catalogue fetch degrades the agent to plain generation;
// a failed call becomes an is_error tool result.
type ToolRunner interface {
	Catalogue(ctx context.Context, rc *id.RequestContext) ([]Tool, error)
	Call(ctx context.Context, rc *id.RequestContext, server string, p mcp.CallToolParams) (*mcp.ToolCallResult, error)
}

// ServiceLister is the slice of the persistence layer the runner needs to
// discover running tool servers.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]persistence.McpService, error)
}

// SupervisorRunner is the production ToolRunner: it resolves endpoints
// through the supervisor and speaks JSON-RPC to each server.
type SupervisorRunner struct {
	sup      *mcp.Supervisor
	services ServiceLister
	logger   *slog.Logger
}

func NewSupervisorRunner(sup *mcp.Supervisor, services ServiceLister, logger *slog.Logger) *SupervisorRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SupervisorRunner{sup: sup, services: services, logger: logger}
}

// Catalogue lists tools from every running server. A server that fails to
// answer is skipped, not fatal: the agent plans with what is reachable.
func (r *SupervisorRunner) Catalogue(ctx context.Context, rc *id.RequestContext) ([]Tool, error) {
	rows, err := r.services.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	var out []Tool
	for _, row := range rows {
		if row.Status != persistence.ServiceRunning {
			continue
		}
		endpoint, err := r.sup.ServiceEndpoint(ctx, row.Name)
		if err != nil {
			continue
		}
		defs, err := mcp.NewClient(endpoint).ListTools(ctx, rc)
		if err != nil {
			r.logger.Warn("tool catalogue fetch failed", "server", row.Name, "error", err)
			continue
		}
		for _, def := range defs {
			out = append(out, Tool{Server: row.Name, Def: def})
		}
	}
	return out, nil
}

func (r *SupervisorRunner) Call(ctx context.Context, rc *id.RequestContext, server string, p mcp.CallToolParams) (*mcp.ToolCallResult, error) {
	endpoint, err := r.sup.ServiceEndpoint(ctx, server)
	if err != nil {
		return nil, err
	}
	return mcp.NewClient(endpoint).CallTool(ctx, rc, p)
}

// filterTools keeps the tools an agent is allowed to use. An empty allow
// list means all tools.
func filterTools(catalogue []Tool, allowed []string) []Tool {
	if len(allowed) == 0 {
		return catalogue
	}
	allow := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allow[name] = true
	}
	var out []Tool
	for _, t := range catalogue {
		if allow[t.Def.Name] {
			out = append(out, t)
		}
	}
	return out
}
