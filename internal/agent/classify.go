package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/internal/provider"
)

// Delivery strategies for the final turn result.
const (
	strategyContent   = "content_provided"
	strategyArtifacts = "artifacts_provided"
	strategyToolsOnly = "tools_only"
)

// toolOutcome is one executed tool call with its result.
type toolOutcome struct {
	Call   provider.ToolCall
	Result *mcp.ToolCallResult
}

// valid reports whether the outcome yields an artifact: structured content
// present and the tool did not flag an error.
func (o toolOutcome) valid() bool {
	return len(o.Result.StructuredContent) > 0 && !o.Result.IsError
}

// turnResult is what gets persisted at the end of a turn.
type turnResult struct {
	Strategy  string
	Content   string
	Artifacts []persistence.NewArtifact
	Metadata  json.RawMessage
}

// classify decides how the turn is delivered: synthesized content wins;
// without content, valid artifacts speak for themselves; with neither, a
// deterministic placeholder plus the raw tool results.
func classify(content string, outcomes []toolOutcome) turnResult {
	var artifacts []persistence.NewArtifact
	var toolNames []string
	for _, o := range outcomes {
		toolNames = append(toolNames, o.Call.Name)
		if o.valid() {
			artifacts = append(artifacts, artifactFromOutcome(o))
		}
	}

	res := turnResult{Artifacts: artifacts}
	meta := map[string]any{}

	switch {
	case strings.TrimSpace(content) != "":
		res.Strategy = strategyContent
		res.Content = content
		if len(toolNames) > 0 {
			meta["tools_used"] = toolNames
		}
	case len(artifacts) > 0:
		res.Strategy = strategyArtifacts
		res.Content = artifactSummary(artifacts)
	default:
		res.Strategy = strategyToolsOnly
		if len(outcomes) > 0 {
			res.Content = fmt.Sprintf("Completed %d tool call(s): %s",
				len(outcomes), strings.Join(toolNames, ", "))
			meta["tool_results"] = rawResults(outcomes)
		} else {
			res.Content = "No response content was produced."
		}
	}

	meta["response_strategy"] = res.Strategy
	res.Metadata, _ = json.Marshal(meta)
	return res
}

func artifactSummary(artifacts []persistence.NewArtifact) string {
	names := make([]string, len(artifacts))
	for i, a := range artifacts {
		names[i] = a.Name
	}
	return fmt.Sprintf("Produced %d artifact(s): %s", len(artifacts), strings.Join(names, ", "))
}

// artifactFromOutcome shapes a tool result into an artifact. The tool's
// structured content decides the artifact type; an items array contributes a
// count to the metadata.
func artifactFromOutcome(o toolOutcome) persistence.NewArtifact {
	var sc struct {
		Type  string            `json:"type"`
		Items []json.RawMessage `json:"items"`
	}
	_ = json.Unmarshal(o.Result.StructuredContent, &sc)

	artifactType := sc.Type
	if artifactType == "" {
		artifactType = "data"
	}
	meta := map[string]any{}
	if sc.Items != nil {
		meta["count"] = len(sc.Items)
	}
	metaJSON, _ := json.Marshal(meta)

	parts := []persistence.NewPart{{Kind: persistence.PartData, Data: o.Result.StructuredContent}}
	if text := o.Result.Text(); text != "" {
		parts = append(parts, persistence.NewPart{Kind: persistence.PartText, Content: text})
	}
	return persistence.NewArtifact{
		Name:           o.Call.Name,
		ArtifactType:   artifactType,
		Source:         "mcp",
		ToolName:       o.Call.Name,
		McpExecutionID: o.Result.ExecutionID(),
		Metadata:       metaJSON,
		Parts:          parts,
	}
}

func rawResults(outcomes []toolOutcome) []map[string]any {
	out := make([]map[string]any, 0, len(outcomes))
	for _, o := range outcomes {
		entry := map[string]any{
			"tool":     o.Call.Name,
			"is_error": o.Result.IsError,
		}
		if text := o.Result.Text(); text != "" {
			entry["content"] = text
		}
		if len(o.Result.StructuredContent) > 0 {
			entry["structured_content"] = json.RawMessage(o.Result.StructuredContent)
		}
		out = append(out, entry)
	}
	return out
}
