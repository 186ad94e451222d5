package agent

import (
	"encoding/json"
	"testing"

	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/provider"
)

func okOutcome(name string, structured string) toolOutcome {
	return toolOutcome{
		Call: provider.ToolCall{Name: name},
		Result: &mcp.ToolCallResult{
			StructuredContent: json.RawMessage(structured),
		},
	}
}

func TestClassify_ContentWins(t *testing.T) {
	res := classify("The answer is 4.", []toolOutcome{okOutcome("calc", `{"type":"data"}`)})
	if res.Strategy != strategyContent {
		t.Fatalf("strategy = %s", res.Strategy)
	}
	if res.Content != "The answer is 4." {
		t.Fatalf("content = %q", res.Content)
	}
	// Valid artifacts are still persisted alongside the content.
	if len(res.Artifacts) != 1 {
		t.Fatalf("artifacts = %d", len(res.Artifacts))
	}
	var meta map[string]any
	_ = json.Unmarshal(res.Metadata, &meta)
	if meta["response_strategy"] != strategyContent {
		t.Fatalf("metadata strategy = %v", meta["response_strategy"])
	}
}

func TestClassify_ArtifactsProvided(t *testing.T) {
	res := classify("", []toolOutcome{
		okOutcome("list_posts", `{"type":"list","items":[{},{}]}`),
		okOutcome("get_chart", `{"type":"chart"}`),
	})
	if res.Strategy != strategyArtifacts {
		t.Fatalf("strategy = %s", res.Strategy)
	}
	if res.Content != "Produced 2 artifact(s): list_posts, get_chart" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.Artifacts[0].ArtifactType != "list" || res.Artifacts[1].ArtifactType != "chart" {
		t.Fatalf("types = %s, %s", res.Artifacts[0].ArtifactType, res.Artifacts[1].ArtifactType)
	}
}

func TestClassify_ErrorResultYieldsNoArtifact(t *testing.T) {
	res := classify("", []toolOutcome{{
		Call: provider.ToolCall{Name: "list_posts"},
		Result: &mcp.ToolCallResult{
			IsError:           true,
			StructuredContent: json.RawMessage(`{"type":"list"}`),
		},
	}})
	if len(res.Artifacts) != 0 {
		t.Fatalf("artifacts = %d, want 0 for is_error result", len(res.Artifacts))
	}
	if res.Strategy != strategyToolsOnly {
		t.Fatalf("strategy = %s", res.Strategy)
	}
}

func TestClassify_ToolsOnly(t *testing.T) {
	res := classify("", []toolOutcome{{
		Call: provider.ToolCall{Name: "restart_cache"},
		Result: &mcp.ToolCallResult{
			Content: []mcp.ToolContent{{Type: "text", Text: "ok"}},
		},
	}})
	if res.Strategy != strategyToolsOnly {
		t.Fatalf("strategy = %s", res.Strategy)
	}
	if res.Content != "Completed 1 tool call(s): restart_cache" {
		t.Fatalf("content = %q", res.Content)
	}
	var meta map[string]any
	_ = json.Unmarshal(res.Metadata, &meta)
	results, ok := meta["tool_results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("tool_results = %v", meta["tool_results"])
	}
}

func TestClassify_NothingAtAll(t *testing.T) {
	res := classify("", nil)
	if res.Strategy != strategyToolsOnly || res.Content == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestArtifactFromOutcome_DefaultsType(t *testing.T) {
	a := artifactFromOutcome(okOutcome("dump", `{"rows":[1,2,3]}`))
	if a.ArtifactType != "data" {
		t.Fatalf("type = %s, want data", a.ArtifactType)
	}
	if len(a.Parts) != 1 || a.Parts[0].Kind != "data" {
		t.Fatalf("parts = %+v", a.Parts)
	}
}
