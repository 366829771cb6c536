package agent

import "github.com/poucet/noema/internal/provider"

// SpawnAgentToolName is the local builtin tool the loop special-cases
// rather than dispatching through the MCP registry.
const SpawnAgentToolName = "spawn_agent"

// spawnAgentTool declares the builtin's schema so it appears in the
// request's tool catalog alongside MCP-registry tools.
var spawnAgentTool = provider.ToolDefinition{
	Name:        SpawnAgentToolName,
	Description: "Delegate a focused subtask to a nested agent running in its own subconversation, and receive its final answer as the result.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the subagent to complete.",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "A short, human-readable label for the subconversation.",
			},
		},
		"required": []any{"task"},
	},
}

// ToolConfig restricts which tools are offered to the model this turn,
// mirroring the allow/deny policy shape the teacher's tool executor
// enforces (Policy.IsAllowed): an explicit deny always wins, an
// explicit allow always wins over the default, and the default is
// AllowAll when neither list is set.
type ToolConfig struct {
	// Disabled omits the tool catalog entirely when true.
	Disabled bool
	Allowed  map[string]bool
	Denied   map[string]bool
}

// IsAllowed reports whether name may appear in this turn's catalog.
func (c *ToolConfig) IsAllowed(name string) bool {
	if c == nil {
		return true
	}
	if c.Denied[name] {
		return false
	}
	if c.Allowed[name] {
		return true
	}
	return len(c.Allowed) == 0
}

// buildToolCatalog unions the MCP registry's connected tools with the
// local builtin catalog, filtered by cfg. In the catalog an MCP tool's
// definition takes the place of a same-named builtin (mirrors
// enabledBuiltinToolsForModel's mcpTool-wins merge); dispatch is not
// affected: turnLoop.dispatchTool still routes every call named
// spawn_agent to the local builtin.
func buildToolCatalog(mcpTools []provider.ToolDefinition, cfg *ToolConfig) []provider.ToolDefinition {
	if cfg != nil && cfg.Disabled {
		return nil
	}

	seen := make(map[string]struct{}, len(mcpTools)+1)
	out := make([]provider.ToolDefinition, 0, len(mcpTools)+1)

	for _, t := range mcpTools {
		if !cfg.IsAllowed(t.Name) {
			continue
		}
		out = append(out, t)
		seen[t.Name] = struct{}{}
	}

	if _, ok := seen[SpawnAgentToolName]; !ok && cfg.IsAllowed(SpawnAgentToolName) {
		out = append(out, spawnAgentTool)
	}

	return out
}
