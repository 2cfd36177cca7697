package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/minipuft/claude-prompts-mcp-sub004/mcp"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// Tool names exposed over MCP.
const (
	ToolPromptEngine    = "prompt_engine"
	ToolResourceManager = "resource_manager"
	ToolSystemControl   = "system_control"
)

const promptEngineDescription = "Execute prompts, templates, and chains. " +
	"Commands use the symbolic form '>>prompt_id key=\"value\"'; chain steps join with '-->'. " +
	"Modifiers: @Methodology, ::\"criteria\" inline gates, %clean/%lean/%framework:<id>/%judge, " +
	":: verify:\"cmd\" shell verification, tool:<id> script tools. " +
	"Resume a suspended chain with chain_id plus user_response, and answer gate reviews " +
	"with gate_verdict or gate_action."

const promptEngineSchema = `{
  "type": "object",
  "properties": {
    "command": {
      "type": "string",
      "description": "Command text: '>>prompt_id key=\"value\"', chained with '-->'. Omit when resuming via chain_id."
    },
    "chain_id": {
      "type": "string",
      "description": "Resume token for a suspended or in-progress chain ('chain-<prompt>' or 'chain-<prompt>#<n>')."
    },
    "user_response": {
      "type": "string",
      "description": "Completed output of the previous chain step. Empty string is a valid response."
    },
    "force_restart": {
      "type": "boolean",
      "description": "Replace an existing session for the same chain instead of continuing it."
    },
    "gate_action": {
      "type": "string",
      "enum": ["retry", "skip", "abort"],
      "description": "Resolution for a review whose retry budget is exhausted."
    },
    "gate_verdict": {
      "type": "string",
      "description": "Verdict line for a pending gate review, e.g. 'GATE_REVIEW: PASS - criteria met'."
    },
    "gates": {
      "type": "array",
      "items": {},
      "description": "Gate provisions: registered id strings, quick {name, description} gates, or full definitions."
    },
    "quality_gates": {
      "type": "array",
      "items": {},
      "description": "Deprecated alias for gates."
    },
    "temp_gates": {
      "type": "array",
      "items": {},
      "description": "Deprecated alias for gates."
    },
    "options": {
      "type": "object",
      "description": "Opaque per-request options (framework override, execution mode, step confirmation)."
    }
  },
  "additionalProperties": false
}`

const resourceManagerDescription = "Manage prompts, gates, and methodologies: create, update, delete (confirm required), " +
	"reload, list, inspect, version history, rollback, and compare. Prompt-only analysis actions: " +
	"analyze_type, analyze_gates, guide. Methodology-only: switch."

const resourceManagerSchema = `{
  "type": "object",
  "required": ["resource_type", "action"],
  "properties": {
    "resource_type": {
      "type": "string",
      "enum": ["prompt", "gate", "methodology"],
      "description": "Resource family the action applies to."
    },
    "action": {
      "type": "string",
      "enum": ["create", "update", "delete", "reload", "list", "inspect",
               "analyze_type", "analyze_gates", "guide", "switch",
               "history", "rollback", "compare"],
      "description": "Operation to perform."
    },
    "id": {
      "type": "string",
      "description": "Resource id. Required for every action except reload and list."
    },
    "content": {
      "type": "string",
      "description": "Full YAML manifest for create and update."
    },
    "description": {
      "type": "string",
      "description": "Version description recorded in the resource history."
    },
    "confirm": {
      "type": "boolean",
      "description": "Must be true for delete."
    },
    "version": {
      "type": "integer",
      "description": "Target version for rollback."
    },
    "from_version": {
      "type": "integer",
      "description": "Older version for compare."
    },
    "to_version": {
      "type": "integer",
      "description": "Newer version for compare."
    },
    "limit": {
      "type": "integer",
      "description": "Maximum history entries to return."
    },
    "skip_version": {
      "type": "boolean",
      "description": "Skip recording a history version for this mutation."
    },
    "persist": {
      "type": "boolean",
      "description": "Write the rollback result to disk. False previews the target snapshot."
    }
  },
  "additionalProperties": false
}`

const systemControlDescription = "Inspect and steer the running server: status, framework system " +
	"(list/show/switch/enable/disable), gate system (status/list/enable/disable), analytics, " +
	"effective config, maintenance (cleanup_sessions/reload), usage guide, injection settings " +
	"(show/set), and chain sessions (list/inspect/clear)."

const systemControlSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {
      "type": "string",
      "enum": ["status", "framework", "gates", "analytics", "config",
               "maintenance", "guide", "injection", "session"],
      "description": "Control surface to operate on."
    },
    "operation": {
      "type": "string",
      "description": "Sub-operation. framework: list|show|switch|enable|disable; gates: status|list|enable|disable; maintenance: cleanup_sessions|reload; injection: show|set; session: list|inspect|clear."
    },
    "id": {
      "type": "string",
      "description": "Target id: methodology for framework switch/show, session id for session inspect/clear."
    },
    "channel": {
      "type": "string",
      "enum": ["system_prompt", "gate_guidance", "style_guidance"],
      "description": "Injection channel for injection set."
    },
    "frequency": {
      "type": "string",
      "description": "Injection frequency for injection set: first-only, every, every{n}, or never."
    },
    "confirm": {
      "type": "boolean",
      "description": "Must be true for session clear without an id (clears every session)."
    }
  },
  "additionalProperties": false
}`

// toolSchemas maps tool name to its compiled input schema.
var toolSchemas = map[string]*gojsonschema.Schema{
	ToolPromptEngine:    mustCompileSchema(ToolPromptEngine, promptEngineSchema),
	ToolResourceManager: mustCompileSchema(ToolResourceManager, resourceManagerSchema),
	ToolSystemControl:   mustCompileSchema(ToolSystemControl, systemControlSchema),
}

func mustCompileSchema(name, raw string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader([]byte(raw)))
	if err != nil {
		panic(fmt.Sprintf("tool schema %s does not compile: %v", name, err))
	}
	return s
}

// toolDescriptors returns the fixed tool list advertised by tools/list.
func toolDescriptors() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        ToolPromptEngine,
			Description: promptEngineDescription,
			InputSchema: json.RawMessage(promptEngineSchema),
		},
		{
			Name:        ToolResourceManager,
			Description: resourceManagerDescription,
			InputSchema: json.RawMessage(resourceManagerSchema),
		},
		{
			Name:        ToolSystemControl,
			Description: systemControlDescription,
			InputSchema: json.RawMessage(systemControlSchema),
		},
	}
}

// validateArgs checks raw tool arguments against the tool's input schema
// before any unmarshalling, so misspelled or mistyped parameters fail with
// the schema's own wording instead of a zero-value surprise downstream.
func validateArgs(tool string, raw json.RawMessage) error {
	schema, ok := toolSchemas[tool]
	if !ok {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.New("server", "validate arguments", err).
			WithKind(errors.KindValidation).
			WithDetails(map[string]any{"tool": tool})
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New("server", "validate arguments",
		fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))).
		WithKind(errors.KindValidation).
		WithDetails(map[string]any{"tool": tool})
}
