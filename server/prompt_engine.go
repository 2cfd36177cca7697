package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/minipuft/claude-prompts-mcp-sub004/mcp"
	"github.com/minipuft/claude-prompts-mcp-sub004/pipeline"
)

// promptEngineArgs is the wire shape of one prompt_engine call.
type promptEngineArgs struct {
	Command      string         `json:"command"`
	ChainID      string         `json:"chain_id"`
	UserResponse string         `json:"user_response"`
	ForceRestart bool           `json:"force_restart"`
	GateAction   string         `json:"gate_action"`
	GateVerdict  string         `json:"gate_verdict"`
	Gates        []any          `json:"gates"`
	QualityGates []any          `json:"quality_gates"`
	TempGates    []any          `json:"temp_gates"`
	Options      map[string]any `json:"options"`
}

// callPromptEngine translates the tool call into a pipeline request. The
// pipeline owns all command semantics; failures it diagnoses come back as
// IsError results, and only infrastructure faults surface as errors.
func (s *Server) callPromptEngine(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	if err := validateArgs(ToolPromptEngine, raw); err != nil {
		return mcp.ErrorResult(err.Error()), nil
	}
	var args promptEngineArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("invalid prompt_engine arguments: %v", err)), nil
		}
	}

	resp, err := s.executor.Execute(ctx, &pipeline.Request{
		Command:      args.Command,
		ChainID:      args.ChainID,
		UserResponse: args.UserResponse,
		ForceRestart: args.ForceRestart,
		GateVerdict:  args.GateVerdict,
		GateAction:   args.GateAction,
		Gates:        args.Gates,
		QualityGates: args.QualityGates,
		TempGates:    args.TempGates,
		Options:      args.Options,
	})
	if err != nil {
		if stderrors.Is(err, pipeline.ErrShuttingDown) {
			return mcp.ErrorResult("The server is shutting down. Retry the command against a fresh server."), nil
		}
		return nil, err
	}

	result := mcp.TextResult(resp.Text)
	result.IsError = resp.IsError
	return result, nil
}
