package scripts

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Detector matches request arguments against tool input schemas.
// Compiled schemas are cached by their JSON text, so repeated detection
// over the same tool set stays cheap.
type Detector struct {
	mu    sync.Mutex
	cache map[string]*gojsonschema.Schema
}

// NewDetector creates a detector with an empty schema cache.
func NewDetector() *Detector {
	return &Detector{cache: make(map[string]*gojsonschema.Schema)}
}

// Detect evaluates every tool against args. explicitToolID names a tool the
// user requested directly (`tool=<id>`); it matches regardless of schema.
// Matches come back highest priority first; tools that were considered but
// rejected appear in skipped with the reason.
func (d *Detector) Detect(tools []ToolDefinition, args map[string]any, explicitToolID string) ([]DetectionMatch, []SkippedMatch) {
	var matches []DetectionMatch
	var skipped []SkippedMatch

	for i := range tools {
		tool := &tools[i]
		explicit := explicitToolID != "" && explicitToolID == tool.ID

		switch tool.EffectiveTrigger() {
		case TriggerNever:
			if explicit {
				skipped = append(skipped, SkippedMatch{ToolID: tool.ID, Reason: "trigger is never"})
			}
			continue
		case TriggerExplicit:
			if !explicit {
				continue
			}
		}

		if explicit {
			matches = append(matches, DetectionMatch{
				ToolID:               tool.ID,
				Priority:             PriorityExplicit,
				MatchReason:          ReasonExplicitRequest,
				Confidence:           1,
				ExtractedInputs:      extractInputs(tool, args),
				RequiresConfirmation: tool.Confirm,
				ExplicitRequest:      true,
			})
			continue
		}

		if tool.EffectiveTrigger() == TriggerAlways {
			matches = append(matches, DetectionMatch{
				ToolID:               tool.ID,
				Priority:             PriorityAlways,
				MatchReason:          ReasonAlwaysOn,
				Confidence:           1,
				ExtractedInputs:      extractInputs(tool, args),
				RequiresConfirmation: tool.Confirm,
			})
			continue
		}

		match, skip := d.schemaMatch(tool, args)
		if skip != nil {
			skipped = append(skipped, *skip)
			continue
		}
		if match != nil {
			matches = append(matches, *match)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].Confidence > matches[j].Confidence
	})
	return matches, skipped
}

// schemaMatch checks args against the tool's input schema. A full
// validation pass is a schema match; when the tool is not strict, a pass
// with the required constraint relaxed still counts as a partial match.
func (d *Detector) schemaMatch(tool *ToolDefinition, args map[string]any) (*DetectionMatch, *SkippedMatch) {
	if len(tool.InputSchema) == 0 {
		return nil, nil
	}

	props := schemaProperties(tool.InputSchema)
	present := 0
	for name := range props {
		if _, ok := args[name]; ok {
			present++
		}
	}
	if present == 0 {
		return nil, nil
	}

	full, err := d.validates(tool.InputSchema, args)
	if err != nil {
		return nil, &SkippedMatch{ToolID: tool.ID, Reason: fmt.Sprintf("invalid input schema: %v", err)}
	}

	confidence := 1.0
	if len(props) > 0 {
		confidence = float64(present) / float64(len(props))
	}

	reason := ReasonSchemaMatch
	priority := PriorityFullSchema
	if !full {
		if tool.Strict {
			return nil, nil
		}
		ok, err := d.validates(relaxedSchema(tool.InputSchema), args)
		if err != nil || !ok {
			return nil, nil
		}
		reason = ReasonPartialSchema
		priority = PriorityPartialSchema
	}

	if confidence < tool.Confidence {
		return nil, &SkippedMatch{
			ToolID: tool.ID,
			Reason: fmt.Sprintf("confidence %.2f below floor %.2f", confidence, tool.Confidence),
		}
	}

	return &DetectionMatch{
		ToolID:               tool.ID,
		Priority:             priority,
		MatchReason:          reason,
		Confidence:           confidence,
		ExtractedInputs:      extractInputs(tool, args),
		RequiresConfirmation: tool.Confirm,
	}, nil
}

// validates runs gojsonschema validation of args against the schema.
func (d *Detector) validates(schema map[string]any, args map[string]any) (bool, error) {
	compiled, err := d.getSchema(schema)
	if err != nil {
		return false, err
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return false, err
	}
	return result.Valid(), nil
}

// getSchema retrieves or compiles a JSON schema, caching by its JSON text.
func (d *Detector) getSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	key, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if compiled, exists := d.cache[string(key)]; exists {
		return compiled, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(key))
	if err != nil {
		return nil, err
	}
	d.cache[string(key)] = compiled
	return compiled, nil
}

// relaxedSchema returns a copy of the schema with its top-level required
// list removed.
func relaxedSchema(schema map[string]any) map[string]any {
	relaxed := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "required" {
			continue
		}
		relaxed[k] = v
	}
	return relaxed
}

// schemaProperties returns the names declared under the schema's top-level
// properties object.
func schemaProperties(schema map[string]any) map[string]struct{} {
	names := make(map[string]struct{})
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return names
	}
	for name := range props {
		names[name] = struct{}{}
	}
	return names
}

// extractInputs filters args down to the tool's declared properties.
// Tools without a schema receive all args.
func extractInputs(tool *ToolDefinition, args map[string]any) map[string]any {
	inputs := make(map[string]any)
	props := schemaProperties(tool.InputSchema)
	if len(props) == 0 {
		for k, v := range args {
			inputs[k] = v
		}
		return inputs
	}
	for name := range props {
		if v, ok := args[name]; ok {
			inputs[name] = v
		}
	}
	return inputs
}
