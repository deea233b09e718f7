package llmout

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StateValidator validates a STATE_OUTPUT block against a compiled JSON
// Schema declaring the fields a state-machine task requires back.
type StateValidator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewStateValidator compiles schemaJSON once so repeated validations avoid
// recompiling on every call.
func NewStateValidator(schemaJSON json.RawMessage) (*StateValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal state schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("state_output.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("state_output.json")
	if err != nil {
		return nil, fmt.Errorf("compile state schema: %w", err)
	}
	return &StateValidator{schema: schema, schemaJSON: schemaJSON}, nil
}

// StateResult is the outcome of validating a STATE_OUTPUT block.
type StateResult struct {
	Valid  bool
	JSON   string
	Parsed any
}

// StateError describes why a STATE_OUTPUT block failed validation. An
// absent block or one carrying an "error" field is reported the same way:
// as a failure to be acknowledged back to the state machine.
type StateError struct {
	Message string
}

func (e *StateError) Error() string { return e.Message }

// ValidateStateOutput extracts and validates the STATE_OUTPUT block from
// responseText. A missing block, an "error" field inside it, or a schema
// mismatch are all reported as *StateError.
func (sv *StateValidator) ValidateStateOutput(responseText string) (*StateResult, error) {
	raw := ExtractStateOutputBlock(responseText)
	if raw == "" {
		return nil, &StateError{Message: "no STATE_OUTPUT block present"}
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, &StateError{Message: fmt.Sprintf("invalid STATE_OUTPUT JSON: %s", err)}
	}

	if m, ok := parsed.(map[string]any); ok {
		if errVal, present := m["error"]; present {
			return nil, &StateError{Message: fmt.Sprintf("STATE_OUTPUT declared error: %v", errVal)}
		}
	}

	if err := sv.schema.Validate(parsed); err != nil {
		return nil, &StateError{Message: fmt.Sprintf("STATE_OUTPUT schema validation failed: %s", err)}
	}

	return &StateResult{Valid: true, JSON: raw, Parsed: parsed}, nil
}
