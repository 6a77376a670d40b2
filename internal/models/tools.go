package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Error variables for tool resolution and invocation.
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrEmptyToolName     = errors.New("tool name cannot be empty")
	ErrInvalidToolArgs   = errors.New("tool arguments are not valid JSON")
	ErrMissingToolParams = errors.New("required tool parameters are missing")
)

// ToolCallStatus tracks the per-run tool-call state machine.
type ToolCallStatus string

const (
	ToolCallNone             ToolCallStatus = "NONE"
	ToolCallDetected         ToolCallStatus = "TOOL_CALL_DETECTED"
	ToolCallExecuting        ToolCallStatus = "EXECUTING_TOOL"
	ToolCallCompleted        ToolCallStatus = "COMPLETED"
	ToolCallWaitingUserInput ToolCallStatus = "WAITING_USER_INPUT"
)

// ToolCall is one tool-invocation request emitted by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParsedArguments decodes the call arguments into a generic map.
func (c *ToolCall) ParsedArguments() (map[string]interface{}, error) {
	if len(c.Arguments) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(c.Arguments, &args); err != nil {
		return nil, ErrInvalidToolArgs
	}
	return args, nil
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string        `json:"toolCallId"`
	ToolName   string        `json:"toolName"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"durationMs"`
}

// ResultText returns the text fed back to the model for this result.
func (r *ToolResult) ResultText() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}

// ToolParameter describes one declared parameter of a tool.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// ToolDefinition is a tool the engine can invoke: builtin tools register an
// executor in code, HTTP tools configure an endpoint templated from Context.
type ToolDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`

	// HTTP-backed tool settings, empty for builtin tools.
	Endpoint     string `json:"endpoint,omitempty"`
	Method       string `json:"method,omitempty"`
	BodyTemplate string `json:"bodyTemplate,omitempty"`
}

// Validate checks the definition before registration.
func (d *ToolDefinition) Validate() error {
	if d.Name == "" {
		return ErrEmptyToolName
	}
	return nil
}

// RequiredParameters returns the names of parameters marked required.
func (d *ToolDefinition) RequiredParameters() []string {
	var names []string
	for _, p := range d.Parameters {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}
