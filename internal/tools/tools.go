// Package tools provides the tool registry and execution backends for
// workflow tool invocations.
//
// Builtin tools register an ExecFunc in code; HTTP tools are configured with
// an endpoint and invoked over the wire. Both are exposed to the model
// through OpenAI function definitions.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// DefaultHTTPTimeout bounds one HTTP-backed tool invocation.
const DefaultHTTPTimeout = 30 * time.Second

// ExecFunc executes a builtin tool with parsed arguments.
type ExecFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// Executor is the surface workflow nodes use to run tools. Tests substitute
// fakes for it.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Lookup(name string) (*models.ToolDefinition, bool)
	Definitions() []openai.ChatCompletionToolParam
}

type registeredTool struct {
	def  models.ToolDefinition
	exec ExecFunc
}

// Registry maps tool names to definitions and execution backends. Safe for
// concurrent use after registration.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]registeredTool
	httpClient *http.Client
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]registeredTool),
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

// Register adds a builtin tool with its executor.
func (r *Registry) Register(def models.ToolDefinition, exec ExecFunc) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, exec: exec}
	slog.Debug("tools.Register: tool registered", "name", def.Name, "builtin", exec != nil)
	return nil
}

// RegisterHTTP adds an HTTP-backed tool. The definition must carry an
// endpoint.
func (r *Registry) RegisterHTTP(def models.ToolDefinition) error {
	if def.Endpoint == "" {
		return fmt.Errorf("http tool %q has no endpoint", def.Name)
	}
	return r.Register(def, nil)
}

// Lookup returns the definition for a tool name.
func (r *Registry) Lookup(name string) (*models.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	def := t.def
	return &def, true
}

// Execute runs the named tool with the given arguments. HTTP tools send the
// arguments as a JSON body and return the response body as the result text.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", models.ErrToolNotFound
	}
	if t.exec != nil {
		return t.exec(ctx, args)
	}
	return r.executeHTTP(ctx, t.def, args)
}

func (r *Registry) executeHTTP(ctx context.Context, def models.ToolDefinition, args map[string]interface{}) (string, error) {
	method := strings.ToUpper(def.Method)
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool arguments: %w", err)
	}
	var reader io.Reader
	if method != http.MethodGet {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, def.Endpoint, reader)
	if err != nil {
		return "", fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		slog.Error("tools.executeHTTP: request failed", "tool", def.Name, "error", err)
		return "", fmt.Errorf("tool %s request failed: %w", def.Name, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("tool %s response read failed: %w", def.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("tools.executeHTTP: non-success status", "tool", def.Name, "status", resp.StatusCode)
		return "", fmt.Errorf("tool %s returned status %d: %s", def.Name, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	slog.Debug("tools.executeHTTP: tool executed", "tool", def.Name, "status", resp.StatusCode, "duration", time.Since(start))
	return string(payload), nil
}

// List returns every registered tool definition.
func (r *Registry) List() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	return defs
}

// Definitions returns the OpenAI tool definitions for every registered tool.
func (r *Registry) Definitions() []openai.ChatCompletionToolParam {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []openai.ChatCompletionToolParam
	for _, t := range r.tools {
		defs = append(defs, ToOpenAITool(t.def))
	}
	return defs
}

// ToOpenAITool converts a tool definition into the OpenAI function format.
func ToOpenAITool(def models.ToolDefinition) openai.ChatCompletionToolParam {
	properties := map[string]interface{}{}
	var required []string
	for _, p := range def.Parameters {
		paramType := p.Type
		if paramType == "" {
			paramType = "string"
		}
		properties[p.Name] = map[string]interface{}{
			"type":        paramType,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params := shared.FunctionParameters{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  params,
		},
	}
}
