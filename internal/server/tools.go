package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dbt-labs/dbt-mcp/internal/config"
)

// ToolHandler runs a tool. A returned error becomes a tool result with
// isError set, never a JSON-RPC error.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (*ToolCallResult, error)

// ToolAnnotations are the MCP behaviour hints for a tool.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint bool   `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   bool   `json:"openWorldHint,omitempty"`
}

// Tool is a registered MCP tool.
type Tool struct {
	Name        string
	Toolset     config.Toolset
	Description string
	InputSchema json.RawMessage
	Annotations *ToolAnnotations
	Handler     ToolHandler
}

// Registry holds the tools the server can offer.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tools returns all registered tools sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// toolDescriptor is a tool as listed by tools/list.
type toolDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

func (t Tool) descriptor() toolDescriptor {
	schema := t.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return toolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
		Annotations: t.Annotations,
	}
}

// ToolCallResult represents the result of a tool call.
type ToolCallResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

// textResult creates a text content result.
func textResult(text string) *ToolCallResult {
	block, _ := json.Marshal(map[string]string{"type": "text", "text": text})
	return &ToolCallResult{
		Content: []json.RawMessage{block},
	}
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) (*ToolCallResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return textResult(string(b)), nil
}

// errorResult reports a tool failure as {"error": message}.
func errorResult(message string) *ToolCallResult {
	res, err := jsonResult(map[string]string{"error": message})
	if err != nil {
		res = textResult(message)
	}
	res.IsError = true
	return res
}
