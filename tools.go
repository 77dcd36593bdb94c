package mcp

import (
	"encoding/json"
	"fmt"
)

// ToolAnnotations are hints about a tool's behavior. None are guaranteed —
// hosts may use them to decide whether to prompt for confirmation.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Tool describes an invocable function a server exposes.
type Tool struct {
	Name         string           `json:"name"`
	Title        string           `json:"title,omitempty"`
	Description  string           `json:"description,omitempty"`
	InputSchema  json.RawMessage  `json:"inputSchema"`
	OutputSchema json.RawMessage  `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations `json:"annotations,omitempty"`
	Meta         Meta             `json:"_meta,omitempty"`
}

// schemaType returns the top-level "type" field of a raw JSON-Schema
// document, used to enforce the inputSchema/outputSchema "object" invariant.
func schemaType(schema json.RawMessage) (string, error) {
	if len(schema) == 0 {
		return "", nil
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(schema, &probe); err != nil {
		return "", fmt.Errorf("malformed schema: %w", err)
	}
	return probe.Type, nil
}

// Validate enforces the tool-definition invariants: both
// inputSchema.type and outputSchema.type (if present) must equal "object".
func (t Tool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool: name is required")
	}
	it, err := schemaType(t.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q: inputSchema: %w", t.Name, err)
	}
	if it != "object" {
		return fmt.Errorf("tool %q: inputSchema.type must be \"object\", got %q", t.Name, it)
	}
	if len(t.OutputSchema) > 0 {
		ot, err := schemaType(t.OutputSchema)
		if err != nil {
			return fmt.Errorf("tool %q: outputSchema: %w", t.Name, err)
		}
		if ot != "object" {
			return fmt.Errorf("tool %q: outputSchema.type must be \"object\", got %q", t.Name, ot)
		}
	}
	return nil
}

// ListToolsParams are the parameters of a tools/list request.
type ListToolsParams struct {
	CursorParams
}

// ListToolsResult is the result of a tools/list request.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the parameters of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one unit of tool/prompt output content. Exactly one of
// Text, Data (for image/audio), or Resource should be populated, selected
// by Type.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// CallToolResult is the result of a tools/call request. When IsError is
// true the call was dispatched but the tool itself failed; this is
// distinct from a transport-level JSON-RPC error.
type CallToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	Meta              Meta            `json:"_meta,omitempty"`
}

// Validate enforces the structured-output invariant: a successful result
// for a tool with an outputSchema must carry structuredContent; error
// results are exempt.
func (r CallToolResult) Validate(hasOutputSchema bool) error {
	if r.IsError {
		return nil
	}
	if hasOutputSchema && len(r.StructuredContent) == 0 {
		return fmt.Errorf("tool declared outputSchema but result has no structuredContent")
	}
	return nil
}
