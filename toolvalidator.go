package mcp

import (
	"encoding/json"
	"fmt"
	"sync"
)

// toolOutputCache remembers each tool's compiled outputSchema so CallTool
// can validate structuredContent without re-parsing the schema on every
// call. It is refreshed whenever tools/list returns.
type toolOutputCache struct {
	mu     sync.RWMutex
	byName map[string]*Schema
}

func newToolOutputCache() *toolOutputCache {
	return &toolOutputCache{byName: make(map[string]*Schema)}
}

// refresh replaces the cache with the schemas from a fresh tools/list
// response. Tools without an outputSchema are not entered.
func (c *toolOutputCache) refresh(tools []Tool) {
	next := make(map[string]*Schema, len(tools))
	for _, t := range tools {
		if len(t.OutputSchema) == 0 {
			continue
		}
		schema, err := CompileSchema(t.OutputSchema)
		if err != nil {
			// An uncompilable outputSchema is a server bug; skip it rather
			// than block every call to this tool.
			continue
		}
		next[t.Name] = schema
	}
	c.mu.Lock()
	c.byName = next
	c.mu.Unlock()
}

// validate applies the output-validation branching: no cached schema for this tool means
// accept unconditionally; an error result is exempt; a result missing
// structuredContent is InvalidRequest; otherwise the structured content
// must validate against the cached schema or the call fails InvalidParams.
func (c *toolOutputCache) validate(name string, result CallToolResult) error {
	if result.IsError {
		return nil
	}
	c.mu.RLock()
	schema, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(result.StructuredContent) == 0 {
		return NewRPCError(&Error{
			Code:    ErrCodeInvalidRequest,
			Message: fmt.Sprintf("tool %q declares outputSchema but result has no structuredContent", name),
		})
	}
	var instance any
	if err := json.Unmarshal(result.StructuredContent, &instance); err != nil {
		return NewRPCError(&Error{Code: ErrCodeInvalidParams, Message: "malformed structuredContent"})
	}
	if problems := schema.Validate(instance); len(problems) > 0 {
		return NewRPCError(&Error{Code: ErrCodeInvalidParams, Message: validationErrors(problems)})
	}
	return nil
}
