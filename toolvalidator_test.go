package mcp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestToolOutputCacheNoSchemaAccepts(t *testing.T) {
	c := newToolOutputCache()
	c.refresh([]Tool{{Name: "echo"}})
	if err := c.validate("echo", CallToolResult{}); err != nil {
		t.Errorf("expected nil error for tool without outputSchema, got %v", err)
	}
}

func TestToolOutputCacheIsErrorExempt(t *testing.T) {
	c := newToolOutputCache()
	c.refresh([]Tool{{Name: "sum", OutputSchema: json.RawMessage(`{"type":"object","required":["total"]}`)}})
	err := c.validate("sum", CallToolResult{IsError: true})
	if err != nil {
		t.Errorf("expected nil error for IsError result, got %v", err)
	}
}

func TestToolOutputCacheMissingStructuredContentIsInvalidRequest(t *testing.T) {
	c := newToolOutputCache()
	c.refresh([]Tool{{Name: "sum", OutputSchema: json.RawMessage(`{"type":"object","required":["total"]}`)}})
	err := c.validate("sum", CallToolResult{})

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T", err)
	}
	if rpcErr.Code() != ErrCodeInvalidRequest {
		t.Errorf("code = %d, want %d", rpcErr.Code(), ErrCodeInvalidRequest)
	}
}

func TestToolOutputCacheValidationFailureIsInvalidParams(t *testing.T) {
	c := newToolOutputCache()
	c.refresh([]Tool{{Name: "sum", OutputSchema: json.RawMessage(`{"type":"object","required":["total"]}`)}})
	err := c.validate("sum", CallToolResult{StructuredContent: json.RawMessage(`{"wrong":1}`)})

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T", err)
	}
	if rpcErr.Code() != ErrCodeInvalidParams {
		t.Errorf("code = %d, want %d", rpcErr.Code(), ErrCodeInvalidParams)
	}
}

func TestToolOutputCacheValidContentPasses(t *testing.T) {
	c := newToolOutputCache()
	c.refresh([]Tool{{Name: "sum", OutputSchema: json.RawMessage(`{"type":"object","required":["total"]}`)}})
	err := c.validate("sum", CallToolResult{StructuredContent: json.RawMessage(`{"total":3}`)})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestToolOutputCacheRefreshDropsStaleEntries(t *testing.T) {
	c := newToolOutputCache()
	c.refresh([]Tool{{Name: "sum", OutputSchema: json.RawMessage(`{"type":"object","required":["total"]}`)}})
	c.refresh([]Tool{{Name: "other"}})

	// "sum" no longer has a cached schema, so a bare result is accepted.
	if err := c.validate("sum", CallToolResult{}); err != nil {
		t.Errorf("expected nil error after refresh dropped the schema, got %v", err)
	}
}

func TestToolOutputCacheSkipsUncompilableSchema(t *testing.T) {
	c := newToolOutputCache()
	c.refresh([]Tool{{Name: "broken", OutputSchema: json.RawMessage(`{not json`)}})
	if err := c.validate("broken", CallToolResult{}); err != nil {
		t.Errorf("expected nil error when schema failed to compile, got %v", err)
	}
}
