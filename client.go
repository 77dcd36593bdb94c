package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ClientOptions configures a Client's identity and local capabilities.
type ClientOptions struct {
	Implementation Implementation
	Capabilities   ClientCapabilities
	EngineOptions  EngineOptions

	// Roots, if set, answers roots/list requests from the server. Sampling
	// and Elicitation behave the same way; a nil handler means the
	// capability is not supported and the peer's request fails with
	// MethodNotFound regardless of what it advertised.
	Roots       func(ctx context.Context) (ListRootsResult, error)
	Sampling    func(ctx context.Context, params CreateMessageParams) (CreateMessageResult, error)
	Elicitation func(ctx context.Context, params CreateElicitationParams) (CreateElicitationResult, error)

	// OnLog receives logging/message notifications from the server.
	OnLog func(params LoggingMessageParams)
	// OnResourceUpdated receives notifications/resources/updated.
	OnResourceUpdated func(uri string)
	// OnListChanged receives any of the three list_changed notifications,
	// keyed by method name.
	OnListChanged func(method string)
}

// Client is the host-side MCP role: it calls into a Server's tools,
// resources, and prompts, and answers the Server's sampling/elicitation/
// roots requests if configured to.
type Client struct {
	engine  *Engine
	opts    ClientOptions
	toolOut *toolOutputCache

	mu           sync.RWMutex
	serverCaps   ServerCapabilities
	serverInfo   Implementation
	instructions string
	initialized  bool
}

// NewClient wires a Client on top of a raw transport. Call Initialize
// before issuing any other request.
func NewClient(transport RawTransport, opts ClientOptions) *Client {
	c := &Client{
		engine:  NewEngine(transport, opts.EngineOptions),
		opts:    opts,
		toolOut: newToolOutputCache(),
	}
	c.engine.OnRequest(c.handleRequest)
	c.engine.OnNotification(c.handleNotification)
	return c
}

// Initialize performs the MCP handshake: sends "initialize", validates the
// negotiated protocol version, stores the server's capabilities and
// instructions, then sends "notifications/initialized".
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	params, err := json.Marshal(InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    c.opts.Capabilities,
		ClientInfo:      c.opts.Implementation,
	})
	if err != nil {
		return InitializeResult{}, err
	}

	raw, err := c.engine.Call(ctx, MethodInitialize, params, nil)
	if err != nil {
		return InitializeResult{}, err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("decode initialize result: %w", err)
	}
	if !isSupportedProtocolVersion(result.ProtocolVersion) {
		return InitializeResult{}, fmt.Errorf("server negotiated unsupported protocol version %q", result.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverCaps = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.instructions = result.Instructions
	c.initialized = true
	c.mu.Unlock()

	if err := c.engine.Notify(ctx, MethodInitialized, nil); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Client) requireInitialized() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return fmt.Errorf("client: not initialized")
	}
	return nil
}

// ServerCapabilities returns the capabilities negotiated at Initialize.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCaps
}

func (c *Client) call(ctx context.Context, method string, params any, onProgress func(ProgressParams), out any) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	result, err := c.engine.Call(ctx, method, raw, onProgress)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(result, out)
}

// ListTools requests the server's tool catalog and refreshes the output
// schema cache used by CallTool's structured-content check.
func (c *Client) ListTools(ctx context.Context, cursor string) (ListToolsResult, error) {
	var res ListToolsResult
	if err := c.call(ctx, MethodToolsList, ListToolsParams{CursorParams{Cursor: cursor}}, nil, &res); err != nil {
		return res, err
	}
	c.toolOut.refresh(res.Tools)
	return res, nil
}

// CallTool invokes a server tool and validates the result's structured
// content against the cached outputSchema.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage, onProgress func(ProgressParams)) (CallToolResult, error) {
	var res CallToolResult
	if err := c.call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args}, onProgress, &res); err != nil {
		return res, err
	}
	if err := c.toolOut.validate(name, res); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Client) ListResources(ctx context.Context, cursor string) (ListResourcesResult, error) {
	var res ListResourcesResult
	err := c.call(ctx, MethodResourcesList, ListResourcesParams{CursorParams{Cursor: cursor}}, nil, &res)
	return res, err
}

func (c *Client) ListResourceTemplates(ctx context.Context, cursor string) (ListResourceTemplatesResult, error) {
	var res ListResourceTemplatesResult
	err := c.call(ctx, MethodResourceTemplatesList, ListResourceTemplatesParams{CursorParams{Cursor: cursor}}, nil, &res)
	return res, err
}

func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	var res ReadResourceResult
	err := c.call(ctx, MethodResourcesRead, ReadResourceParams{URI: uri}, nil, &res)
	return res, err
}

func (c *Client) Subscribe(ctx context.Context, uri string) error {
	return c.call(ctx, MethodResourcesSubscribe, SubscribeParams{URI: uri}, nil, nil)
}

func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	return c.call(ctx, MethodResourcesUnsubscribe, SubscribeParams{URI: uri}, nil, nil)
}

func (c *Client) ListPrompts(ctx context.Context, cursor string) (ListPromptsResult, error) {
	var res ListPromptsResult
	err := c.call(ctx, MethodPromptsList, ListPromptsParams{CursorParams{Cursor: cursor}}, nil, &res)
	return res, err
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
	var res GetPromptResult
	err := c.call(ctx, MethodPromptsGet, GetPromptParams{Name: name, Arguments: args}, nil, &res)
	return res, err
}

func (c *Client) SetLevel(ctx context.Context, level LoggingLevel) error {
	return c.call(ctx, MethodLoggingSetLevel, SetLevelParams{Level: level}, nil, nil)
}

func (c *Client) Complete(ctx context.Context, params CompleteParams) (CompleteResult, error) {
	var res CompleteResult
	err := c.call(ctx, MethodCompletionComplete, params, nil, &res)
	return res, err
}

// handleRequest answers server-initiated requests: sampling/createMessage,
// elicitation/create, roots/list. A method fails with MethodNotFound when
// either its handler is not configured or the client's own capabilities do
// not advertise it.
func (c *Client) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	switch method {
	case MethodSamplingCreateMessage:
		if c.opts.Sampling == nil || c.opts.Capabilities.Sampling == nil {
			return nil, &Error{Code: ErrCodeMethodNotFound, Message: "sampling not supported"}
		}
		var p CreateMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
		}
		result, err := c.opts.Sampling(ctx, p)
		if err != nil {
			return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
		}
		return result, nil

	case MethodElicitationCreate:
		if c.opts.Elicitation == nil || c.opts.Capabilities.Elicitation == nil {
			return nil, &Error{Code: ErrCodeMethodNotFound, Message: "elicitation not supported"}
		}
		var p CreateElicitationParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
		}
		result, err := c.opts.Elicitation(ctx, p)
		if err != nil {
			return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
		}
		return result, nil

	case MethodRootsList:
		if c.opts.Roots == nil || c.opts.Capabilities.Roots == nil {
			return nil, &Error{Code: ErrCodeMethodNotFound, Message: "roots not supported"}
		}
		result, err := c.opts.Roots(ctx)
		if err != nil {
			return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
		}
		return result, nil

	case MethodPing:
		return EmptyResult{}, nil

	default:
		return nil, &Error{Code: ErrCodeMethodNotFound, Message: "method not found: " + method}
	}
}

func (c *Client) handleNotification(_ context.Context, method string, params json.RawMessage) {
	switch method {
	case MethodLoggingMessage:
		if c.opts.OnLog == nil {
			return
		}
		var p LoggingMessageParams
		if json.Unmarshal(params, &p) == nil {
			c.opts.OnLog(p)
		}
	case MethodResourcesUpdated:
		if c.opts.OnResourceUpdated == nil {
			return
		}
		var p ResourcesUpdatedParams
		if json.Unmarshal(params, &p) == nil {
			c.opts.OnResourceUpdated(p.URI)
		}
	case MethodResourcesListChanged, MethodToolsListChanged, MethodPromptsListChanged:
		if c.opts.OnListChanged != nil {
			c.opts.OnListChanged(method)
		}
	}
}

// Close shuts down the client's engine and underlying transport.
func (c *Client) Close() error {
	return c.engine.Close()
}
