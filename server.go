package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hyphaforge/mcpcore/internal/metrics"
)

// ToolHandler implements a registered tool's behavior.
type ToolHandler func(ctx context.Context, args json.RawMessage) (CallToolResult, error)

// ResourceHandler reads a registered resource's contents.
type ResourceHandler func(ctx context.Context, uri string) (ReadResourceResult, error)

// PromptHandler renders a registered prompt.
type PromptHandler func(ctx context.Context, args map[string]string) (GetPromptResult, error)

type registeredTool struct {
	def     Tool
	handler ToolHandler
}

type registeredResource struct {
	def     Resource
	handler ResourceHandler
}

type registeredPrompt struct {
	def     Prompt
	handler PromptHandler
}

// ServerOptions configures a Server's identity, capabilities, and
// instructions shown to clients at handshake.
type ServerOptions struct {
	Implementation Implementation
	Capabilities   ServerCapabilities
	Instructions   string
	EngineOptions  EngineOptions
}

// Server is the provider-side MCP role: it answers initialize, serves
// tools/resources/prompts registries, and may itself call back into the
// client for sampling, elicitation, or roots.
type Server struct {
	engine *Engine
	opts   ServerOptions

	mu          sync.RWMutex
	tools       map[string]*registeredTool
	resources   map[string]*registeredResource
	templates   []ResourceTemplate
	prompts     map[string]*registeredPrompt
	subscribers map[string]bool

	clientCaps  ClientCapabilities
	clientInfo  Implementation
	initialized bool
	level       LoggingLevel
}

// NewServer wires a Server on top of a raw transport.
func NewServer(transport RawTransport, opts ServerOptions) *Server {
	s := &Server{
		engine:      NewEngine(transport, opts.EngineOptions),
		opts:        opts,
		tools:       make(map[string]*registeredTool),
		resources:   make(map[string]*registeredResource),
		prompts:     make(map[string]*registeredPrompt),
		subscribers: make(map[string]bool),
		level:       LogInfo,
	}
	s.engine.OnRequest(s.handleRequest)
	s.engine.OnNotification(s.handleNotification)
	return s
}

// AddTool registers a tool. It errors if the server's capabilities don't
// advertise "tools" — a registration without the matching capability is a
// programming error, not a runtime condition.
func (s *Server) AddTool(def Tool, handler ToolHandler) error {
	if s.opts.Capabilities.Tools == nil {
		return fmt.Errorf("server: tools capability not advertised, cannot register tool %q", def.Name)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tools[def.Name] = &registeredTool{def: def, handler: handler}
	s.mu.Unlock()
	s.notifyListChanged(MethodToolsListChanged)
	return nil
}

// RemoveTool unregisters a tool and emits tools/list_changed.
func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	_, existed := s.tools[name]
	delete(s.tools, name)
	s.mu.Unlock()
	if existed {
		s.notifyListChanged(MethodToolsListChanged)
	}
}

func (s *Server) AddResource(def Resource, handler ResourceHandler) error {
	if s.opts.Capabilities.Resources == nil {
		return fmt.Errorf("server: resources capability not advertised, cannot register resource %q", def.URI)
	}
	s.mu.Lock()
	s.resources[def.URI] = &registeredResource{def: def, handler: handler}
	s.mu.Unlock()
	s.notifyListChanged(MethodResourcesListChanged)
	return nil
}

func (s *Server) AddResourceTemplate(def ResourceTemplate) error {
	if s.opts.Capabilities.Resources == nil {
		return fmt.Errorf("server: resources capability not advertised, cannot register template %q", def.URITemplate)
	}
	s.mu.Lock()
	s.templates = append(s.templates, def)
	s.mu.Unlock()
	return nil
}

func (s *Server) AddPrompt(def Prompt, handler PromptHandler) error {
	if s.opts.Capabilities.Prompts == nil {
		return fmt.Errorf("server: prompts capability not advertised, cannot register prompt %q", def.Name)
	}
	s.mu.Lock()
	s.prompts[def.Name] = &registeredPrompt{def: def, handler: handler}
	s.mu.Unlock()
	s.notifyListChanged(MethodPromptsListChanged)
	return nil
}

// NotifyResourceUpdated tells subscribed clients a resource changed, if the
// client previously subscribed to that URI.
func (s *Server) NotifyResourceUpdated(uri string) {
	s.mu.RLock()
	subscribed := s.subscribers[uri]
	s.mu.RUnlock()
	if !subscribed {
		return
	}
	params, err := json.Marshal(ResourcesUpdatedParams{URI: uri})
	if err != nil {
		return
	}
	_ = s.engine.Notify(context.Background(), MethodResourcesUpdated, params)
}

func (s *Server) notifyListChanged(method string) {
	if !s.isInitialized() {
		return
	}
	_ = s.engine.Notify(context.Background(), method, nil)
}

func (s *Server) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Log sends a logging/message notification if level is at or above the
// client's most recent logging/setLevel request.
func (s *Server) Log(level LoggingLevel, logger string, data any) {
	s.mu.RLock()
	threshold := s.level
	s.mu.RUnlock()
	if severityRank(level) < severityRank(threshold) {
		return
	}
	params, err := json.Marshal(LoggingMessageParams{Level: level, Logger: logger, Data: data})
	if err != nil {
		return
	}
	_ = s.engine.Notify(context.Background(), MethodLoggingMessage, params)
}

var levelRank = map[LoggingLevel]int{
	LogDebug: 0, LogInfo: 1, LogNotice: 2, LogWarning: 3,
	LogError: 4, LogCritical: 5, LogAlert: 6, LogEmergency: 7,
}

func severityRank(l LoggingLevel) int {
	return levelRank[l]
}

func (s *Server) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	if method == MethodInitialize {
		return s.handleInitialize(params)
	}
	if method == MethodPing {
		return EmptyResult{}, nil
	}

	if !s.isInitialized() {
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: "server not initialized"}
	}

	switch method {
	case MethodToolsList:
		return s.listTools()
	case MethodToolsCall:
		return s.callTool(ctx, params)
	case MethodResourcesList:
		return s.listResources()
	case MethodResourceTemplatesList:
		return s.listResourceTemplates()
	case MethodResourcesRead:
		return s.readResource(ctx, params)
	case MethodResourcesSubscribe:
		return s.subscribe(params, true)
	case MethodResourcesUnsubscribe:
		return s.subscribe(params, false)
	case MethodPromptsList:
		return s.listPrompts()
	case MethodPromptsGet:
		return s.getPrompt(ctx, params)
	case MethodLoggingSetLevel:
		return s.setLevel(params)
	default:
		return nil, &Error{Code: ErrCodeMethodNotFound, Message: "method not found: " + method}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *Error) {
	var p InitializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	negotiated := p.ProtocolVersion
	if !isSupportedProtocolVersion(negotiated) {
		negotiated = LatestProtocolVersion
		for _, v := range SupportedProtocolVersions {
			if v < p.ProtocolVersion {
				negotiated = v
				break
			}
		}
	}

	s.mu.Lock()
	s.clientCaps = p.Capabilities
	s.clientInfo = p.ClientInfo
	s.mu.Unlock()

	return InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    s.opts.Capabilities,
		ServerInfo:      s.opts.Implementation,
		Instructions:    s.opts.Instructions,
	}, nil
}

func (s *Server) handleNotification(_ context.Context, method string, _ json.RawMessage) {
	if method == MethodInitialized {
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
	}
}

func (s *Server) listTools() (any, *Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.def)
	}
	return ListToolsResult{Tools: out}, nil
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	s.mu.RLock()
	tool, ok := s.tools[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "unknown tool: " + p.Name}
	}

	if len(tool.def.InputSchema) > 0 {
		schema, err := CompileSchema(tool.def.InputSchema)
		if err == nil {
			var instance any
			if err := json.Unmarshal(p.Arguments, &instance); err == nil {
				if problems := schema.Validate(instance); len(problems) > 0 {
					return nil, &Error{Code: ErrCodeInvalidParams, Message: validationErrors(problems)}
				}
			}
		}
	}

	result, err := tool.handler(ctx, p.Arguments)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(p.Name, "handler_error").Inc()
		return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}
	if err := result.Validate(len(tool.def.OutputSchema) > 0); err != nil {
		metrics.ToolCalls.WithLabelValues(p.Name, "invalid_result").Inc()
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: err.Error()}
	}
	outcome := "ok"
	if result.IsError {
		outcome = "tool_error"
	}
	metrics.ToolCalls.WithLabelValues(p.Name, outcome).Inc()
	return result, nil
}

func (s *Server) listResources() (any, *Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r.def)
	}
	return ListResourcesResult{Resources: out}, nil
}

func (s *Server) listResourceTemplates() (any, *Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ListResourceTemplatesResult{ResourceTemplates: s.templates}, nil
}

func (s *Server) readResource(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	s.mu.RLock()
	res, ok := s.resources[p.URI]
	s.mu.RUnlock()
	if !ok {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "unknown resource: " + p.URI}
	}
	result, err := res.handler(ctx, p.URI)
	if err != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}
	return result, nil
}

func (s *Server) subscribe(params json.RawMessage, on bool) (any, *Error) {
	if s.opts.Capabilities.Resources == nil || !s.opts.Capabilities.Resources.Subscribe {
		return nil, &Error{Code: ErrCodeMethodNotFound, Message: "resource subscriptions not supported"}
	}
	var p SubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	s.mu.Lock()
	if on {
		s.subscribers[p.URI] = true
	} else {
		delete(s.subscribers, p.URI)
	}
	s.mu.Unlock()
	return EmptyResult{}, nil
}

func (s *Server) listPrompts() (any, *Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p.def)
	}
	return ListPromptsResult{Prompts: out}, nil
}

func (s *Server) getPrompt(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p GetPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	s.mu.RLock()
	prompt, ok := s.prompts[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "unknown prompt: " + p.Name}
	}
	for _, arg := range prompt.def.Arguments {
		if arg.Required {
			if _, present := p.Arguments[arg.Name]; !present {
				return nil, &Error{Code: ErrCodeInvalidParams, Message: "missing required argument: " + arg.Name}
			}
		}
	}
	result, err := prompt.handler(ctx, p.Arguments)
	if err != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}
	return result, nil
}

func (s *Server) setLevel(params json.RawMessage) (any, *Error) {
	var p SetLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	if !p.Level.valid() {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "unknown logging level: " + string(p.Level)}
	}
	s.mu.Lock()
	s.level = p.Level
	s.mu.Unlock()
	return EmptyResult{}, nil
}

// Serve blocks until the underlying transport closes.
func (s *Server) Serve(ctx context.Context) error {
	done := make(chan error, 1)
	s.engine.OnClose(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return s.engine.Close()
	}
}

// Close shuts down the server's engine and underlying transport.
func (s *Server) Close() error {
	return s.engine.Close()
}
