package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyphaforge/mcpcore/internal/metrics"
)

// RawTransport is the minimal contract the Engine needs from a transport:
// push a framed message out, and be told about inbound messages/closure.
// Concrete transports (stdio, HTTP, subprocess) live in the transport
// subpackage and satisfy this structurally — no import of this package
// is required on their side.
type RawTransport interface {
	Send(ctx context.Context, data []byte) error
	SetOnMessage(func(data []byte))
	SetOnClose(func(err error))
	Close() error
}

// RequestHandler answers an inbound request with a result or an error.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *Error)

// NotificationHandler reacts to an inbound notification.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// requestState is a pending outbound request's position in the state
// machine: NEW -> SENT -> {RESPONSE|ERROR} -> DONE, with
// TIMEOUT/USER_CANCEL -> CANCEL_SENT -> DONE side branches.
type requestState int

const (
	stateNew requestState = iota
	stateSent
	stateCancelSent
	stateDone
)

type pendingCall struct {
	id    RequestID
	ch    chan Response
	state requestState
	mu    sync.Mutex
}

func (p *pendingCall) setState(s requestState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *pendingCall) getState() requestState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// EngineOptions configures an Engine's default behaviors.
type EngineOptions struct {
	// DefaultTimeout bounds how long Call waits for a response when the
	// caller's context carries no deadline. Zero disables the default.
	DefaultTimeout time.Duration
	// DebouncedNotifications lists notification methods that coalesce
	// rapid repeats within DebounceWindow into a single delivery.
	// Defaults to defaultDebouncedMethods when nil.
	DebouncedNotifications map[string]bool
	DebounceWindow         time.Duration
	// Middleware wraps outbound Call execution, outermost first.
	Middleware []Middleware
}

// Engine is the transport-agnostic JSON-RPC protocol core shared by Client
// and Server roles: id allocation, response correlation, progress routing,
// cancellation, timeouts, and notification debouncing.
type Engine struct {
	transport RawTransport
	opts      EngineOptions

	nextID int64

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	reqHandler   RequestHandler
	notifHandler NotificationHandler
	progressSubs map[string]func(ProgressParams)

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
	lastNotif  map[string]Notification

	inboundMu sync.Mutex
	inbound   map[string]context.CancelFunc

	onClose func(error)

	chain Middleware
}

// NewEngine wires an Engine on top of a raw transport. The engine installs
// its own OnMessage/OnClose hooks; the transport must not be shared with
// another consumer of those hooks.
func NewEngine(transport RawTransport, opts EngineOptions) *Engine {
	if opts.DebouncedNotifications == nil {
		opts.DebouncedNotifications = defaultDebouncedMethods
	}
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 50 * time.Millisecond
	}
	e := &Engine{
		transport:    transport,
		opts:         opts,
		pending:      make(map[string]*pendingCall),
		progressSubs: make(map[string]func(ProgressParams)),
		debounce:     make(map[string]*time.Timer),
		lastNotif:    make(map[string]Notification),
		inbound:      make(map[string]context.CancelFunc),
	}
	e.chain = buildChain(opts.Middleware, e.roundTrip)
	transport.SetOnMessage(e.handleMessage)
	transport.SetOnClose(e.handleClose)
	return e
}

// OnRequest registers the handler invoked for inbound requests.
func (e *Engine) OnRequest(h RequestHandler) {
	e.mu.Lock()
	e.reqHandler = h
	e.mu.Unlock()
}

// OnNotification registers the handler invoked for inbound notifications
// (after debouncing, if the method is subject to it). notifications/progress
// and notifications/cancelled are handled by the engine itself and are not
// passed to it.
func (e *Engine) OnNotification(h NotificationHandler) {
	e.mu.Lock()
	e.notifHandler = h
	e.mu.Unlock()
}

// OnClose registers a callback invoked once when the underlying transport closes.
func (e *Engine) OnClose(h func(error)) {
	e.mu.Lock()
	e.onClose = h
	e.mu.Unlock()
}

// allocateID returns the next monotonically increasing request id.
func (e *Engine) allocateID() RequestID {
	n := atomic.AddInt64(&e.nextID, 1)
	return NewRequestID(float64(n))
}

// Call sends a request and blocks until a response arrives, the context
// is canceled, or the engine's default timeout (if any) elapses. On
// context cancellation it sends notifications/cancelled to the peer
// before returning (the CANCEL_SENT branch).
func (e *Engine) Call(ctx context.Context, method string, params json.RawMessage, onProgress func(ProgressParams)) (json.RawMessage, error) {
	return e.chain(ctx, method, params, onProgress)
}

// roundTrip is the innermost Call implementation; middleware wraps this.
func (e *Engine) roundTrip(ctx context.Context, method string, params json.RawMessage, onProgress func(ProgressParams)) (json.RawMessage, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, NewTransportError("call failed", fmt.Errorf("engine closed"))
	}
	id := e.allocateID()
	if onProgress != nil {
		var err error
		params, err = paramsWithMeta(params, id.Value)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}
	call := &pendingCall{id: id, ch: make(chan Response, 1), state: stateSent}
	key := id.String()
	e.pending[key] = call
	if onProgress != nil {
		e.progressSubs[key] = onProgress
	}
	e.mu.Unlock()

	metrics.RequestsInFlight.WithLabelValues(method).Inc()
	started := time.Now()
	cleanup := func() {
		e.mu.Lock()
		delete(e.pending, key)
		delete(e.progressSubs, key)
		e.mu.Unlock()
		metrics.RequestsInFlight.WithLabelValues(method).Dec()
	}

	ctx, cancel := e.withDefaultTimeout(ctx)
	defer cancel()

	req := Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		cleanup()
		metrics.ObserveCall(method, "marshal_error", time.Since(started))
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := e.transport.Send(ctx, data); err != nil {
		cleanup()
		metrics.ObserveCall(method, "send_error", time.Since(started))
		return nil, NewTransportError("send request", err)
	}

	select {
	case resp := <-call.ch:
		cleanup()
		call.setState(stateDone)
		if resp.Error != nil {
			metrics.ObserveCall(method, "rpc_error", time.Since(started))
			return nil, NewRPCError(resp.Error)
		}
		metrics.ObserveCall(method, "ok", time.Since(started))
		return resp.Result, nil
	case <-ctx.Done():
		cleanup()
		call.setState(stateCancelSent)
		e.sendCancellation(id, ctx.Err().Error())
		if ctx.Err() == context.DeadlineExceeded {
			metrics.ObserveCall(method, "timeout", time.Since(started))
			return nil, NewTimeoutError(method, ctx.Err())
		}
		metrics.ObserveCall(method, "canceled", time.Since(started))
		return nil, NewCanceledError(method, ctx.Err())
	}
}

func (e *Engine) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || e.opts.DefaultTimeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.DefaultTimeout)
}

// sendCancellation notifies the peer that a request was abandoned locally.
// The caller has already removed the pending entry and marked the call
// CANCEL_SENT, so a response that arrives afterwards matches no entry.
func (e *Engine) sendCancellation(id RequestID, reason string) {
	params, err := json.Marshal(CancelledParams{RequestID: id, Reason: reason})
	if err != nil {
		return
	}
	_ = e.Notify(context.Background(), MethodCancelled, params)
}

// Notify sends a fire-and-forget JSON-RPC notification.
func (e *Engine) Notify(ctx context.Context, method string, params json.RawMessage) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return NewTransportError("notify failed", fmt.Errorf("engine closed"))
	}
	e.mu.Unlock()
	data, err := json.Marshal(Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return e.transport.Send(ctx, data)
}

// Close shuts the engine down, failing all pending calls.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[string]*pendingCall)
	e.mu.Unlock()

	for _, call := range pending {
		resp := newErrorResponse(call.id, ErrCodeInternalError, "engine closed")
		select {
		case call.ch <- resp:
		default:
		}
	}
	e.cancelInbound()
	return e.transport.Close()
}

func (e *Engine) handleClose(err error) {
	e.mu.Lock()
	e.closed = true
	pending := e.pending
	e.pending = make(map[string]*pendingCall)
	cb := e.onClose
	e.mu.Unlock()

	for _, call := range pending {
		resp := newErrorResponse(call.id, ErrCodeInternalError, "transport closed")
		select {
		case call.ch <- resp:
		default:
		}
	}
	e.cancelInbound()
	if cb != nil {
		cb(err)
	}
}

// cancelInbound cancels every in-flight inbound handler context, releasing
// handler goroutines blocked on ctx when the transport goes away.
func (e *Engine) cancelInbound() {
	e.inboundMu.Lock()
	inbound := e.inbound
	e.inbound = make(map[string]context.CancelFunc)
	e.inboundMu.Unlock()
	for _, cancel := range inbound {
		cancel()
	}
}

// handleMessage classifies an inbound frame and routes it.
func (e *Engine) handleMessage(data []byte) {
	kind, err := classifyEnvelope(data)
	if err != nil {
		return
	}
	switch kind {
	case envelopeResponse:
		e.routeResponse(data)
	case envelopeRequest:
		e.routeRequest(data)
	case envelopeNotification:
		e.routeNotification(data)
	}
}

func (e *Engine) routeResponse(data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	key := resp.ID.String()
	e.mu.Lock()
	call, ok := e.pending[key]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case call.ch <- resp:
	default:
	}
}

func (e *Engine) routeRequest(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if req.Method == MethodCancelled {
		// A cancellation always arrives as a notification, never a request;
		// defensive no-op if a peer misframes it.
		return
	}
	e.mu.Lock()
	handler := e.reqHandler
	e.mu.Unlock()

	if handler == nil {
		e.writeError(req.ID, ErrCodeMethodNotFound, "method not found")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if token, ok := extractProgressToken(req.Params); ok {
		ctx = withProgressEmitter(ctx, e, token)
	}
	key := req.ID.String()
	e.inboundMu.Lock()
	e.inbound[key] = cancel
	e.inboundMu.Unlock()

	go func() {
		defer func() {
			e.inboundMu.Lock()
			delete(e.inbound, key)
			e.inboundMu.Unlock()
			cancel()
			if r := recover(); r != nil {
				e.writeError(req.ID, ErrCodeInternalError, fmt.Sprintf("internal handler error: %v", r))
			}
		}()
		result, rpcErr := handler(ctx, req.Method, req.Params)
		if ctx.Err() != nil {
			// The peer canceled this request (or the engine is shutting
			// down); notifications/cancelled suppresses the response.
			return
		}
		if rpcErr != nil {
			e.writeErrorObj(req.ID, rpcErr)
			return
		}
		payload, err := json.Marshal(result)
		if err != nil {
			e.writeError(req.ID, ErrCodeInternalError, "marshal result")
			return
		}
		resp := Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: payload}
		out, err := json.Marshal(resp)
		if err != nil {
			return
		}
		_ = e.transport.Send(context.Background(), out)
	}()
}

func (e *Engine) writeError(id RequestID, code int, message string) {
	resp := newErrorResponse(id, code, message)
	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = e.transport.Send(context.Background(), out)
}

func (e *Engine) writeErrorObj(id RequestID, rpcErr *Error) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: id, Error: rpcErr}
	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = e.transport.Send(context.Background(), out)
}

func (e *Engine) routeNotification(data []byte) {
	var notif Notification
	if err := json.Unmarshal(data, &notif); err != nil {
		return
	}

	if notif.Method == MethodProgress {
		e.routeProgress(notif.Params)
		return
	}
	if notif.Method == MethodCancelled {
		e.routeCancelled(notif.Params)
		return
	}

	if e.opts.DebouncedNotifications[notif.Method] {
		e.debounceNotification(notif)
		return
	}
	e.dispatchNotification(notif)
}

func (e *Engine) routeProgress(params json.RawMessage) {
	var p ProgressParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	key := normalizeID(p.ProgressToken)
	e.mu.Lock()
	cb, ok := e.progressSubs[key]
	e.mu.Unlock()
	if ok && cb != nil {
		cb(p)
	}
}

// routeCancelled handles a peer-initiated notifications/cancelled: it names
// a request the peer previously sent us (inbound, from this engine's
// perspective), so it is looked up in the inbound handler table, never in
// e.pending (which tracks this engine's own outbound calls).
func (e *Engine) routeCancelled(params json.RawMessage) {
	var p CancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	key := p.RequestID.String()
	e.inboundMu.Lock()
	cancel, ok := e.inbound[key]
	e.inboundMu.Unlock()
	if ok {
		cancel()
	}
}

// progressEmitterKey is the context key under which an inbound request's
// progress emitter (if any) is stashed for the handler to find.
type progressEmitterKey struct{}

// progressEmitter reports notifications/progress for one in-flight inbound
// request, enforcing that Progress never decreases across calls.
type progressEmitter struct {
	engine *Engine
	token  any

	mu   sync.Mutex
	sent bool
	last float64
}

func withProgressEmitter(ctx context.Context, e *Engine, token any) context.Context {
	return context.WithValue(ctx, progressEmitterKey{}, &progressEmitter{engine: e, token: token})
}

// EmitProgress reports progress on the inbound request carried by ctx. It is
// a no-op if the caller attached no progressToken to the request. Calls with
// a progress value lower than the last one reported are dropped to keep the
// sequence monotonically non-decreasing.
func EmitProgress(ctx context.Context, progress float64, total *float64, message string) error {
	pe, ok := ctx.Value(progressEmitterKey{}).(*progressEmitter)
	if !ok {
		return nil
	}
	pe.mu.Lock()
	if pe.sent && progress < pe.last {
		pe.mu.Unlock()
		return nil
	}
	pe.sent = true
	pe.last = progress
	pe.mu.Unlock()

	params, err := json.Marshal(ProgressParams{ProgressToken: pe.token, Progress: progress, Total: total, Message: message})
	if err != nil {
		return err
	}
	return pe.engine.Notify(context.Background(), MethodProgress, params)
}

// debounceNotification coalesces rapid repeats of a list_changed-style
// notification within DebounceWindow, delivering only the most recent one.
func (e *Engine) debounceNotification(notif Notification) {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()

	e.lastNotif[notif.Method] = notif
	if timer, scheduled := e.debounce[notif.Method]; scheduled {
		timer.Reset(e.opts.DebounceWindow)
		return
	}
	e.debounce[notif.Method] = time.AfterFunc(e.opts.DebounceWindow, func() {
		e.debounceMu.Lock()
		latest := e.lastNotif[notif.Method]
		delete(e.debounce, notif.Method)
		delete(e.lastNotif, notif.Method)
		e.debounceMu.Unlock()
		e.dispatchNotification(latest)
	})
}

func (e *Engine) dispatchNotification(notif Notification) {
	e.mu.Lock()
	handler := e.notifHandler
	e.mu.Unlock()
	if handler == nil {
		return
	}
	go func() {
		defer func() {
			_ = recover()
		}()
		handler(context.Background(), notif.Method, notif.Params)
	}()
}
