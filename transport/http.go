package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/hyphaforge/mcpcore/internal/metrics"
)

// HTTPServerOptions configures the streamable-HTTP transport's router.
type HTTPServerOptions struct {
	// AllowedHosts, if non-empty, restricts the Host header accepted on
	// inbound requests — DNS-rebinding protection for a server bound to
	// localhost but reachable from a browser tab on another origin.
	AllowedHosts []string
	// MaxBodyBytes caps a single POSTed message. Zero means 4 MiB.
	MaxBodyBytes int64
	// SSEKeepalive is how often an idle SSE stream gets a ":ping" comment.
	// Zero means 30s.
	SSEKeepalive time.Duration
	// SessionIdleTimeout evicts a session whose SSE stream and POSTs have
	// both been quiet this long. Zero means 10 minutes.
	SessionIdleTimeout time.Duration
	// ReplyTimeout bounds how long a POST handler waits for the session's
	// Engine to produce a response before failing with 504. Zero means 30s.
	ReplyTimeout time.Duration
}

func (o *HTTPServerOptions) setDefaults() {
	if o.MaxBodyBytes == 0 {
		o.MaxBodyBytes = 4 << 20
	}
	if o.SSEKeepalive == 0 {
		o.SSEKeepalive = 30 * time.Second
	}
	if o.SessionIdleTimeout == 0 {
		o.SessionIdleTimeout = 10 * time.Minute
	}
	if o.ReplyTimeout == 0 {
		o.ReplyTimeout = 30 * time.Second
	}
}

// HTTPServer is the server side of the streamable-HTTP transport: a
// chi router accepting POSTed single messages and an SSE GET stream for
// server-initiated traffic, one mcp.Engine per Mcp-Session-Id.
type HTTPServer struct {
	opts HTTPServerOptions
	// NewSession is called once per new session (created for any POST whose
	// Mcp-Session-Id header is absent or names no live session, whatever
	// its method); it must wire a *Session into an mcp.Server
	// or mcp.Client via mcp.NewServer(session, ...) / mcp.NewClient.
	NewSession func(session *Session)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHTTPServer builds the chi router for the streamable-HTTP transport.
func NewHTTPServer(opts HTTPServerOptions, newSession func(session *Session)) *HTTPServer {
	opts.setDefaults()
	s := &HTTPServer{opts: opts, NewSession: newSession, sessions: make(map[string]*Session)}
	go s.evictIdleSessions()
	return s
}

// Router returns the mountable chi.Router for this transport.
func (s *HTTPServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.hostGuard)
	r.Post("/", s.handlePost)
	r.Get("/", s.handleSSE)
	r.Delete("/", s.handleDelete)
	return r
}

func (s *HTTPServer) hostGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.opts.AllowedHosts) > 0 {
			host := r.Host
			ok := false
			for _, allowed := range s.opts.AllowedHosts {
				if strings.EqualFold(host, allowed) {
					ok = true
					break
				}
			}
			if !ok {
				http.Error(w, "host not allowed", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) sessionFor(r *http.Request) (*Session, bool) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	sess, ok := s.sessionFor(r)
	if !ok {
		sess = newSession(uuid.NewString(), s.opts)
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		metrics.HTTPSessions.Inc()
		if s.NewSession != nil {
			s.NewSession(sess)
		}
	}
	sess.touch()

	kind, reqID := probeEnvelope(data)

	if kind == kindRequest {
		replyCh := sess.awaitReply(reqID)
		sess.deliverInbound(data)
		select {
		case reply := <-replyCh:
			w.Header().Set("Mcp-Session-Id", sess.id)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(reply)
		case <-time.After(s.opts.ReplyTimeout):
			sess.cancelReply(reqID)
			http.Error(w, "timed out waiting for response", http.StatusGatewayTimeout)
		}
		return
	}

	sess.deliverInbound(data)
	w.Header().Set("Mcp-Session-Id", sess.id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(r)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(s.opts.SSEKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.closed:
			return
		case frame := <-sess.outbound:
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
			sess.touch()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(r)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	metrics.HTTPSessions.Dec()
	sess.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) evictIdleSessions() {
	ticker := time.NewTicker(s.opts.SessionIdleTimeout)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for id, sess := range s.sessions {
			if now.Sub(sess.lastActive()) > s.opts.SessionIdleTimeout {
				delete(s.sessions, id)
				sess.Close()
				metrics.HTTPSessions.Dec()
			}
		}
		s.mu.Unlock()
	}
}

// Session is one streamable-HTTP session's Transport, shared by the POST
// handler (request/response) and the SSE GET handler (server push).
type Session struct {
	id   string
	opts HTTPServerOptions

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func(error)
	replies   map[string]chan []byte
	active    time.Time
	closedF   bool

	outbound chan []byte
	closed   chan struct{}
}

func newSession(id string, opts HTTPServerOptions) *Session {
	return &Session{
		id:       id,
		opts:     opts,
		replies:  make(map[string]chan []byte),
		active:   time.Now(),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (s *Session) SetOnMessage(fn func([]byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

func (s *Session) SetOnClose(fn func(error)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.active = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) deliverInbound(data []byte) {
	s.mu.Lock()
	handler := s.onMessage
	s.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

func (s *Session) awaitReply(reqID string) chan []byte {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.replies[reqID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) cancelReply(reqID string) {
	s.mu.Lock()
	delete(s.replies, reqID)
	s.mu.Unlock()
}

// Send implements Transport: a response matching an in-flight POST's
// request id is routed back to that POST; anything else (a server-
// initiated request or notification) goes out over the SSE stream.
func (s *Session) Send(ctx context.Context, data []byte) error {
	kind, reqID := probeEnvelope(data)
	if kind == kindResponse {
		s.mu.Lock()
		ch, ok := s.replies[reqID]
		if ok {
			delete(s.replies, reqID)
		}
		s.mu.Unlock()
		if ok {
			select {
			case ch <- data:
			default:
			}
			return nil
		}
	}

	select {
	case s.outbound <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closedF {
		s.mu.Unlock()
		return nil
	}
	s.closedF = true
	cb := s.onClose
	s.mu.Unlock()
	close(s.closed)
	if cb != nil {
		cb(nil)
	}
	return nil
}

type envelopeKind int

const (
	kindUnknown envelopeKind = iota
	kindRequest
	kindResponse
	kindNotification
)

// probeEnvelope does the minimal JSON-RPC shape classification needed to
// route a message, independent of the root mcp package's richer RequestID
// type (keeping this package import-free of mcp).
func probeEnvelope(data []byte) (kind envelopeKind, id string) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return kindUnknown, ""
	}
	hasID := len(probe.ID) > 0 && string(probe.ID) != "null"
	switch {
	case hasID && probe.Method != "":
		return kindRequest, string(probe.ID)
	case probe.Method != "" && !hasID:
		return kindNotification, ""
	case hasID:
		return kindResponse, string(probe.ID)
	default:
		return kindUnknown, ""
	}
}

// HTTPClient is the client side of the streamable-HTTP transport: it POSTs
// each outbound message and reads an SSE stream for server-initiated ones.
type HTTPClient struct {
	baseURL   string
	client    *http.Client
	sessionID string

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func(error)
	closed    bool
	stopSSE   context.CancelFunc
}

// DialHTTPClient connects to a streamable-HTTP MCP server and starts
// reading its SSE stream once a session id is known (after the first
// successful POST echoes Mcp-Session-Id).
func DialHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{baseURL: baseURL, client: client}
}

func (c *HTTPClient) SetOnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *HTTPClient) SetOnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *HTTPClient) Send(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if newSID := resp.Header.Get("Mcp-Session-Id"); newSID != "" {
		c.mu.Lock()
		firstSession := c.sessionID == ""
		c.sessionID = newSID
		c.mu.Unlock()
		if firstSession {
			c.startSSE(newSID)
		}
	}

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp http transport: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler != nil {
		handler(body)
	}
	return nil
}

func (c *HTTPClient) startSSE(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stopSSE = cancel
	c.mu.Unlock()

	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
		if err != nil {
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Mcp-Session-Id", sessionID)
		resp, err := c.client.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			payload, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: ")
			if !ok {
				continue
			}
			c.mu.Lock()
			handler := c.onMessage
			c.mu.Unlock()
			if handler != nil {
				handler([]byte(payload))
			}
		}
	}()
}

func (c *HTTPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop := c.stopSSE
	cb := c.onClose
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if cb != nil {
		cb(nil)
	}
	return nil
}
