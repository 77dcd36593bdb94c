package oauth

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hyphaforge/mcpcore/internal/metrics"
)

// disallowedRedirectSchemes blocks script-executing and data URL schemes
// from every redirect_uri field in the subsystem.
var disallowedRedirectSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"vbscript":   true,
}

// validateRedirectURI rejects a redirect_uri with an unsafe scheme. It is
// applied wherever a redirect_uri crosses the OAuth boundary: dynamic client
// registration and the authorize endpoint.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if disallowedRedirectSchemes[strings.ToLower(u.Scheme)] {
		return &unsafeSchemeError{scheme: u.Scheme}
	}
	return nil
}

type unsafeSchemeError struct{ scheme string }

func (e *unsafeSchemeError) Error() string {
	return "redirect_uri scheme " + e.scheme + " is not allowed"
}

// ServerOptions configures the OAuth HTTP endpoints.
type ServerOptions struct {
	Issuer               string
	AuthorizationPath    string
	TokenPath            string
	RevocationPath       string
	RegistrationPath     string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration
	// RequirePKCE rejects a token exchange lacking a code_verifier.
	RequirePKCE bool
	// RatePerSecond/Burst bound requests per client IP to the token and
	// registration endpoints, grounded on the pack's rate-limited auth
	// surfaces.
	RatePerSecond float64
	Burst         int
}

func (o *ServerOptions) setDefaults() {
	if o.AuthorizationPath == "" {
		o.AuthorizationPath = "/oauth/authorize"
	}
	if o.TokenPath == "" {
		o.TokenPath = "/oauth/token"
	}
	if o.RevocationPath == "" {
		o.RevocationPath = "/oauth/revoke"
	}
	if o.RegistrationPath == "" {
		o.RegistrationPath = "/oauth/register"
	}
	if o.AccessTokenTTL == 0 {
		o.AccessTokenTTL = time.Hour
	}
	if o.RefreshTokenTTL == 0 {
		o.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if o.AuthorizationCodeTTL == 0 {
		o.AuthorizationCodeTTL = 5 * time.Minute
	}
	if o.RatePerSecond == 0 {
		o.RatePerSecond = 5
	}
	if o.Burst == 0 {
		o.Burst = 10
	}
}

// Approver decides whether an authorization request should be granted,
// returning the subject (resource-owner identifier) to embed in issued
// tokens. A nil Approver auto-approves every request as subject "anonymous"
// — suitable only for local development.
type Approver func(w http.ResponseWriter, r *http.Request, clientID string, scopes []string) (subject string, approved bool)

// Server exposes the OAuth 2.1 authorization-code+PKCE endpoints MCP's
// streamable-HTTP transport protects its tool/resource surface with.
type Server struct {
	opts     ServerOptions
	clients  ClientStore
	tokens   TokenStore
	approve  Approver
	limiters *ipRateLimiters
}

// NewServer builds the OAuth endpoint set.
func NewServer(opts ServerOptions, clients ClientStore, tokens TokenStore, approve Approver) *Server {
	opts.setDefaults()
	if approve == nil {
		approve = func(_ http.ResponseWriter, _ *http.Request, _ string, _ []string) (string, bool) {
			return "anonymous", true
		}
	}
	return &Server{
		opts:     opts,
		clients:  clients,
		tokens:   tokens,
		approve:  approve,
		limiters: newIPRateLimiters(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
}

// Mount attaches the OAuth endpoints (including the two well-known
// metadata documents) to r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	r.Get(s.opts.AuthorizationPath, s.handleAuthorize)
	r.With(s.rateLimit).Post(s.opts.TokenPath, s.handleToken)
	r.Post(s.opts.RevocationPath, s.handleRevoke)
	r.With(s.rateLimit).Post(s.opts.RegistrationPath, s.handleRegister)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"issuer":                                s.opts.Issuer,
		"authorization_endpoint":                s.opts.Issuer + s.opts.AuthorizationPath,
		"token_endpoint":                         s.opts.Issuer + s.opts.TokenPath,
		"registration_endpoint":                  s.opts.Issuer + s.opts.RegistrationPath,
		"revocation_endpoint":                    s.opts.Issuer + s.opts.RevocationPath,
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":       []string{"S256"},
		"token_endpoint_auth_methods_supported":  []string{"none"},
	})
}

func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"resource":              s.opts.Issuer,
		"authorization_servers": []string{s.opts.Issuer},
		"scopes_supported":      []string{ScopeTools, ScopeResources, ScopePrompts, ScopeAdmin},
	})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	scopes := splitScopes(q.Get("scope"))
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	state := q.Get("state")

	if err := validateRedirectURI(redirectURI); err != nil {
		http.Error(w, "redirect_uri not allowed", http.StatusBadRequest)
		return
	}

	client, err := s.clients.Lookup(r.Context(), clientID)
	if err != nil {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	if !containsURI(client.RedirectURIs, redirectURI) {
		http.Error(w, "redirect_uri not registered", http.StatusBadRequest)
		return
	}
	if s.opts.RequirePKCE && codeChallenge == "" {
		http.Error(w, "code_challenge required", http.StatusBadRequest)
		return
	}
	if codeChallenge != "" && codeChallengeMethod != "S256" {
		http.Error(w, "code_challenge_method must be S256", http.StatusBadRequest)
		return
	}

	subject, approved := s.approve(w, r, clientID, scopes)
	if !approved {
		redirectWithError(w, r, redirectURI, "access_denied", state)
		return
	}

	code, err := NewOpaqueToken()
	if err != nil {
		http.Error(w, "failed to issue code", http.StatusInternalServerError)
		return
	}
	grant := AuthorizationGrant{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Subject:             subject,
		ExpiresAt:           time.Now().Add(s.opts.AuthorizationCodeTTL),
	}
	if err := s.tokens.PutGrant(r.Context(), grant); err != nil {
		http.Error(w, "failed to store grant", http.StatusInternalServerError)
		return
	}

	dest := redirectURI + "?code=" + code
	if state != "" {
		dest += "&state=" + state
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	switch r.Form.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r)
	case "refresh_token":
		s.exchangeRefresh(w, r)
	default:
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.Form.Get("code")
	verifier := r.Form.Get("code_verifier")
	clientID := r.Form.Get("client_id")
	redirectURI := r.Form.Get("redirect_uri")

	grant, err := s.tokens.TakeGrant(r.Context(), code)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "invalid_grant"})
		return
	}
	if grant.ClientID != clientID {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "invalid_client"})
		return
	}
	if grant.RedirectURI != redirectURI {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "invalid_grant", "error_description": "redirect_uri mismatch"})
		return
	}
	if s.opts.RequirePKCE || grant.CodeChallenge != "" {
		if !VerifyPKCE(grant.CodeChallengeMethod, grant.CodeChallenge, verifier) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
			return
		}
	}

	s.issueTokenPair(w, r, grant.ClientID, grant.Subject, grant.Scopes)
}

func (s *Server) exchangeRefresh(w http.ResponseWriter, r *http.Request) {
	token := r.Form.Get("refresh_token")
	rt, err := s.tokens.GetRefreshToken(r.Context(), token)
	if err != nil || time.Now().After(rt.ExpiresAt) {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "invalid_grant"})
		return
	}
	// Rotate: the old refresh token is single-use.
	_ = s.tokens.RevokeRefreshToken(r.Context(), token)
	s.issueTokenPair(w, r, rt.ClientID, rt.Subject, rt.Scopes)
}

func (s *Server) issueTokenPair(w http.ResponseWriter, r *http.Request, clientID, subject string, scopes []string) {
	access, err := NewOpaqueToken()
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	refresh, err := NewOpaqueToken()
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	if err := s.tokens.PutAccessToken(r.Context(), AccessToken{
		Token: access, ClientID: clientID, Subject: subject, Scopes: scopes,
		ExpiresAt: now.Add(s.opts.AccessTokenTTL),
	}); err != nil {
		http.Error(w, "failed to store token", http.StatusInternalServerError)
		return
	}
	if err := s.tokens.PutRefreshToken(r.Context(), RefreshToken{
		Token: refresh, ClientID: clientID, Subject: subject, Scopes: scopes,
		ExpiresAt: now.Add(s.opts.RefreshTokenTTL),
	}); err != nil {
		http.Error(w, "failed to store token", http.StatusInternalServerError)
		return
	}
	metrics.OAuthTokensIssued.WithLabelValues("access").Inc()
	metrics.OAuthTokensIssued.WithLabelValues("refresh").Inc()

	render.JSON(w, r, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    int(s.opts.AccessTokenTTL.Seconds()),
		"scope":         joinScopes(scopes),
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	token := r.Form.Get("token")
	_ = s.tokens.RevokeAccessToken(r.Context(), token)
	_ = s.tokens.RevokeRefreshToken(r.Context(), token)
	w.WriteHeader(http.StatusOK)
}

// RegisterClientRequest is the RFC 7591 dynamic client registration body.
type RegisterClientRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`
	Scopes       string   `json:"scope,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterClientRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "invalid_client_metadata"})
		return
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "invalid_redirect_uri"})
			return
		}
	}
	clientID := uuid.NewString()
	record := ClientRecord{
		ClientID:     clientID,
		RedirectURIs: req.RedirectURIs,
		Scopes:       splitScopes(req.Scopes),
		CreatedAt:    time.Now(),
	}
	if err := s.clients.Register(r.Context(), record); err != nil {
		http.Error(w, "failed to register client", http.StatusInternalServerError)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{
		"client_id":     clientID,
		"redirect_uris": record.RedirectURIs,
		"scope":         joinScopes(record.Scopes),
	})
}

func splitScopes(raw string) []string {
	var scopes []string
	cur := ""
	for _, r := range raw {
		if r == ' ' {
			if cur != "" {
				scopes = append(scopes, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		scopes = append(scopes, cur)
	}
	return scopes
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

func containsURI(uris []string, want string) bool {
	for _, u := range uris {
		if u == want {
			return true
		}
	}
	return false
}

func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, errCode, state string) {
	dest := redirectURI + "?error=" + errCode
	if state != "" {
		dest += "&state=" + state
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

type ipRateLimiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	byKey map[string]*rate.Limiter
}

func newIPRateLimiters(limit rate.Limit, burst int) *ipRateLimiters {
	return &ipRateLimiters{limit: limit, burst: burst, byKey: make(map[string]*rate.Limiter)}
}

func (l *ipRateLimiters) allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.byKey[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.byKey[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
