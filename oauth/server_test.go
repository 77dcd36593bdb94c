package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestOAuthServer(t *testing.T, configure func(*ServerOptions)) (*httptest.Server, ClientStore, TokenStore) {
	t.Helper()
	clients, tokens := NewMemoryStore()
	opts := ServerOptions{Issuer: "https://auth.example"}
	if configure != nil {
		configure(&opts)
	}
	srv := NewServer(opts, clients, tokens, nil)

	r := chi.NewRouter()
	srv.Mount(r)
	ts := httptest.NewServer(r)
	ts.Client().CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	t.Cleanup(ts.Close)
	return ts, clients, tokens
}

func registerTestClient(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	body := `{"redirect_uris":["https://app.example/callback"],"scope":"mcp:tools mcp:resources"}`
	resp, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("register POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	var out struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return out.ClientID
}

func TestHandleRegisterCreatesClient(t *testing.T) {
	ts, clients, _ := newTestOAuthServer(t, nil)
	clientID := registerTestClient(t, ts)

	rec, err := clients.Lookup(context.Background(), clientID)
	if err != nil {
		t.Fatalf("Lookup registered client: %v", err)
	}
	if !HasScope(rec.Scopes, ScopeTools) || !HasScope(rec.Scopes, ScopeResources) {
		t.Errorf("unexpected scopes: %v", rec.Scopes)
	}
}

func TestHandleAuthorizeRejectsUnknownClient(t *testing.T) {
	ts, _, _ := newTestOAuthServer(t, nil)
	resp, err := ts.Client().Get(ts.URL + "/oauth/authorize?client_id=nope&redirect_uri=https://app.example/callback")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleRegisterRejectsUnsafeRedirectScheme(t *testing.T) {
	ts, _, _ := newTestOAuthServer(t, nil)
	body := `{"redirect_uris":["javascript:alert(1)"],"scope":"mcp:tools"}`
	resp, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("register POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a javascript: redirect_uri", resp.StatusCode)
	}
}

func TestHandleAuthorizeRejectsUnsafeRedirectScheme(t *testing.T) {
	ts, _, _ := newTestOAuthServer(t, nil)
	clientID := registerTestClient(t, ts)
	resp, err := ts.Client().Get(ts.URL + "/oauth/authorize?client_id=" + clientID + "&redirect_uri=data:text/html,oops")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a data: redirect_uri", resp.StatusCode)
	}
}

func TestExchangeCodeRejectsRedirectURIMismatch(t *testing.T) {
	ts, _, _ := newTestOAuthServer(t, nil)
	clientID := registerTestClient(t, ts)
	verifier, _ := NewCodeVerifier()
	code := authorizeAndExtractCode(t, ts, clientID, verifier)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("redirect_uri", "https://app.example/other-callback")
	form.Set("code_verifier", verifier)

	resp, err := http.PostForm(ts.URL+"/oauth/token", form)
	if err != nil {
		t.Fatalf("token POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a mismatched redirect_uri", resp.StatusCode)
	}
}

func authorizeAndExtractCode(t *testing.T, ts *httptest.Server, clientID, verifier string) string {
	t.Helper()
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", "https://app.example/callback")
	q.Set("scope", "mcp:tools")
	if verifier != "" {
		q.Set("code_challenge", S256Challenge(verifier))
		q.Set("code_challenge_method", "S256")
	}
	resp, err := ts.Client().Get(ts.URL + "/oauth/authorize?" + q.Encode())
	if err != nil {
		t.Fatalf("GET authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", resp.Header.Get("Location"))
	}
	return code
}

func TestExchangeCodeIssuesTokenPair(t *testing.T) {
	ts, _, _ := newTestOAuthServer(t, nil)
	clientID := registerTestClient(t, ts)
	verifier, err := NewCodeVerifier()
	if err != nil {
		t.Fatalf("NewCodeVerifier: %v", err)
	}
	code := authorizeAndExtractCode(t, ts, clientID, verifier)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("redirect_uri", "https://app.example/callback")
	form.Set("code_verifier", verifier)

	resp, err := http.PostForm(ts.URL+"/oauth/token", form)
	if err != nil {
		t.Fatalf("token POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" || out.TokenType != "Bearer" {
		t.Errorf("unexpected token response: %+v", out)
	}
}

func TestExchangeCodeRejectsBadPKCEVerifier(t *testing.T) {
	ts, _, _ := newTestOAuthServer(t, nil)
	clientID := registerTestClient(t, ts)
	verifier, _ := NewCodeVerifier()
	code := authorizeAndExtractCode(t, ts, clientID, verifier)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("redirect_uri", "https://app.example/callback")
	form.Set("code_verifier", "wrong-verifier")

	resp, err := http.PostForm(ts.URL+"/oauth/token", form)
	if err != nil {
		t.Fatalf("token POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestExchangeCodeCannotBeReplayed(t *testing.T) {
	ts, _, _ := newTestOAuthServer(t, nil)
	clientID := registerTestClient(t, ts)
	verifier, _ := NewCodeVerifier()
	code := authorizeAndExtractCode(t, ts, clientID, verifier)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("redirect_uri", "https://app.example/callback")
	form.Set("code_verifier", verifier)

	first, err := http.PostForm(ts.URL+"/oauth/token", form)
	if err != nil {
		t.Fatalf("first token POST: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first exchange status = %d, want 200", first.StatusCode)
	}

	second, err := http.PostForm(ts.URL+"/oauth/token", form)
	if err != nil {
		t.Fatalf("second token POST: %v", err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed code status = %d, want 400", second.StatusCode)
	}
}

func TestExchangeRefreshRotatesToken(t *testing.T) {
	ts, _, tokens := newTestOAuthServer(t, nil)
	clientID := registerTestClient(t, ts)
	verifier, _ := NewCodeVerifier()
	code := authorizeAndExtractCode(t, ts, clientID, verifier)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("redirect_uri", "https://app.example/callback")
	form.Set("code_verifier", verifier)
	resp, err := http.PostForm(ts.URL+"/oauth/token", form)
	if err != nil {
		t.Fatalf("token POST: %v", err)
	}
	var first struct {
		RefreshToken string `json:"refresh_token"`
	}
	json.NewDecoder(resp.Body).Decode(&first)
	resp.Body.Close()

	refreshForm := url.Values{}
	refreshForm.Set("grant_type", "refresh_token")
	refreshForm.Set("refresh_token", first.RefreshToken)
	refreshResp, err := http.PostForm(ts.URL+"/oauth/token", refreshForm)
	if err != nil {
		t.Fatalf("refresh POST: %v", err)
	}
	defer refreshResp.Body.Close()
	if refreshResp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", refreshResp.StatusCode)
	}
	var second struct {
		RefreshToken string `json:"refresh_token"`
	}
	json.NewDecoder(refreshResp.Body).Decode(&second)
	if second.RefreshToken == first.RefreshToken {
		t.Error("expected refresh to rotate to a new refresh token")
	}

	if _, err := tokens.GetRefreshToken(context.Background(), first.RefreshToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("old refresh token should be revoked, GetRefreshToken error = %v", err)
	}
}

func TestHandleRevokeClearsTokens(t *testing.T) {
	ts, _, tokens := newTestOAuthServer(t, nil)
	clientID := registerTestClient(t, ts)
	verifier, _ := NewCodeVerifier()
	code := authorizeAndExtractCode(t, ts, clientID, verifier)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("redirect_uri", "https://app.example/callback")
	form.Set("code_verifier", verifier)
	resp, _ := http.PostForm(ts.URL+"/oauth/token", form)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	json.NewDecoder(resp.Body).Decode(&tok)
	resp.Body.Close()

	revokeForm := url.Values{}
	revokeForm.Set("token", tok.AccessToken)
	revokeResp, err := http.PostForm(ts.URL+"/oauth/revoke", revokeForm)
	if err != nil {
		t.Fatalf("revoke POST: %v", err)
	}
	revokeResp.Body.Close()
	if revokeResp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", revokeResp.StatusCode)
	}

	if _, err := tokens.GetAccessToken(context.Background(), tok.AccessToken); err == nil {
		t.Error("expected access token to be gone after revocation")
	}
}

func TestMetadataEndpoints(t *testing.T) {
	ts, _, _ := newTestOAuthServer(t, nil)

	resp, err := http.Get(ts.URL + "/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("GET metadata: %v", err)
	}
	defer resp.Body.Close()
	var meta map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta["issuer"] != "https://auth.example" {
		t.Errorf("issuer = %v, want https://auth.example", meta["issuer"])
	}

	prResp, err := http.Get(ts.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("GET protected-resource metadata: %v", err)
	}
	defer prResp.Body.Close()
	var prMeta map[string]any
	if err := json.NewDecoder(prResp.Body).Decode(&prMeta); err != nil {
		t.Fatalf("decode protected-resource metadata: %v", err)
	}
	if prMeta["resource"] != "https://auth.example" {
		t.Errorf("resource = %v, want https://auth.example", prMeta["resource"])
	}
}
