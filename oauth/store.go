package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by any Store lookup that finds nothing.
var ErrNotFound = errors.New("oauth: not found")

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	Register(ctx context.Context, c ClientRecord) error
	Lookup(ctx context.Context, clientID string) (ClientRecord, error)
}

// TokenStore persists authorization grants and issued tokens.
type TokenStore interface {
	PutGrant(ctx context.Context, g AuthorizationGrant) error
	TakeGrant(ctx context.Context, code string) (AuthorizationGrant, error) // consumes it

	PutAccessToken(ctx context.Context, t AccessToken) error
	GetAccessToken(ctx context.Context, token string) (AccessToken, error)
	RevokeAccessToken(ctx context.Context, token string) error

	PutRefreshToken(ctx context.Context, t RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, token string) error
}

// memoryStore is an in-process ClientStore+TokenStore, suitable for tests
// and single-process deployments that don't need tokens to survive a
// restart.
type memoryStore struct {
	mu       sync.RWMutex
	clients  map[string]ClientRecord
	grants   map[string]AuthorizationGrant
	access   map[string]AccessToken
	refresh  map[string]RefreshToken
}

// NewMemoryStore returns a ClientStore+TokenStore backed by in-process maps.
func NewMemoryStore() (ClientStore, TokenStore) {
	m := &memoryStore{
		clients: make(map[string]ClientRecord),
		grants:  make(map[string]AuthorizationGrant),
		access:  make(map[string]AccessToken),
		refresh: make(map[string]RefreshToken),
	}
	return m, m
}

func (m *memoryStore) Register(_ context.Context, c ClientRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ClientID] = c
	return nil
}

func (m *memoryStore) Lookup(_ context.Context, clientID string) (ClientRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ClientRecord{}, ErrNotFound
	}
	return c, nil
}

func (m *memoryStore) PutGrant(_ context.Context, g AuthorizationGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.Code] = g
	return nil
}

func (m *memoryStore) TakeGrant(_ context.Context, code string) (AuthorizationGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[code]
	if !ok {
		return AuthorizationGrant{}, ErrNotFound
	}
	delete(m.grants, code)
	if time.Now().After(g.ExpiresAt) {
		return AuthorizationGrant{}, fmt.Errorf("oauth: grant expired")
	}
	return g, nil
}

func (m *memoryStore) PutAccessToken(_ context.Context, t AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access[t.Token] = t
	return nil
}

func (m *memoryStore) GetAccessToken(_ context.Context, token string) (AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.access[token]
	if !ok {
		return AccessToken{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) RevokeAccessToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.access, token)
	return nil
}

func (m *memoryStore) PutRefreshToken(_ context.Context, t RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[t.Token] = t
	return nil
}

func (m *memoryStore) GetRefreshToken(_ context.Context, token string) (RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.refresh[token]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) RevokeRefreshToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, token)
	return nil
}

// SQLStore is a modernc.org/sqlite-backed ClientStore+TokenStore, for
// deployments that need tokens to survive a restart.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (creating if absent) an sqlite database under dataDir
// and migrates its schema.
func NewSQLStore(dataDir string) (*SQLStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("oauth: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "oauth.db"))
	if err != nil {
		return nil, fmt.Errorf("oauth: open database: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("oauth: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		client_id TEXT PRIMARY KEY,
		client_secret TEXT,
		redirect_uris TEXT NOT NULL,
		scopes TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS grants (
		code TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		redirect_uri TEXT NOT NULL,
		scopes TEXT NOT NULL,
		code_challenge TEXT NOT NULL,
		code_challenge_method TEXT NOT NULL,
		subject TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS access_tokens (
		token TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		scopes TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS refresh_tokens (
		token TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		scopes TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func encodeScopes(scopes []string) (string, error) {
	b, err := json.Marshal(scopes)
	return string(b), err
}

func decodeScopes(raw string) []string {
	var scopes []string
	_ = json.Unmarshal([]byte(raw), &scopes)
	return scopes
}

func (s *SQLStore) Register(ctx context.Context, c ClientRecord) error {
	redirects, err := encodeScopes(c.RedirectURIs)
	if err != nil {
		return err
	}
	scopes, err := encodeScopes(c.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO clients (client_id, client_secret, redirect_uris, scopes, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ClientID, c.ClientSecret, redirects, scopes, c.CreatedAt)
	return err
}

func (s *SQLStore) Lookup(ctx context.Context, clientID string) (ClientRecord, error) {
	var c ClientRecord
	var redirects, scopes string
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, client_secret, redirect_uris, scopes, created_at FROM clients WHERE client_id = ?`,
		clientID).Scan(&c.ClientID, &c.ClientSecret, &redirects, &scopes, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ClientRecord{}, ErrNotFound
	}
	if err != nil {
		return ClientRecord{}, err
	}
	c.RedirectURIs = decodeScopes(redirects)
	c.Scopes = decodeScopes(scopes)
	return c, nil
}

func (s *SQLStore) PutGrant(ctx context.Context, g AuthorizationGrant) error {
	scopes, err := encodeScopes(g.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO grants (code, client_id, redirect_uri, scopes, code_challenge, code_challenge_method, subject, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.Code, g.ClientID, g.RedirectURI, scopes, g.CodeChallenge, g.CodeChallengeMethod, g.Subject, g.ExpiresAt)
	return err
}

func (s *SQLStore) TakeGrant(ctx context.Context, code string) (AuthorizationGrant, error) {
	var g AuthorizationGrant
	var scopes string
	err := s.db.QueryRowContext(ctx,
		`SELECT code, client_id, redirect_uri, scopes, code_challenge, code_challenge_method, subject, expires_at FROM grants WHERE code = ?`,
		code).Scan(&g.Code, &g.ClientID, &g.RedirectURI, &scopes, &g.CodeChallenge, &g.CodeChallengeMethod, &g.Subject, &g.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthorizationGrant{}, ErrNotFound
	}
	if err != nil {
		return AuthorizationGrant{}, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE code = ?`, code); err != nil {
		return AuthorizationGrant{}, err
	}
	g.Scopes = decodeScopes(scopes)
	if time.Now().After(g.ExpiresAt) {
		return AuthorizationGrant{}, fmt.Errorf("oauth: grant expired")
	}
	return g, nil
}

func (s *SQLStore) PutAccessToken(ctx context.Context, t AccessToken) error {
	scopes, err := encodeScopes(t.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO access_tokens (token, client_id, subject, scopes, expires_at) VALUES (?, ?, ?, ?, ?)`,
		t.Token, t.ClientID, t.Subject, scopes, t.ExpiresAt)
	return err
}

func (s *SQLStore) GetAccessToken(ctx context.Context, token string) (AccessToken, error) {
	var t AccessToken
	var scopes string
	err := s.db.QueryRowContext(ctx,
		`SELECT token, client_id, subject, scopes, expires_at FROM access_tokens WHERE token = ?`,
		token).Scan(&t.Token, &t.ClientID, &t.Subject, &scopes, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AccessToken{}, ErrNotFound
	}
	if err != nil {
		return AccessToken{}, err
	}
	t.Scopes = decodeScopes(scopes)
	return t, nil
}

func (s *SQLStore) RevokeAccessToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE token = ?`, token)
	return err
}

func (s *SQLStore) PutRefreshToken(ctx context.Context, t RefreshToken) error {
	scopes, err := encodeScopes(t.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO refresh_tokens (token, client_id, subject, scopes, expires_at) VALUES (?, ?, ?, ?, ?)`,
		t.Token, t.ClientID, t.Subject, scopes, t.ExpiresAt)
	return err
}

func (s *SQLStore) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	var t RefreshToken
	var scopes string
	err := s.db.QueryRowContext(ctx,
		`SELECT token, client_id, subject, scopes, expires_at FROM refresh_tokens WHERE token = ?`,
		token).Scan(&t.Token, &t.ClientID, &t.Subject, &scopes, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	t.Scopes = decodeScopes(scopes)
	return t, nil
}

func (s *SQLStore) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, token)
	return err
}
