package oauth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type storeFactory struct {
	name    string
	clients func(t *testing.T) ClientStore
	tokens  func(t *testing.T) TokenStore
}

func storeFactories(t *testing.T) []storeFactory {
	t.Helper()
	return []storeFactory{
		{
			name: "memory",
			clients: func(t *testing.T) ClientStore {
				c, _ := NewMemoryStore()
				return c
			},
			tokens: func(t *testing.T) TokenStore {
				_, tok := NewMemoryStore()
				return tok
			},
		},
		{
			name: "sqlite",
			clients: func(t *testing.T) ClientStore {
				return newTestSQLStore(t)
			},
			tokens: func(t *testing.T) TokenStore {
				return newTestSQLStore(t)
			},
		},
	}
}

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(filepath.Join(t.TempDir(), "oauth-test"))
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClientStoreRegisterAndLookup(t *testing.T) {
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			store := f.clients(t)
			ctx := context.Background()

			rec := ClientRecord{
				ClientID:     "client-1",
				RedirectURIs: []string{"https://app.example/callback"},
				Scopes:       []string{ScopeTools, ScopeResources},
				CreatedAt:    time.Now().UTC().Truncate(time.Second),
			}
			if err := store.Register(ctx, rec); err != nil {
				t.Fatalf("Register: %v", err)
			}

			got, err := store.Lookup(ctx, "client-1")
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if got.ClientID != rec.ClientID || len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != rec.RedirectURIs[0] {
				t.Errorf("Lookup = %+v, want %+v", got, rec)
			}
			if !HasScope(got.Scopes, ScopeTools) {
				t.Errorf("expected Scopes to contain %q, got %v", ScopeTools, got.Scopes)
			}
		})
	}
}

func TestClientStoreLookupMissingIsNotFound(t *testing.T) {
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			store := f.clients(t)
			_, err := store.Lookup(context.Background(), "no-such-client")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Lookup missing client = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestTokenStoreGrantIsConsumedOnce(t *testing.T) {
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			store := f.tokens(t)
			ctx := context.Background()

			grant := AuthorizationGrant{
				Code:                "auth-code-1",
				ClientID:            "client-1",
				RedirectURI:         "https://app.example/callback",
				Scopes:              []string{ScopeTools},
				CodeChallenge:       "challenge",
				CodeChallengeMethod: "S256",
				Subject:             "user-1",
				ExpiresAt:           time.Now().Add(time.Minute).UTC().Truncate(time.Second),
			}
			if err := store.PutGrant(ctx, grant); err != nil {
				t.Fatalf("PutGrant: %v", err)
			}

			got, err := store.TakeGrant(ctx, "auth-code-1")
			if err != nil {
				t.Fatalf("TakeGrant: %v", err)
			}
			if got.ClientID != grant.ClientID || got.Subject != grant.Subject {
				t.Errorf("TakeGrant = %+v, want %+v", got, grant)
			}

			if _, err := store.TakeGrant(ctx, "auth-code-1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second TakeGrant = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestTokenStoreGrantExpired(t *testing.T) {
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			store := f.tokens(t)
			ctx := context.Background()

			grant := AuthorizationGrant{
				Code:      "expired-code",
				ClientID:  "client-1",
				Subject:   "user-1",
				ExpiresAt: time.Now().Add(-time.Minute).UTC().Truncate(time.Second),
			}
			if err := store.PutGrant(ctx, grant); err != nil {
				t.Fatalf("PutGrant: %v", err)
			}
			if _, err := store.TakeGrant(ctx, "expired-code"); err == nil {
				t.Error("expected an error taking an expired grant")
			}
		})
	}
}

func TestTokenStoreAccessTokenLifecycle(t *testing.T) {
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			store := f.tokens(t)
			ctx := context.Background()

			tok := AccessToken{
				Token:     "access-1",
				ClientID:  "client-1",
				Subject:   "user-1",
				Scopes:    []string{ScopeTools, ScopeAdmin},
				ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
			}
			if err := store.PutAccessToken(ctx, tok); err != nil {
				t.Fatalf("PutAccessToken: %v", err)
			}

			got, err := store.GetAccessToken(ctx, "access-1")
			if err != nil {
				t.Fatalf("GetAccessToken: %v", err)
			}
			if got.Subject != tok.Subject || !HasScope(got.Scopes, ScopeAdmin) {
				t.Errorf("GetAccessToken = %+v, want %+v", got, tok)
			}

			if err := store.RevokeAccessToken(ctx, "access-1"); err != nil {
				t.Fatalf("RevokeAccessToken: %v", err)
			}
			if _, err := store.GetAccessToken(ctx, "access-1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetAccessToken after revoke = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestTokenStoreRefreshTokenLifecycle(t *testing.T) {
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			store := f.tokens(t)
			ctx := context.Background()

			tok := RefreshToken{
				Token:     "refresh-1",
				ClientID:  "client-1",
				Subject:   "user-1",
				Scopes:    []string{ScopeTools},
				ExpiresAt: time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second),
			}
			if err := store.PutRefreshToken(ctx, tok); err != nil {
				t.Fatalf("PutRefreshToken: %v", err)
			}

			got, err := store.GetRefreshToken(ctx, "refresh-1")
			if err != nil {
				t.Fatalf("GetRefreshToken: %v", err)
			}
			if got.ClientID != tok.ClientID {
				t.Errorf("GetRefreshToken = %+v, want %+v", got, tok)
			}

			if err := store.RevokeRefreshToken(ctx, "refresh-1"); err != nil {
				t.Fatalf("RevokeRefreshToken: %v", err)
			}
			if _, err := store.GetRefreshToken(ctx, "refresh-1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetRefreshToken after revoke = %v, want ErrNotFound", err)
			}
		})
	}
}
