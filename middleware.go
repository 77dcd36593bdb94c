package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"
)

// CallFunc is the signature of a single round trip through the engine,
// wrapped by Middleware.
type CallFunc func(ctx context.Context, method string, params json.RawMessage, onProgress func(ProgressParams)) (json.RawMessage, error)

// Middleware wraps a CallFunc with cross-cutting behavior (retry, logging,
// auth injection). Middleware compose outermost-first: the first entry in
// EngineOptions.Middleware sees the call before any of the others.
type Middleware func(next CallFunc) CallFunc

// buildChain folds middleware around the innermost call, outermost-first.
func buildChain(mw []Middleware, innermost CallFunc) CallFunc {
	chain := innermost
	for i := len(mw) - 1; i >= 0; i-- {
		chain = mw[i](chain)
	}
	return chain
}

// RetryPolicy configures RetryMiddleware's exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable reports whether an error from a failed attempt should be
	// retried. Defaults to retrying TransportError and TimeoutError only.
	Retryable func(error) bool
}

func defaultRetryable(err error) bool {
	switch err.(type) {
	case *TransportError, *TimeoutError:
		return true
	default:
		return false
	}
}

// RetryMiddleware retries transport/timeout failures with exponential
// backoff and jitter. It never retries an *RPCError (a well-formed
// application-level rejection) or a *CanceledError (user intent).
func RetryMiddleware(policy RetryPolicy) Middleware {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	if policy.Retryable == nil {
		policy.Retryable = defaultRetryable
	}
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, params json.RawMessage, onProgress func(ProgressParams)) (json.RawMessage, error) {
			var lastErr error
			delay := policy.BaseDelay
			for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
				result, err := next(ctx, method, params, onProgress)
				if err == nil {
					return result, nil
				}
				lastErr = err
				if attempt == policy.MaxAttempts || !policy.Retryable(err) {
					return nil, err
				}
				jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)+1))
				if jittered > policy.MaxDelay {
					jittered = policy.MaxDelay
				}
				select {
				case <-time.After(jittered):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				delay *= 2
				if delay > policy.MaxDelay {
					delay = policy.MaxDelay
				}
			}
			return nil, lastErr
		}
	}
}

// LoggingMiddleware logs each call's method, duration, and outcome at the
// configured logger.
func LoggingMiddleware(log *slog.Logger) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, params json.RawMessage, onProgress func(ProgressParams)) (json.RawMessage, error) {
			start := time.Now()
			result, err := next(ctx, method, params, onProgress)
			elapsed := time.Since(start)
			if err != nil {
				log.Warn("rpc call failed", "method", method, "elapsed", elapsed, "error", err)
			} else {
				log.Debug("rpc call ok", "method", method, "elapsed", elapsed)
			}
			return result, err
		}
	}
}

// AuthInjector returns a bearer token (or empty string to skip injection)
// for an outbound call, e.g. sourced from an OAuth token store.
type AuthInjector func(ctx context.Context) (string, error)

type authTokenKey struct{}

// AuthMiddleware stashes a bearer token in the call context, where
// BearerTokenFromContext retrieves it. It does not itself modify params,
// and the transports in the transport package do not read the token or
// attach an Authorization header.
func AuthMiddleware(inject AuthInjector) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, params json.RawMessage, onProgress func(ProgressParams)) (json.RawMessage, error) {
			token, err := inject(ctx)
			if err != nil {
				return nil, err
			}
			if token != "" {
				ctx = context.WithValue(ctx, authTokenKey{}, token)
			}
			return next(ctx, method, params, onProgress)
		}
	}
}

// BearerTokenFromContext retrieves a token stashed by AuthMiddleware.
func BearerTokenFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(authTokenKey{}).(string)
	return v, ok
}
