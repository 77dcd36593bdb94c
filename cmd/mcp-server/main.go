// Command mcp-server hosts an MCP server over stdio or streamable HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
	"github.com/spf13/cobra"

	mcp "github.com/hyphaforge/mcpcore"
	"github.com/hyphaforge/mcpcore/internal/config"
	"github.com/hyphaforge/mcpcore/internal/metrics"
	"github.com/hyphaforge/mcpcore/oauth"
	"github.com/hyphaforge/mcpcore/transport"
)

// Exit codes: 0 normal shutdown, 1 startup/config error, 2 transport fatal error.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitTransportFatal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:   "mcp-server",
		Short: "Run an MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "mcp-server.yaml", "path to the server config file")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-server:", err)
		if _, ok := err.(*transportFatalError); ok {
			return exitTransportFatal
		}
		return exitConfigError
	}
	return exitOK
}

type transportFatalError struct{ err error }

func (e *transportFatalError) Error() string { return e.err.Error() }
func (e *transportFatalError) Unwrap() error { return e.err }

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := httplog.NewLogger("mcp-server", httplog.Options{
		LogLevel: parseLevel(cfg.LogLevel),
		JSON:     true,
	})

	caps := buildCapabilities(cfg.Capabilities)
	srvOpts := mcp.ServerOptions{
		Implementation: mcp.Implementation{Name: cfg.Identity.Name, Title: cfg.Identity.Title, Version: cfg.Identity.Version},
		Capabilities:   caps,
		Instructions:   cfg.Instructions,
		EngineOptions: mcp.EngineOptions{
			DefaultTimeout: cfg.Engine.DefaultTimeout,
			DebounceWindow: cfg.Engine.DebounceWindow,
		},
	}

	switch cfg.Transport {
	case config.TransportStdio:
		t := transport.NewStdio(os.Stdin, os.Stdout)
		srv := mcp.NewServer(t, srvOpts)
		logger.Logger.Info("mcp server listening on stdio")
		return srv.Serve(ctx)

	case config.TransportHTTP:
		return serveHTTP(ctx, cfg, srvOpts, logger)

	default:
		return fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func serveHTTP(ctx context.Context, cfg config.Config, srvOpts mcp.ServerOptions, logger *httplog.Logger) error {
	httpOpts := transport.HTTPServerOptions{
		AllowedHosts:       cfg.HTTP.AllowedHosts,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		SSEKeepalive:       cfg.HTTP.SSEKeepalive,
		SessionIdleTimeout: cfg.HTTP.SessionIdleTimeout,
		ReplyTimeout:       cfg.HTTP.ReplyTimeout,
	}

	httpTransport := transport.NewHTTPServer(httpOpts, func(session *transport.Session) {
		mcp.NewServer(session, srvOpts)
	})

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))
	r.Use(metrics.HTTPMiddleware)
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/mcp", httpTransport.Router())

	if cfg.OAuth.Enabled {
		clients, tokens, err := buildOAuthStores(cfg.OAuth)
		if err != nil {
			return err
		}
		oauthSrv := oauth.NewServer(oauth.ServerOptions{
			Issuer:               cfg.OAuth.Issuer,
			RequirePKCE:          cfg.OAuth.RequirePKCE,
			AccessTokenTTL:       cfg.OAuth.AccessTokenTTL,
			RefreshTokenTTL:      cfg.OAuth.RefreshTokenTTL,
			AuthorizationCodeTTL: cfg.OAuth.AuthorizationCodeTTL,
			RatePerSecond:        cfg.OAuth.RatePerSecond,
			Burst:                cfg.OAuth.Burst,
		}, clients, tokens, nil)
		oauthSrv.Mount(r)

		guard := oauth.NewGuard(tokens)
		r.Route("/mcp-protected", func(pr chi.Router) {
			pr.Use(guard.Require(oauth.ScopeTools))
			pr.Mount("/", httpTransport.Router())
		})
	}

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Logger.Info("mcp server listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- &transportFatalError{err: err}
		}
	}()

	select {
	case <-ctx.Done():
		return httpSrv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func buildOAuthStores(opts config.OAuthOptions) (oauth.ClientStore, oauth.TokenStore, error) {
	if opts.StoreDriver == "sqlite" {
		store, err := oauth.NewSQLStore(opts.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
	clients, tokens := oauth.NewMemoryStore()
	return clients, tokens, nil
}

func buildCapabilities(c config.Capabilities) mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if c.Tools {
		caps.Tools = &mcp.ListChangedCapability{ListChanged: c.ToolsListChanged}
	}
	if c.Resources {
		caps.Resources = &mcp.ResourcesCapability{Subscribe: c.ResourcesSubscribe, ListChanged: c.ResourcesListChange}
	}
	if c.Prompts {
		caps.Prompts = &mcp.ListChangedCapability{ListChanged: c.PromptsListChanged}
	}
	if c.Logging {
		caps.Logging = &struct{}{}
	}
	if c.Completions {
		caps.Completions = &struct{}{}
	}
	return caps
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
