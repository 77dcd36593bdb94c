// Package mcp implements the core runtime of the Model Context Protocol: a
// symmetric JSON-RPC 2.0 framework letting a host application exchange
// requests, responses, and notifications with tool/resource/prompt
// providers over pluggable transports.
//
// The package is both a client and a server over the same wire protocol.
// A Client drives the host side of a session (discovering and invoking
// tools, resources, and prompts); a Server hosts them. Both roles share one
// Engine, which owns request-id allocation, response correlation, progress
// routing, cancellation, timeouts, and notification debouncing.
//
// Basic server usage over stdio:
//
//	t := transport.NewStdio(os.Stdin, os.Stdout)
//	srv := mcp.NewServer(t, mcp.ServerOptions{
//		Implementation: mcp.Implementation{Name: "my-server", Version: "1.0.0"},
//		Capabilities:   mcp.ServerCapabilities{Tools: &mcp.ListChangedCapability{}},
//	})
//	srv.AddTool(mcp.Tool{Name: "add", InputSchema: schema}, addHandler)
//	if err := srv.Serve(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Basic client usage spawning a subprocess provider:
//
//	proc, err := transport.StartProcess(ctx, transport.ProcessOptions{Path: "my-provider"})
//	client := mcp.NewClient(proc, mcp.ClientOptions{
//		Implementation: mcp.Implementation{Name: "my-host", Version: "1.0.0"},
//	})
//	if _, err := client.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//	result, err := client.CallTool(ctx, "add", args, nil)
package mcp
