// Command mcp-client exercises the Client role against a server for
// manual testing: list its tools, call one, and print the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	mcp "github.com/hyphaforge/mcpcore"
	"github.com/hyphaforge/mcpcore/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-client:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		binaryPath string
		httpURL    string
		toolName   string
		toolArgs   string
	)

	root := &cobra.Command{
		Use:   "mcp-client",
		Short: "Exercise an MCP server's tools from the command line",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), binaryPath, httpURL, toolName, toolArgs)
		},
	}
	root.Flags().StringVar(&binaryPath, "spawn", "", "path to an MCP server binary to spawn over stdio")
	root.Flags().StringVar(&httpURL, "http", "", "base URL of a streamable-HTTP MCP server")
	root.Flags().StringVar(&toolName, "call", "", "name of a tool to invoke after connecting")
	root.Flags().StringVar(&toolArgs, "args", "{}", "JSON arguments for --call")
	return root
}

func runClient(ctx context.Context, binaryPath, httpURL, toolName, toolArgs string) error {
	client, closer, err := connect(ctx, binaryPath, httpURL)
	if err != nil {
		return err
	}
	defer closer()

	if _, err := client.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	tools, err := client.ListTools(ctx, "")
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	for _, t := range tools.Tools {
		fmt.Printf("tool: %s — %s\n", t.Name, t.Description)
	}

	if toolName == "" {
		return nil
	}

	result, err := client.CallTool(ctx, toolName, json.RawMessage(toolArgs), nil)
	if err != nil {
		return fmt.Errorf("tools/call %s: %w", toolName, err)
	}
	for _, block := range result.Content {
		if block.Type == "text" {
			fmt.Println(block.Text)
		}
	}
	return nil
}

func connect(ctx context.Context, binaryPath, httpURL string) (*mcp.Client, func(), error) {
	opts := mcp.ClientOptions{
		Implementation: mcp.Implementation{Name: "mcp-client", Version: "0.1.0"},
	}

	switch {
	case binaryPath != "":
		proc, err := transport.StartProcess(ctx, transport.ProcessOptions{Path: binaryPath})
		if err != nil {
			return nil, nil, fmt.Errorf("spawn %s: %w", binaryPath, err)
		}
		client := mcp.NewClient(proc, opts)
		return client, func() { _ = proc.Close() }, nil

	case httpURL != "":
		t := transport.DialHTTPClient(httpURL, http.DefaultClient)
		client := mcp.NewClient(t, opts)
		return client, func() { _ = t.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("one of --spawn or --http is required")
	}
}
