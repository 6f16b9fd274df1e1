// Package mcp wraps the tool-server connection. Each client carries the
// session's auth headers on its transport, so one client exists per
// (session, header set) and never outlives a credential change.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	gomcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/retry"
)

const protocolVersion = "2025-03-26"

// Client is a connected tool-server client bound to one set of auth headers.
type Client struct {
	url     string
	headers map[string]string
	logger  *slog.Logger
	mcp     *mcpclient.Client
}

// Connect dials the tool server and runs the initialize handshake, retrying
// transient failures up to the configured attempt budget.
func Connect(ctx context.Context, cfg config.ToolsConfig, headers map[string]string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:     cfg.ServerURL,
		headers: headers,
		logger:  logger.With("component", "tool-client"),
	}

	attempts := cfg.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	err := retry.Do(ctx, retry.Config{MaxAttempts: attempts, Delay: cfg.ReconnectDelay, Factor: 2}, func(attempt int) error {
		if attempt > 1 {
			c.logger.Warn("retrying tool server connection", "attempt", attempt)
		}
		return c.connect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("connect tool server: %w", err)
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}
	tp, err := transport.NewStreamableHTTP(c.url, opts...)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build transport: %w", err))
	}

	cl := mcpclient.NewClient(tp)
	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	_, err = cl.Initialize(ctx, gomcp.InitializeRequest{
		Params: gomcp.InitializeParams{
			ProtocolVersion: protocolVersion,
			ClientInfo: gomcp.Implementation{
				Name:    "poliport",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		_ = cl.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	c.mcp = cl
	return nil
}

// Headers returns the auth headers this client was built with. The pool
// compares them against the session's current headers to decide reuse.
func (c *Client) Headers() map[string]string {
	return c.headers
}

// ListTools returns the tools the server exposes for these credentials.
func (c *Client) ListTools(ctx context.Context) ([]gomcp.Tool, error) {
	if c.mcp == nil {
		return nil, fmt.Errorf("tool client not connected")
	}
	res, err := c.mcp.ListTools(ctx, gomcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool and flattens the result. A result the server
// flags as an error comes back as a Go error carrying the flattened text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if c.mcp == nil {
		return nil, fmt.Errorf("tool client not connected")
	}
	started := time.Now()
	res, err := c.mcp.CallTool(ctx, gomcp.CallToolRequest{
		Params: gomcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	out := flattenResult(res)
	if res.IsError {
		return nil, fmt.Errorf("tool %s failed: %v", name, out)
	}
	c.logger.Debug("tool call finished", "tool", name, "duration", time.Since(started))
	return out, nil
}

// Close shuts the underlying transport down. Safe to call more than once.
func (c *Client) Close() error {
	if c.mcp == nil {
		return nil
	}
	err := c.mcp.Close()
	c.mcp = nil
	return err
}

// flattenResult reduces a tool result to a value the agent runtime can
// consume: structured content when the server sent it, otherwise the text
// blocks joined as parsed JSON or plain string.
func flattenResult(res *gomcp.CallToolResult) any {
	if res == nil {
		return nil
	}
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	var text string
	for _, content := range res.Content {
		if tc, ok := gomcp.AsTextContent(content); ok {
			text += tc.Text
		}
	}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed
	}
	return text
}
