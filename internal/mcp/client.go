package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cloudquill/azure-agent/internal/llm"
)

// Client owns a connection to the Azure MCP server subprocess and exposes its
// tools as schema-described, callable functions. A single client is shared
// across turns; the underlying session serializes concurrent calls on the
// stdio transport.
type Client struct {
	config ServerConfig

	mu        sync.RWMutex
	client    *mcp.Client
	session   *mcp.ClientSession
	stop      context.CancelFunc
	tools     []llm.ToolSpec
	connected bool
}

// transportBuilder constructs the transport for a server config. Tests swap
// it to connect against an in-memory server.
var transportBuilder = stdioTransport

// stdioTransport launches the server subprocess under a background context
// owned by the client, not the connecting caller. A request-scoped context
// would kill the shared subprocess as soon as that request finished. The
// returned cancel terminates the subprocess.
func stdioTransport(config ServerConfig) (mcp.Transport, context.CancelFunc) {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, config.Command, config.args()...)
	cmd.Env = append(os.Environ(), config.env()...)
	return &mcp.CommandTransport{Command: cmd}, cancel
}

func NewClient(config ServerConfig) *Client {
	if config.Command == "" {
		config.Command = "azmcp"
	}
	return &Client{config: config}
}

// Connect launches the server subprocess, performs the MCP handshake, and
// fetches the full tool catalog. The given ctx bounds only the handshake and
// catalog fetch; the subprocess itself lives until Close. Idempotent:
// connecting while connected is a no-op. On failure the client stays fully
// disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	c.client = mcp.NewClient(&mcp.Implementation{
		Name:    "azure-agent",
		Version: "1.0.0",
	}, nil)

	transport, stop := transportBuilder(c.config)
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		stop()
		return &ConnectionError{Err: err}
	}

	tools, err := fetchTools(ctx, session)
	if err != nil {
		session.Close()
		stop()
		return &ConnectionError{Err: fmt.Errorf("list tools: %w", err)}
	}

	c.session = session
	c.stop = stop
	c.tools = tools
	c.connected = true
	return nil
}

// Close tears down the connection and releases the subprocess. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	var err error
	if c.session != nil {
		err = c.session.Close()
		c.session = nil
	}
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	c.connected = false
	c.tools = nil
	return err
}

// Connected reports whether the handshake has completed.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Tools returns the cached tool catalog; empty before Connect succeeds. The
// catalog is immutable for the lifetime of a connection and re-fetched only
// on reconnect.
func (c *Client) Tools() []llm.ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]llm.ToolSpec, len(c.tools))
	copy(tools, c.tools)
	return tools
}

// CallTool invokes the named tool with the given arguments and returns the
// provider's result as text. Failures come back as *ToolError so the caller
// can recover per-call instead of aborting the turn.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	known := c.hasToolLocked(name)
	c.mu.RUnlock()

	if !connected || session == nil {
		return "", &ToolError{Tool: name, Err: errors.New("not connected")}
	}
	if !known {
		return "", &ToolError{Tool: name, Err: errors.New("unknown tool")}
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", &ToolError{Tool: name, Err: fmt.Errorf("invalid arguments: %w", err)}
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return "", &ToolError{Tool: name, Err: err}
	}
	if result.IsError {
		return "", &ToolError{Tool: name, Err: errors.New(formatContent(result.Content))}
	}

	return formatContent(result.Content), nil
}

func (c *Client) hasToolLocked(name string) bool {
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func fetchTools(ctx context.Context, session *mcp.ClientSession) ([]llm.ToolSpec, error) {
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}

	tools := make([]llm.ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := make(map[string]any)
		if t.InputSchema != nil {
			if m, ok := t.InputSchema.(map[string]any); ok {
				schema = m
			}
		}
		tools = append(tools, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	return tools, nil
}

// formatContent converts MCP content to a string. Text content concatenates;
// anything else is JSON encoded.
func formatContent(content []mcp.Content) string {
	var result string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			result += v.Text
		default:
			if data, err := json.Marshal(c); err == nil {
				result += string(data)
			}
		}
	}
	return result
}
