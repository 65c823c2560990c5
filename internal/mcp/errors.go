package mcp

import "fmt"

// ConnectionError indicates the tool provider handshake failed. The client is
// left fully disconnected; there is no partial connection state.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp connect: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ToolError indicates a single tool invocation failed: unknown tool name,
// connection down, or a provider-reported failure. It is recoverable per-call.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
