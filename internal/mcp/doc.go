// Package mcp implements MCP (Model Context Protocol) client support.
// The conversation worker connects to an external MCP server, discovers
// the tools the model may call via tools/list, and executes them via
// tools/call.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. Unknown-tool failures are classified as
// ErrToolNotFound so the execution layer can recover by re-matching the
// requested name against the live registry.
//
// This implementation covers the client/host side only — the agent does
// not act as an MCP server.
package mcp
