// Package mcp bridges the orchestrator's tool set onto the Model Context
// Protocol over stdio, so AI agent hosts can drive the orchestrator with the
// same tools the RPC hub serves.
package mcp

import (
	"context"
	"encoding/json"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/rpc"
)

const serverInstructions = "You are connected to taskmux, a task orchestrator that schedules " +
	"work across parallel workers. Submit units of work with submit_task; the orchestrator " +
	"resolves dependencies, checks for file/port/service conflicts, and dispatches each task " +
	"to a worker when capacity allows. Use list_tasks and list_workers to observe progress, " +
	"complete_task to report results, and pause_worker/resume_worker to control workers. " +
	"Session state survives restarts; create_snapshot makes a named restore point."

// Server exposes a set of rpc tools as MCP tools on stdio.
type Server struct {
	server *mcpserver.MCPServer
}

// NewServer registers every tool with the MCP server. Tool results are
// returned as JSON text content; tool errors become MCP tool errors rather
// than protocol errors.
func NewServer(name, version string, tools []rpc.Tool) *Server {
	s := mcpserver.NewMCPServer(
		name,
		version,
		mcpserver.WithInstructions(serverInstructions),
	)

	for _, t := range tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			log.WarningLog.Printf("skipping tool %s: bad input schema: %v", t.Name, err)
			continue
		}
		s.AddTool(
			gomcp.NewToolWithRawSchema(t.Name, t.Description, schema),
			adaptHandler(t.Handler),
		)
	}

	log.InfoLog.Printf("mcp server created with %d tools", len(tools))
	return &Server{server: s}
}

// adaptHandler converts an rpc tool handler to the MCP handler shape.
func adaptHandler(h rpc.Handler) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var args json.RawMessage
		if m := req.GetArguments(); m != nil {
			data, err := json.Marshal(m)
			if err != nil {
				return gomcp.NewToolResultError("invalid arguments: " + err.Error()), nil
			}
			args = data
		}

		result, err := h(ctx, args)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal result: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// ServeStdio runs the server on stdin/stdout until the host disconnects.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.server)
}
