// Package mcp exposes the sandbox console as an MCP (Model Context
// Protocol) server over stdio, so AI clients can open sessions and run
// commands through the same orchestrator as the HTTP and WebSocket
// gateways. The MCP client is a local process; all of its sessions run
// as one configured owner.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/session"
)

// Gateway is the MCP server bridging tool calls to the orchestrator.
type Gateway struct {
	orchestrator *session.Orchestrator
	histLog      *history.Log
	ownerID      string
	logger       *slog.Logger

	srv *server.MCPServer
}

// NewGateway creates an MCP gateway.
func NewGateway(orch *session.Orchestrator, histLog *history.Log, cfg *config.MCPGatewayConfig, logger *slog.Logger) *Gateway {
	g := &Gateway{
		orchestrator: orch,
		histLog:      histLog,
		ownerID:      cfg.Owner(),
		logger:       logger,
	}

	s := server.NewMCPServer("sanduku", "0.1.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a console session backed by a fresh sandbox. Returns the session record; use its id with run_command."),
		mcp.WithString("type", mcp.Description("Session type: interactive (default), script, debug, or remote.")),
	), g.handleCreateSession)

	s.AddTool(mcp.NewTool("run_command",
		mcp.WithDescription("Run a shell command in a session's sandbox and return its output."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID returned by create_session.")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Command text to execute.")),
		mcp.WithString("working_dir", mcp.Description("Working directory inside the sandbox.")),
		mcp.WithNumber("timeout_secs", mcp.Description("Execution timeout in seconds.")),
	), g.handleRunCommand)

	s.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List live console sessions."),
	), g.handleListSessions)

	s.AddTool(mcp.NewTool("command_history",
		mcp.WithDescription("Return a session's command history, oldest first."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of records to return.")),
	), g.handleCommandHistory)

	s.AddTool(mcp.NewTool("terminate_session",
		mcp.WithDescription("Terminate a session and destroy its sandbox."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID.")),
	), g.handleTerminateSession)

	g.srv = s
	return g
}

// Serve runs the MCP server over stdio until the client disconnects.
func (g *Gateway) Serve() error {
	g.logger.Info("mcp gateway serving on stdio", slog.String("owner_id", g.ownerID))
	return server.ServeStdio(g.srv)
}

func (g *Gateway) handleCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ := req.GetString("type", "")

	sess, err := g.orchestrator.CreateSession(ctx, g.ownerID, console.SessionType(typ), console.SessionMetadata{
		UserAgent: "mcp-client",
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess)
}

func (g *Gateway) handleRunCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, errResult := g.sessionID(req)
	if errResult != nil {
		return errResult, nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cmd, err := g.orchestrator.DispatchCommand(ctx, g.ownerID, sessionID, session.DispatchRequest{
		Text:       text,
		WorkingDir: req.GetString("working_dir", ""),
		Timeout:    time.Duration(req.GetInt("timeout_secs", 0)) * time.Second,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatCommand(cmd)), nil
}

func (g *Gateway) handleListSessions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := g.orchestrator.ListActiveSessions(ctx, g.ownerID)
	return jsonResult(sessions)
}

func (g *Gateway) handleCommandHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, errResult := g.sessionID(req)
	if errResult != nil {
		return errResult, nil
	}

	commands, _, err := g.histLog.CommandHistory(ctx, g.ownerID, sessionID, req.GetInt("limit", 0), 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(commands)
}

func (g *Gateway) handleTerminateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, errResult := g.sessionID(req)
	if errResult != nil {
		return errResult, nil
	}

	if err := g.orchestrator.Terminate(ctx, g.ownerID, sessionID, session.EndReasonUser); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("session %s terminated", sessionID)), nil
}

// sessionID parses the required session_id argument. The second return is a
// ready-to-send error result when parsing fails.
func (g *Gateway) sessionID(req mcp.CallToolRequest) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString("session_id")
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError(err.Error())
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError("session_id is not a valid UUID")
	}
	return id, nil
}

// formatCommand renders a finished command as terminal-style text.
func formatCommand(cmd *console.Command) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "$ %s\n", cmd.Text)
	if cmd.Output != nil {
		if cmd.Output.Stdout != "" {
			sb.WriteString(cmd.Output.Stdout)
			if !strings.HasSuffix(cmd.Output.Stdout, "\n") {
				sb.WriteString("\n")
			}
		}
		if cmd.Output.Stderr != "" {
			fmt.Fprintf(&sb, "stderr:\n%s", cmd.Output.Stderr)
			if !strings.HasSuffix(cmd.Output.Stderr, "\n") {
				sb.WriteString("\n")
			}
		}
		if cmd.Output.ExitCode != nil {
			fmt.Fprintf(&sb, "exit code: %d\n", *cmd.Output.ExitCode)
		}
	}
	fmt.Fprintf(&sb, "status: %s\n", cmd.Status)
	return sb.String()
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("encoding result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
