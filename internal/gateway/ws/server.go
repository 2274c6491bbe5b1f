// Package ws implements the WebSocket terminal endpoint. Browser clients
// connect, attach to one of their sessions, and run commands interactively
// instead of polling the HTTP API.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/identity"
	"github.com/jkaninda/sanduku/internal/protocol"
	"github.com/jkaninda/sanduku/internal/session"
)

// Server is the WebSocket server that manages terminal connections.
type Server struct {
	orchestrator *session.Orchestrator
	auth         *identity.Provider
	cfg          *config.WebSocketGatewayConfig
	logger       *slog.Logger
}

// NewServer creates a WebSocket terminal server.
func NewServer(orch *session.Orchestrator, auth *identity.Provider, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	return &Server{
		orchestrator: orch,
		auth:         auth,
		cfg:          cfg,
		logger:       logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Authenticate before upgrading. Browsers cannot set headers on
	// WebSocket requests, so the token may also arrive as a query param.
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	ownerID, err := s.auth.Resolve(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sanduku-terminal-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, ownerID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, ownerID string) {
	var sessionID uuid.UUID
	defer func() {
		if sessionID != uuid.Nil {
			// The session outlives the connection; the client may
			// reconnect and resume until the reaper collects it.
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.orchestrator.Disconnect(dctx, ownerID, sessionID); err != nil {
				s.logger.Warn("marking session disconnected failed",
					slog.String("session_id", sessionID.String()),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	// Wait for terminal.attach as the first message.
	sessionID, err := s.waitForAttach(ctx, conn, ownerID)
	if err != nil {
		s.logger.Error("terminal attach failed",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return
	}

	// Start heartbeat pinger.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, conn, sessionID)

	// Main message loop.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("terminal detached normally", slog.String("session_id", sessionID.String()))
			} else {
				s.logger.Warn("terminal connection error",
					slog.String("session_id", sessionID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from terminal",
				slog.String("session_id", sessionID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.handleMessage(ctx, conn, ownerID, sessionID, &env)
	}
}

func (s *Server) waitForAttach(ctx context.Context, conn *websocket.Conn, ownerID string) (uuid.UUID, error) {
	// Set a deadline for the attach handshake.
	attachCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(attachCtx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("reading attach: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return uuid.Nil, fmt.Errorf("parsing attach: %w", err)
	}

	if env.Type != protocol.MsgTerminalAttach {
		return uuid.Nil, fmt.Errorf("expected terminal.attach, got %s", env.Type)
	}

	var attach protocol.AttachPayload
	if err := env.Decode(&attach); err != nil {
		return uuid.Nil, fmt.Errorf("parsing attach payload: %w", err)
	}

	sessionID, err := uuid.Parse(attach.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("session_id is not a valid UUID")
	}

	// Reconnecting to a paused or disconnected session reactivates it.
	// Resume is a no-op when the session is already active.
	if err := s.orchestrator.Resume(ctx, ownerID, sessionID); err != nil {
		s.writeError(ctx, conn, sessionID, err)
		return uuid.Nil, fmt.Errorf("resuming session: %w", err)
	}

	sess, err := s.orchestrator.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("loading session: %w", err)
	}

	attached := protocol.AttachedPayload{
		SessionID: sess.ID.String(),
		Status:    string(sess.Status),
	}
	if sess.SandboxID != nil {
		attached.SandboxID = sess.SandboxID.String()
	}
	resp, _ := protocol.NewEnvelope(protocol.MsgAttached, attached)
	resp.SessionID = sessionID.String()
	s.writeEnvelope(ctx, conn, resp)

	s.logger.Info("terminal attached",
		slog.String("owner_id", ownerID),
		slog.String("session_id", sessionID.String()),
	)
	return sessionID, nil
}

func (s *Server) handleMessage(ctx context.Context, conn *websocket.Conn, ownerID string, sessionID uuid.UUID, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgCommandRun:
		var run protocol.CommandRunPayload
		if err := env.Decode(&run); err != nil {
			s.writeError(ctx, conn, sessionID, console.ErrInvalidInput)
			return
		}
		cmd, err := s.orchestrator.DispatchCommand(ctx, ownerID, sessionID, session.DispatchRequest{
			Text:       run.Text,
			Args:       run.Args,
			Type:       console.CommandType(run.Type),
			WorkingDir: run.WorkingDir,
			Env:        run.Env,
			Timeout:    time.Duration(run.TimeoutSecs) * time.Second,
		})
		if err != nil {
			s.writeError(ctx, conn, sessionID, err)
			return
		}
		resp, _ := protocol.NewEnvelope(protocol.MsgCommandResult, cmd)
		resp.SessionID = sessionID.String()
		s.writeEnvelope(ctx, conn, resp)

	case protocol.MsgTerminalActivity:
		if err := s.orchestrator.UpdateActivity(ctx, ownerID, sessionID); err != nil {
			s.writeError(ctx, conn, sessionID, err)
		}

	case protocol.MsgPong:
		// Liveness only; activity is refreshed by explicit messages.

	default:
		s.logger.Warn("unknown message type from terminal",
			slog.String("session_id", sessionID.String()),
			slog.String("type", string(env.Type)),
		)
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID) {
	interval := s.cfg.WSHeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			env.SessionID = sessionID.String()
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("session_id", sessionID.String()),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// writeError maps a domain error onto the wire error payload.
func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID, err error) {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{
		Code:    errorCode(err),
		Message: err.Error(),
	})
	env.SessionID = sessionID.String()
	s.writeEnvelope(ctx, conn, env)
}

func errorCode(err error) string {
	var pErr *console.ProvisionError
	switch {
	case errors.Is(err, console.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, console.ErrNotFound):
		return "not_found"
	case errors.Is(err, console.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, console.ErrSessionNotReady):
		return "session_not_ready"
	case errors.Is(err, console.ErrSessionPaused):
		return "session_paused"
	case errors.Is(err, console.ErrSessionDisconnected):
		return "session_disconnected"
	case errors.Is(err, console.ErrSessionNotActive):
		return "session_not_active"
	case errors.As(err, &pErr):
		return "provision_failed"
	default:
		return "internal"
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
