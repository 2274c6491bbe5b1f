package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/session"
)

// SessionCreateRequest is the JSON body for POST /v1/sessions.
type SessionCreateRequest struct {
	Type      string `json:"type,omitempty"` // interactive (default), script, debug, remote.
	UserAgent string `json:"user_agent,omitempty"`
}

// SessionResponse is the JSON representation of a session.
type SessionResponse struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	SandboxID      string     `json:"sandbox_id,omitempty"`
	CommandCount   int        `json:"command_count"`
	ErrorCount     int        `json:"error_count"`
	EndReason      string     `json:"end_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// SessionHistoryResponse is a page of the caller's sessions.
type SessionHistoryResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int64             `json:"total"`
}

// PageRequest selects a page of results.
type PageRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func toSessionResponse(s *console.Session) SessionResponse {
	resp := SessionResponse{
		ID:             s.ID.String(),
		Type:           string(s.Type),
		Status:         string(s.Status),
		CommandCount:   s.CommandCount,
		ErrorCount:     s.ErrorCount,
		EndReason:      s.EndReason,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        s.EndedAt,
	}
	if s.SandboxID != nil {
		resp.SandboxID = s.SandboxID.String()
	}
	return resp
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	if err := g.rateLimit(c, ownerID, costSessionCreate); err != nil {
		return err
	}

	var req SessionCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	meta := console.SessionMetadata{
		UserAgent:  req.UserAgent,
		RemoteAddr: c.Request().RemoteAddr,
	}
	sess, err := g.orchestrator.CreateSession(c.Context(), ownerID, console.SessionType(req.Type), meta)
	if err != nil {
		return consoleError(c, err)
	}
	return c.JSON(http.StatusCreated, toSessionResponse(sess))
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")

	sessions := g.orchestrator.ListActiveSessions(c.Context(), ownerID)
	resp := make([]SessionResponse, len(sessions))
	for i := range sessions {
		resp[i] = toSessionResponse(&sessions[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessionHistory(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")

	var req PageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	sessions, total, err := g.orchestrator.SessionHistory(c.Context(), ownerID, req.Limit, req.Offset)
	if err != nil {
		return consoleError(c, err)
	}

	resp := SessionHistoryResponse{
		Sessions: make([]SessionResponse, len(sessions)),
		Total:    total,
	}
	for i := range sessions {
		resp.Sessions[i] = toSessionResponse(&sessions[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	sess, err := g.orchestrator.GetSession(c.Context(), ownerID, id)
	if err != nil {
		return consoleError(c, err)
	}
	return c.OK(toSessionResponse(&sess))
}

func (g *Gateway) handleSessionTerminate(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	if err := g.orchestrator.Terminate(c.Context(), ownerID, id, session.EndReasonUser); err != nil {
		return consoleError(c, err)
	}
	return c.OK(map[string]string{"status": "terminated"})
}

func (g *Gateway) handleSessionPause(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	if err := g.orchestrator.Pause(c.Context(), ownerID, id); err != nil {
		return consoleError(c, err)
	}
	return c.OK(map[string]string{"status": "paused"})
}

func (g *Gateway) handleSessionResume(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	if err := g.orchestrator.Resume(c.Context(), ownerID, id); err != nil {
		return consoleError(c, err)
	}
	return c.OK(map[string]string{"status": "active"})
}

func (g *Gateway) handleSessionActivity(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	if err := g.orchestrator.UpdateActivity(c.Context(), ownerID, id); err != nil {
		return consoleError(c, err)
	}
	return c.OK(map[string]string{"status": "ok"})
}
