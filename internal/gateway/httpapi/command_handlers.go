package httpapi

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/session"
)

// CommandRequest is the JSON body for dispatching a command.
type CommandRequest struct {
	Text           string            `json:"text"`
	Args           []string          `json:"args,omitempty"`
	Type           string            `json:"type,omitempty"` // builtin, external, script. Empty = classified.
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// CommandResponse is the JSON representation of a command record.
type CommandResponse = console.Command

// CommandHistoryResponse is a page of command records.
type CommandHistoryResponse struct {
	Commands []console.Command `json:"commands"`
	Total    int64             `json:"total"`
}

// ClearRequest is the JSON body for clearing a session's history.
type ClearRequest struct {
	Before *time.Time `json:"before,omitempty"` // Only remove commands started before this time.
}

// ClearResponse reports how many command records were removed.
type ClearResponse struct {
	Deleted int64 `json:"deleted"`
}

// SearchRequest is the JSON body for POST /v1/commands/search.
type SearchRequest struct {
	Text      string     `json:"text,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Type      string     `json:"type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// StatsRequest is the JSON body for POST /v1/commands/stats.
type StatsRequest struct {
	SessionID string     `json:"session_id,omitempty"` // Empty = all of the caller's sessions.
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
}

func (g *Gateway) handleCommandDispatch(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	if err := g.rateLimit(c, ownerID, costCommandDispatch); err != nil {
		return err
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	cmd, err := g.orchestrator.DispatchCommand(c.Context(), ownerID, id, session.DispatchRequest{
		Text:       req.Text,
		Args:       req.Args,
		Type:       console.CommandType(req.Type),
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return consoleError(c, err)
	}
	return c.OK(cmd)
}

func (g *Gateway) handleCommandHistory(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	var req PageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	commands, total, err := g.histLog.CommandHistory(c.Context(), ownerID, id, req.Limit, req.Offset)
	if err != nil {
		return consoleError(c, err)
	}
	return c.OK(CommandHistoryResponse{Commands: commands, Total: total})
}

func (g *Gateway) handleCommandClear(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	if err := g.rateLimit(c, ownerID, costHistoryClear); err != nil {
		return err
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	var req ClearRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	deleted, err := g.histLog.Clear(c.Context(), ownerID, id, req.Before)
	if err != nil {
		return consoleError(c, err)
	}
	return c.OK(ClearResponse{Deleted: deleted})
}

func (g *Gateway) handleCommandExport(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	format, err := history.ParseExportFormat(c.Param("format"))
	if err != nil {
		return c.AbortBadRequest("unknown export format")
	}

	// Ownership is checked before any bytes are written, so error
	// responses stay clean.
	if _, err := g.orchestrator.GetSession(c.Context(), ownerID, id); err != nil {
		return consoleError(c, err)
	}

	w := c.Response()
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("session-%s.%s", id, format)))
	return g.histLog.Export(c.Context(), ownerID, id, format, w)
}

func (g *Gateway) handleCommandSearch(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")

	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	q := history.SearchQuery{
		Text:   req.Text,
		Status: console.CommandStatus(req.Status),
		Type:   console.CommandType(req.Type),
		Since:  req.Since,
		Until:  req.Until,
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	if req.SessionID != "" {
		sid, err := uuid.Parse(req.SessionID)
		if err != nil {
			return c.AbortBadRequest("invalid session ID")
		}
		q.SessionID = &sid
	}

	commands, total, err := g.histLog.Search(c.Context(), ownerID, q)
	if err != nil {
		return consoleError(c, err)
	}
	return c.OK(CommandHistoryResponse{Commands: commands, Total: total})
}

func (g *Gateway) handleCommandStats(c *okapi.Context) error {
	ownerID := c.GetString("ownerID")

	var req StatsRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	q := history.StatsQuery{Since: req.Since, Until: req.Until}
	if req.SessionID != "" {
		sid, err := uuid.Parse(req.SessionID)
		if err != nil {
			return c.AbortBadRequest("invalid session ID")
		}
		q.SessionID = &sid
	}

	stats, err := g.histLog.Stats(c.Context(), ownerID, q)
	if err != nil {
		return consoleError(c, err)
	}
	return c.OK(stats)
}
