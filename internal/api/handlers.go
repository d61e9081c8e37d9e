package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"

	"github.com/gin-gonic/gin"
)

type submitRequest struct {
	SessionID      string          `json:"session_id" binding:"required"`
	WorkspaceID    string          `json:"workspace_id" binding:"required"`
	ExecutorType   string          `json:"executor_type" binding:"required"`
	Action         json.RawMessage `json:"executor_action" binding:"required"`
	Priority       int             `json:"priority"`
	AgentSessionID string          `json:"agent_session_id"`
}

// entryResponse is the wire shape of a queue entry.
type entryResponse struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	WorkspaceID    string     `json:"workspace_id"`
	ExecutorType   string     `json:"executor_type"`
	Action         any        `json:"executor_action"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	QueuedAt       time.Time  `json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	AgentSessionID string     `json:"agent_session_id,omitempty"`
}

func toEntryResponse(e *storage.QueueEntry) entryResponse {
	var action any = e.ExecutorAction
	if json.Valid([]byte(e.ExecutorAction)) {
		action = json.RawMessage(e.ExecutorAction)
	}
	return entryResponse{
		ID:             e.ID,
		SessionID:      e.SessionID,
		WorkspaceID:    e.WorkspaceID,
		ExecutorType:   e.ExecutorType,
		Action:         action,
		Priority:       e.Priority,
		Status:         string(e.Status),
		QueuedAt:       e.QueuedAt,
		StartedAt:      e.StartedAt,
		CompletedAt:    e.CompletedAt,
		ErrorMessage:   e.ErrorMessage,
		AgentSessionID: e.AgentSessionID,
	}
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e, pos, err := s.ctrl.Submit(c.Request.Context(), dispatch.SubmitRequest{
		SessionID:      req.SessionID,
		WorkspaceID:    req.WorkspaceID,
		ExecutorType:   req.ExecutorType,
		Action:         string(req.Action),
		Priority:       req.Priority,
		AgentSessionID: req.AgentSessionID,
	})
	switch {
	case errors.Is(err, dispatch.ErrDuplicateActiveSession):
		c.JSON(http.StatusConflict, gin.H{"error": "session already has an active queue entry"})
		return
	case errors.Is(err, dispatch.ErrQueueDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue is disabled"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"entry":    toEntryResponse(e),
		"position": gin.H{"ahead_count": pos},
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	sessionID := c.Param("id")
	st, err := s.ctrl.Status(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"is_queued": st.IsQueued,
		"entry":     nil,
		"position":  nil,
	}
	if st.Entry != nil {
		resp["entry"] = toEntryResponse(st.Entry)
	}
	if st.Position != nil {
		resp["position"] = st.Position
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancel(c *gin.Context) {
	sessionID := c.Param("id")
	out, err := s.ctrl.Cancel(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": out})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleEvents streams queue updates as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	if s.notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream is disabled"})
		return
	}
	msgs, unsub := s.notifier.Subscribe()
	defer unsub()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case m, ok := <-msgs:
			if !ok {
				return false
			}
			b, err := json.Marshal(m)
			if err != nil {
				s.log.Warn("event marshal failed", logx.Err(err))
				return true
			}
			c.SSEvent("message", string(b))
			return true
		}
	})
}
