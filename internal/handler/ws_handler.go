package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/channel"
	"github.com/stemsi/pengawas-backend/internal/middleware"
	"github.com/stemsi/pengawas-backend/internal/model"
	"github.com/stemsi/pengawas-backend/internal/service"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allow list permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler upgrades participant and monitor streams and feeds them into
// the channel hub.
type WSHandler struct {
	hub      *channel.Hub
	sessions *service.SessionService
	alerts   *service.AlertService
	limiter  *middleware.RateLimiter
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	hub *channel.Hub,
	sessions *service.SessionService,
	alerts *service.AlertService,
	limiter *middleware.RateLimiter,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		hub:      hub,
		sessions: sessions,
		alerts:   alerts,
		limiter:  limiter,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ParticipantStream godoc
// WS /ws/v1/participant/sessions/:session_id/stream
// One live connection per session; a newer connect supersedes this one.
func (h *WSHandler) ParticipantStream(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}

	// Ownership before upgrade; strangers never reach the hub.
	if _, err := h.sessions.GetOwned(c.Request.Context(), sessionID, claims.UserID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wsLog := h.log.With().
		Int("participant_id", claims.UserID).
		Str("session_id", sessionID.String()).
		Logger()

	conn := channel.NewConn(ws, wsLog)
	go conn.WritePump()
	h.hub.JoinParticipant(conn, sessionID.String())
	wsLog.Info().Msg("Participant connected")

	// Authoritative snapshot instead of event replay.
	if snapshot, serr := h.sessions.Resync(c.Request.Context(), sessionID, claims.UserID); serr == nil {
		conn.Enqueue(channel.Event{
			Type:      channel.EventSessionStatus,
			SessionID: sessionID.String(),
			State:     string(snapshot.State),
			Data:      snapshot,
		})
	}

	defer func() {
		h.hub.Detach(conn)
		conn.Close()
		wsLog.Info().Msg("Participant disconnected")
	}()

	for {
		var msg channel.RequestPayload
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		if conn.Closed() {
			return
		}

		switch msg.Action {
		case channel.ActionAutosave:
			h.handleAutosave(conn, wsLog, sessionID, claims.UserID, &msg)
		case channel.ActionFlag:
			h.handleFlag(conn, sessionID, claims.UserID, &msg)
		case channel.ActionSubmit:
			h.handleSubmit(conn, wsLog, sessionID, claims.UserID, &msg)
		case channel.ActionAlert:
			h.handleAlert(conn, wsLog, sessionID, claims.UserID, &msg)
		case channel.ActionPing:
			conn.Enqueue(channel.Event{Type: channel.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			conn.Enqueue(channel.Event{Type: channel.EventError, Error: "unknown action: " + string(msg.Action)})
		}
	}
}

func (h *WSHandler) handleAutosave(conn *channel.Conn, wsLog zerolog.Logger, sessionID uuid.UUID, participantID int, msg *channel.RequestPayload) {
	if msg.ItemID == "" {
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "item_id is required"})
		return
	}
	if _, err := uuid.Parse(msg.ItemID); err != nil {
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "invalid item_id format"})
		return
	}

	if err := h.sessions.SaveAnswer(context.Background(), sessionID, participantID, msg.ItemID, msg.Value); err != nil {
		wsLog.Debug().Err(err).Msg("Autosave rejected")
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "save failed", Data: errCodeFor(err)})
		return
	}
	conn.Enqueue(channel.Event{Type: channel.EventAutosaveAck, Data: map[string]string{"item_id": msg.ItemID}})
}

func (h *WSHandler) handleFlag(conn *channel.Conn, sessionID uuid.UUID, participantID int, msg *channel.RequestPayload) {
	if msg.ItemID == "" || msg.Flagged == nil {
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "item_id and flagged are required"})
		return
	}
	if err := h.sessions.FlagItem(context.Background(), sessionID, participantID, msg.ItemID, *msg.Flagged); err != nil {
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "flag failed", Data: errCodeFor(err)})
		return
	}
	conn.Enqueue(channel.Event{Type: channel.EventAutosaveAck, Data: map[string]string{"item_id": msg.ItemID}})
}

func (h *WSHandler) handleSubmit(conn *channel.Conn, wsLog zerolog.Logger, sessionID uuid.UUID, participantID int, msg *channel.RequestPayload) {
	if _, err := h.sessions.GetOwned(context.Background(), sessionID, participantID); err != nil {
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "session not found"})
		return
	}
	receipt, err := h.sessions.Submit(context.Background(), sessionID, model.SubmitCauseExplicit, msg.Answers)
	if err != nil {
		wsLog.Warn().Err(err).Msg("Stream submit rejected")
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "submit failed", Data: errCodeFor(err)})
		return
	}
	// The graded event is also published to the room; this reply covers the
	// submitting connection even if it raced its own eviction.
	conn.Enqueue(channel.Event{
		Type:      channel.EventGraded,
		SessionID: sessionID.String(),
		Cause:     string(receipt.Cause),
		Data:      receipt,
	})
}

func (h *WSHandler) handleAlert(conn *channel.Conn, wsLog zerolog.Logger, sessionID uuid.UUID, participantID int, msg *channel.RequestPayload) {
	if !h.limiter.Allow(sessionID.String()) {
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "alert rate limit exceeded"})
		return
	}
	if msg.Reason == "" {
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "reason is required"})
		return
	}

	req := model.ReportAlertRequest{Reason: msg.Reason, Severity: msg.Severity}
	if msg.EvidenceRef != "" {
		req.EvidenceRef = &msg.EvidenceRef
	}
	if _, err := h.alerts.Report(context.Background(), sessionID, participantID, req); err != nil {
		wsLog.Error().Err(err).Msg("Stream alert rejected")
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "alert failed", Data: errCodeFor(err)})
	}
}

// MonitorStream godoc
// WS /ws/v1/monitor/assessments/:assessment_id/stream
// Joins the assessment's monitor room; commands ride the same connection.
func (h *WSHandler) MonitorStream(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid assessment ID"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wsLog := h.log.With().
		Int("monitor_id", claims.UserID).
		Str("assessment_id", assessmentID.String()).
		Logger()

	conn := channel.NewConn(ws, wsLog)
	go conn.WritePump()
	room := channel.MonitorRoom(assessmentID.String())
	h.hub.Join(conn, room)
	wsLog.Info().Msg("Monitor connected")

	defer func() {
		h.hub.Detach(conn)
		conn.Close()
		wsLog.Info().Msg("Monitor disconnected")
	}()

	for {
		var msg channel.RequestPayload
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		switch msg.Action {
		case channel.ActionCommand:
			h.handleCommand(conn, wsLog, claims.UserID, &msg)
		case channel.ActionPing:
			conn.Enqueue(channel.Event{Type: channel.EventPong})
		default:
			conn.Enqueue(channel.Event{Type: channel.EventError, Error: "unknown action: " + string(msg.Action)})
		}
	}
}

func (h *WSHandler) handleCommand(conn *channel.Conn, wsLog zerolog.Logger, monitorID int, msg *channel.RequestPayload) {
	cmdType, ok := channel.ParseCommandType(msg.Type)
	if !ok || cmdType == channel.CommandBroadcast {
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "unknown command type: " + msg.Type})
		return
	}
	targetID, err := uuid.Parse(msg.TargetSessionID)
	if err != nil {
		conn.Enqueue(channel.Event{Type: channel.EventError, Error: "invalid target_session_id"})
		return
	}

	cmd := channel.ControlCommand{
		Type:            cmdType,
		TargetSessionID: msg.TargetSessionID,
		Payload:         msg.Payload,
		IssuedBy:        monitorID,
	}
	if err := h.sessions.ApplyControl(context.Background(), targetID, cmd); err != nil {
		wsLog.Warn().Err(err).Str("command", msg.Type).Msg("Command rejected")
		conn.Enqueue(channel.Event{
			Type:      channel.EventError,
			SessionID: msg.TargetSessionID,
			Error:     "command failed",
			Data:      errCodeFor(err),
		})
		return
	}
	conn.Enqueue(channel.Event{
		Type:      channel.EventControl,
		SessionID: msg.TargetSessionID,
		Message:   "command applied",
	})
}
