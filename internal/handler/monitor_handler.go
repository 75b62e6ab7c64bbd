package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/channel"
	"github.com/stemsi/pengawas-backend/internal/middleware"
	"github.com/stemsi/pengawas-backend/internal/model"
	"github.com/stemsi/pengawas-backend/internal/response"
	"github.com/stemsi/pengawas-backend/internal/service"
	"github.com/stemsi/pengawas-backend/internal/validator"
)

// MonitorHandler serves the monitor's REST surface.
type MonitorHandler struct {
	monitors *service.MonitorService
	sessions *service.SessionService
	alerts   *service.AlertService
	log      zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(
	monitors *service.MonitorService,
	sessions *service.SessionService,
	alerts *service.AlertService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		monitors: monitors,
		sessions: sessions,
		alerts:   alerts,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

// Sessions handles GET /api/v1/monitor/assessments/:assessment_id/sessions
func (h *MonitorHandler) Sessions(c *gin.Context) {
	assessmentID, ok := parseIDParam(c, "assessment_id")
	if !ok {
		return
	}

	roster, err := h.monitors.Roster(c.Request.Context(), assessmentID)
	if err != nil {
		h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Failed to build roster")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, roster)
}

// Alerts handles GET /api/v1/monitor/assessments/:assessment_id/alerts
func (h *MonitorHandler) Alerts(c *gin.Context) {
	assessmentID, ok := parseIDParam(c, "assessment_id")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))

	alerts, total, err := h.alerts.List(c.Request.Context(), assessmentID, perPage, (page-1)*perPage)
	if err != nil {
		h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Failed to list alerts")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if perPage < 1 {
		perPage = 50
	}
	totalPages := (total + perPage - 1) / perPage
	response.SuccessWithPagination(c, http.StatusOK, alerts, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: totalPages,
	})
}

// Command handles POST /api/v1/monitor/sessions/:session_id/command
func (h *MonitorHandler) Command(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseIDParam(c, "session_id")
	if !ok {
		return
	}

	var req model.CommandRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrValidation, fields)
		return
	}
	cmdType, valid := channel.ParseCommandType(req.Type)
	if !valid || cmdType == channel.CommandBroadcast {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	}

	cmd := channel.ControlCommand{
		Type:            cmdType,
		TargetSessionID: sessionID.String(),
		Payload:         req.Payload,
		IssuedBy:        claims.UserID,
	}
	if err := h.sessions.ApplyControl(c.Request.Context(), sessionID, cmd); err != nil {
		failFromService(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"applied": req.Type})
}

// Broadcast handles POST /api/v1/monitor/assessments/:assessment_id/broadcast
func (h *MonitorHandler) Broadcast(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	assessmentID, ok := parseIDParam(c, "assessment_id")
	if !ok {
		return
	}

	var req model.BroadcastRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrValidation, fields)
		return
	}

	reached, err := h.monitors.Broadcast(c.Request.Context(), assessmentID, claims.UserID, req.Message)
	if err != nil {
		h.log.Error().Err(err).Str("assessment_id", assessmentID.String()).Msg("Broadcast failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"reached": reached})
}
