package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/middleware"
	"github.com/stemsi/pengawas-backend/internal/model"
	"github.com/stemsi/pengawas-backend/internal/response"
	"github.com/stemsi/pengawas-backend/internal/service"
	"github.com/stemsi/pengawas-backend/internal/validator"
)

// SessionHandler serves the participant-facing session lifecycle.
type SessionHandler struct {
	sessions    *service.SessionService
	assessments *service.AssessmentService
	alerts      *service.AlertService
	log         zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(
	sessions *service.SessionService,
	assessments *service.AssessmentService,
	alerts *service.AlertService,
	log zerolog.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessions:    sessions,
		assessments: assessments,
		alerts:      alerts,
		log:         log.With().Str("component", "session_handler").Logger(),
	}
}

// Open handles POST /api/v1/participant/assessments/:assessment_id/open
func (h *SessionHandler) Open(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	assessmentID, ok := parseIDParam(c, "assessment_id")
	if !ok {
		return
	}

	session, err := h.sessions.Open(c.Request.Context(), assessmentID, claims.UserID)
	if err != nil {
		failFromService(c, err)
		return
	}
	response.Success(c, http.StatusCreated, session)
}

// Begin handles POST /api/v1/participant/sessions/:session_id/begin
func (h *SessionHandler) Begin(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseIDParam(c, "session_id")
	if !ok {
		return
	}

	session, err := h.sessions.Begin(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		failFromService(c, err)
		return
	}
	response.Success(c, http.StatusOK, session)
}

// State handles GET /api/v1/participant/sessions/:session_id/state
// Returns the authoritative snapshot clients rebuild from after reconnect.
func (h *SessionHandler) State(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseIDParam(c, "session_id")
	if !ok {
		return
	}

	snapshot, err := h.sessions.Resync(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		failFromService(c, err)
		return
	}
	response.Success(c, http.StatusOK, snapshot)
}

// Paper handles GET /api/v1/participant/sessions/:session_id/paper
// The paper is only served once the clock runs; the answer key never ships.
func (h *SessionHandler) Paper(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseIDParam(c, "session_id")
	if !ok {
		return
	}

	session, err := h.sessions.GetOwned(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		failFromService(c, err)
		return
	}
	if session.StartedAt == nil {
		response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
		return
	}

	payload, err := h.assessments.PayloadForSession(c.Request.Context(), session.AssessmentID, session.ID)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to build paper")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, payload)
}

// Submit handles POST /api/v1/participant/sessions/:session_id/submit
func (h *SessionHandler) Submit(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseIDParam(c, "session_id")
	if !ok {
		return
	}

	// Ownership first; the submit path itself is keyed by session only.
	if _, err := h.sessions.GetOwned(c.Request.Context(), sessionID, claims.UserID); err != nil {
		failFromService(c, err)
		return
	}

	// The body is optional; a bare submit finalizes with the autosaved set.
	var req model.SubmitRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrValidation, fields)
			return
		}
	}

	receipt, err := h.sessions.Submit(c.Request.Context(), sessionID, model.SubmitCauseExplicit, req.Answers)
	if err != nil {
		failFromService(c, err)
		return
	}
	response.Success(c, http.StatusOK, receipt)
}

// ReportAlert handles POST /api/v1/participant/sessions/:session_id/alerts
func (h *SessionHandler) ReportAlert(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseIDParam(c, "session_id")
	if !ok {
		return
	}

	var req model.ReportAlertRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrValidation, fields)
		return
	}

	alert, err := h.alerts.Report(c.Request.Context(), sessionID, claims.UserID, req)
	if err != nil {
		failFromService(c, err)
		return
	}
	response.Success(c, http.StatusCreated, alert)
}
