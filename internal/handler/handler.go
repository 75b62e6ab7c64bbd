package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/pengawas-backend/internal/channel"
	"github.com/stemsi/pengawas-backend/internal/response"
	"github.com/stemsi/pengawas-backend/internal/service"
)

// parseIDParam reads a UUID path parameter or writes the error response.
func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// errCodeFor maps a service error to its wire code for stream payloads.
func errCodeFor(err error) response.ErrCode {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return response.ErrNotFound
	case errors.Is(err, service.ErrNotEligible):
		return response.ErrNotEligible
	case errors.Is(err, service.ErrAlreadyCompleted):
		return response.ErrAlreadyCompleted
	case errors.Is(err, service.ErrSessionNotActive):
		return response.ErrSessionNotActive
	case errors.Is(err, service.ErrInvalidTransition):
		return response.ErrInvalidTransition
	case errors.Is(err, channel.ErrTargetOffline):
		return response.ErrTargetOffline
	case errors.Is(err, service.ErrPersistenceFailure):
		return response.ErrPersistenceFailure
	default:
		return response.ErrInternal
	}
}

// failFromService translates service-layer sentinels onto the response
// error taxonomy.
func failFromService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrAssessmentNotOpen):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrNotEligible):
		response.Fail(c, http.StatusForbidden, response.ErrNotEligible)
	case errors.Is(err, service.ErrAlreadyCompleted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadyCompleted)
	case errors.Is(err, service.ErrSessionNotActive):
		response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
	case errors.Is(err, service.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
	case errors.Is(err, channel.ErrTargetOffline):
		response.Fail(c, http.StatusConflict, response.ErrTargetOffline)
	case errors.Is(err, service.ErrPersistenceFailure):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrPersistenceFailure)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
