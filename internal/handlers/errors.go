package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/ledger"
	"adreel-backend/internal/middleware"
	"adreel-backend/internal/models"
	"adreel-backend/internal/scenes"
	"adreel-backend/internal/services"
)

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var validation *services.ValidationError
	var invocation *services.EngineInvocationError
	switch {
	case errors.As(err, &validation), errors.Is(err, scenes.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, services.ErrForbidden):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, services.ErrRetryNotAllowed),
		errors.Is(err, services.ErrCancelNotAllowed),
		errors.Is(err, gateway.ErrConflict),
		errors.Is(err, scenes.ErrBoundary),
		errors.Is(err, scenes.ErrImageRequired):
		return http.StatusConflict
	case errors.As(err, &invocation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, action string, err error) {
	status := statusFor(err)
	resp := models.ErrorResponse{Error: action, Message: err.Error()}
	switch status {
	case http.StatusNotFound:
		// foreign jobs look exactly like missing ones
		resp = models.ErrorResponse{Error: "not found"}
	case http.StatusInternalServerError:
		c.Error(err)
	}
	c.JSON(status, resp)
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return uuid.Nil, false
	}
	return userID, true
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid " + name, Message: err.Error()})
		return uuid.Nil, false
	}
	return id, true
}
