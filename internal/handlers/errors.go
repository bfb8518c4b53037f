package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/middleware"
	"github.com/trailmarket/tour-engine/internal/models"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// statusForKind maps engine error kinds to HTTP status codes
func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindCapacityExceeded, models.KindStateConflict:
		return http.StatusConflict
	case models.KindExternalService:
		return http.StatusBadGateway
	case models.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// respondError writes err as JSON. Engine errors keep their kind and code;
// anything else is logged and hidden behind a 500.
func respondError(c *gin.Context, logger *logrus.Logger, err error, fallback string) {
	var ee *models.EngineError
	if errors.As(err, &ee) {
		if ee.Kind == models.KindExternalService {
			logger.WithError(err).WithField("path", c.Request.URL.Path).Warn("Upstream service failed")
		}
		c.JSON(statusForKind(ee.Kind), ErrorResponse{
			Error:   string(ee.Kind),
			Message: ee.Message,
			Code:    ee.Code,
		})
		return
	}

	logger.WithError(err).WithField("path", c.Request.URL.Path).Error(fallback)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: fallback,
	})
}

func badRequest(c *gin.Context, errCode, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

// uuidParam parses a path parameter, writing a 400 when it is malformed
func uuidParam(c *gin.Context, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid_id", "Invalid "+label+" ID format")
		return uuid.Nil, false
	}
	return id, true
}

// requireUser returns the authenticated guide or admin
func requireUser(c *gin.Context) (middleware.UserContext, bool) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "User context not found",
		})
		return middleware.UserContext{}, false
	}
	return userCtx, true
}
