package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"registrar/internal/attendance"
)

// statusOf maps error kinds to HTTP status codes.
func statusOf(err error) int {
	switch {
	case attendance.IsValidation(err):
		return http.StatusBadRequest
	case attendance.IsPermission(err), errors.Is(err, attendance.ErrSecurity):
		return http.StatusForbidden
	case errors.Is(err, attendance.ErrNotFound):
		return http.StatusNotFound
	case attendance.IsPersistence(err):
		return http.StatusInternalServerError
	case errors.Is(err, attendance.ErrExternal), errors.Is(err, attendance.ErrForbidden):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Str("request_id", c.GetString("request_id")).Msg("request failed")
		switch {
		case attendance.IsPersistence(err):
			msg = "storage unavailable, try again"
		case code == http.StatusInternalServerError:
			msg = "internal error"
		}
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
