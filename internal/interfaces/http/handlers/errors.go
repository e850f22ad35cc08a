package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/convogate/gateway/internal/domain/service"
	apperrors "github.com/convogate/gateway/pkg/errors"
)

// ContextUserID is the gin context key holding the authenticated user id.
const ContextUserID = "user_id"

// CurrentUser returns the authenticated user id set by the auth middleware.
func CurrentUser(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// StatusOf maps an error chain to an HTTP status.
func StatusOf(err error) int {
	if service.IsIdentityError(err) {
		return http.StatusUnauthorized
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeServiceUnavail:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Internal details are not exposed for 5xx.
func writeError(c *gin.Context, err error) {
	status := StatusOf(err)
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	c.JSON(status, gin.H{"error": msg})
}
