package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"family-assistant/internal/usecase"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var statusByCode = map[usecase.ErrorCode]int{
	usecase.ErrorInvalidInput: http.StatusBadRequest,
	usecase.ErrorUnauthorized: http.StatusUnauthorized,
	usecase.ErrorForbidden:    http.StatusForbidden,
	usecase.ErrorNotFound:     http.StatusNotFound,
	usecase.ErrorUpstream:     http.StatusBadGateway,
	usecase.ErrorInternal:     http.StatusInternalServerError,
}

var defaultMessages = map[usecase.ErrorCode]string{
	usecase.ErrorInvalidInput: "Invalid request",
	usecase.ErrorUnauthorized: "Unauthorized",
	usecase.ErrorForbidden:    "Forbidden",
	usecase.ErrorNotFound:     "Not found",
	usecase.ErrorUpstream:     "Upstream service error",
	usecase.ErrorInternal:     "Internal server error",
}

func statusFor(code usecase.ErrorCode) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// writeError maps a use case error to its JSON response. Internal details never
// reach the client; they are logged with the request's correlation id.
func (h *Handler) writeError(c *gin.Context, err error) {
	code := usecase.CodeOf(err)
	message := defaultMessages[code]
	reason := ""
	var ue *usecase.Error
	if errors.As(err, &ue) {
		reason = ue.Reason
		if ue.Message != "" {
			message = ue.Message
		}
	}
	if message == "" {
		message = defaultMessages[usecase.ErrorInternal]
	}

	fields := []zap.Field{
		zap.String("correlation_id", correlationIDFrom(c)),
		zap.String("code", string(code)),
		zap.String("reason", reason),
		zap.Error(err),
	}
	if statusFor(code) >= http.StatusInternalServerError {
		h.log.Error("request failed", fields...)
	} else {
		h.log.Debug("request rejected", fields...)
	}
	writeErrorCode(c, code, message)
}

func writeErrorCode(c *gin.Context, code usecase.ErrorCode, message string) {
	c.AbortWithStatusJSON(statusFor(code), errorResponse{Error: string(code), Message: message})
}
