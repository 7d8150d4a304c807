package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"family-assistant/internal/usecase"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
}

// Chat validates the request and stores the user turn before any byte of the
// stream is written, so those failures are plain JSON errors. Everything after
// that is reported in-band.
func (h *Handler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, usecase.ErrorInvalidInput, "message is required")
		return
	}
	p, _ := principalFrom(c)

	turn, err := h.chat.Begin(c.Request.Context(), p, usecase.ChatInput{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Model:          req.Model,
		CorrelationID:  correlationIDFrom(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	stream := newSSEWriter(c)
	stop := stream.keepAlive(h.heartbeat)
	state := turn.Stream(c.Request.Context(), stream)
	stop()

	h.log.Debug("chat stream finished",
		zap.String("correlation_id", correlationIDFrom(c)),
		zap.String("conversation_id", turn.Conversation.ID),
		zap.Stringer("state", state),
	)
}
