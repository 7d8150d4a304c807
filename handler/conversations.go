package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"family-assistant/internal/domain"
)

type conversationList struct {
	Items      []domain.Conversation `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type messageList struct {
	Items      []domain.Message `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// queryLimit returns 0 for a missing or unparsable limit; the use case maps it
// to the endpoint default.
func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return n
}

func (h *Handler) ListConversations(c *gin.Context) {
	p, _ := principalFrom(c)
	out, err := h.convs.List(c.Request.Context(), p, queryLimit(c), c.Query("cursor"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := out.Items
	if items == nil {
		items = []domain.Conversation{}
	}
	c.JSON(http.StatusOK, conversationList{Items: items, NextCursor: out.NextCursor})
}

func (h *Handler) GetConversation(c *gin.Context) {
	p, _ := principalFrom(c)
	conv, err := h.convs.Get(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) ListMessages(c *gin.Context) {
	p, _ := principalFrom(c)
	out, err := h.convs.ListMessages(c.Request.Context(), p, c.Param("id"), queryLimit(c), c.Query("cursor"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := out.Items
	if items == nil {
		items = []domain.Message{}
	}
	c.JSON(http.StatusOK, messageList{Items: items, NextCursor: out.NextCursor})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	p, _ := principalFrom(c)
	if err := h.convs.Delete(c.Request.Context(), p, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
