package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"family-assistant/internal/usecase"
)

type registerRequest struct {
	InviteCode  string `json:"invite_code"`
	DeviceName  string `json:"device_name"`
	Platform    string `json:"platform"`
	DisplayName string `json:"display_name"`
}

type registerResponse struct {
	UserID      string `json:"user_id"`
	DeviceToken string `json:"device_token"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type inviteCodeResponse struct {
	Code      string `json:"code"`
	ExpiresAt string `json:"expires_at"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, usecase.ErrorInvalidInput, "Request body required")
		return
	}
	out, err := h.devices.Register(c.Request.Context(), usecase.RegisterInput{
		InviteCode:  req.InviteCode,
		DeviceName:  req.DeviceName,
		Platform:    req.Platform,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, registerResponse{UserID: out.UserID, DeviceToken: out.DeviceToken})
}

func (h *Handler) Verify(c *gin.Context) {
	p, _ := principalFrom(c)
	c.JSON(http.StatusOK, verifyResponse{Valid: true, UserID: p.UserID, Name: p.Name, Role: p.Role})
}

func (h *Handler) CreateInviteCode(c *gin.Context) {
	p, _ := principalFrom(c)
	invite, err := h.devices.CreateInviteCode(c.Request.Context(), p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inviteCodeResponse{Code: invite.Code, ExpiresAt: invite.ExpiresAt})
}
