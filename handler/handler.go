package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"family-assistant/internal/domain"
	"family-assistant/internal/usecase"
)

// ChatUseCase starts chat turns. *usecase.ChatService satisfies it.
type ChatUseCase interface {
	Begin(ctx context.Context, p domain.Principal, in usecase.ChatInput) (*usecase.Turn, error)
}

type ConversationUseCase interface {
	List(ctx context.Context, p domain.Principal, limit int, cursor string) (usecase.ConversationListing, error)
	Get(ctx context.Context, p domain.Principal, conversationID string) (domain.Conversation, error)
	ListMessages(ctx context.Context, p domain.Principal, conversationID string, limit int, cursor string) (usecase.MessageListing, error)
	Delete(ctx context.Context, p domain.Principal, conversationID string) error
}

type DeviceUseCase interface {
	Register(ctx context.Context, in usecase.RegisterInput) (usecase.RegisterOutput, error)
	Authenticate(ctx context.Context, token string) (domain.Principal, error)
	CreateInviteCode(ctx context.Context, p domain.Principal) (domain.InviteCode, error)
}

type Options struct {
	// HeartbeatInterval is the SSE keep-alive comment period; zero disables it.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

type Handler struct {
	chat      ChatUseCase
	convs     ConversationUseCase
	devices   DeviceUseCase
	log       *zap.Logger
	heartbeat time.Duration
}

func NewHandler(chat ChatUseCase, convs ConversationUseCase, devices DeviceUseCase, opts Options) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if convs == nil {
		return nil, errors.New("handler: conversation use case must not be nil")
	}
	if devices == nil {
		return nil, errors.New("handler: device use case must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		chat:      chat,
		convs:     convs,
		devices:   devices,
		log:       log,
		heartbeat: opts.HeartbeatInterval,
	}, nil
}

// Router builds the gin engine with every route of the service.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(correlationID())
	r.Use(recovery(h.log))
	r.Use(requestLogger(h.log))

	r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, usecase.ErrorNotFound, "Route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED", Message: "Method not allowed"})
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/auth/register", h.Register)

	authed := api.Group("/")
	authed.Use(h.requireAuth())
	authed.POST("/auth/verify", h.Verify)
	authed.POST("/admin/invite-codes", requireAdmin(), h.CreateInviteCode)
	authed.POST("/chat", h.Chat)
	authed.GET("/conversations", h.ListConversations)
	authed.GET("/conversations/:id", h.GetConversation)
	authed.GET("/conversations/:id/messages", h.ListMessages)
	authed.DELETE("/conversations/:id", h.DeleteConversation)
	return r
}
