package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-chatflow/core"
	"github.com/goliatone/go-chatflow/inbound"
)

const (
	ProviderQueryParam = "provider"
	ProviderHeader     = "X-Chatflow-Provider"
)

// ConversationAPI is the operator surface, satisfied by chatflow.Facade.
type ConversationAPI interface {
	GetConversation(ctx context.Context, conversationID string) (core.ConversationView, error)
	Handoff(ctx context.Context, req core.HandoffRequest) (core.Conversation, error)
	Release(ctx context.Context, req core.ReleaseRequest) (core.Conversation, error)
	CloseConversation(ctx context.Context, req core.CloseRequest) (core.Conversation, error)
}

type RouterConfig struct {
	Dispatcher    *inbound.Dispatcher
	Conversations ConversationAPI
	Metrics       http.Handler
	Logger        core.Logger
	// VerifyToken enables the GET handshake on /inbound used by Meta when
	// a webhook subscription is registered.
	VerifyToken string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(cfg.Logger))

	r.GET("/health", Health)
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	if cfg.Dispatcher != nil {
		webhooks := NewWebhookHandler(cfg.Dispatcher)
		r.POST("/inbound", webhooks.Surface(inbound.SurfaceMessage))
		r.POST("/status", webhooks.Surface(inbound.SurfaceStatus))
		if cfg.VerifyToken != "" {
			r.GET("/inbound", webhooks.Subscribe(cfg.VerifyToken))
		}
	}

	if cfg.Conversations != nil {
		conversations := NewConversationHandler(cfg.Conversations)
		group := r.Group("/conversations")
		{
			group.GET("/:id", conversations.Get)
			group.POST("/:id/handoff", conversations.Handoff)
			group.POST("/:id/release", conversations.Release)
			group.POST("/:id/close", conversations.Close)
		}
	}
	return r
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
