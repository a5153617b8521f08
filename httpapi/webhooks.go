package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-chatflow/core"
	"github.com/goliatone/go-chatflow/inbound"
	"github.com/goliatone/go-chatflow/webhooks"
)

type WebhookHandler struct {
	dispatcher *inbound.Dispatcher
}

func NewWebhookHandler(dispatcher *inbound.Dispatcher) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher}
}

// Surface answers provider deliveries for one surface. The body is read
// one byte past the dispatcher limit so oversize payloads are rejected
// there instead of being truncated here.
func (h *WebhookHandler) Surface(surface string) gin.HandlerFunc {
	return func(c *gin.Context) {
		reader := io.Reader(c.Request.Body)
		if limit := h.dispatcher.MaxBodyBytes; limit > 0 {
			reader = io.LimitReader(reader, limit+1)
		}
		body, readErr := io.ReadAll(reader)
		req := core.InboundRequest{
			ProviderID: providerHint(c),
			Surface:    surface,
			Headers:    flattenHeaders(c.Request.Header),
			Body:       body,
			Metadata: map[string]any{
				"remote_addr": c.ClientIP(),
			},
		}
		var result core.InboundResult
		if readErr != nil {
			result, _ = h.dispatcher.DispatchUnreadable(c.Request.Context(), req, readErr)
		} else {
			result, _ = h.dispatcher.Dispatch(c.Request.Context(), req)
		}
		c.JSON(result.StatusCode, inbound.ResponseBody(result))
	}
}

// Subscribe echoes hub.challenge when hub.verify_token matches.
func (h *WebhookHandler) Subscribe(verifyToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		challenge, err := webhooks.VerifySubscription(c.Request.URL.Query(), verifyToken)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "subscription_rejected"})
			return
		}
		c.String(http.StatusOK, challenge)
	}
}

func providerHint(c *gin.Context) string {
	if provider := strings.TrimSpace(c.Query(ProviderQueryParam)); provider != "" {
		return strings.ToLower(provider)
	}
	return strings.ToLower(strings.TrimSpace(c.GetHeader(ProviderHeader)))
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) == 0 {
			continue
		}
		out[key] = values[0]
	}
	return out
}
