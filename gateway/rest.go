package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-chatflow/core"
	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/time/rate"
)

const defaultRESTResponseBodyLimit int64 = 1 << 20

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTGateway posts sends as JSON to a provider HTTP endpoint. Sends are
// paced by a token bucket shared by every caller of the gateway.
type RESTGateway struct {
	Client               HTTPDoer
	Endpoint             string
	Token                string
	Timeout              time.Duration
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
	limiter              *rate.Limiter
	throttle             *throttle
}

type RESTOption func(*RESTGateway)

func WithHTTPClient(client HTTPDoer) RESTOption {
	return func(g *RESTGateway) {
		if client != nil {
			g.Client = client
		}
	}
}

func WithHeader(key, value string) RESTOption {
	return func(g *RESTGateway) {
		if key = strings.TrimSpace(key); key != "" {
			g.DefaultHeaders[key] = strings.TrimSpace(value)
		}
	}
}

// WithRateLimit sets sends per second and burst. A non-positive rate
// disables pacing.
func WithRateLimit(perSecond float64, burst int) RESTOption {
	return func(g *RESTGateway) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewRESTGateway(cfg core.GatewayConfig, opts ...RESTOption) (*RESTGateway, error) {
	endpoint, err := joinEndpoint(cfg.BaseURL, cfg.SendPath)
	if err != nil {
		return nil, err
	}
	g := &RESTGateway{
		Client:               &http.Client{Timeout: cfg.TimeoutDuration()},
		Endpoint:             endpoint,
		Token:                strings.TrimSpace(cfg.Token),
		Timeout:              cfg.TimeoutDuration(),
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
		throttle:             newThrottle(),
	}
	WithRateLimit(cfg.RatePerSecond, cfg.Burst)(g)
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

type restSendPayload struct {
	To       string         `json:"to"`
	Type     string         `json:"type"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (g *RESTGateway) Send(ctx context.Context, req core.SendRequest) (core.SendResult, error) {
	if g == nil || g.Client == nil {
		return core.SendResult{}, gatewayError(
			"gateway: rest gateway requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			map[string]any{"kind": KindREST},
		)
	}
	if err := validateSendRequest(KindREST, req); err != nil {
		return core.SendResult{}, err
	}
	if wait := g.throttle.remaining(); wait > 0 {
		return core.SendResult{}, gatewayError(
			"gateway: provider asked to back off",
			goerrors.CategoryRateLimit,
			http.StatusTooManyRequests,
			map[string]any{"kind": KindREST, "retry_after_ms": wait.Milliseconds()},
		)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return core.SendResult{}, gatewayWrapError(
				err,
				goerrors.CategoryRateLimit,
				"gateway: send rate limit wait aborted",
				http.StatusTooManyRequests,
				map[string]any{"kind": KindREST},
			)
		}
	}

	messageType := strings.TrimSpace(req.MessageType)
	if messageType == "" {
		messageType = "text"
	}
	body, err := json.Marshal(restSendPayload{
		To:       strings.TrimSpace(req.To),
		Type:     messageType,
		Body:     req.Body,
		Metadata: req.Metadata,
	})
	if err != nil {
		return core.SendResult{}, gatewayWrapError(
			err,
			goerrors.CategoryBadInput,
			"gateway: encode send payload",
			http.StatusBadRequest,
			map[string]any{"kind": KindREST},
		)
	}

	requestCtx := ctx
	cancel := func() {}
	if g.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, g.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, g.Endpoint, bytes.NewReader(body))
	if err != nil {
		return core.SendResult{}, gatewayWrapError(
			err,
			goerrors.CategoryBadInput,
			"gateway: create http request",
			http.StatusBadRequest,
			map[string]any{"kind": KindREST, "url": g.Endpoint},
		)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range g.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}
	if g.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.Token)
	}

	startedAt := time.Now().UTC()
	httpRes, err := g.Client.Do(httpReq)
	if err != nil {
		return core.SendResult{}, gatewayWrapError(
			err,
			goerrors.CategoryExternal,
			"gateway: execute http request",
			http.StatusBadGateway,
			map[string]any{"kind": KindREST, "url": g.Endpoint},
		)
	}
	defer httpRes.Body.Close()

	limit := g.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultRESTResponseBodyLimit
	}
	raw, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return core.SendResult{}, gatewayWrapError(
			err,
			goerrors.CategoryExternal,
			"gateway: read response body",
			http.StatusBadGateway,
			map[string]any{"kind": KindREST, "status_code": httpRes.StatusCode},
		)
	}
	if int64(len(raw)) > limit {
		return core.SendResult{}, gatewayError(
			fmt.Sprintf("gateway: response body exceeds limit of %d bytes", limit),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{"kind": KindREST, "status_code": httpRes.StatusCode},
		)
	}

	if httpRes.StatusCode == http.StatusTooManyRequests {
		delay := g.throttle.observe(httpRes)
		return core.SendResult{}, gatewayError(
			"gateway: provider rate limited the send",
			goerrors.CategoryRateLimit,
			http.StatusTooManyRequests,
			map[string]any{
				"kind":           KindREST,
				"status_code":    httpRes.StatusCode,
				"retry_after_ms": delay.Milliseconds(),
			},
		)
	}
	if httpRes.StatusCode < 200 || httpRes.StatusCode > 299 {
		return core.SendResult{}, gatewayError(
			fmt.Sprintf("gateway: provider rejected the send with status %d", httpRes.StatusCode),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{
				"kind":        KindREST,
				"status_code": httpRes.StatusCode,
				"response":    truncate(string(raw), 256),
			},
		)
	}

	messageID := extractMessageID(raw)
	if messageID == "" {
		return core.SendResult{}, gatewayError(
			"gateway: provider response carries no message id",
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{"kind": KindREST, "status_code": httpRes.StatusCode},
		)
	}
	return core.SendResult{
		ProviderMessageID: messageID,
		Metadata: map[string]any{
			"kind":        KindREST,
			"status_code": httpRes.StatusCode,
			"duration_ms": time.Since(startedAt).Milliseconds(),
		},
	}, nil
}

// extractMessageID understands the generic shape and the WhatsApp Cloud
// and Green-API send responses.
func extractMessageID(raw []byte) string {
	var decoded struct {
		ProviderMessageID string `json:"provider_message_id"`
		ID                string `json:"id"`
		IDMessage         string `json:"idMessage"`
		Messages          []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}
	for _, candidate := range []string{decoded.ProviderMessageID, decoded.IDMessage, decoded.ID} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate
		}
	}
	for _, message := range decoded.Messages {
		if id := strings.TrimSpace(message.ID); id != "" {
			return id
		}
	}
	return ""
}

func joinEndpoint(baseURL, sendPath string) (string, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return "", gatewayError(
			"gateway: base url is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"kind": KindREST, "field": "base_url"},
		)
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", gatewayWrapError(
			err,
			goerrors.CategoryBadInput,
			"gateway: invalid base url",
			http.StatusBadRequest,
			map[string]any{"kind": KindREST, "base_url": baseURL},
		)
	}
	sendPath = strings.TrimSpace(sendPath)
	if sendPath == "" {
		return parsed.String(), nil
	}
	return parsed.JoinPath(sendPath).String(), nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

var _ core.OutboundGateway = (*RESTGateway)(nil)
