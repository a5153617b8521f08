package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/goliatone/go-chatflow/core"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	KindNoop      = core.GatewayKindNoop
	KindSimulated = core.GatewayKindSimulated
	KindREST      = core.GatewayKindREST
)

// NoopGateway accepts every send and delivers nothing.
type NoopGateway struct{}

func (NoopGateway) Send(_ context.Context, req core.SendRequest) (core.SendResult, error) {
	if err := validateSendRequest(KindNoop, req); err != nil {
		return core.SendResult{}, err
	}
	return core.SendResult{
		ProviderMessageID: "noop-" + uuid.NewString(),
		Metadata:          map[string]any{"kind": KindNoop},
	}, nil
}

// SimulatedGateway keeps every send in memory. Tests and local runs read
// them back with Sent.
type SimulatedGateway struct {
	mu   sync.Mutex
	sent []SentMessage
	fail error
}

type SentMessage struct {
	ID      string
	Request core.SendRequest
}

func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{}
}

// FailWith makes every following send return err. A nil err restores
// normal behavior.
func (g *SimulatedGateway) FailWith(err error) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

func (g *SimulatedGateway) Send(ctx context.Context, req core.SendRequest) (core.SendResult, error) {
	if g == nil {
		return core.SendResult{}, gatewayError(
			"gateway: simulated gateway is nil",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			map[string]any{"kind": KindSimulated},
		)
	}
	if err := validateSendRequest(KindSimulated, req); err != nil {
		return core.SendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.SendResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return core.SendResult{}, gatewayWrapError(
			g.fail,
			goerrors.CategoryExternal,
			"gateway: simulated send failed",
			http.StatusBadGateway,
			map[string]any{"kind": KindSimulated, "to": req.To},
		)
	}
	id := "sim-" + uuid.NewString()
	g.sent = append(g.sent, SentMessage{ID: id, Request: cloneSendRequest(req)})
	return core.SendResult{
		ProviderMessageID: id,
		Metadata:          map[string]any{"kind": KindSimulated, "sequence": len(g.sent)},
	}, nil
}

func (g *SimulatedGateway) Sent() []SentMessage {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SentMessage, len(g.sent))
	copy(out, g.sent)
	return out
}

func validateSendRequest(kind string, req core.SendRequest) error {
	if strings.TrimSpace(req.To) == "" {
		return gatewayError(
			"gateway: recipient is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"kind": kind, "field": "to"},
		)
	}
	if strings.TrimSpace(req.Body) == "" && len(req.Metadata) == 0 {
		return gatewayError(
			"gateway: body is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"kind": kind, "field": "body"},
		)
	}
	return nil
}

func cloneSendRequest(req core.SendRequest) core.SendRequest {
	if len(req.Metadata) > 0 {
		metadata := make(map[string]any, len(req.Metadata))
		for key, value := range req.Metadata {
			metadata[key] = value
		}
		req.Metadata = metadata
	}
	return req
}

var (
	_ core.OutboundGateway = NoopGateway{}
	_ core.OutboundGateway = (*SimulatedGateway)(nil)
)
