package inbound

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-chatflow/core"
	goerrors "github.com/goliatone/go-errors"
)

const (
	SurfaceMessage = core.SurfaceMessage
	SurfaceStatus  = core.SurfaceStatus
)

// Ingester is the pipeline entry point a dispatcher feeds.
type Ingester interface {
	Ingest(ctx context.Context, req core.InboundRequest) (core.IngestResult, error)
}

// RejectionRecorder audits deliveries refused before ingest. Ingesters
// that implement it get an audit row for oversize and unreadable bodies.
type RejectionRecorder interface {
	RejectDelivery(ctx context.Context, req core.InboundRequest, cause error, riskFlags ...string) error
}

type Dispatcher struct {
	Ingester        Ingester
	DefaultProvider string
	MaxBodyBytes    int64
}

type Option func(*Dispatcher)

func WithDefaultProvider(provider string) Option {
	return func(d *Dispatcher) {
		d.DefaultProvider = strings.TrimSpace(provider)
	}
}

func WithMaxBodyBytes(limit int64) Option {
	return func(d *Dispatcher) {
		d.MaxBodyBytes = limit
	}
}

func NewDispatcher(ingester Ingester, opts ...Option) *Dispatcher {
	d := &Dispatcher{Ingester: ingester}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch runs one delivery for the message or status surface. The
// returned result always carries the status code to answer with; err is
// set whenever the delivery was not acknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	if d == nil || d.Ingester == nil {
		err := inboundInternal("inbound: dispatcher has no ingester", nil)
		return failureResult(err), err
	}
	req.Surface = normalizeSurface(req.Surface)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.ProviderID == "" {
		req.ProviderID = d.DefaultProvider
	}
	if !isSupportedSurface(req.Surface) {
		err := inboundBadInput(
			fmt.Sprintf("inbound: unsupported surface %q", req.Surface),
			map[string]any{"provider_id": req.ProviderID, "surface": req.Surface},
		)
		return failureResult(err), err
	}
	if d.MaxBodyBytes > 0 && int64(len(req.Body)) > d.MaxBodyBytes {
		err := inboundError(
			fmt.Sprintf("inbound: body exceeds %d bytes", d.MaxBodyBytes),
			goerrors.CategoryBadInput,
			http.StatusRequestEntityTooLarge,
			core.ServiceErrorMalformedPayload,
			map[string]any{"provider_id": req.ProviderID, "surface": req.Surface},
		)
		return d.refuse(ctx, req, err, core.RiskFlagBodyTooLarge)
	}

	ingested, err := d.Ingester.Ingest(ctx, req)
	if err != nil {
		mapped := core.MapServiceError(err)
		result := failureResult(mapped)
		result.Metadata["provider_id"] = req.ProviderID
		result.Metadata["surface"] = req.Surface
		return result, mapped
	}

	metadata := map[string]any{
		"provider_id":     req.ProviderID,
		"surface":         req.Surface,
		"accepted":        ingested.Accepted,
		"duplicate":       ingested.Duplicate,
		"conversation_id": ingested.ConversationID,
		"event_id":        ingested.EventID,
	}
	if len(ingested.Items) > 1 {
		metadata["items"] = len(ingested.Items)
	}
	return core.InboundResult{
		Accepted:   ingested.Accepted,
		StatusCode: http.StatusOK,
		Metadata:   metadata,
	}, nil
}

// DispatchUnreadable answers a delivery whose body could not be read in
// full. Whatever was read is audited with the body_unreadable flag.
func (d *Dispatcher) DispatchUnreadable(ctx context.Context, req core.InboundRequest, cause error) (core.InboundResult, error) {
	req.Surface = normalizeSurface(req.Surface)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if d != nil && req.ProviderID == "" {
		req.ProviderID = d.DefaultProvider
	}
	err := inboundError(
		fmt.Sprintf("inbound: read body: %v", cause),
		goerrors.CategoryBadInput,
		http.StatusBadRequest,
		core.ServiceErrorMalformedPayload,
		map[string]any{"provider_id": req.ProviderID, "surface": req.Surface},
	)
	if d == nil {
		return failureResult(err), err
	}
	return d.refuse(ctx, req, err, core.RiskFlagBodyUnreadable)
}

// refuse records the audit row before answering. A failed audit write is
// answered like any store outage so the provider redelivers.
func (d *Dispatcher) refuse(ctx context.Context, req core.InboundRequest, cause error, riskFlag string) (core.InboundResult, error) {
	if recorder, ok := d.Ingester.(RejectionRecorder); ok {
		if auditErr := recorder.RejectDelivery(ctx, req, cause, riskFlag); auditErr != nil {
			mapped := core.MapServiceError(auditErr)
			return failureResult(mapped), mapped
		}
	}
	return failureResult(cause), cause
}

// ResponseBody renders the acknowledgment for a dispatched delivery.
// Success carries accepted, duplicate and conversation_id; failures carry
// a lowercase error code such as "malformed_payload".
func ResponseBody(result core.InboundResult) map[string]any {
	if result.StatusCode >= http.StatusBadRequest {
		body := map[string]any{"error": result.Metadata["error"]}
		if message, ok := result.Metadata["message"]; ok {
			body["message"] = message
		}
		return body
	}
	conversationID := result.Metadata["conversation_id"]
	if conversationID == "" {
		conversationID = nil
	}
	return map[string]any{
		"accepted":        result.Accepted,
		"duplicate":       result.Metadata["duplicate"] == true,
		"conversation_id": conversationID,
	}
}

func failureResult(err error) core.InboundResult {
	mapped := core.MapServiceError(err)
	status := http.StatusInternalServerError
	code := strings.ToLower(core.ServiceErrorInternal)
	message := ""
	if mapped != nil {
		if mapped.Code > 0 {
			status = mapped.Code
		}
		if mapped.TextCode != "" {
			code = strings.ToLower(mapped.TextCode)
		}
		message = mapped.Message
	}
	metadata := map[string]any{"error": code}
	if message != "" && status < http.StatusInternalServerError {
		metadata["message"] = message
	}
	return core.InboundResult{
		Accepted:   false,
		StatusCode: status,
		Metadata:   metadata,
	}
}

func normalizeSurface(surface string) string {
	surface = strings.TrimSpace(strings.ToLower(surface))
	if surface == "" {
		return SurfaceMessage
	}
	return surface
}

func isSupportedSurface(surface string) bool {
	switch surface {
	case SurfaceMessage, SurfaceStatus:
		return true
	default:
		return false
	}
}
