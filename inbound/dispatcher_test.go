package inbound

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/goliatone/go-chatflow/core"
	goerrors "github.com/goliatone/go-errors"
)

func TestDispatcher_AcknowledgesAdmissionAndDuplicate(t *testing.T) {
	ingester := &stubIngester{results: []core.IngestResult{
		{Accepted: true, EventID: "evt_1", ConversationID: "conv_1"},
		{Accepted: true, Duplicate: true, EventID: "evt_1", ConversationID: "conv_1"},
	}}
	dispatcher := NewDispatcher(ingester, WithDefaultProvider("whatsapp_cloud"))

	req := core.InboundRequest{Body: []byte(`{}`)}
	first, err := dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch first: %v", err)
	}
	if first.StatusCode != http.StatusOK || !first.Accepted {
		t.Fatalf("unexpected first result %+v", first)
	}
	body := ResponseBody(first)
	if body["accepted"] != true || body["duplicate"] != false || body["conversation_id"] != "conv_1" {
		t.Fatalf("unexpected first body %#v", body)
	}

	second, err := dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch second: %v", err)
	}
	if body := ResponseBody(second); body["duplicate"] != true {
		t.Fatalf("expected duplicate acknowledgment, got %#v", body)
	}

	if len(ingester.requests) != 2 {
		t.Fatalf("expected two ingest calls, got %d", len(ingester.requests))
	}
	if ingester.requests[0].ProviderID != "whatsapp_cloud" || ingester.requests[0].Surface != SurfaceMessage {
		t.Fatalf("expected default provider and message surface, got %+v", ingester.requests[0])
	}
}

func TestDispatcher_MapsPipelineErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "malformed",
			err:    core.NewMalformedPayload("occurred_at", "timestamp is required"),
			status: http.StatusBadRequest,
			code:   "malformed_payload",
		},
		{
			name: "invalid signature",
			err: goerrors.New("signature verification failed", goerrors.CategoryAuth).
				WithCode(http.StatusUnauthorized).
				WithTextCode(core.ServiceErrorInvalidSignature),
			status: http.StatusUnauthorized,
			code:   "invalid_signature",
		},
		{
			name: "store unavailable",
			err: goerrors.Wrap(errors.New("connection refused"), goerrors.CategoryOperation, "durable store unavailable").
				WithCode(http.StatusServiceUnavailable).
				WithTextCode(core.ServiceErrorStoreUnavailable),
			status: http.StatusServiceUnavailable,
			code:   "store_unavailable",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dispatcher := NewDispatcher(&stubIngester{err: tc.err})
			result, err := dispatcher.Dispatch(context.Background(), core.InboundRequest{
				ProviderID: "generic",
				Surface:    SurfaceStatus,
				Body:       []byte(`{}`),
			})
			if err == nil {
				t.Fatalf("expected error")
			}
			if result.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, result.StatusCode)
			}
			if body := ResponseBody(result); body["error"] != tc.code {
				t.Fatalf("expected error %q, got %#v", tc.code, body)
			}
		})
	}
}

func TestDispatcher_RejectsUnknownSurface(t *testing.T) {
	ingester := &stubIngester{}
	dispatcher := NewDispatcher(ingester)

	result, err := dispatcher.Dispatch(context.Background(), core.InboundRequest{
		ProviderID: "generic",
		Surface:    "interaction",
	})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ServiceErrorBadInput {
		t.Fatalf("expected bad input error, got %v", err)
	}
	if result.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", result.StatusCode)
	}
	if len(ingester.requests) != 0 {
		t.Fatalf("expected pipeline to be skipped")
	}
}

func TestDispatcher_EnforcesBodyLimit(t *testing.T) {
	ingester := &stubIngester{}
	dispatcher := NewDispatcher(ingester, WithMaxBodyBytes(4))

	result, err := dispatcher.Dispatch(context.Background(), core.InboundRequest{
		ProviderID: "generic",
		Body:       []byte(`{"too":"large"}`),
	})
	if err == nil || result.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%v)", result.StatusCode, err)
	}
	if len(ingester.requests) != 0 {
		t.Fatalf("expected pipeline to be skipped")
	}
}

func TestDispatcher_AuditsRefusedDeliveries(t *testing.T) {
	ingester := &auditingIngester{}
	dispatcher := NewDispatcher(ingester, WithDefaultProvider("generic"), WithMaxBodyBytes(4))

	result, err := dispatcher.Dispatch(context.Background(), core.InboundRequest{Body: []byte(`{"too":"large"}`)})
	if err == nil || result.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%v)", result.StatusCode, err)
	}
	result, err = dispatcher.DispatchUnreadable(context.Background(), core.InboundRequest{
		Surface: "STATUS",
		Body:    []byte(`{"par`),
	}, errors.New("connection reset"))
	if err == nil || result.StatusCode != http.StatusBadRequest || result.Metadata["error"] != "malformed_payload" {
		t.Fatalf("expected malformed 400, got %d %#v (%v)", result.StatusCode, result.Metadata, err)
	}
	if len(ingester.requests) != 0 {
		t.Fatalf("expected pipeline to be skipped")
	}

	if len(ingester.rejected) != 2 {
		t.Fatalf("expected two audit rows, got %d", len(ingester.rejected))
	}
	oversize := ingester.rejected[0]
	if oversize.req.ProviderID != "generic" || string(oversize.req.Body) != `{"too":"large"}` {
		t.Fatalf("expected the refused body with the default provider, got %+v", oversize.req)
	}
	if len(oversize.flags) != 1 || oversize.flags[0] != core.RiskFlagBodyTooLarge {
		t.Fatalf("expected body_too_large flag, got %v", oversize.flags)
	}
	unreadable := ingester.rejected[1]
	if unreadable.req.Surface != SurfaceStatus || unreadable.flags[0] != core.RiskFlagBodyUnreadable {
		t.Fatalf("unexpected unreadable audit %+v", unreadable)
	}
}

func TestDispatcher_FailedAuditAsksForRedelivery(t *testing.T) {
	ingester := &auditingIngester{auditErr: goerrors.New("audit insert failed", goerrors.CategoryOperation).
		WithTextCode(core.ServiceErrorStoreUnavailable).
		WithCode(http.StatusServiceUnavailable)}
	dispatcher := NewDispatcher(ingester, WithMaxBodyBytes(4))

	result, err := dispatcher.Dispatch(context.Background(), core.InboundRequest{ProviderID: "generic", Body: []byte(`{"too":"large"}`)})
	if err == nil || result.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the audit row cannot be written, got %d (%v)", result.StatusCode, err)
	}
}

func TestDispatcher_ReportsBatchItems(t *testing.T) {
	ingester := &stubIngester{results: []core.IngestResult{{
		Accepted:       true,
		EventID:        "evt_1",
		ConversationID: "conv_1",
		Items:          []core.IngestResult{{Accepted: true}, {Accepted: true}},
	}}}
	result, err := NewDispatcher(ingester).Dispatch(context.Background(), core.InboundRequest{ProviderID: "whatsapp_cloud"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Metadata["items"] != 2 {
		t.Fatalf("expected item count in metadata, got %#v", result.Metadata)
	}
}

type stubIngester struct {
	results  []core.IngestResult
	err      error
	requests []core.InboundRequest
}

func (s *stubIngester) Ingest(_ context.Context, req core.InboundRequest) (core.IngestResult, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return core.IngestResult{}, s.err
	}
	if len(s.results) == 0 {
		return core.IngestResult{Accepted: true}, nil
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result, nil
}

type rejectedDelivery struct {
	req   core.InboundRequest
	cause error
	flags []string
}

type auditingIngester struct {
	stubIngester
	auditErr error
	rejected []rejectedDelivery
}

func (s *auditingIngester) RejectDelivery(_ context.Context, req core.InboundRequest, cause error, riskFlags ...string) error {
	if s.auditErr != nil {
		return s.auditErr
	}
	s.rejected = append(s.rejected, rejectedDelivery{req: req, cause: cause, flags: riskFlags})
	return nil
}
