package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Ingest runs one inbound delivery through verification, normalization,
// admission, correlation and routing. Redeliveries report Duplicate and
// change nothing. The signature covers the delivery as received; batched
// envelopes are split afterwards and each occurrence is admitted on its own.
func (s *Service) Ingest(ctx context.Context, req InboundRequest) (result IngestResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"provider_id": req.ProviderID,
		"surface":     req.Surface,
	}
	defer func() {
		fields["accepted"] = result.Accepted
		fields["duplicate"] = result.Duplicate
		if result.ConversationID != "" {
			fields["conversation_id"] = result.ConversationID
		}
		if len(result.Items) > 1 {
			fields["items"] = len(result.Items)
		}
		s.observeOperation(ctx, startedAt, "ingest", err, fields)
	}()

	if s == nil || s.normalizer == nil {
		err = s.mapError(fmt.Errorf("core: normalizer is not configured"))
		return IngestResult{}, err
	}
	if err = s.requireStore(); err != nil {
		return IngestResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Ingest.TimeoutDuration())
	defer cancel()

	providerID := normalizeProviderID(req.ProviderID)
	if providerID == "" {
		providerID = normalizeProviderID(s.config.Ingest.DefaultProvider)
	}
	req.ProviderID = providerID
	fields["provider_id"] = providerID
	surface := strings.ToLower(strings.TrimSpace(req.Surface))
	if surface == "" {
		surface = SurfaceMessage
	}
	receivedAt := s.now()

	signatureValid, riskFlags, verifyErr := s.verifySignature(ctx, req)
	if !signatureValid {
		event, _ := s.normalizer.Normalize(ctx, req.Body, providerID)
		rejectErr := s.recordRejected(ctx, req, surface, ServiceErrorInvalidSignature, verifyErr, mergeRiskFlags(event.RiskFlags, riskFlags...), false, receivedAt)
		if rejectErr != nil {
			err = rejectErr
			return IngestResult{}, err
		}
		s.logWarn(ctx, "inbound signature rejected", map[string]any{
			"provider_id": providerID,
			"surface":     surface,
			"error":       errorText(verifyErr),
		})
		s.recordCounter(ctx, "chatflow.ingest.rejected", 1, map[string]string{"reason": "invalid_signature", "provider_id": providerID})
		err = invalidSignatureError(providerID, verifyErr)
		return IngestResult{}, err
	}

	parts := [][]byte{req.Body}
	if splitter, ok := s.normalizer.(BatchSplitter); ok {
		split, splitErr := splitter.Split(req.Body, providerID)
		if splitErr != nil {
			err = s.rejectMalformed(ctx, req, surface, splitErr, riskFlags, receivedAt)
			return IngestResult{}, err
		}
		if len(split) > 0 {
			parts = split
		}
	}

	items := make([]IngestResult, 0, len(parts))
	for _, part := range parts {
		item, partErr := s.ingestPart(ctx, req, surface, part, riskFlags, receivedAt, fields)
		if partErr != nil {
			err = partErr
			return IngestResult{}, err
		}
		items = append(items, item)
	}
	result = aggregateIngestResults(items)
	return result, nil
}

// RejectDelivery audits a delivery refused before it reached the pipeline,
// such as an oversize or unreadable body. At most ingest.max_body_bytes of
// the body are kept.
func (s *Service) RejectDelivery(ctx context.Context, req InboundRequest, cause error, riskFlags ...string) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"provider_id": req.ProviderID,
		"surface":     req.Surface,
		"risk_flags":  riskFlags,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "reject_delivery", err, fields)
	}()

	if err = s.requireStore(); err != nil {
		return err
	}
	req.ProviderID = normalizeProviderID(req.ProviderID)
	if req.ProviderID == "" {
		req.ProviderID = normalizeProviderID(s.config.Ingest.DefaultProvider)
	}
	surface := strings.ToLower(strings.TrimSpace(req.Surface))
	if surface == "" {
		surface = SurfaceMessage
	}
	if limit := s.config.Ingest.MaxBodyBytes; limit > 0 && int64(len(req.Body)) > limit {
		req.Body = req.Body[:limit]
	}
	if err = s.recordRejected(ctx, req, surface, ServiceErrorMalformedPayload, cause, riskFlags, false, s.now()); err != nil {
		return err
	}
	reason := "malformed_payload"
	if len(riskFlags) > 0 {
		reason = riskFlags[0]
	}
	s.recordCounter(ctx, "chatflow.ingest.rejected", 1, map[string]string{"reason": reason, "provider_id": req.ProviderID})
	return nil
}

func (s *Service) ingestPart(
	ctx context.Context,
	req InboundRequest,
	surface string,
	part []byte,
	riskFlags []string,
	receivedAt time.Time,
	fields map[string]any,
) (IngestResult, error) {
	providerID := req.ProviderID
	event, normErr := s.normalizer.Normalize(ctx, part, providerID)
	if normErr == nil && surface == SurfaceStatus && event.EventType != EventTypeStatusUpdate {
		normErr = NewMalformedPayload("event_type", fmt.Sprintf("status surface requires %s, got %s", EventTypeStatusUpdate, event.EventType))
	}
	if normErr != nil {
		return IngestResult{}, s.rejectMalformed(ctx, req, surface, normErr, riskFlags, receivedAt)
	}

	event = s.prepareEvent(event, req, receivedAt, riskFlags)
	fields["event_type"] = string(event.EventType)

	var outcome IngestResult
	err := s.store.RunInTx(ctx, func(ctx context.Context, stores Stores) error {
		outcome = IngestResult{}
		if event.EventType == EventTypeStatusUpdate {
			_, lookupErr := stores.Messages.Lookup(ctx, event.ProviderID, event.ProviderMessageID)
			switch {
			case isNotFound(lookupErr):
				event.AddRiskFlag(RiskFlagUnlinkedStatus)
			case lookupErr != nil:
				return lookupErr
			}
		}
		stored, admitted, insertErr := stores.Events.InsertIfAbsent(ctx, event)
		if insertErr != nil {
			return insertErr
		}
		if !admitted {
			outcome = IngestResult{Accepted: true, Duplicate: true, EventID: stored.EventID}
			link, linkErr := stores.Events.GetLink(ctx, stored.EventID)
			if linkErr != nil && !isNotFound(linkErr) {
				return linkErr
			}
			outcome.ConversationID = link.ConversationID
			return nil
		}

		correlator := NewCorrelator(s.config.Routing.MaxCASAttempts)
		correlator.now = s.now
		ref, conversation, corrErr := correlator.Correlate(ctx, stores, event)
		if corrErr != nil {
			return corrErr
		}

		link := EventLink{
			EventID:        event.EventID,
			ConversationID: ref.ConversationID,
			CreatedAt:      s.now(),
		}
		if s.router.ShouldRoute(conversation, event) {
			decision, _, routeErr := s.router.Assign(ctx, stores, conversation, event.ActorID)
			if routeErr != nil {
				return routeErr
			}
			link.Routing = decision.Routing
			link.RoutingReason = decision.Reason
			outcome.Decision = &decision
		}
		if err := stores.Events.Link(ctx, link); err != nil {
			return err
		}
		if err := stores.Outbox.Enqueue(ctx, event.EventID, s.now()); err != nil {
			return err
		}
		outcome.Accepted = true
		outcome.EventID = event.EventID
		outcome.ConversationID = ref.ConversationID
		if !ref.Linked() && event.EventType == EventTypeStatusUpdate {
			s.logWarn(ctx, "status update references unknown message", map[string]any{
				"provider_id":         event.ProviderID,
				"provider_message_id": event.ProviderMessageID,
				"event_id":            event.EventID,
			})
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, s.ingestStoreError(err)
	}

	if outcome.Duplicate {
		s.recordCounter(ctx, "chatflow.ingest.duplicate", 1, map[string]string{"provider_id": providerID})
		return outcome, nil
	}
	if outcome.Decision != nil {
		s.recordCounter(ctx, "chatflow.routing.decision", 1, map[string]string{"reason": string(outcome.Decision.Reason)})
	}
	s.notifier.Notify(context.WithoutCancel(ctx), outcome.EventID)
	return outcome, nil
}

func (s *Service) rejectMalformed(
	ctx context.Context,
	req InboundRequest,
	surface string,
	cause error,
	riskFlags []string,
	receivedAt time.Time,
) error {
	if rejectErr := s.recordRejected(ctx, req, surface, ServiceErrorMalformedPayload, cause, riskFlags, true, receivedAt); rejectErr != nil {
		return rejectErr
	}
	s.recordCounter(ctx, "chatflow.ingest.rejected", 1, map[string]string{"reason": "malformed_payload", "provider_id": req.ProviderID})
	var normalizationErr *NormalizationError
	if errors.As(cause, &normalizationErr) {
		return normalizationErr.ToServiceError()
	}
	return (&NormalizationError{Kind: ServiceErrorMalformedPayload, Cause: cause}).ToServiceError()
}

// aggregateIngestResults folds per-occurrence results. A batch counts as
// accepted when every occurrence was, and as duplicate only when every
// occurrence was already admitted.
func aggregateIngestResults(items []IngestResult) IngestResult {
	if len(items) == 0 {
		return IngestResult{}
	}
	if len(items) == 1 {
		return items[0]
	}
	out := items[0]
	out.Items = items
	for _, item := range items[1:] {
		out.Accepted = out.Accepted && item.Accepted
		out.Duplicate = out.Duplicate && item.Duplicate
	}
	return out
}

func (s *Service) verifySignature(ctx context.Context, req InboundRequest) (bool, []string, error) {
	verifier := s.verifiers[req.ProviderID]
	if verifier == nil {
		if s.config.Ingest.RequireSignature {
			return false, []string{RiskFlagBadSignature}, fmt.Errorf("core: no signature verifier registered for provider %q", req.ProviderID)
		}
		return true, []string{RiskFlagUnsigned}, nil
	}
	if err := verifier.Verify(ctx, req); err != nil {
		return false, []string{RiskFlagBadSignature}, err
	}
	return true, nil, nil
}

func (s *Service) prepareEvent(event CanonicalEvent, req InboundRequest, receivedAt time.Time, riskFlags []string) CanonicalEvent {
	event.EventID = uuid.NewString()
	event.ProviderID = req.ProviderID
	if event.EventVersion <= 0 {
		event.EventVersion = CanonicalEventVersion
	}
	if strings.TrimSpace(event.ChannelID) == "" {
		event.ChannelID = s.config.Ingest.DefaultChannel
	}
	if strings.TrimSpace(event.ThreadKey) == "" && event.EventType != EventTypeStatusUpdate {
		counterpart := event.CounterpartID
		if event.ChatType == ChatTypeGroup && strings.TrimSpace(event.GroupID) != "" {
			counterpart = event.GroupID
		}
		if strings.TrimSpace(counterpart) != "" {
			event.ThreadKey = ThreadKey(event.ChannelID, event.ProviderAccountID, counterpart)
		}
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = receivedAt
	}
	event.OccurredAt = event.OccurredAt.UTC()
	event.ReceivedAt = receivedAt
	event.SignatureValid = true
	event.RiskFlags = mergeRiskFlags(event.RiskFlags, riskFlags...)
	event.RawPayload = append([]byte(nil), req.Body...)
	event.Routing = EventRouting{}
	if strings.TrimSpace(event.IdempotencyKey) == "" {
		event.IdempotencyKey = IdempotencyKey(event)
	}
	if strings.TrimSpace(event.CorrelationID) == "" {
		if event.ProviderEventID != "" {
			event.CorrelationID = event.ProviderEventID
		} else {
			event.CorrelationID = event.EventID
		}
	}
	return event
}

func (s *Service) recordRejected(
	ctx context.Context,
	req InboundRequest,
	surface string,
	reason string,
	cause error,
	riskFlags []string,
	signatureValid bool,
	receivedAt time.Time,
) error {
	err := s.store.Stores().Events.RecordRejected(ctx, RejectedEvent{
		ID:             uuid.NewString(),
		ProviderID:     req.ProviderID,
		Surface:        surface,
		Reason:         reason,
		Detail:         errorText(cause),
		RawPayload:     append([]byte(nil), req.Body...),
		Headers:        RedactHeaders(req.Headers),
		SignatureValid: signatureValid,
		RiskFlags:      mergeRiskFlags(nil, riskFlags...),
		ReceivedAt:     receivedAt,
	})
	if err != nil {
		return storeUnavailableError("record_rejected", err)
	}
	return nil
}

func (s *Service) ingestStoreError(err error) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}
	return storeUnavailableError("ingest", err)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrMessageNotIndexed) ||
		errors.Is(err, ErrAssigneeNotFound)
}
