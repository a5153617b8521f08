package normalize

import (
	"encoding/json"
	"strings"

	"github.com/goliatone/go-chatflow/core"
)

type genericEvent struct {
	ProviderAccountID string          `json:"provider_account_id"`
	ProviderMessageID string          `json:"provider_message_id"`
	ProviderEventID   string          `json:"provider_event_id"`
	EventType         string          `json:"event_type"`
	OccurredAt        json.RawMessage `json:"occurred_at"`
	ChannelID         string          `json:"channel_id"`
	ActorID           string          `json:"actor_id"`
	ActorRole         string          `json:"actor_role"`
	ActorName         string          `json:"actor_name"`
	CounterpartID     string          `json:"counterpart_id"`
	ChatType          string          `json:"chat_type"`
	GroupID           string          `json:"group_id"`
	CorrelationID     string          `json:"correlation_id"`
	ParentEventID     string          `json:"parent_event_id"`
	Status            string          `json:"status"`
	Payload           map[string]any  `json:"payload"`
}

// GenericDecoder reads the flat canonical JSON shape. It is also the
// fallback for provider hints nobody registered.
type GenericDecoder struct{}

func (GenericDecoder) Decode(raw []byte, vocab Vocabulary) (core.CanonicalEvent, error) {
	var in genericEvent
	if err := json.Unmarshal(raw, &in); err != nil {
		return core.CanonicalEvent{}, &core.NormalizationError{
			Kind:    core.ServiceErrorMalformedPayload,
			Field:   "body",
			Message: "invalid json payload",
			Cause:   err,
		}
	}
	if strings.TrimSpace(in.EventType) == "" {
		return core.CanonicalEvent{}, core.NewMalformedPayload("event_type", "event category is required")
	}

	event := core.CanonicalEvent{
		ProviderAccountID: strings.TrimSpace(in.ProviderAccountID),
		ProviderMessageID: strings.TrimSpace(in.ProviderMessageID),
		ProviderEventID:   strings.TrimSpace(in.ProviderEventID),
		ChannelID:         strings.TrimSpace(in.ChannelID),
		ActorID:           strings.TrimSpace(in.ActorID),
		ActorName:         in.ActorName,
		CounterpartID:     strings.TrimSpace(in.CounterpartID),
		GroupID:           strings.TrimSpace(in.GroupID),
		CorrelationID:     strings.TrimSpace(in.CorrelationID),
		ParentEventID:     strings.TrimSpace(in.ParentEventID),
		Payload:           copyPayload(in.Payload),
	}
	if occurredAt, ok := parseTimestamp(in.OccurredAt); ok {
		event.OccurredAt = occurredAt
	}
	mapActorRole(vocab, in.ActorRole, &event)
	mapChatType(vocab, in.ChatType, &event)
	mapEventType(vocab, in.EventType, &event)

	if event.EventType == core.EventTypeStatusUpdate {
		status := in.Status
		if status == "" {
			if value, ok := event.Payload["status"].(string); ok {
				status = value
			}
		}
		event.Payload["provider_status"] = status
		if canonical, ok := vocab.Status(status); ok {
			event.Payload["status"] = canonical
		} else {
			delete(event.Payload, "status")
		}
	}
	if event.CounterpartID == "" && event.EventType == core.EventTypeMessageIn {
		event.CounterpartID = event.ActorID
	}
	return event, nil
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
