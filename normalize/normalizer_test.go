package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-chatflow/core"
)

const cloudInbound = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba_1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "pn_1"},
        "contacts": [{"wa_id": "16315551234", "profile": {"name": "Kerry"}}],
        "messages": [{
          "from": "16315551234",
          "id": "wamid.ABC",
          "timestamp": "1700000000",
          "type": "text",
          "text": {"body": "is the blue one in stock?"}
        }]
      }
    }]
  }]
}`

const cloudStatusBody = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "waba_1", "changes": [{"field": "messages", "value": {
    "metadata": {"phone_number_id": "pn_1"},
    "statuses": [{"id": "wamid.OUT", "status": "read", "timestamp": "1700000100", "recipient_id": "16315551234"}]
  }}]}]
}`

const cloudBatch = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "waba_1", "changes": [{"field": "messages", "value": {
    "metadata": {"phone_number_id": "pn_1"},
    "messages": [
      {"from": "1", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "a"}},
      {"from": "1", "id": "wamid.2", "timestamp": "1700000001", "type": "text", "text": {"body": "b"}}
    ],
    "statuses": [{"id": "wamid.OUT", "status": "delivered", "timestamp": "1700000002", "recipient_id": "1"}]
  }}]}]
}`

const greenGroupInbound = `{
  "typeWebhook": "incomingMessageReceived",
  "instanceData": {"idInstance": 1101, "wid": "79001234567@c.us", "typeInstance": "whatsapp"},
  "timestamp": 1700000000,
  "idMessage": "F7AEC1B7086ECDC7E6E45923F5EDB825",
  "senderData": {"chatId": "120363@g.us", "sender": "79009998877@c.us", "senderName": "Ana"},
  "messageData": {"typeMessage": "textMessage", "textMessageData": {"textMessage": "hello group"}}
}`

func TestNormalizer_WhatsAppCloudInboundMessage(t *testing.T) {
	n := New()
	raw := []byte(cloudInbound)

	event, err := n.Normalize(context.Background(), raw, "whatsapp_cloud")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.EventType != core.EventTypeMessageIn || event.ActorRole != core.ActorRoleCustomer {
		t.Fatalf("unexpected type/role: %s %s", event.EventType, event.ActorRole)
	}
	if event.ProviderAccountID != "pn_1" || event.ProviderMessageID != "wamid.ABC" {
		t.Fatalf("unexpected identifiers: %+v", event)
	}
	if event.ActorID != "16315551234" || event.ActorName != "Kerry" || event.CounterpartID != "16315551234" {
		t.Fatalf("unexpected actor: %+v", event)
	}
	if !event.OccurredAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected occurred_at %s", event.OccurredAt)
	}
	if event.Payload["text"] != "is the blue one in stock?" {
		t.Fatalf("unexpected payload %#v", event.Payload)
	}
	if event.ThreadKey != core.ThreadKey("whatsapp", "pn_1", "16315551234") {
		t.Fatalf("unexpected thread key %s", event.ThreadKey)
	}
	if string(event.RawPayload) != cloudInbound {
		t.Fatalf("expected raw payload kept verbatim")
	}
	raw[0] = 'X'
	if event.RawPayload[0] == 'X' {
		t.Fatalf("expected raw payload to be copied")
	}
	if event.EventVersion != core.CanonicalEventVersion {
		t.Fatalf("expected event version %d, got %d", core.CanonicalEventVersion, event.EventVersion)
	}
}

func TestNormalizer_WhatsAppCloudStatus(t *testing.T) {
	event, err := New().Normalize(context.Background(), []byte(cloudStatusBody), "whatsapp_cloud")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.EventType != core.EventTypeStatusUpdate || event.StatusValue() != "read" {
		t.Fatalf("unexpected status event: %s %q", event.EventType, event.StatusValue())
	}
	if event.ProviderMessageID != "wamid.OUT" || event.ThreadKey != "" {
		t.Fatalf("expected status to reference the message and carry no thread key, got %+v", event)
	}
}

func TestNormalizer_SplitsBatchedCloudEnvelope(t *testing.T) {
	n := New()
	parts, err := n.Split([]byte(cloudBatch), "whatsapp_cloud")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("expected 3 single-item envelopes, got %d", len(parts))
	}
	var ids []string
	for _, part := range parts {
		event, err := n.Normalize(context.Background(), part, "whatsapp_cloud")
		if err != nil {
			t.Fatalf("normalize part: %v", err)
		}
		ids = append(ids, event.ProviderMessageID)
	}
	if ids[0] != "wamid.1" || ids[1] != "wamid.2" || ids[2] != "wamid.OUT" {
		t.Fatalf("unexpected split order %v", ids)
	}

	single, err := n.Split([]byte(cloudInbound), "whatsapp_cloud")
	if err != nil || len(single) != 1 || string(single[0]) != cloudInbound {
		t.Fatalf("expected single envelope returned unchanged")
	}
}

func TestNormalizer_GreenAPIGroupMessage(t *testing.T) {
	event, err := New().Normalize(context.Background(), []byte(greenGroupInbound), "green-api")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.ChatType != core.ChatTypeGroup || event.GroupID != "120363@g.us" {
		t.Fatalf("expected group chat, got %s %q", event.ChatType, event.GroupID)
	}
	if event.ActorID != "79009998877@c.us" || event.ActorName != "Ana" {
		t.Fatalf("unexpected actor %+v", event)
	}
	if event.ThreadKey != core.ThreadKey("whatsapp", "79001234567@c.us", "120363@g.us") {
		t.Fatalf("expected group thread key, got %s", event.ThreadKey)
	}
	if event.Payload["text"] != "hello group" {
		t.Fatalf("unexpected payload %#v", event.Payload)
	}
}

func TestNormalizer_GreenAPIUnknownTypeIsFlagged(t *testing.T) {
	raw := `{"typeWebhook": "quantumEntangled", "instanceData": {"wid": "7900@c.us"}, "timestamp": 1700000000}`
	event, err := New().Normalize(context.Background(), []byte(raw), "green_api")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.EventType != core.EventTypeSystem || !event.HasRiskFlag(core.RiskFlagUnmappedType) {
		t.Fatalf("expected SYSTEM + unmapped_type, got %s %v", event.EventType, event.RiskFlags)
	}
}

func TestNormalizer_UnknownProviderFallsBackToGeneric(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"provider_account_id": "acct_1",
		"event_type":          "MESSAGE_IN",
		"occurred_at":         "2026-01-02T03:04:05Z",
		"actor_id":            "cust_1",
		"payload":             map[string]any{"text": "hi"},
	})
	event, err := New().Normalize(context.Background(), raw, "acme_chat")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !event.HasRiskFlag(core.RiskFlagUnmappedProvider) {
		t.Fatalf("expected unmapped_provider flag, got %v", event.RiskFlags)
	}
	if event.CounterpartID != "cust_1" || event.ThreadKey == "" {
		t.Fatalf("expected inbound counterpart to default to the actor, got %+v", event)
	}
}

func TestNormalizer_RejectsMissingMinimumFields(t *testing.T) {
	cases := map[string]string{
		"empty body":     ``,
		"invalid json":   `{"event_type":`,
		"no identifiers": `{"event_type": "SYSTEM", "occurred_at": 1700000000}`,
		"no timestamp":   `{"event_type": "SYSTEM", "provider_account_id": "acct_1"}`,
		"no category":    `{"provider_account_id": "acct_1", "occurred_at": 1700000000}`,
		"no counterpart": `{"event_type": "MESSAGE_OUT", "provider_account_id": "acct_1", "occurred_at": 1700000000}`,
	}
	n := New()
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(context.Background(), []byte(raw), "generic")
			var normErr *core.NormalizationError
			if !errors.As(err, &normErr) {
				t.Fatalf("expected normalization error, got %v", err)
			}
			if normErr.Kind != core.ServiceErrorMalformedPayload {
				t.Fatalf("expected MALFORMED_PAYLOAD, got %s", normErr.Kind)
			}
		})
	}
}

func TestParseTimestamp_Formats(t *testing.T) {
	want := time.Unix(1700000000, 0).UTC()
	for _, raw := range []string{`1700000000`, `"1700000000"`, `1700000000000`, `"2023-11-14T22:13:20Z"`} {
		got, ok := parseTimestamp(json.RawMessage(raw))
		if !ok || !got.Equal(want) {
			t.Fatalf("parse %s: got %s %v", raw, got, ok)
		}
	}
	if _, ok := parseTimestamp(json.RawMessage(`null`)); ok {
		t.Fatalf("expected null to be absent")
	}
}

func TestNormalizer_VocabularyVersion(t *testing.T) {
	n := New()
	if got := n.VocabularyVersion("whatsapp_cloud"); got != "whatsapp_cloud@v21.0" {
		t.Fatalf("unexpected vocabulary version %q", got)
	}
	if got := n.VocabularyVersion("unknown"); got != "generic@1" {
		t.Fatalf("expected generic table for unknown hints, got %q", got)
	}
}
