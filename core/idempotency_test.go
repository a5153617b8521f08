package core

import (
	"strings"
	"testing"
	"time"
)

func TestIdempotencyKey_MessageIDWins(t *testing.T) {
	first := CanonicalEvent{
		ProviderAccountID: "biz",
		ProviderMessageID: "wamid.1",
		EventType:         EventTypeMessageIn,
		OccurredAt:        time.Unix(100, 0),
		Payload:           map[string]any{"text": "hi"},
	}
	second := first
	second.OccurredAt = time.Unix(200, 0)
	second.Payload = map[string]any{"text": "edited"}

	if IdempotencyKey(first) != IdempotencyKey(second) {
		t.Fatalf("expected redelivery with the same message id to share a key")
	}
	if !strings.HasPrefix(IdempotencyKey(first), "idem_") {
		t.Fatalf("expected idem_ prefix")
	}

	other := first
	other.ProviderAccountID = "biz_2"
	if IdempotencyKey(first) == IdempotencyKey(other) {
		t.Fatalf("expected account to scope the key")
	}
}

func TestIdempotencyKey_StatusReceiptsStayDistinct(t *testing.T) {
	delivered := CanonicalEvent{
		ProviderAccountID: "biz",
		ProviderMessageID: "wamid.1",
		EventType:         EventTypeStatusUpdate,
		Payload:           map[string]any{"status": "delivered"},
	}
	read := delivered
	read.Payload = map[string]any{"status": "read"}
	message := delivered
	message.EventType = EventTypeMessageOut
	message.Payload = nil

	if IdempotencyKey(delivered) == IdempotencyKey(read) {
		t.Fatalf("expected delivered and read receipts to differ")
	}
	if IdempotencyKey(delivered) == IdempotencyKey(message) {
		t.Fatalf("expected a receipt not to collide with its message")
	}
}

func TestIdempotencyKey_ContentFallback(t *testing.T) {
	base := CanonicalEvent{
		ProviderAccountID: "biz",
		EventType:         EventTypeMessageIn,
		ActorID:           "cust",
		OccurredAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:           map[string]any{"text": "hi", "kind": "text"},
	}
	reordered := base
	reordered.Payload = map[string]any{"kind": "text", "text": "hi"}
	if IdempotencyKey(base) != IdempotencyKey(reordered) {
		t.Fatalf("expected payload key order not to matter")
	}

	later := base
	later.OccurredAt = base.OccurredAt.Add(time.Second)
	if IdempotencyKey(base) == IdempotencyKey(later) {
		t.Fatalf("expected occurred_at to participate in the fallback key")
	}
}

func TestThreadKey_IsSymmetricAndChannelScoped(t *testing.T) {
	ab := ThreadKey("whatsapp", "Alice", "bob")
	ba := ThreadKey("WhatsApp", " bob", "Alice ")
	if ab != ba {
		t.Fatalf("expected symmetric thread key, got %s vs %s", ab, ba)
	}
	if ThreadKey("whatsapp", "alice", "bob") == ab {
		t.Fatalf("expected identities differing only by case to stay on separate threads")
	}
	if !strings.HasPrefix(ab, "th_") {
		t.Fatalf("expected th_ prefix, got %s", ab)
	}
	if ThreadKey("telegram", "Alice", "bob") == ab {
		t.Fatalf("expected channel to scope the thread key")
	}
}
