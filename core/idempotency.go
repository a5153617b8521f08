package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

const keySeparator = "\x1f"

// IdempotencyKey fingerprints an event for deduplication. Events carrying a
// provider message id dedupe on (account, message id); status receipts add
// the event type and delivery status so "delivered" and "read" for the same
// message stay distinct. Events without a message id fall back to
// (account, event type, actor, occurred_at, payload hash).
func IdempotencyKey(event CanonicalEvent) string {
	account := strings.TrimSpace(event.ProviderAccountID)
	messageID := strings.TrimSpace(event.ProviderMessageID)

	var parts []string
	switch {
	case messageID != "" && event.EventType == EventTypeStatusUpdate:
		parts = []string{"v1", "status", account, messageID, event.StatusValue()}
	case messageID != "":
		parts = []string{"v1", "message", account, messageID}
	default:
		parts = []string{
			"v1",
			"content",
			account,
			string(event.EventType),
			strings.TrimSpace(event.ActorID),
			event.OccurredAt.UTC().Format(time.RFC3339Nano),
			PayloadHash(event.Payload),
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, keySeparator)))
	return "idem_" + hex.EncodeToString(sum[:])
}

// PayloadHash hashes the normalized payload. encoding/json sorts map keys, so
// equal payloads hash equally regardless of construction order.
func PayloadHash(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		keys := make([]string, 0, len(payload))
		for key := range payload {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		encoded = []byte(strings.Join(keys, keySeparator))
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// ThreadKey derives the conversation key from the unordered identity pair
// and the channel, so A->B and B->A land on the same thread. Identities are
// compared as the provider sent them; only the channel is case-folded.
func ThreadKey(channelID, left, right string) string {
	a := strings.TrimSpace(left)
	b := strings.TrimSpace(right)
	if b < a {
		a, b = b, a
	}
	channel := strings.ToLower(strings.TrimSpace(channelID))
	sum := sha256.Sum256([]byte(strings.Join([]string{a, b, channel}, keySeparator)))
	return "th_" + hex.EncodeToString(sum[:])
}
