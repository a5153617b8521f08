package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-chatflow/core"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultStream = "chatflow:events"

// StreamClient is the part of a go-redis client the consumer needs.
type StreamClient interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
}

// EventEnvelope is the JSON document written to the stream's "event" field.
type EventEnvelope struct {
	EventID           string            `json:"event_id"`
	ConversationID    string            `json:"conversation_id,omitempty"`
	ProviderID        string            `json:"provider_id"`
	ProviderAccountID string            `json:"provider_account_id,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	ChannelID         string            `json:"channel_id,omitempty"`
	EventType         core.EventType    `json:"event_type"`
	EventVersion      int               `json:"event_version"`
	OccurredAt        time.Time         `json:"occurred_at"`
	ReceivedAt        time.Time         `json:"received_at"`
	ActorID           string            `json:"actor_id,omitempty"`
	ActorRole         core.ActorRole    `json:"actor_role,omitempty"`
	CounterpartID     string            `json:"counterpart_id,omitempty"`
	ChatType          core.ChatType     `json:"chat_type,omitempty"`
	ThreadKey         string            `json:"thread_key,omitempty"`
	Routing           map[string]string `json:"routing,omitempty"`
	RoutingReason     string            `json:"routing_reason,omitempty"`
	Payload           map[string]any    `json:"payload,omitempty"`
	SignatureValid    bool              `json:"signature_valid"`
	RiskFlags         []string          `json:"risk_flags,omitempty"`
}

// StreamConsumer appends every published event to a Redis stream. Readers
// dedupe on event_id since delivery is at least once.
type StreamConsumer struct {
	client StreamClient
	stream string
	maxLen int64
}

type Option func(*StreamConsumer)

func WithStream(stream string) Option {
	return func(c *StreamConsumer) {
		if stream = strings.TrimSpace(stream); stream != "" {
			c.stream = stream
		}
	}
}

// WithMaxLen caps the stream with approximate trimming.
func WithMaxLen(maxLen int64) Option {
	return func(c *StreamConsumer) {
		if maxLen > 0 {
			c.maxLen = maxLen
		}
	}
}

func NewStreamConsumer(client StreamClient, opts ...Option) (*StreamConsumer, error) {
	if client == nil {
		return nil, fmt.Errorf("redisbus: client is required")
	}
	consumer := &StreamConsumer{client: client, stream: DefaultStream}
	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}
	return consumer, nil
}

// NewClient dials addr and pings it before returning.
func NewClient(ctx context.Context, addr string) (*goredis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redisbus: address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisbus: ping: %w", err)
	}
	return rdb, nil
}

func (c *StreamConsumer) Consume(ctx context.Context, event core.CanonicalEvent, link core.EventLink) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("redisbus: consumer is not configured")
	}
	raw, err := json.Marshal(NewEnvelope(event, link))
	if err != nil {
		return fmt.Errorf("redisbus: encode event %s: %w", event.EventID, err)
	}
	args := &goredis.XAddArgs{
		Stream: c.stream,
		Values: map[string]any{
			"event_id":   event.EventID,
			"event_type": string(event.EventType),
			"event":      string(raw),
		},
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}
	if err := c.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redisbus: xadd %s: %w", c.stream, err)
	}
	return nil
}

func NewEnvelope(event core.CanonicalEvent, link core.EventLink) EventEnvelope {
	envelope := EventEnvelope{
		EventID:           event.EventID,
		ConversationID:    link.ConversationID,
		ProviderID:        event.ProviderID,
		ProviderAccountID: event.ProviderAccountID,
		ProviderMessageID: event.ProviderMessageID,
		ChannelID:         event.ChannelID,
		EventType:         event.EventType,
		EventVersion:      event.EventVersion,
		OccurredAt:        event.OccurredAt.UTC(),
		ReceivedAt:        event.ReceivedAt.UTC(),
		ActorID:           event.ActorID,
		ActorRole:         event.ActorRole,
		CounterpartID:     event.CounterpartID,
		ChatType:          event.ChatType,
		ThreadKey:         event.ThreadKey,
		RoutingReason:     string(link.RoutingReason),
		Payload:           event.Payload,
		SignatureValid:    event.SignatureValid,
		RiskFlags:         event.RiskFlags,
	}
	routing := link.Routing
	if routing.IsZero() {
		routing = event.Routing
	}
	if !routing.IsZero() {
		envelope.Routing = map[string]string{
			"shopper_id": routing.ShopperID,
			"skm_id":     routing.SkmID,
			"keeper_id":  routing.KeeperID,
		}
	}
	return envelope
}

var _ core.EventConsumer = (*StreamConsumer)(nil)
