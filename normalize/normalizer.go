package normalize

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-chatflow/core"
)

const (
	ProviderWhatsAppCloud = "whatsapp_cloud"
	ProviderGreenAPI      = "green_api"
	ProviderGeneric       = "generic"
)

// Decoder maps one provider schema onto a canonical event. Decoders fill
// what the payload carries; the Normalizer validates and completes the rest.
type Decoder interface {
	Decode(raw []byte, vocab Vocabulary) (core.CanonicalEvent, error)
}

type DecoderFunc func(raw []byte, vocab Vocabulary) (core.CanonicalEvent, error)

func (f DecoderFunc) Decode(raw []byte, vocab Vocabulary) (core.CanonicalEvent, error) {
	return f(raw, vocab)
}

// Splitter is implemented by decoders whose envelope can batch several
// occurrences. Split returns one single-item envelope per occurrence.
type Splitter interface {
	Split(raw []byte) ([][]byte, error)
}

type variant struct {
	decoder    Decoder
	vocabulary Vocabulary
}

// Normalizer resolves the provider hint to a registered schema variant. An
// unknown hint decodes with the generic schema and is flagged
// unmapped_provider.
type Normalizer struct {
	mu             sync.RWMutex
	variants       map[string]variant
	defaultChannel string
}

type Option func(*Normalizer)

func WithDefaultChannel(channel string) Option {
	return func(n *Normalizer) {
		n.defaultChannel = strings.TrimSpace(channel)
	}
}

func WithDecoder(provider string, decoder Decoder, vocab Vocabulary) Option {
	return func(n *Normalizer) {
		n.register(provider, decoder, vocab)
	}
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		variants:       map[string]variant{},
		defaultChannel: "whatsapp",
	}
	n.register(ProviderWhatsAppCloud, WhatsAppCloudDecoder{}, WhatsAppCloudVocabulary)
	n.register(ProviderGreenAPI, GreenAPIDecoder{}, GreenAPIVocabulary)
	n.register(ProviderGeneric, GenericDecoder{}, GenericVocabulary)
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

func (n *Normalizer) register(provider string, decoder Decoder, vocab Vocabulary) {
	key := providerKey(provider)
	if key == "" || decoder == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.variants[key] = variant{decoder: decoder, vocabulary: vocab}
}

// Providers lists registered hints in order.
func (n *Normalizer) Providers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.variants))
	for key := range n.variants {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// VocabularyVersion reports the table version used for a provider hint.
func (n *Normalizer) VocabularyVersion(provider string) string {
	v, _ := n.resolve(provider)
	return v.vocabulary.VersionTag()
}

func (n *Normalizer) resolve(provider string) (variant, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if v, ok := n.variants[providerKey(provider)]; ok {
		return v, true
	}
	return n.variants[ProviderGeneric], false
}

// Split breaks a batched envelope into single-occurrence envelopes. Schemas
// without batching return the body unchanged.
func (n *Normalizer) Split(raw []byte, provider string) ([][]byte, error) {
	v, _ := n.resolve(provider)
	splitter, ok := v.decoder.(Splitter)
	if !ok {
		return [][]byte{raw}, nil
	}
	parts, err := splitter.Split(raw)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return [][]byte{raw}, nil
	}
	return parts, nil
}

func (n *Normalizer) Normalize(_ context.Context, raw []byte, providerHint string) (core.CanonicalEvent, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return core.CanonicalEvent{}, core.NewMalformedPayload("body", "payload is empty")
	}
	v, known := n.resolve(providerHint)
	if v.decoder == nil {
		return core.CanonicalEvent{}, fmt.Errorf("normalize: no decoder registered for %q", providerHint)
	}

	event, err := v.decoder.Decode(raw, v.vocabulary)
	if err != nil {
		return core.CanonicalEvent{}, err
	}
	if !known {
		event.AddRiskFlag(core.RiskFlagUnmappedProvider)
	}
	if err := validateMinimum(event); err != nil {
		return core.CanonicalEvent{}, err
	}
	return n.complete(event, raw), nil
}

func validateMinimum(event core.CanonicalEvent) error {
	if strings.TrimSpace(event.ProviderAccountID) == "" && strings.TrimSpace(event.ProviderMessageID) == "" {
		return core.NewMalformedPayload("provider_account_id", "provider account or message identifier is required")
	}
	if event.OccurredAt.IsZero() {
		return core.NewMalformedPayload("occurred_at", "timestamp is required")
	}
	if strings.TrimSpace(string(event.EventType)) == "" {
		return core.NewMalformedPayload("event_type", "event category is required")
	}
	if event.EventType.IsMessage() && strings.TrimSpace(event.CounterpartID) == "" && strings.TrimSpace(event.GroupID) == "" {
		return core.NewMalformedPayload("counterpart_id", "message events need a counterpart or group")
	}
	return nil
}

func (n *Normalizer) complete(event core.CanonicalEvent, raw []byte) core.CanonicalEvent {
	event.EventVersion = core.CanonicalEventVersion
	event.OccurredAt = event.OccurredAt.UTC()
	event.RawPayload = append([]byte(nil), raw...)
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	if strings.TrimSpace(event.ChannelID) == "" {
		event.ChannelID = n.defaultChannel
	}
	if event.ChatType == "" {
		event.ChatType = core.ChatTypeDirect
	}
	if event.ChatType == core.ChatTypeGroup && event.GroupID == "" {
		event.ChatType = core.ChatTypeDirect
	}
	if event.ActorRole == "" {
		switch event.EventType {
		case core.EventTypeMessageIn:
			event.ActorRole = core.ActorRoleCustomer
		case core.EventTypeMessageOut:
			event.ActorRole = core.ActorRoleAgent
		default:
			event.ActorRole = core.ActorRoleSystem
		}
	}
	if event.ThreadKey == "" && event.EventType != core.EventTypeStatusUpdate {
		counterpart := event.CounterpartID
		if event.ChatType == core.ChatTypeGroup {
			counterpart = event.GroupID
		}
		if strings.TrimSpace(counterpart) != "" {
			event.ThreadKey = core.ThreadKey(event.ChannelID, event.ProviderAccountID, counterpart)
		}
	}
	return event
}

func providerKey(provider string) string {
	key := strings.ToLower(strings.TrimSpace(provider))
	key = strings.ReplaceAll(key, "-", "_")
	return key
}

var _ core.Normalizer = (*Normalizer)(nil)
