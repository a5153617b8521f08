package normalize

import (
	"encoding/json"
	"strings"

	"github.com/goliatone/go-chatflow/core"
)

type cloudEnvelope struct {
	Object string       `json:"object,omitempty"`
	Entry  []cloudEntry `json:"entry"`
}

type cloudEntry struct {
	ID      string        `json:"id,omitempty"`
	Changes []cloudChange `json:"changes"`
}

type cloudChange struct {
	Field string     `json:"field,omitempty"`
	Value cloudValue `json:"value"`
}

type cloudValue struct {
	MessagingProduct string            `json:"messaging_product,omitempty"`
	Metadata         cloudMetadata     `json:"metadata"`
	Contacts         []cloudContact    `json:"contacts,omitempty"`
	Messages         []json.RawMessage `json:"messages,omitempty"`
	MessageEchoes    []json.RawMessage `json:"message_echoes,omitempty"`
	Statuses         []json.RawMessage `json:"statuses,omitempty"`
}

type cloudMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number,omitempty"`
	PhoneNumberID      string `json:"phone_number_id,omitempty"`
}

type cloudContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type cloudMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp json.RawMessage `json:"timestamp"`
	Type      string          `json:"type"`
	Context   *struct {
		From string `json:"from"`
		ID   string `json:"id"`
	} `json:"context"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *cloudMedia `json:"image"`
	Audio    *cloudMedia `json:"audio"`
	Video    *cloudMedia `json:"video"`
	Document *cloudMedia `json:"document"`
	Sticker  *cloudMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction"`
	System *struct {
		Body string `json:"body"`
		Type string `json:"type"`
	} `json:"system"`
	Errors []cloudError `json:"errors"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type cloudStatus struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Timestamp    json.RawMessage `json:"timestamp"`
	RecipientID  string          `json:"recipient_id"`
	Conversation *struct {
		ID string `json:"id"`
	} `json:"conversation"`
	Errors []cloudError `json:"errors"`
}

type cloudError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type cloudItemKind int

const (
	cloudItemMessage cloudItemKind = iota
	cloudItemEcho
	cloudItemStatus
)

type cloudItem struct {
	kind  cloudItemKind
	entry cloudEntry
	field string
	value cloudValue
	raw   json.RawMessage
}

// WhatsAppCloudDecoder reads Meta Cloud API webhook envelopes. One envelope
// can batch several messages and statuses; Decode reads the first and Split
// separates them.
type WhatsAppCloudDecoder struct{}

func (WhatsAppCloudDecoder) Decode(raw []byte, vocab Vocabulary) (core.CanonicalEvent, error) {
	envelope, err := decodeCloudEnvelope(raw)
	if err != nil {
		return core.CanonicalEvent{}, err
	}
	items := cloudItems(envelope)
	if len(items) == 0 {
		return core.CanonicalEvent{}, core.NewMalformedPayload("entry", "envelope carries no messages or statuses")
	}
	item := items[0]
	switch item.kind {
	case cloudItemStatus:
		return decodeCloudStatus(item, vocab)
	default:
		return decodeCloudMessage(item, vocab)
	}
}

func (WhatsAppCloudDecoder) Split(raw []byte) ([][]byte, error) {
	envelope, err := decodeCloudEnvelope(raw)
	if err != nil {
		return nil, err
	}
	items := cloudItems(envelope)
	if len(items) <= 1 {
		return [][]byte{raw}, nil
	}
	parts := make([][]byte, 0, len(items))
	for _, item := range items {
		value := cloudValue{
			MessagingProduct: item.value.MessagingProduct,
			Metadata:         item.value.Metadata,
			Contacts:         item.value.Contacts,
		}
		switch item.kind {
		case cloudItemMessage:
			value.Messages = []json.RawMessage{item.raw}
		case cloudItemEcho:
			value.MessageEchoes = []json.RawMessage{item.raw}
		case cloudItemStatus:
			value.Statuses = []json.RawMessage{item.raw}
		}
		single := cloudEnvelope{
			Object: envelope.Object,
			Entry: []cloudEntry{{
				ID:      item.entry.ID,
				Changes: []cloudChange{{Field: item.field, Value: value}},
			}},
		}
		encoded, err := json.Marshal(single)
		if err != nil {
			return nil, err
		}
		parts = append(parts, encoded)
	}
	return parts, nil
}

func decodeCloudEnvelope(raw []byte) (cloudEnvelope, error) {
	var envelope cloudEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return cloudEnvelope{}, &core.NormalizationError{
			Kind:    core.ServiceErrorMalformedPayload,
			Field:   "body",
			Message: "invalid whatsapp cloud envelope",
			Cause:   err,
		}
	}
	return envelope, nil
}

func cloudItems(envelope cloudEnvelope) []cloudItem {
	var items []cloudItem
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			add := func(kind cloudItemKind, raws []json.RawMessage) {
				for _, raw := range raws {
					items = append(items, cloudItem{kind: kind, entry: entry, field: change.Field, value: change.Value, raw: raw})
				}
			}
			add(cloudItemMessage, change.Value.Messages)
			add(cloudItemEcho, change.Value.MessageEchoes)
			add(cloudItemStatus, change.Value.Statuses)
		}
	}
	return items
}

func decodeCloudMessage(item cloudItem, vocab Vocabulary) (core.CanonicalEvent, error) {
	var msg cloudMessage
	if err := json.Unmarshal(item.raw, &msg); err != nil {
		return core.CanonicalEvent{}, &core.NormalizationError{
			Kind:    core.ServiceErrorMalformedPayload,
			Field:   "messages",
			Message: "invalid message object",
			Cause:   err,
		}
	}
	account := item.value.Metadata.PhoneNumberID
	event := core.CanonicalEvent{
		ProviderAccountID: account,
		ProviderMessageID: strings.TrimSpace(msg.ID),
		ChannelID:         "whatsapp",
		Payload:           cloudMessagePayload(msg),
	}
	if occurredAt, ok := parseTimestamp(msg.Timestamp); ok {
		event.OccurredAt = occurredAt
	}

	prefix := "message."
	if item.kind == cloudItemEcho {
		prefix = "echo."
		event.ActorID = account
		event.CounterpartID = strings.TrimSpace(msg.To)
		mapActorRole(vocab, "business", &event)
	} else {
		event.ActorID = strings.TrimSpace(msg.From)
		event.CounterpartID = event.ActorID
		event.ActorName = cloudContactName(item.value.Contacts, msg.From)
		mapActorRole(vocab, "user", &event)
	}
	mapChatType(vocab, "individual", &event)
	mapEventType(vocab, prefix+msg.Type, &event)
	return event, nil
}

func decodeCloudStatus(item cloudItem, vocab Vocabulary) (core.CanonicalEvent, error) {
	var status cloudStatus
	if err := json.Unmarshal(item.raw, &status); err != nil {
		return core.CanonicalEvent{}, &core.NormalizationError{
			Kind:    core.ServiceErrorMalformedPayload,
			Field:   "statuses",
			Message: "invalid status object",
			Cause:   err,
		}
	}
	event := core.CanonicalEvent{
		ProviderAccountID: item.value.Metadata.PhoneNumberID,
		ProviderMessageID: strings.TrimSpace(status.ID),
		ChannelID:         "whatsapp",
		CounterpartID:     strings.TrimSpace(status.RecipientID),
		Payload: map[string]any{
			"provider_status": status.Status,
		},
	}
	if canonical, ok := vocab.Status(status.Status); ok {
		event.Payload["status"] = canonical
	}
	if status.Conversation != nil && status.Conversation.ID != "" {
		event.ProviderEventID = status.Conversation.ID
	}
	if len(status.Errors) > 0 {
		event.Payload["error"] = cloudErrorText(status.Errors[0])
	}
	if occurredAt, ok := parseTimestamp(status.Timestamp); ok {
		event.OccurredAt = occurredAt
	}
	mapActorRole(vocab, "system", &event)
	mapChatType(vocab, "individual", &event)
	mapEventType(vocab, "status."+status.Status, &event)
	return event, nil
}

func cloudMessagePayload(msg cloudMessage) map[string]any {
	payload := map[string]any{"kind": strings.ToLower(strings.TrimSpace(msg.Type))}
	if msg.Context != nil && msg.Context.ID != "" {
		payload["reply_to"] = msg.Context.ID
	}
	if msg.Text != nil {
		payload["text"] = msg.Text.Body
	}
	for _, media := range []*cloudMedia{msg.Image, msg.Audio, msg.Video, msg.Document, msg.Sticker} {
		if media == nil {
			continue
		}
		payload["media_id"] = media.ID
		payload["mime_type"] = media.MimeType
		if media.Caption != "" {
			payload["text"] = media.Caption
		}
		if media.Filename != "" {
			payload["filename"] = media.Filename
		}
	}
	if msg.Location != nil {
		payload["latitude"] = msg.Location.Latitude
		payload["longitude"] = msg.Location.Longitude
		if msg.Location.Name != "" {
			payload["location_name"] = msg.Location.Name
		}
	}
	if msg.Interactive != nil {
		switch {
		case msg.Interactive.ButtonReply != nil:
			payload["reply_id"] = msg.Interactive.ButtonReply.ID
			payload["text"] = msg.Interactive.ButtonReply.Title
		case msg.Interactive.ListReply != nil:
			payload["reply_id"] = msg.Interactive.ListReply.ID
			payload["text"] = msg.Interactive.ListReply.Title
		}
	}
	if msg.Button != nil {
		payload["reply_id"] = msg.Button.Payload
		payload["text"] = msg.Button.Text
	}
	if msg.Reaction != nil {
		payload["reaction_to"] = msg.Reaction.MessageID
		payload["emoji"] = msg.Reaction.Emoji
	}
	if msg.System != nil {
		payload["text"] = msg.System.Body
		payload["system_type"] = msg.System.Type
	}
	if len(msg.Errors) > 0 {
		payload["error"] = cloudErrorText(msg.Errors[0])
	}
	return payload
}

func cloudContactName(contacts []cloudContact, waID string) string {
	for _, contact := range contacts {
		if contact.WaID == waID {
			return contact.Profile.Name
		}
	}
	return ""
}

func cloudErrorText(err cloudError) string {
	if err.Message != "" {
		return err.Message
	}
	return err.Title
}
