package normalize

import (
	"encoding/json"
	"strings"

	"github.com/goliatone/go-chatflow/core"
)

type greenNotification struct {
	TypeWebhook  string `json:"typeWebhook"`
	InstanceData struct {
		Wid          string `json:"wid"`
		TypeInstance string `json:"typeInstance"`
	} `json:"instanceData"`
	Timestamp  json.RawMessage `json:"timestamp"`
	IDMessage  string          `json:"idMessage"`
	SenderData *struct {
		ChatID     string `json:"chatId"`
		Sender     string `json:"sender"`
		ChatName   string `json:"chatName"`
		SenderName string `json:"senderName"`
	} `json:"senderData"`
	MessageData   *greenMessageData `json:"messageData"`
	ChatID        string            `json:"chatId"`
	Status        string            `json:"status"`
	Description   string            `json:"description"`
	StateInstance string            `json:"stateInstance"`
	From          string            `json:"from"`
}

type greenMessageData struct {
	TypeMessage     string `json:"typeMessage"`
	TextMessageData *struct {
		TextMessage string `json:"textMessage"`
	} `json:"textMessageData"`
	ExtendedTextMessageData *struct {
		Text     string `json:"text"`
		StanzaID string `json:"stanzaId"`
	} `json:"extendedTextMessageData"`
	FileMessageData *struct {
		DownloadURL string `json:"downloadUrl"`
		Caption     string `json:"caption"`
		FileName    string `json:"fileName"`
		MimeType    string `json:"mimeType"`
	} `json:"fileMessageData"`
	LocationMessageData *struct {
		Latitude     float64 `json:"latitude"`
		Longitude    float64 `json:"longitude"`
		NameLocation string  `json:"nameLocation"`
	} `json:"locationMessageData"`
	QuotedMessage *struct {
		StanzaID string `json:"stanzaId"`
	} `json:"quotedMessage"`
}

// GreenAPIDecoder reads GreenAPI HTTP notifications. Chat ids ending in
// @g.us are group chats.
type GreenAPIDecoder struct{}

func (GreenAPIDecoder) Decode(raw []byte, vocab Vocabulary) (core.CanonicalEvent, error) {
	var note greenNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return core.CanonicalEvent{}, &core.NormalizationError{
			Kind:    core.ServiceErrorMalformedPayload,
			Field:   "body",
			Message: "invalid green api notification",
			Cause:   err,
		}
	}
	if strings.TrimSpace(note.TypeWebhook) == "" {
		return core.CanonicalEvent{}, core.NewMalformedPayload("typeWebhook", "event category is required")
	}

	account := strings.TrimSpace(note.InstanceData.Wid)
	event := core.CanonicalEvent{
		ProviderAccountID: account,
		ProviderMessageID: strings.TrimSpace(note.IDMessage),
		ChannelID:         "whatsapp",
		Payload:           map[string]any{},
	}
	if occurredAt, ok := parseTimestamp(note.Timestamp); ok {
		event.OccurredAt = occurredAt
	}
	mapEventType(vocab, "webhook."+note.TypeWebhook, &event)
	if event.HasRiskFlag(core.RiskFlagUnmappedType) {
		return event, nil
	}

	chatID := strings.TrimSpace(note.ChatID)
	if note.SenderData != nil && note.SenderData.ChatID != "" {
		chatID = strings.TrimSpace(note.SenderData.ChatID)
	}
	if chatID == "" && note.From != "" {
		chatID = strings.TrimSpace(note.From)
	}
	if chatID != "" {
		event.CounterpartID = chatID
		mapChatType(vocab, jidServer(chatID), &event)
		if event.ChatType == core.ChatTypeGroup {
			event.GroupID = chatID
		}
	}

	switch event.EventType {
	case core.EventTypeMessageIn:
		mapActorRole(vocab, "incoming", &event)
		if note.SenderData != nil {
			event.ActorID = strings.TrimSpace(note.SenderData.Sender)
			event.ActorName = note.SenderData.SenderName
		}
		if event.ActorID == "" {
			event.ActorID = chatID
		}
		greenMessagePayload(note.MessageData, event.Payload)
	case core.EventTypeMessageOut:
		mapActorRole(vocab, "outgoing", &event)
		event.ActorID = account
		greenMessagePayload(note.MessageData, event.Payload)
	case core.EventTypeStatusUpdate:
		mapActorRole(vocab, "system", &event)
		event.Payload["provider_status"] = note.Status
		if canonical, ok := vocab.Status(note.Status); ok {
			event.Payload["status"] = canonical
		}
		if note.Description != "" {
			event.Payload["error"] = note.Description
		}
	default:
		mapActorRole(vocab, "system", &event)
		event.Payload["notice"] = note.TypeWebhook
		if note.StateInstance != "" {
			event.Payload["state"] = note.StateInstance
		}
	}
	return event, nil
}

func greenMessagePayload(data *greenMessageData, payload map[string]any) {
	if data == nil {
		return
	}
	payload["kind"] = data.TypeMessage
	switch {
	case data.TextMessageData != nil:
		payload["text"] = data.TextMessageData.TextMessage
	case data.ExtendedTextMessageData != nil:
		payload["text"] = data.ExtendedTextMessageData.Text
		if data.ExtendedTextMessageData.StanzaID != "" {
			payload["reply_to"] = data.ExtendedTextMessageData.StanzaID
		}
	case data.FileMessageData != nil:
		payload["media_url"] = data.FileMessageData.DownloadURL
		payload["mime_type"] = data.FileMessageData.MimeType
		if data.FileMessageData.Caption != "" {
			payload["text"] = data.FileMessageData.Caption
		}
		if data.FileMessageData.FileName != "" {
			payload["filename"] = data.FileMessageData.FileName
		}
	case data.LocationMessageData != nil:
		payload["latitude"] = data.LocationMessageData.Latitude
		payload["longitude"] = data.LocationMessageData.Longitude
		if data.LocationMessageData.NameLocation != "" {
			payload["location_name"] = data.LocationMessageData.NameLocation
		}
	}
	if data.QuotedMessage != nil && data.QuotedMessage.StanzaID != "" {
		payload["reply_to"] = data.QuotedMessage.StanzaID
	}
}

// jidServer returns the part after "@" in a WhatsApp chat id.
func jidServer(chatID string) string {
	if idx := strings.LastIndex(chatID, "@"); idx >= 0 {
		return chatID[idx+1:]
	}
	return ""
}
