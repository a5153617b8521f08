package normalize

import (
	"strings"

	"github.com/goliatone/go-chatflow/core"
)

// Vocabulary is the versioned lookup table that maps one provider's codes to
// canonical enums. Keys are lower case and namespaced by kind, for example
// "message.text" or "status.read".
type Vocabulary struct {
	Provider   string
	Version    string
	EventTypes map[string]core.EventType
	ActorRoles map[string]core.ActorRole
	ChatTypes  map[string]core.ChatType
	Statuses   map[string]string
}

func (v Vocabulary) EventType(code string) (core.EventType, bool) {
	value, ok := v.EventTypes[vocabularyKey(code)]
	return value, ok
}

func (v Vocabulary) ActorRole(code string) (core.ActorRole, bool) {
	value, ok := v.ActorRoles[vocabularyKey(code)]
	return value, ok
}

func (v Vocabulary) ChatType(code string) (core.ChatType, bool) {
	value, ok := v.ChatTypes[vocabularyKey(code)]
	return value, ok
}

// Status maps a provider delivery status to sent, delivered, read or failed.
func (v Vocabulary) Status(code string) (string, bool) {
	value, ok := v.Statuses[vocabularyKey(code)]
	return value, ok
}

// VersionTag identifies the table, e.g. "green_api@2024-11".
func (v Vocabulary) VersionTag() string {
	return v.Provider + "@" + v.Version
}

func vocabularyKey(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// mapEventType applies the table and falls back to SYSTEM with the
// unmapped_type flag for codes the table does not know.
func mapEventType(vocab Vocabulary, code string, event *core.CanonicalEvent) {
	if mapped, ok := vocab.EventType(code); ok {
		event.EventType = mapped
		return
	}
	event.EventType = core.EventTypeSystem
	event.ActorRole = core.ActorRoleSystem
	event.AddRiskFlag(core.RiskFlagUnmappedType)
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	event.Payload["unmapped_code"] = strings.TrimSpace(code)
}

func mapActorRole(vocab Vocabulary, code string, event *core.CanonicalEvent) {
	if strings.TrimSpace(code) == "" {
		return
	}
	if mapped, ok := vocab.ActorRole(code); ok {
		event.ActorRole = mapped
		return
	}
	event.ActorRole = core.ActorRoleSystem
	event.AddRiskFlag(core.RiskFlagUnmappedType)
}

func mapChatType(vocab Vocabulary, code string, event *core.CanonicalEvent) {
	if strings.TrimSpace(code) == "" {
		return
	}
	if mapped, ok := vocab.ChatType(code); ok {
		event.ChatType = mapped
		return
	}
	event.ChatType = core.ChatTypeDirect
	event.AddRiskFlag(core.RiskFlagUnmappedType)
}

var canonicalStatuses = map[string]string{
	"sent":      "sent",
	"delivered": "delivered",
	"read":      "read",
	"failed":    "failed",
}

// WhatsAppCloudVocabulary covers the Cloud API webhook "messages" field.
var WhatsAppCloudVocabulary = Vocabulary{
	Provider: ProviderWhatsAppCloud,
	Version:  "v21.0",
	EventTypes: map[string]core.EventType{
		"message.text":        core.EventTypeMessageIn,
		"message.image":       core.EventTypeMessageIn,
		"message.audio":       core.EventTypeMessageIn,
		"message.video":       core.EventTypeMessageIn,
		"message.document":    core.EventTypeMessageIn,
		"message.sticker":     core.EventTypeMessageIn,
		"message.location":    core.EventTypeMessageIn,
		"message.contacts":    core.EventTypeMessageIn,
		"message.interactive": core.EventTypeMessageIn,
		"message.button":      core.EventTypeMessageIn,
		"message.reaction":    core.EventTypeMessageIn,
		"message.order":       core.EventTypeMessageIn,
		"message.system":      core.EventTypeSystem,
		"message.unsupported": core.EventTypeSystem,
		"echo.text":           core.EventTypeMessageOut,
		"echo.image":          core.EventTypeMessageOut,
		"echo.audio":          core.EventTypeMessageOut,
		"echo.video":          core.EventTypeMessageOut,
		"echo.document":       core.EventTypeMessageOut,
		"echo.sticker":        core.EventTypeMessageOut,
		"echo.location":       core.EventTypeMessageOut,
		"echo.interactive":    core.EventTypeMessageOut,
		"echo.template":       core.EventTypeMessageOut,
		"status.sent":         core.EventTypeStatusUpdate,
		"status.delivered":    core.EventTypeStatusUpdate,
		"status.read":         core.EventTypeStatusUpdate,
		"status.failed":       core.EventTypeStatusUpdate,
		"status.deleted":      core.EventTypeStatusUpdate,
	},
	ActorRoles: map[string]core.ActorRole{
		"user":     core.ActorRoleCustomer,
		"business": core.ActorRoleAgent,
		"system":   core.ActorRoleSystem,
	},
	ChatTypes: map[string]core.ChatType{
		"individual": core.ChatTypeDirect,
		"group":      core.ChatTypeGroup,
	},
	Statuses: map[string]string{
		"sent":      "sent",
		"delivered": "delivered",
		"read":      "read",
		"failed":    "failed",
		"deleted":   "failed",
	},
}

// GreenAPIVocabulary covers GreenAPI HTTP notifications.
var GreenAPIVocabulary = Vocabulary{
	Provider: ProviderGreenAPI,
	Version:  "2024-11",
	EventTypes: map[string]core.EventType{
		"webhook.incomingmessagereceived":    core.EventTypeMessageIn,
		"webhook.outgoingmessagereceived":    core.EventTypeMessageOut,
		"webhook.outgoingapimessagereceived": core.EventTypeMessageOut,
		"webhook.outgoingmessagestatus":      core.EventTypeStatusUpdate,
		"webhook.stateinstancechanged":       core.EventTypeSystem,
		"webhook.deviceinfo":                 core.EventTypeSystem,
		"webhook.incomingcall":               core.EventTypeSystem,
		"webhook.incomingblock":              core.EventTypeSystem,
		"webhook.groupparticipantupdate":     core.EventTypeGroupEvent,
	},
	ActorRoles: map[string]core.ActorRole{
		"incoming": core.ActorRoleCustomer,
		"outgoing": core.ActorRoleAgent,
		"system":   core.ActorRoleSystem,
	},
	ChatTypes: map[string]core.ChatType{
		"c.us": core.ChatTypeDirect,
		"g.us": core.ChatTypeGroup,
		"lid":  core.ChatTypeDirect,
	},
	Statuses: map[string]string{
		"pending":    "sent",
		"sent":       "sent",
		"delivered":  "delivered",
		"read":       "read",
		"failed":     "failed",
		"noaccount":  "failed",
		"notingroup": "failed",
		"yellowcard": "failed",
	},
}

// GenericVocabulary accepts canonical names and a few short aliases.
var GenericVocabulary = Vocabulary{
	Provider: ProviderGeneric,
	Version:  "1",
	EventTypes: map[string]core.EventType{
		"message_in":    core.EventTypeMessageIn,
		"message_out":   core.EventTypeMessageOut,
		"status_update": core.EventTypeStatusUpdate,
		"group_event":   core.EventTypeGroupEvent,
		"system":        core.EventTypeSystem,
		"in":            core.EventTypeMessageIn,
		"out":           core.EventTypeMessageOut,
		"status":        core.EventTypeStatusUpdate,
	},
	ActorRoles: map[string]core.ActorRole{
		"customer": core.ActorRoleCustomer,
		"agent":    core.ActorRoleAgent,
		"system":   core.ActorRoleSystem,
		"shopper":  core.ActorRoleAgent,
	},
	ChatTypes: map[string]core.ChatType{
		"direct": core.ChatTypeDirect,
		"group":  core.ChatTypeGroup,
	},
	Statuses: canonicalStatuses,
}
