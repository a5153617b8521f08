package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-chatflow/core"
)

var (
	_ gocmd.Message = GetConversationMessage{}
	_ gocmd.Message = ListParticipantsMessage{}
	_ gocmd.Message = GetEventMessage{}

	_ gocmd.Querier[GetConversationMessage, core.ConversationView]    = (*GetConversationQuery)(nil)
	_ gocmd.Querier[ListParticipantsMessage, []core.ThreadParticipant] = (*ListParticipantsQuery)(nil)
	_ gocmd.Querier[GetEventMessage, EventView]                         = (*GetEventQuery)(nil)

	_ ReadService = (*core.Service)(nil)
)
