package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-chatflow/core"
)

type ConversationHandler struct {
	api ConversationAPI
}

func NewConversationHandler(api ConversationAPI) *ConversationHandler {
	return &ConversationHandler{api: api}
}

type handoffBody struct {
	PreviousAssignee string `json:"previous_assignee"`
	NextAssignee     string `json:"next_assignee"`
	Reason           string `json:"reason"`
	Actor            string `json:"actor"`
	Notice           string `json:"notice"`
}

type releaseBody struct {
	PreviousAssignee string `json:"previous_assignee"`
	Reason           string `json:"reason"`
	Actor            string `json:"actor"`
}

type closeBody struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (h *ConversationHandler) Get(c *gin.Context) {
	view, err := h.api.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConversationViewJSON(view))
}

func (h *ConversationHandler) Handoff(c *gin.Context) {
	var body handoffBody
	if !bindOptionalJSON(c, &body) {
		return
	}
	conversation, err := h.api.Handoff(c.Request.Context(), core.HandoffRequest{
		ConversationID:   c.Param("id"),
		PreviousAssignee: body.PreviousAssignee,
		NextAssignee:     body.NextAssignee,
		Reason:           body.Reason,
		Actor:            body.Actor,
		Notice:           body.Notice,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConversationJSON(conversation))
}

func (h *ConversationHandler) Release(c *gin.Context) {
	var body releaseBody
	if !bindOptionalJSON(c, &body) {
		return
	}
	conversation, err := h.api.Release(c.Request.Context(), core.ReleaseRequest{
		ConversationID:   c.Param("id"),
		PreviousAssignee: body.PreviousAssignee,
		Reason:           body.Reason,
		Actor:            body.Actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConversationJSON(conversation))
}

func (h *ConversationHandler) Close(c *gin.Context) {
	var body closeBody
	if !bindOptionalJSON(c, &body) {
		return
	}
	conversation, err := h.api.CloseConversation(c.Request.Context(), core.CloseRequest{
		ConversationID: c.Param("id"),
		Reason:         body.Reason,
		Actor:          body.Actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConversationJSON(conversation))
}

// bindOptionalJSON accepts an empty body as the zero value.
func bindOptionalJSON(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, errorEnvelope{Error: strings.ToLower(core.ServiceErrorBadInput), Message: err.Error()})
		return false
	}
	return true
}

type errorEnvelope struct {
	Error    string         `json:"error"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func respondError(c *gin.Context, err error) {
	mapped := core.MapServiceError(err)
	if mapped == nil {
		c.JSON(http.StatusInternalServerError, errorEnvelope{Error: strings.ToLower(core.ServiceErrorInternal)})
		return
	}
	status := mapped.Code
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	code := mapped.TextCode
	if code == "" {
		code = core.ServiceErrorInternal
	}
	c.JSON(status, errorEnvelope{
		Error:    strings.ToLower(code),
		Message:  mapped.Message,
		Metadata: mapped.Metadata,
	})
}

type conversationJSON struct {
	ID            string     `json:"id"`
	ThreadKey     string     `json:"thread_key"`
	ProviderID    string     `json:"provider_id"`
	ChannelID     string     `json:"channel_id,omitempty"`
	AccountID     string     `json:"account_id,omitempty"`
	CounterpartID string     `json:"counterpart_id,omitempty"`
	ChatType      string     `json:"chat_type"`
	GroupID       string     `json:"group_id,omitempty"`
	Status        string     `json:"status"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	OpenedBy      string     `json:"opened_by,omitempty"`
	MessageCount  int        `json:"message_count"`
	LastEventAt   time.Time  `json:"last_event_at"`
	LastActorID   string     `json:"last_actor_id,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	Tags          []string   `json:"tags"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type participantJSON struct {
	ActorID     string    `json:"actor_id"`
	Role        string    `json:"role"`
	DisplayName string    `json:"display_name,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	IsBlocked   bool      `json:"is_blocked"`
}

type assignmentJSON struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	FromAssignee string    `json:"from_assignee,omitempty"`
	ToAssignee   string    `json:"to_assignee,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type conversationViewJSON struct {
	Conversation conversationJSON  `json:"conversation"`
	Participants []participantJSON `json:"participants"`
	History      []assignmentJSON  `json:"history"`
}

func newConversationJSON(in core.Conversation) conversationJSON {
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	return conversationJSON{
		ID:            in.ID,
		ThreadKey:     in.ThreadKey,
		ProviderID:    in.ProviderID,
		ChannelID:     in.ChannelID,
		AccountID:     in.AccountID,
		CounterpartID: in.CounterpartID,
		ChatType:      string(in.ChatType),
		GroupID:       in.GroupID,
		Status:        string(in.Status),
		AssignedTo:    in.AssignedTo,
		OpenedBy:      in.OpenedBy,
		MessageCount:  in.MessageCount,
		LastEventAt:   in.LastEventAt,
		LastActorID:   in.LastActorID,
		ClosedAt:      in.ClosedAt,
		Tags:          tags,
		Version:       in.Version,
		CreatedAt:     in.CreatedAt,
		UpdatedAt:     in.UpdatedAt,
	}
}

func newConversationViewJSON(view core.ConversationView) conversationViewJSON {
	out := conversationViewJSON{
		Conversation: newConversationJSON(view.Conversation),
		Participants: make([]participantJSON, 0, len(view.Participants)),
		History:      make([]assignmentJSON, 0, len(view.History)),
	}
	for _, p := range view.Participants {
		out.Participants = append(out.Participants, participantJSON{
			ActorID:     p.ActorID,
			Role:        string(p.Role),
			DisplayName: p.DisplayName,
			FirstSeenAt: p.FirstSeenAt,
			LastSeenAt:  p.LastSeenAt,
			IsBlocked:   p.IsBlocked,
		})
	}
	for _, record := range view.History {
		out.History = append(out.History, assignmentJSON{
			ID:           record.ID,
			Action:       string(record.Action),
			FromAssignee: record.FromAssignee,
			ToAssignee:   record.ToAssignee,
			Reason:       record.Reason,
			Actor:        record.Actor,
			CreatedAt:    record.CreatedAt,
		})
	}
	return out
}
