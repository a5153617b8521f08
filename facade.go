package chatflow

import (
	"context"
	"fmt"

	chatcommand "github.com/goliatone/go-chatflow/command"
	"github.com/goliatone/go-chatflow/core"
	chatquery "github.com/goliatone/go-chatflow/query"
	gocmd "github.com/goliatone/go-command"
)

type CommandQueryService interface {
	chatcommand.MutatingService
	chatquery.ReadService
}

type Commands struct {
	Assign          *chatcommand.AssignCommand
	Handoff         *chatcommand.HandoffCommand
	Release         *chatcommand.ReleaseCommand
	Close           *chatcommand.CloseCommand
	DispatchPending *chatcommand.DispatchPendingCommand
}

type Queries struct {
	GetConversation  *chatquery.GetConversationQuery
	ListParticipants *chatquery.ListParticipantsQuery
	GetEvent         *chatquery.GetEventQuery
}

// Facade exposes the conversation commands and queries with message
// validation applied before the service is called.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("chatflow: command/query service is required")
	}
	return &Facade{
		service: service,
		commands: Commands{
			Assign:          chatcommand.NewAssignCommand(service),
			Handoff:         chatcommand.NewHandoffCommand(service),
			Release:         chatcommand.NewReleaseCommand(service),
			Close:           chatcommand.NewCloseCommand(service),
			DispatchPending: chatcommand.NewDispatchPendingCommand(service),
		},
		queries: Queries{
			GetConversation:  chatquery.NewGetConversationQuery(service),
			ListParticipants: chatquery.NewListParticipantsQuery(service),
			GetEvent:         chatquery.NewGetEventQuery(service),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

func (f *Facade) Assign(ctx context.Context, req core.AssignRequest) (core.AssignmentDecision, error) {
	return execute[chatcommand.AssignMessage, core.AssignmentDecision](ctx, f.Commands().Assign, chatcommand.AssignMessage{Request: req})
}

func (f *Facade) Handoff(ctx context.Context, req core.HandoffRequest) (core.Conversation, error) {
	return execute[chatcommand.HandoffMessage, core.Conversation](ctx, f.Commands().Handoff, chatcommand.HandoffMessage{Request: req})
}

func (f *Facade) Release(ctx context.Context, req core.ReleaseRequest) (core.Conversation, error) {
	return execute[chatcommand.ReleaseMessage, core.Conversation](ctx, f.Commands().Release, chatcommand.ReleaseMessage{Request: req})
}

func (f *Facade) CloseConversation(ctx context.Context, req core.CloseRequest) (core.Conversation, error) {
	return execute[chatcommand.CloseMessage, core.Conversation](ctx, f.Commands().Close, chatcommand.CloseMessage{Request: req})
}

func (f *Facade) DispatchPending(ctx context.Context, batchSize int) (core.DispatchStats, error) {
	return execute[chatcommand.DispatchPendingMessage, core.DispatchStats](ctx, f.Commands().DispatchPending, chatcommand.DispatchPendingMessage{BatchSize: batchSize})
}

func (f *Facade) GetConversation(ctx context.Context, conversationID string) (core.ConversationView, error) {
	msg := chatquery.GetConversationMessage{ConversationID: conversationID}
	if err := msg.Validate(); err != nil {
		return core.ConversationView{}, err
	}
	return f.Queries().GetConversation.Query(ctx, msg)
}

func (f *Facade) ListParticipants(ctx context.Context, conversationID string) ([]core.ThreadParticipant, error) {
	msg := chatquery.ListParticipantsMessage{ConversationID: conversationID}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return f.Queries().ListParticipants.Query(ctx, msg)
}

func (f *Facade) GetEvent(ctx context.Context, eventID string) (chatquery.EventView, error) {
	msg := chatquery.GetEventMessage{EventID: eventID}
	if err := msg.Validate(); err != nil {
		return chatquery.EventView{}, err
	}
	return f.Queries().GetEvent.Query(ctx, msg)
}

type validatingMessage interface {
	Validate() error
}

func execute[T validatingMessage, R any](ctx context.Context, cmd gocmd.Commander[T], msg T) (R, error) {
	var zero R
	if err := msg.Validate(); err != nil {
		return zero, err
	}
	collector := gocmd.NewResult[R]()
	if err := cmd.Execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	out, _ := collector.Load()
	return out, nil
}
