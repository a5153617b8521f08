package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-chatflow/core"
)

// MutatingService is the slice of core.Service the commands drive.
type MutatingService interface {
	Assign(ctx context.Context, req core.AssignRequest) (core.AssignmentDecision, error)
	Handoff(ctx context.Context, req core.HandoffRequest) (core.Conversation, error)
	Release(ctx context.Context, req core.ReleaseRequest) (core.Conversation, error)
	CloseConversation(ctx context.Context, req core.CloseRequest) (core.Conversation, error)
	DispatchPending(ctx context.Context, batchSize int) (core.DispatchStats, error)
}

type AssignCommand struct {
	service MutatingService
}

func NewAssignCommand(service MutatingService) *AssignCommand {
	return &AssignCommand{service: service}
}

func (c *AssignCommand) Execute(ctx context.Context, msg AssignMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: assign service is required")
	}
	out, err := c.service.Assign(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type HandoffCommand struct {
	service MutatingService
}

func NewHandoffCommand(service MutatingService) *HandoffCommand {
	return &HandoffCommand{service: service}
}

func (c *HandoffCommand) Execute(ctx context.Context, msg HandoffMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: handoff service is required")
	}
	out, err := c.service.Handoff(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReleaseCommand struct {
	service MutatingService
}

func NewReleaseCommand(service MutatingService) *ReleaseCommand {
	return &ReleaseCommand{service: service}
}

func (c *ReleaseCommand) Execute(ctx context.Context, msg ReleaseMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: release service is required")
	}
	out, err := c.service.Release(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CloseCommand struct {
	service MutatingService
}

func NewCloseCommand(service MutatingService) *CloseCommand {
	return &CloseCommand{service: service}
}

func (c *CloseCommand) Execute(ctx context.Context, msg CloseMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: close service is required")
	}
	out, err := c.service.CloseConversation(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DispatchPendingCommand struct {
	service MutatingService
}

func NewDispatchPendingCommand(service MutatingService) *DispatchPendingCommand {
	return &DispatchPendingCommand{service: service}
}

func (c *DispatchPendingCommand) Execute(ctx context.Context, msg DispatchPendingMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dispatch service is required")
	}
	out, err := c.service.DispatchPending(ctx, msg.BatchSize)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

var (
	_ gocmd.Commander[AssignMessage]          = (*AssignCommand)(nil)
	_ gocmd.Commander[HandoffMessage]         = (*HandoffCommand)(nil)
	_ gocmd.Commander[ReleaseMessage]         = (*ReleaseCommand)(nil)
	_ gocmd.Commander[CloseMessage]           = (*CloseCommand)(nil)
	_ gocmd.Commander[DispatchPendingMessage] = (*DispatchPendingCommand)(nil)
	_ MutatingService                         = (*core.Service)(nil)
)
