package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chatcommand "github.com/goliatone/go-chatflow/command"
	"github.com/goliatone/go-chatflow/core"
	chatquery "github.com/goliatone/go-chatflow/query"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// Service is everything the chatflow command and query handlers call.
type Service interface {
	chatcommand.MutatingService
	chatquery.ReadService
}

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

// Bus registers the chatflow handlers with a go-command registry and the
// process-wide dispatcher. Close drops every subscription it made.
type Bus struct {
	registry   *command.Registry
	runnerOpts []runner.Option

	mu            sync.Mutex
	subscriptions []commanddispatcher.Subscription
}

func NewBus(registry *command.Registry, runnerOpts ...runner.Option) *Bus {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &Bus{registry: registry, runnerOpts: runnerOpts}
}

func (b *Bus) Registry() *command.Registry {
	if b == nil {
		return nil
	}
	return b.registry
}

// Bind wires every chatflow command and query to svc.
func (b *Bus) Bind(svc Service) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if svc == nil {
		return fmt.Errorf("gocommand: chatflow service is required")
	}
	steps := []func() error{
		func() error { return registerCommand(b, chatcommand.NewAssignCommand(svc)) },
		func() error { return registerCommand(b, chatcommand.NewHandoffCommand(svc)) },
		func() error { return registerCommand(b, chatcommand.NewReleaseCommand(svc)) },
		func() error { return registerCommand(b, chatcommand.NewCloseCommand(svc)) },
		func() error { return registerCommand(b, chatcommand.NewDispatchPendingCommand(svc)) },
		func() error { return registerQuery(b, chatquery.NewGetConversationQuery(svc)) },
		func() error { return registerQuery(b, chatquery.NewListParticipantsQuery(svc)) },
		func() error { return registerQuery(b, chatquery.NewGetEventQuery(svc)) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.Close()
			return err
		}
	}
	return nil
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so they can be enqueued by type.
func (b *Bus) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return b.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (b *Bus) Initialize() error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return b.registry.Initialize()
}

func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

func (b *Bus) track(sub commanddispatcher.Subscription) {
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	b.mu.Unlock()
}

func registerCommand[T any](b *Bus, cmd command.Commander[T]) error {
	sub := commanddispatcher.SubscribeCommand(cmd, b.runnerOpts...)
	if err := b.registry.RegisterCommand(cmd); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return err
	}
	b.track(sub)
	return nil
}

func registerQuery[T any, R any](b *Bus, qry command.Querier[T, R]) error {
	sub := commanddispatcher.SubscribeQuery(qry, b.runnerOpts...)
	if err := b.registry.RegisterCommand(qry); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return err
	}
	b.track(sub)
	return nil
}

// Dispatch validates msg and sends it through the dispatcher.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// Execute dispatches msg and returns the value the command stored.
func Execute[T any, R any](ctx context.Context, msg T) (R, error) {
	var zero R
	collector := command.NewResult[R]()
	if err := Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	out, ok := collector.Load()
	if !ok {
		return zero, fmt.Errorf("gocommand: %T produced no result", msg)
	}
	return out, nil
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

var _ Service = (*core.Service)(nil)
