package command

import (
	"context"
	"testing"

	"github.com/goliatone/go-chatflow/core"
	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
)

func TestAssignCommand_StoresDecision(t *testing.T) {
	svc := &stubMutatingService{decision: core.AssignmentDecision{Assignee: "agent_1"}}
	collector := gocmd.NewResult[core.AssignmentDecision]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := NewAssignCommand(svc).Execute(ctx, AssignMessage{Request: core.AssignRequest{ConversationID: "conv_1"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if svc.calls["assign"] != 1 {
		t.Fatalf("expected one assign call")
	}
	result, ok := collector.Load()
	if !ok || result.Assignee != "agent_1" {
		t.Fatalf("expected stored decision, got %+v ok=%v", result, ok)
	}
}

func TestConversationCommands_DelegateAndStoreConversation(t *testing.T) {
	svc := &stubMutatingService{conversation: core.Conversation{ID: "conv_1", Status: core.ConversationStatusAssigned}}
	cases := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{
			name: "handoff",
			run: func(ctx context.Context) error {
				return NewHandoffCommand(svc).Execute(ctx, HandoffMessage{Request: core.HandoffRequest{
					ConversationID: "conv_1", PreviousAssignee: "agent_1", NextAssignee: "agent_2",
				}})
			},
		},
		{
			name: "release",
			run: func(ctx context.Context) error {
				return NewReleaseCommand(svc).Execute(ctx, ReleaseMessage{Request: core.ReleaseRequest{
					ConversationID: "conv_1", PreviousAssignee: "agent_1",
				}})
			},
		},
		{
			name: "close",
			run: func(ctx context.Context) error {
				return NewCloseCommand(svc).Execute(ctx, CloseMessage{Request: core.CloseRequest{ConversationID: "conv_1"}})
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			collector := gocmd.NewResult[core.Conversation]()
			ctx := gocmd.ContextWithResult(context.Background(), collector)
			if err := tc.run(ctx); err != nil {
				t.Fatalf("execute: %v", err)
			}
			if svc.calls[tc.name] != 1 {
				t.Fatalf("expected one %s call, got %d", tc.name, svc.calls[tc.name])
			}
			result, ok := collector.Load()
			if !ok || result.ID != "conv_1" {
				t.Fatalf("expected stored conversation, got %+v ok=%v", result, ok)
			}
		})
	}
}

func TestHandoffCommand_PropagatesStaleAssignment(t *testing.T) {
	svc := &stubMutatingService{err: core.MapServiceError(core.ErrInvalidConversationStatusTransition)}
	err := NewHandoffCommand(svc).Execute(context.Background(), HandoffMessage{Request: core.HandoffRequest{
		ConversationID: "conv_1", PreviousAssignee: "agent_9", NextAssignee: "agent_2",
	}})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ServiceErrorStaleAssignment {
		t.Fatalf("expected stale assignment error, got %v", err)
	}
}

func TestDispatchPendingCommand_PassesBatchSize(t *testing.T) {
	svc := &stubMutatingService{stats: core.DispatchStats{Claimed: 2, Delivered: 2}}
	collector := gocmd.NewResult[core.DispatchStats]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := NewDispatchPendingCommand(svc).Execute(ctx, DispatchPendingMessage{BatchSize: 25}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if svc.batchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", svc.batchSize)
	}
	stats, ok := collector.Load()
	if !ok || stats.Delivered != 2 {
		t.Fatalf("expected stored stats, got %+v ok=%v", stats, ok)
	}
}

func TestCommands_WithoutResultCollector(t *testing.T) {
	svc := &stubMutatingService{}
	if err := NewCloseCommand(svc).Execute(context.Background(), CloseMessage{Request: core.CloseRequest{ConversationID: "conv_1"}}); err != nil {
		t.Fatalf("execute without collector: %v", err)
	}
}

type stubMutatingService struct {
	decision     core.AssignmentDecision
	conversation core.Conversation
	stats        core.DispatchStats
	err          error
	batchSize    int
	calls        map[string]int
}

func (s *stubMutatingService) record(name string) {
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[name]++
}

func (s *stubMutatingService) Assign(context.Context, core.AssignRequest) (core.AssignmentDecision, error) {
	s.record("assign")
	return s.decision, s.err
}

func (s *stubMutatingService) Handoff(context.Context, core.HandoffRequest) (core.Conversation, error) {
	s.record("handoff")
	return s.conversation, s.err
}

func (s *stubMutatingService) Release(context.Context, core.ReleaseRequest) (core.Conversation, error) {
	s.record("release")
	return s.conversation, s.err
}

func (s *stubMutatingService) CloseConversation(context.Context, core.CloseRequest) (core.Conversation, error) {
	s.record("close")
	return s.conversation, s.err
}

func (s *stubMutatingService) DispatchPending(_ context.Context, batchSize int) (core.DispatchStats, error) {
	s.record("dispatch")
	s.batchSize = batchSize
	return s.stats, s.err
}
