package command

import (
	"context"
	"net/http"
	"testing"

	"github.com/goliatone/go-chatflow/core"
	goerrors "github.com/goliatone/go-errors"
)

func TestHandoffMessage_ValidateReturnsRichError(t *testing.T) {
	err := (HandoffMessage{Request: core.HandoffRequest{
		ConversationID:   "conv_1",
		PreviousAssignee: "agent_1",
		NextAssignee:     "agent_1",
	}}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.TextCode != core.ServiceErrorBadInput {
		t.Fatalf("expected %q text code, got %q", core.ServiceErrorBadInput, rich.TextCode)
	}
	if rich.Code != http.StatusBadRequest {
		t.Fatalf("expected %d code, got %d", http.StatusBadRequest, rich.Code)
	}
	validation := rich.AllValidationErrors()
	if len(validation) == 0 || validation[0].Field != "next_assignee" {
		t.Fatalf("expected next_assignee validation field, got %#v", validation)
	}
}

func TestMessages_ValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		field string
	}{
		{name: "assign", err: (AssignMessage{}).Validate(), field: "conversation_id"},
		{name: "close", err: (CloseMessage{}).Validate(), field: "conversation_id"},
		{name: "release", err: (ReleaseMessage{Request: core.ReleaseRequest{ConversationID: "conv_1"}}).Validate(), field: "previous_assignee"},
		{name: "dispatch", err: (DispatchPendingMessage{BatchSize: -1}).Validate(), field: "batch_size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rich *goerrors.Error
			if !goerrors.As(tc.err, &rich) {
				t.Fatalf("expected go-errors envelope, got %v", tc.err)
			}
			validation := rich.AllValidationErrors()
			if len(validation) == 0 || validation[0].Field != tc.field {
				t.Fatalf("expected %s validation field, got %#v", tc.field, validation)
			}
		})
	}
	if err := (DispatchPendingMessage{}).Validate(); err != nil {
		t.Fatalf("expected zero batch size to be valid, got %v", err)
	}
}

func TestAssignCommand_NilServiceReturnsRichError(t *testing.T) {
	var c *AssignCommand
	err := c.Execute(context.Background(), AssignMessage{Request: core.AssignRequest{ConversationID: "conv_1"}})
	if err == nil {
		t.Fatalf("expected dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
	if rich.TextCode != core.ServiceErrorInternal || rich.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected envelope %q %d", rich.TextCode, rich.Code)
	}
}
