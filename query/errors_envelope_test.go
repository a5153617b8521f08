package query

import (
	"context"
	"net/http"
	"testing"

	"github.com/goliatone/go-chatflow/core"
	goerrors "github.com/goliatone/go-errors"
)

func TestGetEventMessage_ValidateReturnsRichError(t *testing.T) {
	err := (GetEventMessage{EventID: "  "}).Validate()
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
	if len(validation) == 0 || validation[0].Field != "event_id" {
		t.Fatalf("expected event_id validation field, got %#v", validation)
	}
}

func TestConversationMessages_RequireConversationID(t *testing.T) {
	if err := (GetConversationMessage{}).Validate(); err == nil {
		t.Fatalf("expected get conversation validation error")
	}
	if err := (ListParticipantsMessage{}).Validate(); err == nil {
		t.Fatalf("expected list participants validation error")
	}
	if err := (ListParticipantsMessage{ConversationID: "conv_1"}).Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestGetConversationQuery_NilReaderReturnsRichError(t *testing.T) {
	var q *GetConversationQuery
	_, err := q.Query(context.Background(), GetConversationMessage{ConversationID: "conv_1"})
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
	if rich.TextCode != core.ServiceErrorInternal {
		t.Fatalf("expected %q text code, got %q", core.ServiceErrorInternal, rich.TextCode)
	}
	if rich.Code != http.StatusInternalServerError {
		t.Fatalf("expected %d code, got %d", http.StatusInternalServerError, rich.Code)
	}
}
