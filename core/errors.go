package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ServiceErrorMalformedPayload     = "MALFORMED_PAYLOAD"
	ServiceErrorInvalidSignature     = "INVALID_SIGNATURE"
	ServiceErrorStoreUnavailable     = "STORE_UNAVAILABLE"
	ServiceErrorStaleAssignment      = "STALE_ASSIGNMENT"
	ServiceErrorConversationNotFound = "CONVERSATION_NOT_FOUND"
	ServiceErrorEventNotFound        = "EVENT_NOT_FOUND"
	ServiceErrorBadInput             = "BAD_INPUT"
	ServiceErrorInternal             = "INTERNAL_ERROR"
)

// NormalizationError reports a payload that could not be mapped to a
// canonical event.
type NormalizationError struct {
	Kind    string
	Field   string
	Message string
	Cause   error
}

func NewMalformedPayload(field, message string) *NormalizationError {
	return &NormalizationError{
		Kind:    ServiceErrorMalformedPayload,
		Field:   strings.TrimSpace(field),
		Message: strings.TrimSpace(message),
	}
}

func (e *NormalizationError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("normalize: ")
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString("malformed payload")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *NormalizationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *NormalizationError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	metadata := map[string]any{}
	if e.Field != "" {
		metadata["field"] = e.Field
	}
	return newServiceError(e.Error(), goerrors.CategoryBadInput, ServiceErrorMalformedPayload).
		WithMetadata(metadata)
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	var normErr *NormalizationError
	if errors.As(err, &normErr) {
		return normErr.ToServiceError()
	}

	switch {
	case errors.Is(err, ErrConversationNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorConversationNotFound)
	case errors.Is(err, ErrEventNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorEventNotFound)
	case errors.Is(err, ErrInvalidConversationStatusTransition):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorStaleAssignment)
	case errors.Is(err, context.DeadlineExceeded):
		return newServiceError(err.Error(), goerrors.CategoryOperation, ServiceErrorStoreUnavailable)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ServiceErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category, err.TextCode)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ServiceErrorBadInput
	case goerrors.CategoryNotFound:
		return ServiceErrorConversationNotFound
	case goerrors.CategoryAuth:
		return ServiceErrorInvalidSignature
	case goerrors.CategoryConflict:
		return ServiceErrorStaleAssignment
	default:
		return ServiceErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category, textCode string) int {
	if strings.TrimSpace(textCode) == ServiceErrorStoreUnavailable {
		return http.StatusServiceUnavailable
	}
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func invalidSignatureError(providerID string, cause error) *goerrors.Error {
	message := "signature verification failed"
	if cause != nil {
		message = message + ": " + cause.Error()
	}
	return newServiceError(message, goerrors.CategoryAuth, ServiceErrorInvalidSignature).
		WithMetadata(map[string]any{"provider_id": providerID})
}

func storeUnavailableError(operation string, cause error) *goerrors.Error {
	if cause == nil {
		cause = errors.New("store unavailable")
	}
	var richErr *goerrors.Error
	if goerrors.As(cause, &richErr) && richErr.TextCode != "" && richErr.TextCode != ServiceErrorInternal {
		return ensureServiceErrorEnvelope(richErr)
	}
	wrapped := goerrors.Wrap(cause, goerrors.CategoryOperation, "durable store unavailable during "+operation).
		WithTextCode(ServiceErrorStoreUnavailable).
		WithCode(http.StatusServiceUnavailable)
	return ensureServiceErrorEnvelope(wrapped)
}

func staleAssignmentError(conversationID, expected, current string) *goerrors.Error {
	return newServiceError("assignment changed since it was read", goerrors.CategoryConflict, ServiceErrorStaleAssignment).
		WithMetadata(map[string]any{
			"conversation_id":   conversationID,
			"expected_assignee": expected,
			"current_assignee":  current,
		})
}

func badInputError(field, message string) *goerrors.Error {
	return goerrors.NewValidation(message, goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ServiceErrorBadInput)
}

func conversationNotFoundError(conversationID string) *goerrors.Error {
	return newServiceError(ErrConversationNotFound.Error(), goerrors.CategoryNotFound, ServiceErrorConversationNotFound).
		WithMetadata(map[string]any{"conversation_id": conversationID})
}

// MapServiceError normalizes any error into the service envelope. Transport
// layers use it to pick a status code and text code.
func MapServiceError(err error) *goerrors.Error {
	return serviceErrorMapper(err)
}
