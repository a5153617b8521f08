package gateway

import (
	"github.com/goliatone/go-chatflow/core"
	goerrors "github.com/goliatone/go-errors"
)

// TextCodeSendFailed marks a send the provider did not accept.
const TextCodeSendFailed = "SEND_FAILED"

func gatewayError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(gatewayTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func gatewayWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	metadata map[string]any,
) error {
	if source == nil {
		return gatewayError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(gatewayTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func gatewayTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.ServiceErrorBadInput
	case goerrors.CategoryExternal, goerrors.CategoryRateLimit:
		return TextCodeSendFailed
	default:
		return core.ServiceErrorInternal
	}
}
