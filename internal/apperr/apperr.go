// Package apperr defines the error taxonomy shared by the inference pipeline,
// the feedback store and the HTTP layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// InvalidImageError reports input that cannot be decoded or has no pixels.
type InvalidImageError struct {
	Message string
	Cause   error
}

func (e *InvalidImageError) Error() string { return format("invalid image", e.Message, e.Cause) }
func (e *InvalidImageError) Unwrap() error { return e.Cause }

// ModelExecutionError reports a runtime failure during a forward pass.
type ModelExecutionError struct {
	Message string
	Cause   error
}

func (e *ModelExecutionError) Error() string { return format("model execution", e.Message, e.Cause) }
func (e *ModelExecutionError) Unwrap() error { return e.Cause }

// DecodeError reports model output that does not match the selected format.
type DecodeError struct {
	Message string
	Cause   error
}

func (e *DecodeError) Error() string { return format("decode", e.Message, e.Cause) }
func (e *DecodeError) Unwrap() error { return e.Cause }

// StorageError reports a failure to persist a feedback record.
type StorageError struct {
	Message string
	Cause   error
}

func (e *StorageError) Error() string { return format("storage", e.Message, e.Cause) }
func (e *StorageError) Unwrap() error { return e.Cause }

func format(kind, msg string, cause error) string {
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", kind, msg, cause)
	}
	return fmt.Sprintf("%s: %s", kind, msg)
}

// InvalidImage builds an InvalidImageError.
func InvalidImage(msg string, cause error) error {
	return &InvalidImageError{Message: msg, Cause: cause}
}

// ModelExecution builds a ModelExecutionError.
func ModelExecution(msg string, cause error) error {
	return &ModelExecutionError{Message: msg, Cause: cause}
}

// Decode builds a DecodeError.
func Decode(msg string, cause error) error {
	return &DecodeError{Message: msg, Cause: cause}
}

// Storage builds a StorageError.
func Storage(msg string, cause error) error {
	return &StorageError{Message: msg, Cause: cause}
}

// HTTPStatus maps an error from the core onto a response status and a short
// machine-readable code.
func HTTPStatus(err error) (int, string) {
	var (
		invalid *InvalidImageError
		exec    *ModelExecutionError
		dec     *DecodeError
		store   *StorageError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "invalid_image"
	case errors.As(err, &exec):
		return http.StatusInternalServerError, "model_execution_error"
	case errors.As(err, &dec):
		return http.StatusInternalServerError, "decode_error"
	case errors.As(err, &store):
		return http.StatusServiceUnavailable, "storage_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return statusClientClosed, "canceled"
	}
	return http.StatusInternalServerError, "internal_error"
}

// statusClientClosed is the de-facto status for requests abandoned by the client.
const statusClientClosed = 499
