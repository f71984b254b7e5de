// Package failures holds the error taxonomy shared by the sync pipeline.
// Every kind is a go-errors envelope carrying a category, an HTTP status
// and a stable text code so the HTTP layer can render it without guessing.
package failures

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeInvalidTimestamp  = "INVALID_TIMESTAMP"
	CodeValidation        = "VALIDATION_ERROR"
	CodeConflict          = "VERSION_CONFLICT"
	CodeNotFound          = "NOT_FOUND"
	CodeTransientInfra    = "TRANSIENT_INFRA"
	CodePermanentDelivery = "PERMANENT_DELIVERY"
	CodePersistence       = "PERSISTENCE_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

func newError(message string, category goerrors.Category, status int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(status).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func wrapError(source error, message string, category goerrors.Category, status int, textCode string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return newError(message, category, status, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(status).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// InvalidSignature is an AuthenticationError for a missing, malformed or
// mismatching signature.
func InvalidSignature(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, CodeInvalidSignature, nil)
}

// InvalidTimestamp is an AuthenticationError for a missing, unparsable or
// stale timestamp.
func InvalidTimestamp(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, CodeInvalidTimestamp, nil)
}

// Validation reports a malformed event or request. fields maps a field path
// to the rule it broke.
func Validation(message string, fields map[string]string) error {
	var metadata map[string]any
	if len(fields) > 0 {
		metadata = map[string]any{"fields": fields}
	}
	return newError(message, goerrors.CategoryValidation, http.StatusBadRequest, CodeValidation, metadata)
}

// Conflict reports an optimistic concurrency mismatch.
func Conflict(message string, expected, actual int64) error {
	return newError(message, goerrors.CategoryConflict, http.StatusConflict, CodeConflict, map[string]any{
		"expected_version": expected,
		"actual_version":   actual,
	})
}

func NotFound(message string) error {
	return newError(message, goerrors.CategoryNotFound, http.StatusNotFound, CodeNotFound, nil)
}

// Transient wraps broker or connection failures that already exhausted
// their bounded retries.
func Transient(source error, message string) error {
	return wrapError(source, message, goerrors.CategoryExternal, http.StatusServiceUnavailable, CodeTransientInfra, nil)
}

// PermanentDelivery marks a 4xx answer from a delivery target.
func PermanentDelivery(statusCode int, message string) error {
	return newError(message, goerrors.CategoryExternal, http.StatusBadGateway, CodePermanentDelivery, map[string]any{
		"status_code": statusCode,
	})
}

// Persistence wraps a failed statement or transaction.
func Persistence(source error, message string) error {
	return wrapError(source, message, goerrors.CategoryInternal, http.StatusInternalServerError, CodePersistence, nil)
}

// Is reports whether err carries the given text code.
func Is(err error, textCode string) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.TextCode == textCode
}

// TextCode returns the text code of err, or CodeInternal for plain errors.
func TextCode(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode != "" {
		return rich.TextCode
	}
	return CodeInternal
}

// HTTPStatus maps err to the status the ingestion and read APIs answer with.
func HTTPStatus(err error) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code > 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}

// Envelope is the JSON error body rendered by the HTTP layer.
type Envelope struct {
	Error EnvelopeError `json:"error"`
}

type EnvelopeError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Category string         `json:"category"`
	Details  map[string]any `json:"details,omitempty"`
}

// ToEnvelope renders err. Plain errors are reported as internal without
// leaking their text.
func ToEnvelope(err error) Envelope {
	var rich *goerrors.Error
	if !errors.As(err, &rich) {
		return Envelope{Error: EnvelopeError{
			Code:     CodeInternal,
			Message:  "internal server error",
			Category: string(goerrors.CategoryInternal),
		}}
	}
	return Envelope{Error: EnvelopeError{
		Code:     rich.TextCode,
		Message:  rich.Message,
		Category: string(rich.Category),
		Details:  rich.Metadata,
	}}
}
