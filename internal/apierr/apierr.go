// Package apierr builds the gateway's rich errors and maps them to HTTP.
package apierr

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodePartner      = "PARTNER_ERROR"
	CodeInternal     = "INTERNAL_ERROR"
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

// Validation returns a 400 error carrying one field error per message.
func Validation(message string, fields ...goerrors.FieldError) error {
	return goerrors.NewValidation(message, fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(CodeValidation).
		WithSeverity(goerrors.SeverityError)
}

// BadInput is a validation failure without field detail.
func BadInput(message string) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, CodeValidation, nil)
}

func Unauthorized(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, CodeUnauthorized, nil)
}

func NotFound(message string) error {
	return newError(message, goerrors.CategoryNotFound, http.StatusNotFound, CodeNotFound, nil)
}

func Conflict(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryConflict, http.StatusConflict, CodeConflict, metadata)
}

// Partner reports a failed partner call. detail is the partner's own
// message and is passed to the caller verbatim.
func Partner(message, detail string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["detail"] = detail
	return newError(message, goerrors.CategoryExternal, http.StatusInternalServerError, CodePartner, metadata)
}

// PartnerNotFound is Partner for lookups the partner could not satisfy.
func PartnerNotFound(message, detail string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["detail"] = detail
	return newError(message, goerrors.CategoryExternal, http.StatusNotFound, CodeNotFound, metadata)
}

// Internal wraps an unexpected failure.
func Internal(err error, message string) error {
	if err == nil {
		return newError(message, goerrors.CategoryInternal, http.StatusInternalServerError, CodeInternal, nil)
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(CodeInternal)
}

// Status maps err to an HTTP status. Plain errors are internal.
func Status(err error) int {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return http.StatusInternalServerError
	}
	if rich.Code != 0 {
		return rich.Code
	}
	switch rich.Category {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return http.StatusBadRequest
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err is a rich error of the given category.
func Is(err error, category goerrors.Category) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.Category == category
}

// Detail is the caller-visible description of err: field messages for
// validation, the partner's message for partner failures, and the root
// message for anything else.
type Detail struct {
	Message string
	Error   string
	Errors  []string
}

func Describe(err error) Detail {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return Detail{Message: "Internal server error", Error: rootMessage(err)}
	}

	d := Detail{Message: rich.Message}
	switch rich.Category {
	case goerrors.CategoryValidation:
		for _, fe := range rich.AllValidationErrors() {
			d.Errors = append(d.Errors, fe.Message)
		}
	case goerrors.CategoryExternal:
		if s, ok := rich.Metadata["detail"].(string); ok {
			d.Error = s
		}
	case goerrors.CategoryInternal:
		d.Message = "Internal server error"
		if src := errors.Unwrap(rich); src != nil {
			d.Error = rootMessage(src)
		} else {
			d.Error = rich.Message
		}
	}
	return d
}

func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
