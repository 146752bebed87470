// Package apperr defines the business error taxonomy shared by the service and HTTP layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindBadRequest       Kind = "BAD_REQUEST"
	KindForbidden        Kind = "FORBIDDEN"
	KindConflict         Kind = "CONFLICT"
	KindInvalidSignature Kind = "INVALID_SIGNATURE"
	KindExternalProvider Kind = "EXTERNAL_PROVIDER"
)

// Stable error codes returned to API clients.
const (
	CodeEventNotFound          = "EVENT_NOT_FOUND"
	CodeTicketTypeNotFound     = "TICKET_TYPE_NOT_FOUND"
	CodeOrderNotFound          = "ORDER_NOT_FOUND"
	CodePaymentNotFound        = "PAYMENT_NOT_FOUND"
	CodeEventNotBookable       = "EVENT_NOT_BOOKABLE"
	CodeTicketTypeMismatch     = "TICKET_TYPE_MISMATCH"
	CodeInsufficientInventory  = "INSUFFICIENT_INVENTORY"
	CodeInvalidQuantity        = "INVALID_QUANTITY"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeAlreadyRefunded        = "ALREADY_REFUNDED"
	CodeUnknownSession         = "UNKNOWN_SESSION"
	CodeForbidden              = "FORBIDDEN"
	CodeInvalidEventSignature  = "INVALID_EVENT_SIGNATURE"
	CodePaymentProviderError   = "PAYMENT_PROVIDER_ERROR"
	CodeTicketTypeExists       = "TICKET_TYPE_EXISTS"
	CodeRequestInProgress      = "REQUEST_IN_PROGRESS"
)

// Error is a business-rule failure with a stable code and a human readable message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: ...}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(code, format string, args ...interface{}) *Error {
	return New(KindNotFound, code, format, args...)
}

func BadRequest(code, format string, args ...interface{}) *Error {
	return New(KindBadRequest, code, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return New(KindForbidden, CodeForbidden, format, args...)
}

func Conflict(code, format string, args ...interface{}) *Error {
	return New(KindConflict, code, format, args...)
}

func InvalidSignature(err error) *Error {
	return &Error{
		Kind:    KindInvalidSignature,
		Code:    CodeInvalidEventSignature,
		Message: "invalid webhook signature",
		Err:     err,
	}
}

func ExternalProvider(err error, format string, args ...interface{}) *Error {
	e := New(KindExternalProvider, CodePaymentProviderError, format, args...)
	e.Err = err
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps err to a response status; non-business errors map to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}

	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest, KindInvalidSignature:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindExternalProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
