package domain

import (
	"errors"
	"net/http"
	"strings"
)

// Sentinel errors for fatal startup conditions.
var (
	ErrMissingConfig    = errors.New("missing config value")
	ErrStoreUnreachable = errors.New("store unreachable")
	ErrBusUnavailable   = errors.New("broadcast bus unavailable")
)

// Kind enumerates the closed set of application error variants.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindNotFound
	KindNotAuthorized
	KindPayloadTooLarge
	KindValidationFailure
	KindTooManyRequests
)

type kindInfo struct {
	name   string
	code   int
	status string
}

var kinds = [...]kindInfo{
	KindInternal:          {"internal", http.StatusInternalServerError, "error"},
	KindBadRequest:        {"bad_request", http.StatusBadRequest, "error"},
	KindNotFound:          {"not_found", http.StatusNotFound, "error"},
	KindNotAuthorized:     {"not_authorized", http.StatusUnauthorized, "error"},
	KindPayloadTooLarge:   {"payload_too_large", http.StatusRequestEntityTooLarge, "error"},
	KindValidationFailure: {"validation_failure", http.StatusBadRequest, "error"},
	KindTooManyRequests:   {"too_many_requests", http.StatusTooManyRequests, "error"},
}

func (k Kind) info() kindInfo {
	if k < 0 || int(k) >= len(kinds) {
		return kinds[KindInternal]
	}
	return kinds[k]
}

func (k Kind) String() string { return k.info().name }

// StatusCode returns the HTTP status fixed for the kind.
func (k Kind) StatusCode() int { return k.info().code }

// Status returns the status label fixed for the kind.
func (k Kind) Status() string { return k.info().status }

// ErrorResponse is the standard JSON error envelope returned to clients.
type ErrorResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Status     string `json:"status"`
}

// AppError is a typed application error carrying its HTTP intent.
// The zero value is not useful; build one with New or a kind constructor.
type AppError struct {
	kind    Kind
	message string
}

// New builds an AppError of the given kind. An empty or blank message is
// replaced with the standard status text of the kind's code, so every
// envelope carries a readable message.
func New(kind Kind, message string) *AppError {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(kind.StatusCode())
	}
	return &AppError{kind: kind, message: message}
}

func BadRequest(message string) *AppError        { return New(KindBadRequest, message) }
func NotFound(message string) *AppError          { return New(KindNotFound, message) }
func NotAuthorized(message string) *AppError     { return New(KindNotAuthorized, message) }
func PayloadTooLarge(message string) *AppError   { return New(KindPayloadTooLarge, message) }
func ValidationFailure(message string) *AppError { return New(KindValidationFailure, message) }
func TooManyRequests(message string) *AppError   { return New(KindTooManyRequests, message) }
func Internal(message string) *AppError          { return New(KindInternal, message) }

func (e *AppError) Error() string   { return e.message }
func (e *AppError) Kind() Kind      { return e.kind }
func (e *AppError) Message() string { return e.message }
func (e *AppError) StatusCode() int { return e.kind.StatusCode() }
func (e *AppError) Status() string  { return e.kind.Status() }

// Serialize projects the error onto the wire envelope.
func (e *AppError) Serialize() ErrorResponse {
	return ErrorResponse{
		Message:    e.message,
		StatusCode: e.StatusCode(),
		Status:     e.Status(),
	}
}

// AsAppError reports whether err is, or wraps, an AppError.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
