package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the failure taxonomy shared by the classifier and the user messaging table.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNetwork    Kind = "network"
	KindAuth       Kind = "auth"
	KindBackend    Kind = "backend"
	KindUnknown    Kind = "unknown"
)

// Error codes for caller-actionable failures.
const (
	CodeValidation         = "VALIDATION_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeConflict           = "CONFLICT"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodePendingApproval    = "PENDING_APPROVAL"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNetwork            = "NETWORK_ERROR"
	CodeBackend            = "BACKEND_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code string, kind Kind, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Kind: kind, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, KindValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return NewDomainError(CodeNotFound, KindValidation, fmt.Sprintf("%s not found", resource), http.StatusNotFound, details)
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, KindAuth, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, KindAuth, message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, KindValidation, message, http.StatusConflict, details)
}

func NewInvalidCredentials(err error) error {
	de := NewDomainError(CodeInvalidCredentials, KindAuth, "invalid email or password", http.StatusUnauthorized, nil)
	de.Err = err
	return de
}

func NewPendingApproval() error {
	return NewDomainError(CodePendingApproval, KindAuth, "your account is pending approval", http.StatusForbidden, nil)
}

// NewRateLimited reports a denied request together with the quota state the UI needs
// to render a countdown.
func NewRateLimited(remaining int, resetAt, now time.Time) error {
	wait := resetAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	seconds := int((wait + time.Second - 1) / time.Second)
	return NewDomainError(CodeRateLimited, KindValidation,
		fmt.Sprintf("too many attempts, try again in %d seconds", seconds),
		http.StatusTooManyRequests,
		map[string]any{
			"remaining":           remaining,
			"reset_at":            resetAt.UTC().Format(time.RFC3339),
			"retry_after_seconds": seconds,
		})
}

func NewNetworkError(message string, err error) error {
	de := NewDomainError(CodeNetwork, KindNetwork, message, http.StatusBadGateway, nil)
	de.Err = err
	return de
}

func NewBackendError(message string, err error) error {
	de := NewDomainError(CodeBackend, KindBackend, message, http.StatusServiceUnavailable, nil)
	de.Err = err
	return de
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Kind:       KindUnknown,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// KindOf returns the explicit kind for typed errors and falls back to inspecting
// well-known library error types, then to message markers for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Kind != "" {
		return domainErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return KindNetwork
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return KindBackend
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindFromMessage(err.Error())
}

// KindFromMessage applies the legacy marker table to a raw message.
func KindFromMessage(message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "validation"):
		return KindValidation
	case strings.Contains(msg, "network"), strings.Contains(msg, "fetch"):
		return KindNetwork
	case strings.Contains(msg, "auth"), strings.Contains(msg, "login"):
		return KindAuth
	case strings.Contains(msg, "database"):
		return KindBackend
	default:
		return KindUnknown
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if de, ok := NewNotFound("resource", nil).(*DomainError); ok {
			return de
		}
	}
	switch KindOf(err) {
	case KindNetwork:
		return NewNetworkError("upstream unavailable", err).(*DomainError)
	case KindBackend:
		return NewBackendError("backend failure", err).(*DomainError)
	case KindAuth:
		de := NewDomainError(CodeUnauthorized, KindAuth, "authentication failed", http.StatusUnauthorized, nil)
		de.Err = err
		return de
	case KindValidation:
		de := NewDomainError(CodeValidation, KindValidation, "invalid request", http.StatusBadRequest, nil)
		de.Err = err
		return de
	}
	return NewInternalError(err).(*DomainError)
}

// IsCode reports whether err carries the given DomainError code.
func IsCode(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
