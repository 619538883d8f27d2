package errors

import (
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Sentinels for errors.Is. Matching is by Code, see AppError.Is.
var (
	ErrRequestValidation   = &AppError{Type: ErrorTypeValidation, Code: "INVALID_REQUEST", Message: "invalid request"}
	ErrInvalidRelayURL     = &AppError{Type: ErrorTypeValidation, Code: "INVALID_RELAY_URL", Message: "invalid relay url"}
	ErrRelayConnect        = &AppError{Type: ErrorTypeNetwork, Code: "RELAY_CONNECT_FAILED", Message: "relay connection failed"}
	ErrRelayDisconnected   = &AppError{Type: ErrorTypeNetwork, Code: "RELAY_DISCONNECTED", Message: "relay disconnected"}
	ErrRelayNotice         = &AppError{Type: ErrorTypeRelay, Code: "RELAY_NOTICE", Message: "relay rejected the request"}
	ErrSubscriptionFailed  = &AppError{Type: ErrorTypeRelay, Code: "SUBSCRIPTION_FAILED", Message: "subscription failed"}
	ErrSubscriptionAborted = &AppError{Type: ErrorTypeTimeout, Code: "SUBSCRIPTION_ABORTED", Message: "subscription aborted"}
)

// RequestValidationError builds one error listing every violated rule.
func RequestValidationError(violations []string) *AppError {
	return New(ErrorTypeValidation, ErrRequestValidation.Code,
		fmt.Sprintf("invalid request:\n  - %s", strings.Join(violations, "\n  - "))).
		WithSeverity(SeverityLow).
		WithUserMessage("The request is invalid. Please check relays, filters and limits.")
}

// InvalidRelayURLError creates an error for a relay address that cannot be normalized
func InvalidRelayURLError(url, reason string) *AppError {
	return New(ErrorTypeValidation, ErrInvalidRelayURL.Code, fmt.Sprintf("invalid relay url %q", url)).
		WithSeverity(SeverityLow).
		WithDetails(reason)
}

// RelayConnectError creates an error for a failed websocket handshake
func RelayConnectError(url string, cause error) *AppError {
	return Wrap(cause, ErrorTypeNetwork, ErrRelayConnect.Code, fmt.Sprintf("connect to %s failed", url)).
		WithSeverity(SeverityMedium)
}

// RelayDisconnectedError classifies a transport failure on an open connection.
func RelayDisconnectedError(url string, cause error) *AppError {
	appErr := Wrap(cause, ErrorTypeNetwork, ErrRelayDisconnected.Code, fmt.Sprintf("connection to %s lost", url))
	switch {
	case cause == nil, websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		appErr.Severity = SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		appErr.Severity = SeverityMedium
		appErr.UserMessage = "Relay connection lost unexpectedly."
	default:
		appErr.Severity = SeverityMedium
	}
	return appErr
}

// RelayNoticeError wraps a NOTICE judged relevant to the pending request.
func RelayNoticeError(url, notice string) *AppError {
	return New(ErrorTypeRelay, ErrRelayNotice.Code, fmt.Sprintf("notice from %s", url)).
		WithSeverity(SeverityLow).
		WithDetails(notice)
}

// SubscriptionFailedError ends one relay's contribution with a failure.
func SubscriptionFailedError(url, reason string, cause error) *AppError {
	e := Wrap(cause, ErrorTypeRelay, ErrSubscriptionFailed.Code, fmt.Sprintf("subscription on %s failed", url)).
		WithSeverity(SeverityLow)
	if reason != "" {
		e.Details = reason
	}
	return e
}

// SubscriptionAbortedError ends one relay's contribution on inactivity or cancellation.
func SubscriptionAbortedError(url, reason string) *AppError {
	return New(ErrorTypeTimeout, ErrSubscriptionAborted.Code, fmt.Sprintf("subscription on %s aborted", url)).
		WithSeverity(SeverityLow).
		WithDetails(reason)
}

// InternalError creates an internal error
func InternalError(message string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "INTERNAL_ERROR", message).
		WithSeverity(SeverityHigh).
		WithUserMessage("An internal error occurred. Please try again.")
}

// NotFoundError creates a not found error
func NotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithSeverity(SeverityLow).
		WithUserMessage("The requested resource was not found.")
}
