package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/logger"
	"go.uber.org/zap"
)

// ErrorResponse represents the JSON response format for errors
type ErrorResponse struct {
	Error struct {
		Type      ErrorType `json:"type"`
		Code      string    `json:"code"`
		Message   string    `json:"message"`
		Details   string    `json:"details,omitempty"`
		Timestamp time.Time `json:"timestamp"`
		RequestID string    `json:"request_id,omitempty"`
	} `json:"error"`
}

// ErrorMiddleware handles error processing and response formatting
type ErrorMiddleware struct {
	logger *zap.Logger
}

// NewErrorMiddleware creates a new error middleware instance
func NewErrorMiddleware() *ErrorMiddleware {
	return &ErrorMiddleware{
		logger: logger.New("error_middleware"),
	}
}

// HandleError processes an error and sends appropriate HTTP response
func (em *ErrorMiddleware) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := AsAppError(err)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "An internal error occurred").
			WithSeverity(SeverityHigh)
	}
	if requestID := r.Header.Get("X-Request-ID"); requestID != "" && appErr.RequestID == "" {
		appErr.RequestID = requestID
	}

	em.logError(appErr, r)
	em.sendErrorResponse(w, appErr)
}

func (em *ErrorMiddleware) logError(err *AppError, r *http.Request) {
	fields := []zap.Field{
		zap.String("error_type", string(err.Type)),
		zap.String("error_code", err.Code),
		zap.String("severity", string(err.Severity)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	}
	if err.RequestID != "" {
		fields = append(fields, zap.String("request_id", err.RequestID))
	}
	if err.Details != "" {
		fields = append(fields, zap.String("details", err.Details))
	}
	if err.Cause != nil {
		fields = append(fields, zap.Error(err.Cause))
	}
	if err.Severity == SeverityHigh || err.Severity == SeverityCritical {
		fields = append(fields, zap.String("stack_trace", err.StackTrace))
	}

	switch err.Severity {
	case SeverityLow:
		em.logger.Info(err.Message, fields...)
	case SeverityMedium:
		em.logger.Warn(err.Message, fields...)
	default:
		em.logger.Error(err.Message, fields...)
	}
}

func (em *ErrorMiddleware) sendErrorResponse(w http.ResponseWriter, err *AppError) {
	var response ErrorResponse
	response.Error.Type = err.Type
	response.Error.Code = err.Code
	response.Error.Message = err.Message
	response.Error.Timestamp = err.Timestamp
	response.Error.RequestID = err.RequestID
	// validation details are the caller's own input and safe to echo
	if err.Type == ErrorTypeValidation {
		response.Error.Details = err.Details
	} else if err.UserMessage != "" {
		response.Error.Message = err.UserMessage
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err.Type))
	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		em.logger.Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

// HTTPStatus maps error types to HTTP status codes
func HTTPStatus(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeNetwork, ErrorTypeRelay:
		return http.StatusBadGateway
	case ErrorTypeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// RecoveryMiddleware recovers from panics and converts them to structured errors
func (em *ErrorMiddleware) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				var err error
				if e, ok := recovered.(error); ok {
					err = e
				} else {
					err = fmt.Errorf("panic: %v", recovered)
				}
				em.HandleError(w, r, Wrap(err, ErrorTypeInternal, "PANIC_RECOVERED", "An unexpected error occurred").
					WithSeverity(SeverityCritical))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// HandlerFunc is an http handler that can return an error
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// WrapHandler adapts a HandlerFunc, rendering any returned error as JSON.
func (em *ErrorMiddleware) WrapHandler(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			em.HandleError(w, r, err)
		}
	})
}
