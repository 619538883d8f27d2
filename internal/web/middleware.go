package web

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	apperrors "github.com/Shugur-Network/relayfetch/internal/errors"
	"github.com/Shugur-Network/relayfetch/internal/limiter"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	"go.uber.org/zap"
)

// SecurityHeaders defines the security headers to be applied to responses
type SecurityHeaders struct {
	// Content Security Policy
	CSP string
	// X-Content-Type-Options - prevents MIME sniffing
	XContentTypeOptions string
	// Referrer-Policy - controls referrer information
	ReferrerPolicy string
	// Cache-Control for responses that are always fresh
	CacheControl string
}

// APISecurityHeaders returns security headers for the JSON endpoints.
// Nothing here is rendered by a browser, so scripts and frames are refused.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		CacheControl:        "no-store",
	}
}

// SecurityMiddleware wraps an http.Handler with security headers
func SecurityMiddleware(headers *SecurityHeaders) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers.Apply(w)
			next.ServeHTTP(w, r)
		})
	}
}

// Apply applies the security headers directly to a ResponseWriter
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	set := func(name, value string) {
		if value != "" {
			w.Header().Set(name, value)
		}
	}
	set("Content-Security-Policy", sh.CSP)
	set("X-Content-Type-Options", sh.XContentTypeOptions)
	set("Referrer-Policy", sh.ReferrerPolicy)
	set("Cache-Control", sh.CacheControl)
}

// InputValidation rejects requests that no route of this server accepts
// before any body is read.
type InputValidation struct {
	// MaxPathLength limits URL path length
	MaxPathLength int
	// MaxQueryLength limits query string length
	MaxQueryLength int
	// MaxHeaderLength limits individual header length
	MaxHeaderLength int
	// AllowedQueryParams whitelist of allowed query parameter names
	AllowedQueryParams map[string]bool
	// PathPatterns allowed path patterns (regex)
	PathPatterns []*regexp.Regexp
}

// APIInputValidation returns validation settings for the fetch API.
func APIInputValidation(metricsPath string) *InputValidation {
	patterns := []*regexp.Regexp{
		regexp.MustCompile(`^/(fetch|latest|per-key|health)$`),
	}
	if metricsPath != "" {
		patterns = append(patterns, regexp.MustCompile(`^`+regexp.QuoteMeta(metricsPath)+`$`))
	}
	return &InputValidation{
		MaxPathLength:      256,
		MaxQueryLength:     1024,
		MaxHeaderLength:    8192,
		AllowedQueryParams: map[string]bool{"ready": true},
		PathPatterns:       patterns,
	}
}

// ValidateRequest validates an HTTP request against the input validation rules
func (iv *InputValidation) ValidateRequest(r *http.Request) error {
	if len(r.URL.Path) > iv.MaxPathLength {
		return &ValidationError{Type: "path_length", Message: "Request path too long", Field: "url_path"}
	}
	if len(r.URL.RawQuery) > iv.MaxQueryLength {
		return &ValidationError{Type: "query_length", Message: "Query string too long", Field: "query_string"}
	}

	pathValid := false
	for _, pattern := range iv.PathPatterns {
		if pattern.MatchString(r.URL.Path) {
			pathValid = true
			break
		}
	}
	if !pathValid {
		return &ValidationError{Type: "invalid_path", Message: "Invalid request path", Field: "url_path", Value: r.URL.Path}
	}

	for param := range r.URL.Query() {
		if !iv.AllowedQueryParams[param] {
			return &ValidationError{Type: "invalid_query_param", Message: "Invalid query parameter", Field: param}
		}
	}

	for name, values := range r.Header {
		for _, value := range values {
			if len(value) > iv.MaxHeaderLength {
				return &ValidationError{Type: "header_length", Message: "Header value too long", Field: name}
			}
		}
	}
	for _, name := range []string{"X-Forwarded-For", "User-Agent", "X-Request-ID"} {
		if value := r.Header.Get(name); value != "" {
			if err := validateHeaderValue(name, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidationError represents an input validation error
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validateHeaderValue checks header values for injection patterns
func validateHeaderValue(name, value string) error {
	if !utf8.ValidString(value) {
		return &ValidationError{Type: "invalid_encoding", Message: "Invalid character encoding in header", Field: name}
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return &ValidationError{Type: "header_injection", Message: "Potential header injection detected", Field: name}
	}
	return nil
}

// ValidationMiddleware wraps an http.Handler with input validation
func ValidationMiddleware(validation *InputValidation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validation.ValidateRequest(r); err != nil {
				if validationErr, ok := err.(*ValidationError); ok {
					logger.Warn("Input validation failed",
						zap.String("type", validationErr.Type),
						zap.String("field", validationErr.Field),
						zap.String("client_ip", r.RemoteAddr),
						zap.String("path", r.URL.Path),
					)
				}
				if validationErr, ok := err.(*ValidationError); ok && validationErr.Type == "invalid_path" {
					http.NotFound(w, r)
					return
				}
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware charges every request to its client address. Refused
// requests get a JSON error before the body is read.
func RateLimitMiddleware(rl *limiter.RateLimiter, errs *apperrors.ErrorMiddleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := rl.Allow(clientKey(r))
			if decision == limiter.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			metrics.HTTPRateLimited.WithLabelValues(decision.String()).Inc()
			w.Header().Set("Retry-After", "1")
			errs.HandleError(w, r, apperrors.New(apperrors.ErrorTypeRateLimit, "RATE_LIMITED", "too many requests").
				WithDetails(decision.String()).
				WithSeverity(apperrors.SeverityLow))
		})
	}
}

// clientKey is the remote host without its port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
