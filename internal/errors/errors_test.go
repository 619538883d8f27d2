package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestSentinelsMatchByCode(t *testing.T) {
	err := fmt.Errorf("fetch: %w", RequestValidationError([]string{"relay list is empty", "limit must be positive"}))
	if !Is(err, ErrRequestValidation) {
		t.Fatal("wrapped validation error should match its sentinel")
	}
	if Is(err, ErrSubscriptionFailed) {
		t.Fatal("codes differ, must not match")
	}

	appErr, ok := AsAppError(err)
	if !ok {
		t.Fatal("AsAppError failed")
	}
	for _, want := range []string{"relay list is empty", "limit must be positive"} {
		if !strings.Contains(appErr.Message, want) {
			t.Errorf("message %q lacks %q", appErr.Message, want)
		}
	}
	if strings.Count(appErr.Message, "\n  - ") != 2 {
		t.Errorf("expected one line per violation: %q", appErr.Message)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	err := RelayConnectError("wss://relay.example.com", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("cause lost")
	}
	if err.Details != cause.Error() {
		t.Fatalf("details %q", err.Details)
	}
	if !Is(err, ErrRelayConnect) {
		t.Fatal("sentinel mismatch")
	}
}

func TestRelayDisconnectedSeverity(t *testing.T) {
	cases := []struct {
		cause error
		want  ErrorSeverity
	}{
		{nil, SeverityLow},
		{&websocket.CloseError{Code: websocket.CloseNormalClosure}, SeverityLow},
		{&websocket.CloseError{Code: websocket.CloseGoingAway}, SeverityMedium},
		{stderrors.New("read: connection reset"), SeverityMedium},
	}
	for _, tc := range cases {
		if got := RelayDisconnectedError("wss://r.example.com", tc.cause).Severity; got != tc.want {
			t.Errorf("%v: severity %s, want %s", tc.cause, got, tc.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	for typ, want := range map[ErrorType]int{
		ErrorTypeValidation: http.StatusBadRequest,
		ErrorTypeNotFound:   http.StatusNotFound,
		ErrorTypeRateLimit:  http.StatusTooManyRequests,
		ErrorTypeTimeout:    http.StatusGatewayTimeout,
		ErrorTypeRelay:      http.StatusBadGateway,
		ErrorTypeCanceled:   499,
		ErrorTypeInternal:   http.StatusInternalServerError,
	} {
		if got := HTTPStatus(typ); got != want {
			t.Errorf("%s: %d, want %d", typ, got, want)
		}
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestWrapHandler(t *testing.T) {
	em := NewErrorMiddleware()

	t.Run("validation details are echoed", func(t *testing.T) {
		h := em.WrapHandler(func(w http.ResponseWriter, r *http.Request) error {
			return RequestValidationError([]string{"filter list is empty"})
		})
		req := httptest.NewRequest(http.MethodPost, "/latest", nil)
		req.Header.Set("X-Request-ID", "abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status %d", rec.Code)
		}
		resp := decodeError(t, rec)
		if resp.Error.Code != "INVALID_REQUEST" || resp.Error.RequestID != "abc" {
			t.Fatalf("unexpected body %+v", resp.Error)
		}
		if !strings.Contains(resp.Error.Message, "filter list is empty") {
			t.Fatalf("message %q", resp.Error.Message)
		}
	})

	t.Run("plain errors are internal and hidden", func(t *testing.T) {
		h := em.WrapHandler(func(w http.ResponseWriter, r *http.Request) error {
			return stderrors.New("secret detail")
		})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fetch", nil))

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status %d", rec.Code)
		}
		resp := decodeError(t, rec)
		if resp.Error.Type != ErrorTypeInternal || strings.Contains(rec.Body.String(), "secret") {
			t.Fatalf("unexpected body %s", rec.Body.String())
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	em := NewErrorMiddleware()
	h := em.RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error.Code != "PANIC_RECOVERED" {
		t.Fatalf("code %q", resp.Error.Code)
	}
}
