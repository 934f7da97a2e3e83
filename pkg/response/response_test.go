package response

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	apperrors "github.com/exchange/bourse/pkg/errors"
	"github.com/exchange/bourse/pkg/logger"
)

func TestRequestIDMiddlewareGeneratesUUID(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected uuid request id, got %q", seen)
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("expected response header to echo request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "req-1" {
		t.Fatalf("expected existing id to be kept, got %q", seen)
	}
}

func TestWriteErrorMapsCode(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-2")

	rec := httptest.NewRecorder()
	WriteError(rec, req, fmt.Errorf("cancel: %w", apperrors.New(apperrors.CodeOrderNotFound, "order 9 not found")))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	var body apperrors.Error
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != apperrors.CodeOrderNotFound || body.RequestID != "req-2" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRecoveryMiddlewareRethrowsAbort(t *testing.T) {
	h := RecoveryMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler to propagate, got %v", v)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRecoveryMiddlewareKeepsWrittenResponse(t *testing.T) {
	h := RecoveryMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected original status kept, got %d", rec.Code)
	}
}

func TestRequestIDMiddlewareHeaders(t *testing.T) {
	tests := []struct {
		name        string
		requestID   string
		correlation string
		want        string
	}{
		{name: "request id wins", requestID: "gw-1", correlation: "corr-1", want: "gw-1"},
		{name: "correlation fallback", correlation: "corr-2", want: "corr-2"},
		{name: "invalid request id falls back", requestID: "bad id\n", correlation: "corr-3", want: "corr-3"},
		{name: "too long replaced", requestID: string(bytes.Repeat([]byte("a"), 129))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.requestID != "" {
				req.Header.Set(RequestIDHeader, tt.requestID)
			}
			if tt.correlation != "" {
				req.Header.Set(CorrelationIDHeader, tt.correlation)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if tt.want != "" && seen != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, seen)
			}
			if tt.want == "" {
				if _, err := uuid.Parse(seen); err != nil {
					t.Fatalf("expected generated uuid, got %q", seen)
				}
			}
			if rec.Header().Get(RequestIDHeader) != seen {
				t.Fatalf("response header %q != %q", rec.Header().Get(RequestIDHeader), seen)
			}
		})
	}
}

func TestRecoveryLogsRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("matching", &buf)
	h := RequestIDMiddleware(RecoveryMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodPost, "/matching/check-stops/AAPL", nil)
	req.Header.Set(RequestIDHeader, "req-9")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if entry["request_id"] != "req-9" || entry["path"] != "/matching/check-stops/AAPL" || entry["panic"] != "boom" {
		t.Fatalf("unexpected panic log %v", entry)
	}
}
