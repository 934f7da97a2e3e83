package response

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/exchange/bourse/pkg/logger"
)

const (
	RequestIDHeader = "X-Request-ID"
	// CorrelationIDHeader 上游网关未带 X-Request-ID 时使用
	CorrelationIDHeader = "X-Correlation-ID"

	maxRequestIDLen = 128
)

type ctxKey int

const requestIDKey ctxKey = iota

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// acceptableRequestID 字母数字与 - _ . :，最长 128
func acceptableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

func incomingRequestID(h http.Header) string {
	for _, name := range []string{RequestIDHeader, CorrelationIDHeader} {
		if id := strings.TrimSpace(h.Get(name)); acceptableRequestID(id) {
			return id
		}
	}
	return ""
}

// RequestIDMiddleware 沿用上游请求 ID，缺失或不合法时生成 uuid，并回写响应头
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := incomingRequestID(r.Header)
		if id == "" {
			id = uuid.NewString()
		}
		r.Header.Set(RequestIDHeader, id)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
	})
}

// RequestLogger 附带 request_id 与当前 span
func RequestLogger(log *logger.Logger, r *http.Request) *logger.Logger {
	if log == nil {
		log = logger.Nop()
	}
	if r == nil {
		return log
	}
	l := log.WithContext(r.Context())
	if id := RequestIDFromRequest(r); id != "" {
		l = l.WithField("request_id", id)
	}
	return l
}
