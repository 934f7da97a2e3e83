package response

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	apperrors "github.com/exchange/bourse/pkg/errors"
	"github.com/exchange/bourse/pkg/logger"
)

// trackingWriter 记录是否已开始写响应
type trackingWriter struct {
	http.ResponseWriter
	status int
}

func (w *trackingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// RecoveryMiddleware handler panic 时记录堆栈，响应未开始则返回 INTERNAL；
// http.ErrAbortHandler 原样抛出交给 net/http
func RecoveryMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &trackingWriter{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}
				RequestLogger(log, r).Errorf("http handler panic", logger.Fields{
					"panic":  fmt.Sprint(v),
					"method": r.Method,
					"path":   r.URL.Path,
					"stack":  string(debug.Stack()),
				})
				if tw.status == 0 {
					WriteErrorCode(tw, r, apperrors.CodeInternal, "internal server error")
				}
			}()
			next.ServeHTTP(tw, r)
		})
	}
}
