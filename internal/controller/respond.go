package controller

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusFor maps application error codes to HTTP statuses.
func StatusFor(err error) int {
	switch appErrors.CodeOf(err) {
	case appErrors.CodeNotFound:
		return http.StatusNotFound
	case appErrors.CodeInvalidState:
		return http.StatusConflict
	case appErrors.CodeEmptyRecipientList, appErrors.CodeMissingCallbackAddress, appErrors.CodeInvalidRecipient:
		return http.StatusUnprocessableEntity
	case appErrors.CodeValidation:
		return http.StatusBadRequest
	case appErrors.CodeStoreUnavailable, appErrors.CodeUnknownMessage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the error envelope. Unclassified errors are logged and their
// details withheld from the client.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := StatusFor(err)
	body := errorBody{Error: string(appErrors.CodeOf(err)), Message: err.Error()}
	if status >= http.StatusInternalServerError {
		if logger != nil {
			logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		}
		if body.Error == "" {
			body = errorBody{Error: "internal", Message: "internal error"}
		}
	}
	WriteJSON(w, status, body)
}

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("took", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
