// Package httpapi holds the response helpers and middleware shared by the
// gateway's HTTP surfaces.
package httpapi

import (
	"errors"
	"net/http"
	"strings"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/jsoncodec"
	"github.com/drblury/toolbridge/internal/runtime/logging"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON encodes v with status. Encoding failures are logged; the status
// line has already been sent by then.
func WriteJSON(w http.ResponseWriter, logger logging.ServiceLogger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := jsoncodec.Encode(w, v); err != nil && logger != nil {
		logger.Error("failed to encode response", err, nil)
	}
}

// WriteError writes an ErrorBody carrying the status reason phrase.
func WriteError(w http.ResponseWriter, logger logging.ServiceLogger, status int, message string) {
	WriteJSON(w, logger, status, ErrorBody{Error: http.StatusText(status), Message: message})
}

// StatusFor maps a call failure to an HTTP status.
func StatusFor(err error) int {
	var respErr *errspkg.ResponseError
	switch {
	case errors.Is(err, errspkg.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &respErr), errors.Is(err, errspkg.ErrInputRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errspkg.ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// CORS allows the listed origins. "*" allows any origin. Preflight requests
// are answered directly.
func CORS(allowedOrigins []string, methods string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(allowedOrigins, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(allowed []string, requestOrigin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(a, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
