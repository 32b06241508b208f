package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/aether-platform/eventing/api/responses"
	pkgerrors "github.com/aether-platform/eventing/pkg/errors"
	"github.com/aether-platform/eventing/pkg/logger"
)

// AdminToken guards operator routes with a static bearer token.
func AdminToken(token string, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
				raw = strings.TrimSpace(raw[7:])
			}
			if token == "" || raw == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing or invalid admin token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
