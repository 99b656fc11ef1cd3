package chi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/cardex/internal/logger"
)

// apiKeyHeader is accepted as an alternative to "Authorization: Bearer <key>"
// for upload scripts that cannot set the Authorization header.
const apiKeyHeader = "X-API-Key"

// exemptPaths are probe routes that bypass authentication.
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// APIKeyAuthMiddleware rejects requests without a configured API key.
// An empty key list (or only empty keys) disables authentication.
func APIKeyAuthMiddleware(apiKeys []string) func(http.Handler) http.Handler {
	keys := make([][]byte, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			token, msg := credentials(r)
			if msg == "" && !knownKey(keys, token) {
				msg = "invalid api key"
			}
			if msg != "" {
				logger.FromContext(r.Context()).Info("Request rejected by auth",
					zap.String("path", r.URL.Path), zap.String("reason", msg))
				writeError(w, http.StatusUnauthorized, ErrorResponseCodeUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// credentials extracts the presented key. A non-empty msg explains why none was usable.
func credentials(r *http.Request) (token, msg string) {
	if k := r.Header.Get(apiKeyHeader); k != "" {
		return k, ""
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", "authorization header must use Bearer scheme"
	}
	return token, ""
}

func knownKey(keys [][]byte, token string) bool {
	t := []byte(token)
	found := 0
	for _, k := range keys {
		found |= subtle.ConstantTimeCompare(k, t)
	}
	return found == 1
}
