package middleware

import (
	"net/http"
	"strings"
)

// CORS sets the headers that let a browser-based channel dashboard call the
// sequencer's HTTP API (seed/validate/settle/finalize/by-owner/ws) directly
// from a different origin. The channel API has no cookie-based session, so
// this never needs Access-Control-Allow-Credentials. If allowedOrigins is
// empty (api.cors_origins unset in the TOML overlay), every origin is allowed — the sequencer's only
// real access control is the Auth middleware's API key, not origin
// checking.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				allowed := len(allowedOrigins) == 0
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}
				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
