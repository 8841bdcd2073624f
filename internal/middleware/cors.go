package middleware

import (
	"net/http"
	"strings"
)

// CORS returns middleware enforcing the origin allow-list. Exact origins
// match verbatim; entries like "https://*.run.app" match by scheme plus
// domain suffix; "*" allows everyone. Allowed origins echo back with
// Vary: Origin so caches key correctly.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	exact := make(map[string]bool, len(allowedOrigins))
	var wildcardSuffixes []string
	allowAll := false
	for _, o := range allowedOrigins {
		switch {
		case o == "*":
			allowAll = true
		case strings.Contains(o, "*"):
			wildcardSuffixes = append(wildcardSuffixes, strings.Replace(o, "*", "", 1))
		default:
			exact[o] = true
		}
	}

	originAllowed := func(origin string) bool {
		if exact[origin] {
			return true
		}
		for _, suffix := range wildcardSuffixes {
			parts := strings.SplitN(suffix, "//", 2)
			if len(parts) == 2 {
				scheme := parts[0] + "//"
				if strings.HasPrefix(origin, scheme) && strings.HasSuffix(origin, parts[1]) {
					return true
				}
			} else if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Authorization, X-Project-Id, Stripe-Signature")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
