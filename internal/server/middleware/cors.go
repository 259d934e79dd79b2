package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// CORSPolicy lists what cross-origin callers may do. Methods are the verbs
// of the registered routes.
type CORSPolicy struct {
	Origins []string
	Methods []string
}

const corsAllowHeaders = "Content-Type, Authorization, X-API-Key, X-Request-ID"

// CORS answers preflights and tags responses for allowed origins. An empty
// origin list or "*" allows any origin. A preflight from a foreign origin or
// for an unrouted method gets 403.
func CORS(p CORSPolicy) func(http.Handler) http.Handler {
	anyOrigin := len(p.Origins) == 0
	origins := make(map[string]struct{}, len(p.Origins))
	for _, o := range p.Origins {
		if o == "*" {
			anyOrigin = true
			continue
		}
		origins[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	methods := slices.Clone(p.Methods)
	if !slices.Contains(methods, http.MethodOptions) {
		methods = append(methods, http.MethodOptions)
	}
	allowMethods := strings.Join(methods, ", ")

	allowed := func(origin string) bool {
		if anyOrigin {
			return true
		}
		_, ok := origins[strings.ToLower(origin)]
		return ok
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if !allowed(origin) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			if !preflight {
				next.ServeHTTP(w, r)
				return
			}
			if !slices.Contains(methods, strings.ToUpper(r.Header.Get("Access-Control-Request-Method"))) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
