package middleware

import (
	"net/http"
	"strings"
)

// CORSMiddleware sets Cross-Origin Resource Sharing headers for the
// browser-facing API. With no origins configured every origin is allowed,
// which fits a dashboard served from anywhere inside the perimeter.
type CORSMiddleware struct {
	origins  map[string]struct{}
	allowAll bool
	headers  string
}

// NewCORSMiddleware creates a CORS middleware restricted to the given
// origins, or open to all origins when none are given
func NewCORSMiddleware(allowedOrigins ...string) *CORSMiddleware {
	m := &CORSMiddleware{
		origins:  make(map[string]struct{}, len(allowedOrigins)),
		allowAll: len(allowedOrigins) == 0,
		headers:  strings.Join([]string{"Content-Type", "Authorization", RequestIDHeader}, ", "),
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			m.allowAll = true
			continue
		}
		m.origins[origin] = struct{}{}
	}
	return m
}

// Wrap wraps an http.Handler with CORS headers and preflight handling
func (m *CORSMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			_, known := m.origins[origin]
			if m.allowAll || known {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", m.headers)
				h.Set("Access-Control-Expose-Headers", RequestIDHeader)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Max-Age", "86400")
			}
		}

		// Preflight requests stop here
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
