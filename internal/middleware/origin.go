package middleware

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/better-wallet/session-wallet/internal/logger"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
)

// SameOrigin refuses browser requests from other sites. A request carrying
// an Origin header passes only when that origin is in trusted, or when it
// names this server by a loopback host. Requests without an Origin, such as
// the CLI's, pass unchanged.
func SameOrigin(trusted ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(trusted))
	for _, origin := range trusted {
		if origin = strings.TrimSuffix(origin, "/"); origin != "" {
			allowed[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || originAllowed(origin, r.Host, allowed) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Warn(r.Context(), "cross-origin request refused",
				"origin", origin,
				"method", r.Method,
				"path", r.URL.Path,
			)
			WriteError(w, apperrors.WithDetail(apperrors.ErrForbidden, "cross-origin requests are not accepted"))
		})
	}
}

func originAllowed(origin, host string, allowed map[string]struct{}) bool {
	if _, ok := allowed[strings.ToLower(origin)]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		// covers the opaque "null" origin of sandboxed frames and files
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, host) && isLoopbackHost(u.Hostname())
}

// isLoopbackHost reports whether host can only resolve to this machine.
// Checking the name itself defeats DNS rebinding, where a foreign name
// resolves to 127.0.0.1 and the Host header matches the Origin.
func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
