package http

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	. "github.com/scalytics/connectd/internal/logging"
)

// adminAuth middleware enforces the bearer token on admin endpoints.
// Failed attempts are rate limited per source IP.
func (s *Server) adminAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)

		if s.rateLimiter.IsLimited(clientIP) {
			L_warn("http: rate limited", "ip", clientIP)
			writeError(w, http.StatusTooManyRequests, codeTooManyRequests,
				"too many failed attempts, try again later", "")
			return
		}

		if s.cfg.Admin.Token == "" {
			L_error("http: admin endpoint hit but no admin token configured")
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "admin API disabled", "")
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required", "")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Admin.Token)) != 1 {
			s.rateLimiter.RecordFailure(clientIP)
			L_warn("http: admin auth failed", "ip", clientIP)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid admin token", "")
			return
		}

		s.rateLimiter.ClearFailure(clientIP)
		handler(w, r)
	}
}

// localOnly middleware restricts the internal completion surface to
// loopback peers. The check is on the socket address, never on headers a
// proxy could forge.
func (s *Server) localOnly(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			L_warn("http: non-local request to internal surface", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, codeForbidden,
				"this endpoint is only available to local services", "")
			return
		}
		handler(w, r)
	}
}

// getClientIP returns the peer's socket address. Forwarding headers are
// ignored: the failed-auth rate limiter keys on this value, and a direct
// client could rotate X-Forwarded-For to dodge it.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
