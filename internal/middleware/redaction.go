package middleware

import (
	"net/http"
	"strings"
)

const redacted = "[REDACTED]"

// credentialHeaders never reach the log in clear. Keys are canonical.
var credentialHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
}

// RedactHeaders returns a copy of h safe to log. Authorization values keep
// their scheme so a malformed token header is still diagnosable.
func RedactHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for key, values := range out {
		if !credentialHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for i, v := range values {
			values[i] = redactValue(key, v)
		}
	}
	return out
}

func redactValue(key, value string) string {
	if !strings.HasSuffix(http.CanonicalHeaderKey(key), "Authorization") {
		return redacted
	}
	if scheme, _, ok := strings.Cut(strings.TrimSpace(value), " "); ok && scheme != "" {
		return scheme + " " + redacted
	}
	return redacted
}

// StripCredentialHeaders removes the session token once Require has verified
// it, so nothing downstream can log or forward it.
func StripCredentialHeaders(h http.Header) {
	if h != nil {
		h.Del("Authorization")
	}
}
