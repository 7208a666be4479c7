package middleware

import (
	"fmt"
	"net/http"

	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
)

// DefaultMaxBodySize bounds JSON request bodies. Backup restores are the
// largest legitimate payload and stay far below it.
const DefaultMaxBodySize int64 = 1 << 20

// LimitBody rejects bodies over limit. A declared Content-Length over the
// limit is refused before the handler runs; a body that grows past it fails
// the handler's read with *http.MaxBytesError.
func LimitBody(limit int64) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				WriteError(w, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Request body too large",
					fmt.Sprintf("limit is %d bytes", limit), http.StatusRequestEntityTooLarge))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
