package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/companionlab/companion/internal/auth"
)

// requireAuth rejects requests without valid claims and stores the claims in
// the request context.
func requireAuth(a auth.Authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Authenticate(r)
		if err != nil {
			if !errors.Is(err, auth.ErrMissingBearer) {
				slog.Debug("rejected bearer token", "path", r.URL.Path, "error", err)
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	}
}

// optionalAuth attaches claims when a valid token is present and otherwise
// serves the request anonymously.
func optionalAuth(a auth.Authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if claims, err := a.Authenticate(r); err == nil {
			r = r.WithContext(auth.WithClaims(r.Context(), claims))
		}
		next(w, r)
	}
}

func userID(r *http.Request) string {
	claims, _ := auth.ClaimsFrom(r.Context())
	return claims.UserID
}
