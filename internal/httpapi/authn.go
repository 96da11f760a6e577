package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"agentbank.org/internal/auth"
)

const (
	authHeader  = "Authorization"
	actorHeader = "X-Actor"
	bearer      = "Bearer "
)

var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// withActor attaches the caller to the request context. With a verifier a
// valid bearer token is required on every non-public path.
func (a *API) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if a.d.Verifier == nil {
			if id := strings.TrimSpace(r.Header.Get(actorHeader)); id != "" {
				r = r.WithContext(auth.ContextWithActor(r.Context(), auth.Actor{ID: id}))
			}
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.d.Verifier.Verify(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		actor := auth.Actor{ID: claims.Subject, Roles: claims.Roles, BranchID: claims.BranchID}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithActor(r.Context(), actor)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
