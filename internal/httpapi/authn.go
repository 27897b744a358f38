package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"legiswatch.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireAuth admits only requests carrying a valid access token.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, "missing_token")
			return
		}

		principal, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			switch kind := auth.KindOf(err); kind {
			case auth.KindExpiredToken, auth.KindRevokedToken, auth.KindInvalidToken:
				unauthorized(w, r, string(kind))
			default:
				writeError(w, r, http.StatusInternalServerError, "internal")
			}
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission authenticates the caller and checks that its role grants perm.
func (a *API) requirePermission(perm string, next http.Handler) http.Handler {
	return a.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFromContext(r.Context())
		if err := a.auth.Authorize(r.Context(), p, perm); err != nil {
			a.writeAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func unauthorized(w http.ResponseWriter, r *http.Request, code string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="legiswatch", error="invalid_token"`)
	writeError(w, r, http.StatusUnauthorized, code)
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
