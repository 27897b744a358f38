package httpapi

import (
	"errors"
	"net/http"

	"legiswatch.org/internal/csrf"
)

const (
	csrfHeader = "X-CSRF-Token"
	csrfCookie = "csrf_session"
)

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// CSRF rejects state-changing requests whose X-CSRF-Token does not match
// the token bound to the csrf_session cookie. Accepted requests get a
// rotated token in the response header.
func (a *API) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		var sid string
		if c, err := r.Cookie(csrfCookie); err == nil {
			sid = c.Value
		}
		presented := r.Header.Get(csrfHeader)

		if err := a.csrf.Validate(r.Context(), sid, presented); err != nil {
			if errors.Is(err, csrf.ErrMissingToken) || errors.Is(err, csrf.ErrTokenMismatch) {
				a.log.Warn().
					Str("request_id", RequestIDFromContext(r.Context())).
					Str("path", r.URL.Path).
					Str("ip", clientIP(r)).
					Msg("csrf rejected")
				writeError(w, r, http.StatusForbidden, "csrf_invalid")
				return
			}
			a.log.Error().Err(err).Msg("csrf validate")
			writeError(w, r, http.StatusInternalServerError, "internal")
			return
		}

		rotated, err := a.csrf.Rotate(r.Context(), sid)
		if err != nil {
			a.log.Error().Err(err).Msg("csrf rotate")
			writeError(w, r, http.StatusInternalServerError, "internal")
			return
		}
		w.Header().Set(csrfHeader, rotated)
		next.ServeHTTP(w, r)
	})
}

// handleCSRFToken starts a CSRF session and returns its first token.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	sid := csrf.NewSessionID()
	token, err := a.csrf.Issue(r.Context(), sid)
	if err != nil {
		a.log.Error().Err(err).Msg("csrf issue")
		writeError(w, r, http.StatusInternalServerError, "internal")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookie,
		Value:    sid,
		Path:     "/",
		Domain:   a.opts.CookieDomain,
		MaxAge:   int(a.csrf.TTL().Seconds()),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set(csrfHeader, token)
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": token})
}
