package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"legiswatch.org/internal/auth"
	"legiswatch.org/internal/tokens"
)

const (
	refreshCookie     = "refresh_token"
	refreshCookiePath = "/v1/auth"
)

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=1024"`
	NewPassword     string `json:"new_password" validate:"required,max=1024"`
}

type sessionResponse struct {
	Account         auth.AccountSummary `json:"account"`
	AccessToken     string              `json:"access_token"`
	AccessExpiresAt time.Time           `json:"access_expires_at"`
	TokenType       string              `json:"token_type"`
}

type sessionView struct {
	tokens.Session
	Current bool `json:"current"`
}

func clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{IPAddress: clientIP(r), UserAgent: r.UserAgent()}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !a.bind(w, r, &req) {
		return
	}
	sess, err := a.auth.Register(r.Context(), auth.RegisterInput{Email: req.Email, Password: req.Password}, clientInfo(r))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusCreated, sess)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !a.bind(w, r, &req) {
		return
	}
	sess, err := a.auth.Login(r.Context(), req.Email, req.Password, clientInfo(r))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusOK, sess)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookie)
	if err != nil || c.Value == "" {
		unauthorized(w, r, "missing_token")
		return
	}
	sess, err := a.auth.Refresh(r.Context(), c.Value, clientInfo(r))
	if err != nil {
		if isTokenKind(auth.KindOf(err)) {
			a.clearRefreshCookie(w)
		}
		a.writeAuthError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusOK, sess)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.clearRefreshCookie(w)
	c, err := r.Cookie(refreshCookie)
	if err != nil || c.Value == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// An already dead token still logs the client out.
	if err := a.auth.Logout(r.Context(), c.Value, clientInfo(r)); err != nil && !isTokenKind(auth.KindOf(err)) {
		a.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	n, err := a.auth.LogoutAll(r.Context(), p.AccountID, clientInfo(r))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !a.bind(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	sess, err := a.auth.ChangePassword(r.Context(), p.AccountID, req.CurrentPassword, req.NewPassword, clientInfo(r))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusOK, sess)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	list, err := a.auth.Sessions(r.Context(), p.AccountID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, sessionView{Session: s, Current: s.FamilyID == p.SessionID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	err := a.auth.RevokeSession(r.Context(), p.AccountID, r.PathValue("id"), clientInfo(r))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, auth.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, "session_not_found")
	default:
		a.writeAuthError(w, r, err)
	}
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	acct, err := a.auth.Account(r.Context(), p.AccountID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct, "session_id": p.SessionID})
}

func (a *API) writeSession(w http.ResponseWriter, code int, sess *auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    sess.Tokens.RefreshToken,
		Path:     refreshCookiePath,
		Domain:   a.opts.CookieDomain,
		Expires:  sess.Tokens.RefreshExpiresAt,
		MaxAge:   int(sess.Tokens.RefreshExpiresAt.Sub(a.now()).Seconds()),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, code, sessionResponse{
		Account:         sess.Account,
		AccessToken:     sess.Tokens.AccessToken,
		AccessExpiresAt: sess.Tokens.AccessExpiresAt,
		TokenType:       "Bearer",
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   a.opts.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func isTokenKind(k auth.ErrorKind) bool {
	return k == auth.KindExpiredToken || k == auth.KindRevokedToken || k == auth.KindInvalidToken
}

// writeAuthError maps an auth.Error to its HTTP status. Internal causes
// are never written to the response.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *auth.Error
	if !errors.As(err, &ae) {
		a.log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("unexpected auth error")
		writeError(w, r, http.StatusInternalServerError, "internal")
		return
	}
	switch ae.Kind {
	case auth.KindEmailExists:
		writeError(w, r, http.StatusConflict, string(ae.Kind))
	case auth.KindPasswordWeak, auth.KindPasswordCommon:
		payload := map[string]any{"error": string(ae.Kind), "violations": ae.Violations}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusUnprocessableEntity, payload)
	case auth.KindInvalidCredentials:
		writeError(w, r, http.StatusUnauthorized, string(ae.Kind))
	case auth.KindAccountInactive, auth.KindForbidden:
		writeError(w, r, http.StatusForbidden, string(ae.Kind))
	case auth.KindAccountLocked:
		retry := 1
		if !ae.LockedUntil.IsZero() {
			if s := int(math.Ceil(ae.LockedUntil.Sub(a.now()).Seconds())); s > retry {
				retry = s
			}
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, r, http.StatusTooManyRequests, string(ae.Kind))
	case auth.KindExpiredToken, auth.KindRevokedToken, auth.KindInvalidToken:
		unauthorized(w, r, string(ae.Kind))
	default:
		writeError(w, r, http.StatusInternalServerError, "internal")
	}
}
