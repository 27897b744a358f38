package httpapi

import (
	"errors"
	"net/http"

	"legiswatch.org/internal/auth"
)

func (a *API) handleUnlockAccount(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	err := a.auth.UnlockAccount(r.Context(), p.AccountID, r.PathValue("id"), clientInfo(r))
	a.writeAdminResult(w, r, err)
}

func (a *API) accountActiveHandler(active bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFromContext(r.Context())
		err := a.auth.SetAccountActive(r.Context(), p.AccountID, r.PathValue("id"), active, clientInfo(r))
		a.writeAdminResult(w, r, err)
	})
}

func (a *API) writeAdminResult(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "account_not_found")
	default:
		a.writeAuthError(w, r, err)
	}
}
