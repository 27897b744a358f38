package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"legiswatch.org/internal/auth"
	"legiswatch.org/internal/csrf"
	"legiswatch.org/internal/obs"
)

const serviceName = "legiswatch-auth"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database and Redis. Nil dependencies are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return errors.New("database unavailable")
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return errors.New("redis unavailable")
		}
	}
	return nil
}

// Options carries the HTTP-layer knobs.
type Options struct {
	Version        string
	RateBurst      int
	RatePerSec     int
	MaxBodyBytes   int64
	AllowedOrigins []string
	// AllowLocalOrigins admits http://localhost:* and http://127.0.0.1:*
	// as credentialed CORS origins. Off in production.
	AllowLocalOrigins bool
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
	CookieSecure   bool
	CookieDomain   string
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	auth     *auth.Service
	csrf     *csrf.Service
	ready    readinessChecker
	validate *validator.Validate
	log      zerolog.Logger
	opts     Options
	now      func() time.Time
}

func New(authSvc *auth.Service, csrfSvc *csrf.Service, ready readinessChecker, opts Options) *API {
	if ready == nil {
		ready = ReadyProbe{}
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:      http.NewServeMux(),
		auth:     authSvc,
		csrf:     csrfSvc,
		ready:    ready,
		validate: newValidator(),
		log:      obs.Component("httpapi"),
		opts:     opts,
		now:      time.Now,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /v1/auth/csrf", a.handleCSRFToken)
	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.Handle("POST /v1/auth/logout-all", a.requireAuth(http.HandlerFunc(a.handleLogoutAll)))
	a.mux.Handle("POST /v1/auth/password", a.requireAuth(http.HandlerFunc(a.handleChangePassword)))
	a.mux.Handle("GET /v1/auth/sessions", a.requireAuth(http.HandlerFunc(a.handleSessions)))
	a.mux.Handle("DELETE /v1/auth/sessions/{id}", a.requireAuth(http.HandlerFunc(a.handleRevokeSession)))
	a.mux.Handle("GET /v1/auth/me", a.requireAuth(http.HandlerFunc(a.handleMe)))

	a.mux.Handle("POST /v1/admin/accounts/{id}/unlock", a.requirePermission(auth.PermAccountsUnlock, http.HandlerFunc(a.handleUnlockAccount)))
	a.mux.Handle("POST /v1/admin/accounts/{id}/deactivate", a.requirePermission(auth.PermAccountsDeactivate, a.accountActiveHandler(false)))
	a.mux.Handle("POST /v1/admin/accounts/{id}/activate", a.requirePermission(auth.PermAccountsDeactivate, a.accountActiveHandler(true)))

	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = a.CSRF(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = CORS(h, a.opts.AllowLocalOrigins, a.opts.AllowedOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = Recover(h)
	h = ClientIP(h, a.opts.TrustedProxies)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind decodes and validates a request DTO, writing the 400 itself.
func (a *API) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		fields := []string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
		}
		payload := map[string]any{"error": "invalid_request", "fields": fields}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusBadRequest, payload)
		return false
	}
	return true
}
