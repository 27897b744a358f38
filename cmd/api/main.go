package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"legiswatch.org/internal/audit"
	"legiswatch.org/internal/auth"
	"legiswatch.org/internal/config"
	"legiswatch.org/internal/csrf"
	"legiswatch.org/internal/httpapi"
	"legiswatch.org/internal/lockout"
	"legiswatch.org/internal/obs"
	"legiswatch.org/internal/store/memory"
	"legiswatch.org/internal/store/pg"
	"legiswatch.org/internal/tokens"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	var loadOpts []config.Option
	if *configFile != "" {
		loadOpts = append(loadOpts, config.WithConfigFile(*configFile))
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		boot := obs.Logger()
		boot.Fatal().Err(err).Msg("load config")
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}

	obs.SetLogger(obs.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format))
	log := obs.Component("api")
	obs.Init()
	obs.InitBuildInfo(cfg.Version, commit)
	if err := obs.InitSentry(cfg.Sentry.DSN, cfg.Environment, cfg.Version); err != nil {
		log.Warn().Err(err).Msg("sentry disabled")
	}
	defer obs.FlushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("wire services")
	}
	defer deps.close()

	probe := httpapi.ReadyProbe{DB: deps.db}
	if deps.redis != nil {
		probe.Redis = deps.redis
	}
	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("parse trusted proxies")
	}
	api := httpapi.New(deps.auth, deps.csrf, probe, httpapi.Options{
		Version:           cfg.Version,
		RateBurst:         cfg.HTTP.RateBurst,
		RatePerSec:        cfg.HTTP.RatePerSec,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		AllowLocalOrigins: !cfg.Production(),
		TrustedProxies:    proxies,
		CookieSecure:      cfg.HTTP.CookieSecure,
		CookieDomain:      cfg.HTTP.CookieDomain,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(probe).Register(grpcSrv)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", cfg.Version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			errCh <- err
			return
		}
		log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc listening")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
	go runCleanup(ctx, deps.tokens, cfg.CleanupInterval, log)

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
		obs.CaptureError(err, map[string]string{"component": "api"})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	grpcSrv.GracefulStop()
	log.Info().Msg("stopped")
}

type services struct {
	db     *sql.DB
	redis  *redis.Client
	tokens *tokens.Service
	auth   *auth.Service
	csrf   *csrf.Service
}

func (s *services) close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// wire builds the services on PostgreSQL and Redis when configured and on
// in-process stores otherwise.
func wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*services, error) {
	deps := &services{}

	var (
		accounts auth.AccountStore
		refresh  tokens.Store
		sinks    = []audit.Sink{audit.NewLogSink(obs.Component("audit"))}
	)
	if cfg.Database.DSN != "" {
		pool := pg.DefaultPool()
		if cfg.Database.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.Database.MaxOpenConns
		}
		if cfg.Database.MaxIdleConns > 0 {
			pool.MaxIdleConns = cfg.Database.MaxIdleConns
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		db, err := pg.Open(ctx, cfg.Database.DSN, pool)
		if err != nil {
			return nil, err
		}
		deps.db = db
		accounts = pg.NewAccounts(db)
		refresh = pg.NewRefreshTokens(db)
		sinks = append(sinks, pg.NewAuditLog(db))
	} else {
		if cfg.Production() {
			return nil, errors.New("database.dsn is required in production")
		}
		log.Warn().Msg("no database configured, using in-memory stores")
		accounts = memory.NewAccounts()
		refresh = memory.NewRefreshTokens()
	}

	var (
		lockCache lockout.Cache
		csrfStore csrf.Store
		recorder  = audit.NewRecorder(sinks...)
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		deps.redis = rdb
		var ropts []lockout.RedisOption
		if cfg.Lockout.DisableScripts {
			ropts = append(ropts, lockout.WithoutScripts())
		}
		lockCache = lockout.NewRedisCache(rdb, ropts...)
		csrfStore = csrf.NewRedisStore(rdb)
	} else {
		if cfg.Production() {
			return nil, errors.New("redis.addr is required in production")
		}
		log.Warn().Msg("no redis configured, lockout and csrf state is per-process")
		lockCache = lockout.NewMemoryCache()
		csrfStore = csrf.NewMemoryStore()
	}

	tsvc, err := tokens.NewService(refresh, auth.Subjects(accounts), cfg.Tokens.Secret,
		tokens.WithIssuer(cfg.Tokens.Issuer),
		tokens.WithAudience(cfg.Tokens.Audience),
		tokens.WithAccessTTL(cfg.Tokens.AccessTTL),
		tokens.WithRefreshTTL(cfg.Tokens.RefreshTTL),
		tokens.WithStoreTimeout(cfg.Tokens.StoreTTL),
		tokens.WithAudit(recorder),
	)
	if err != nil {
		return nil, err
	}
	deps.tokens = tsvc

	policy := auth.DefaultPolicy()
	if cfg.Password.MinLength > 0 {
		policy.MinLength = cfg.Password.MinLength
	}
	verifier := auth.NewBcryptVerifier(auth.WithCost(cfg.Password.BcryptCost), auth.WithPolicy(policy))

	gate := lockout.New(lockCache,
		lockout.WithThreshold(cfg.Lockout.MaxAttempts),
		lockout.WithWindow(cfg.Lockout.Window),
		lockout.WithOpTimeout(cfg.Lockout.OpTimeout),
		lockout.WithStrikeMemory(cfg.Lockout.StrikeMemory),
	)
	asvc, err := auth.NewService(accounts, tsvc, verifier,
		auth.WithLockout(gate),
		auth.WithAudit(recorder),
		auth.WithMaxFailedAttempts(cfg.Lockout.MaxAttempts),
		auth.WithAccountLockDuration(cfg.Lockout.AccountLockDuration),
		auth.WithStoreTimeout(cfg.Tokens.StoreTTL),
	)
	if err != nil {
		return nil, err
	}
	deps.auth = asvc
	deps.csrf = csrf.New(csrfStore, csrf.WithTTL(cfg.CSRF.TTL))
	return deps, nil
}

func runCleanup(ctx context.Context, svc *tokens.Service, every time.Duration, log zerolog.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := svc.CleanupExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("refresh token cleanup")
				continue
			}
			log.Info().Int64("deleted", n).Msg("refresh token cleanup")
		}
	}
}
