// Command tokensweep deletes expired and long-revoked refresh tokens once.
// It suits a cron job when the API's own cleanup loop is disabled.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"legiswatch.org/internal/auth"
	"legiswatch.org/internal/obs"
	"legiswatch.org/internal/store/pg"
	"legiswatch.org/internal/tokens"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("LEGIS_DATABASE_DSN"), "PostgreSQL DSN")
	secret := flag.String("secret", os.Getenv("LEGIS_TOKENS_SECRET"), "token signing secret")
	flag.Parse()

	log := obs.Component("tokensweep")
	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or LEGIS_DATABASE_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := pg.Open(ctx, *dsn, pg.DefaultPool())
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	svc, err := tokens.NewService(pg.NewRefreshTokens(db), auth.Subjects(pg.NewAccounts(db)), *secret)
	if err != nil {
		log.Fatal().Err(err).Msg("token service")
	}
	n, err := svc.CleanupExpired(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("cleanup failed")
	}
	log.Info().Int64("deleted", n).Msg("refresh tokens swept")
}
