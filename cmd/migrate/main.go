package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"legiswatch.org/internal/migrate"
	"legiswatch.org/internal/obs"
	"legiswatch.org/internal/store/pg"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("LEGIS_DATABASE_DSN"), "PostgreSQL DSN")
	table := flag.String("table", "", "migrations bookkeeping table")
	flag.Parse()

	log := obs.Component("migrate")
	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or LEGIS_DATABASE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := pg.Open(ctx, *dsn, pg.DefaultPool())
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrate.WithMigrationsTable(*table), migrate.WithLogger(log))

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var version int64
		version, err = mgr.Status(ctx)
		if err == nil {
			fmt.Fprintf(os.Stdout, "schema version %d\n", version)
		}
	default:
		log.Fatal().Msgf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
}
