package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"agentbank.org/internal/migrate"
	"agentbank.org/internal/obs"
	"agentbank.org/internal/store/pg"
)

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("AGENTBANK_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("migrations", "", "Directory of SQL migrations; defaults to the embedded set")
		seeds   = flag.String("seeds", "", "Directory of SQL seeds; defaults to the embedded set")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	flag.Parse()

	log := obs.NewLogger("agentbank-migrate", "info")
	defer func() { _ = log.Sync() }()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or AGENTBANK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, source(pg.Migrations, "migrations", *dir), source(pg.Seeds, "seeds", *seeds),
		migrate.WithLogger(log))

	var applied []string
	switch cmd := flag.Arg(0); cmd {
	case "up":
		applied, err = mgr.Up(ctx)
	case "seed":
		applied, err = mgr.Seed(ctx)
	case "down":
		var name string
		if name, err = mgr.Down(ctx); err == nil {
			applied = []string{name}
		}
	case "status":
		applied, err = mgr.Status(ctx)
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		log.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
	for _, name := range applied {
		fmt.Println(name)
	}
}

// source picks an on-disk directory when given, else the embedded files.
func source(embedded fs.FS, dir, override string) migrate.Source {
	if override != "" {
		return migrate.Source{FS: os.DirFS(override), Dir: "."}
	}
	return migrate.Source{FS: embedded, Dir: dir}
}
