package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"repoguard.org/internal/config"
	"repoguard.org/internal/migrate"
	"repoguard.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("env: %v", err)
	}
	var (
		dsn     = flag.String("dsn", os.Getenv("REPOGUARD_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "Read migrations from this directory instead of the embedded set")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or REPOGUARD_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-dsn DSN] [-dir DIR] up|down|seed|status")
	}

	var fsys fs.FS = migrations.FS
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, fsys, "sql", "seeds")

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []migrate.Applied
		history, err = mgr.Status(ctx)
		for _, item := range history {
			state := "ok"
			if item.Drift {
				state = "drift"
			}
			fmt.Printf("%s\t%s\t%s\n", item.Name, item.AppliedAt.Format(time.RFC3339), state)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
