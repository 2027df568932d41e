package main

import (
	"database/sql"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3m "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/parikshanai/edge-agent/internal/platform/paths"
	"github.com/parikshanai/edge-agent/internal/queue/migrations"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	dbPath := flag.String("db", "", "Path to the queue database (defaults to the resolved queue db path)")
	flag.Parse()

	path := *dbPath
	if path == "" {
		path = paths.ResolveQueueDBPath()
	}
	if err := paths.EnsureParentDir(path); err != nil {
		log.Fatalf("prepare data dir: %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		log.Fatalf("open queue database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping queue database: %v", err)
	}

	driver, err := sqlite3m.WithInstance(db, &sqlite3m.Config{})
	if err != nil {
		log.Fatalf("create migrate driver: %v", err)
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		log.Fatalf("open embedded migrations: %v", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		log.Fatalf("initialize migrate: %v", err)
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Println("running UP migrations...")
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration UP failed: %v", err)
		}
		log.Println("migration UP completed")
	case *downCmd:
		log.Println("running DOWN migrations...")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration DOWN failed: %v", err)
		}
		log.Println("migration DOWN completed")
	case *stepsCmd != 0:
		log.Printf("running %d steps...", *stepsCmd)
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration steps failed: %v", err)
		}
		log.Println("migration steps completed")
	default:
		log.Println("no command specified. use -up, -down, or -steps")
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("no version found (empty db?)")
		} else {
			log.Printf("current version: %d, dirty: %v", version, dirty)
		}
	}
	log.Printf("duration: %v", time.Since(start))
}
