// Command migrate applies or rolls back the database schema.
//
//	migrate up
//	migrate down [-steps N]
//	migrate version
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/R3E-Network/prediction_layer/internal/config"
	"github.com/R3E-Network/prediction_layer/internal/platform/migrations"
)

func main() {
	dsnFlag := flag.String("dsn", "", "Postgres DSN (defaults to DATABASE_URL / config)")
	steps := flag.Int("steps", 1, "Number of migrations to roll back with down")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] up|down|version\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	dsn := *dsnFlag
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		dsn = cfg.Database.DSN
	}
	if dsn == "" {
		log.Fatalf("database dsn not configured; set DATABASE_URL or -dsn")
	}

	switch flag.Arg(0) {
	case "up":
		if err := migrations.Up(dsn); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Printf("migrations applied")
	case "down":
		if err := migrations.Down(dsn, *steps); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Printf("rolled back %d migration(s)", *steps)
	case "version":
		version, dirty, err := migrations.Version(dsn)
		if err != nil {
			log.Fatalf("migrate version: %v", err)
		}
		log.Printf("version %d (dirty=%t)", version, dirty)
	default:
		flag.Usage()
		os.Exit(2)
	}
}
