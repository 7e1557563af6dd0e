// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/crm-prospector/internal/config"
	"github.com/crm-prospector/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		path   = flag.String("path", "", "Migrations directory (defaults to POSTGRES_MIGRATIONS_PATH)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	migrationsPath := cfg.Store.Postgres.MigrationsPath
	if *path != "" {
		migrationsPath = *path
	}

	if err := runPostgresMigrations(cfg.Store.Postgres.URL(), migrationsPath, *action); err != nil {
		log.Fatalf("Postgres migration failed: %v", err)
	}
}

func runPostgresMigrations(databaseURL, migrationsPath, action string) error {
	switch action {
	case "up":
		log.Println("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Postgres migrations completed successfully")

	case "down":
		log.Println("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
