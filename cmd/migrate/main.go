package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"gatewatch/internal/repository/sqldb"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Could not load .env file: %v", err)
	}

	driver := flag.String("driver", envOr("DB_DRIVER", sqldb.DriverSQLite), "Database driver (sqlite3 or postgres)")
	dsn := flag.String("dsn", envOr("DB_DSN", "data/gatewatch.db"), "Database DSN or sqlite path")
	cmd := flag.String("cmd", "up", "Migration command: up, down or version")
	flag.Parse()

	db, err := sqldb.Connect(*driver, *dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	switch *cmd {
	case "up":
		if err := db.MigrateUp(); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	case "down":
		if err := db.MigrateDown(); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
	case "version":
	default:
		log.Fatalf("Unknown command %q (want up, down or version)", *cmd)
	}

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("✅ Schema version %d", version)
	if dirty {
		fmt.Print(" (dirty)")
	}
	fmt.Println()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
