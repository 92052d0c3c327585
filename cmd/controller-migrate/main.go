// Command controller-migrate applies the controller's pending Postgres
// schema migrations without starting the HTTP surface — for use in a
// deploy step ahead of rolling out a new controller version.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/kestrelci/controller/pkg/store"
)

var (
	dbPath  = flag.String("db", os.Getenv("CONTROLLER_DB_PATH"), "Postgres connection string (defaults to CONTROLLER_DB_PATH)")
	timeout = flag.Duration("timeout", 60*time.Second, "Timeout for connecting and migrating")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Controller Database Migration Tool")
	log.Println("===================================")

	if *dbPath == "" {
		log.Fatal("a database DSN is required: pass -db or set CONTROLLER_DB_PATH")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	log.Println("Connecting to database...")
	st, err := store.Open(ctx, *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	log.Println("Applying pending migrations...")
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("✓ Migrations applied successfully")
}
