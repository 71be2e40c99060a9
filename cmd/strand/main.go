// Command strand is the runtime's admin tool: validate agent documents,
// initialise the database schema, and seed agent documents into the store.
//
// Usage:
//
//	strand validate <dir>        check every agent document in a directory
//	strand init-db               create database tables
//	strand seed <dir>            upsert a directory of documents into the store
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandkit/strand"
	"github.com/strandkit/strand/internal/config"
	"github.com/strandkit/strand/store/postgres"
	"github.com/strandkit/strand/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load(os.Getenv("STRAND_CONFIG"))
	ctx := context.Background()

	switch os.Args[1] {
	case "validate":
		dir := cfg.Schemas.Dir
		if len(os.Args) > 2 {
			dir = os.Args[2]
		}
		if err := validate(dir); err != nil {
			log.Fatalf("validate: %v", err)
		}
	case "init-db":
		store, cleanup, err := openStore(ctx, cfg)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer cleanup()
		if err := store.Init(ctx); err != nil {
			log.Fatalf("init-db: %v", err)
		}
		fmt.Println("database initialised")
	case "seed":
		dir := cfg.Schemas.Dir
		if len(os.Args) > 2 {
			dir = os.Args[2]
		}
		store, cleanup, err := openStore(ctx, cfg)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer cleanup()
		if err := seed(ctx, store, dir); err != nil {
			log.Fatalf("seed: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: strand <validate|init-db|seed> [dir]")
}

// validate compiles every document in dir and reports the first failure.
func validate(dir string) error {
	docs, err := strand.LoadDocumentDir(dir)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no agent documents in %s", dir)
	}
	for name, doc := range docs {
		if _, err := strand.BuildSchema(doc); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("ok: %s\n", name)
	}
	return nil
}

func seed(ctx context.Context, store strand.Store, dir string) error {
	docs, err := strand.LoadDocumentDir(dir)
	if err != nil {
		return err
	}
	for name, doc := range docs {
		if _, err := strand.BuildSchema(doc); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		raw, err := docJSON(doc)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		rec := strand.SchemaRecord{Name: name, Kind: "agent", Document: raw, UpdatedAt: strand.NowUnix()}
		if err := store.UpsertSchema(ctx, rec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("seeded: %s\n", name)
	}
	return nil
}

func docJSON(doc *strand.AgentDocument) (json.RawMessage, error) {
	return json.Marshal(doc)
}

func openStore(ctx context.Context, cfg config.Config) (strand.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil
	case "sqlite", "":
		store := sqlite.New(cfg.Database.Path)
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
