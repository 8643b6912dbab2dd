// Package main applies the embedded schema migrations to the checkpoint and
// report history database.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/archon-research/stl/baddebt/db/migrations"
	"github.com/archon-research/stl/baddebt/db/migrator"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/postgres"
	"github.com/archon-research/stl/baddebt/internal/pkg/env"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	list := fs.Bool("list", false, "Print the embedded migrations and their checksums without connecting")
	dbURL := fs.String("db", "", "PostgreSQL connection URL (env DATABASE_URL)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *list {
		return listMigrations(stdout)
	}

	if *dbURL == "" {
		url, err := env.Require("DATABASE_URL")
		if err != nil {
			return fmt.Errorf("database URL not provided (use -db flag or DATABASE_URL env var)")
		}
		*dbURL = url
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))

	pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(*dbURL))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := migrator.New(pool, migrations.FS, logger).ApplyAll(ctx); err != nil {
		return err
	}
	logger.Info("all migrations up to date")
	return nil
}

func listMigrations(w io.Writer) error {
	names, err := migrator.MigrationFiles(migrations.FS)
	if err != nil {
		return err
	}
	for _, name := range names {
		content, err := migrations.FS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", name, migrator.Checksum(content)); err != nil {
			return err
		}
	}
	return nil
}
