package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migration is one versioned SQL file.
type migration struct {
	Version string
	Path    string
}

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
		dir       = flag.String("dir", "", "migrations directory (default: ./migrations or next to the binary)")
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	if *direction != "up" && *direction != "down" {
		log.Fatalf("direction must be up or down, got %q", *direction)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		log.Fatalf("Failed to create migrations table: %v", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		log.Fatalf("Failed to get applied migrations: %v", err)
	}

	available, err := findMigrations(migrationsDir(*dir), *direction)
	if err != nil {
		log.Fatalf("Failed to find migration files: %v", err)
	}

	todo := plan(available, applied, *direction, *steps)
	if len(todo) == 0 {
		fmt.Println("No migrations to apply")
		return
	}

	for _, m := range todo {
		fmt.Printf("Running migration: %s\n", filepath.Base(m.Path))
		if err := apply(ctx, pool, m, *direction); err != nil {
			log.Fatalf("Migration %s failed: %v", m.Version, err)
		}
		fmt.Printf("Applied migration: %s\n", m.Version)
	}
	fmt.Printf("Applied %d migration(s)\n", len(todo))
}

func migrationsDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if _, err := os.Stat("migrations"); err == nil {
		return "migrations"
	}
	execPath, _ := os.Executable()
	return filepath.Join(filepath.Dir(execPath), "migrations")
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// findMigrations lists the files for direction in version order; down
// migrations come newest first.
func findMigrations(dir, direction string) ([]migration, error) {
	suffix := "." + direction + ".sql"
	files, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	if direction == "down" {
		slices.Reverse(files)
	}

	out := make([]migration, 0, len(files))
	for _, f := range files {
		out = append(out, migration{
			Version: strings.TrimSuffix(filepath.Base(f), suffix),
			Path:    f,
		})
	}
	return out, nil
}

// plan picks the migrations still to run, at most steps when steps > 0.
func plan(available []migration, applied map[string]bool, direction string, steps int) []migration {
	var todo []migration
	for _, m := range available {
		if (direction == "up") == applied[m.Version] {
			continue
		}
		if steps > 0 && len(todo) >= steps {
			break
		}
		todo = append(todo, m)
	}
	return todo
}

func apply(ctx context.Context, pool *pgxpool.Pool, m migration, direction string) error {
	content, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", m.Path, err)
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return err
		}
		if direction == "up" {
			_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version)
		} else {
			_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.Version)
		}
		if err != nil {
			return fmt.Errorf("failed to update migrations table: %w", err)
		}
		return nil
	})
}
