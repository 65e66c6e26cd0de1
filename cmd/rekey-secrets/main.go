// Package main provides a CLI tool to re-seal Postgres-stored secrets under a
// new encryption key.
//
// For every secret it opens the latest version with OLD_ENCRYPTION_KEY and
// writes it back as a new version sealed with ENCRYPTION_KEY. Older versions
// are left untouched; readers only ever use the latest one.
//
// Usage:
//
//	rekey-secrets [--dry-run] [--prefix PREFIX]
//
// Flags:
//
//	--dry-run: Show what would be re-sealed without making changes
//	--prefix:  Only re-seal secrets whose name starts with PREFIX
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	OLD_ENCRYPTION_KEY: Base64-encoded 32-byte key the secrets are sealed with (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte key to seal with (required)
//
// Example:
//
//	export OLD_ENCRYPTION_KEY="$ENCRYPTION_KEY"
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./rekey-secrets --dry-run
//	./rekey-secrets
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/chatvox/backend/crypto"
	"github.com/onnwee/chatvox/backend/db"
	"github.com/onnwee/chatvox/backend/secrets"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be re-sealed without making changes")
	prefix := flag.String("prefix", "", "Only re-seal secrets whose name starts with this prefix")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(context.Background(), os.Getenv("DB_DSN"), os.Getenv("OLD_ENCRYPTION_KEY"), os.Getenv("ENCRYPTION_KEY"), *prefix, *dryRun); err != nil {
		slog.Error("rekey failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("rekey completed successfully")
}

func run(ctx context.Context, dsn, oldKey, newKey, prefix string, dryRun bool) error {
	if oldKey == "" || newKey == "" {
		return fmt.Errorf("OLD_ENCRYPTION_KEY and ENCRYPTION_KEY are required")
	}
	oldSealer, err := crypto.NewAESSealer(oldKey)
	if err != nil {
		return fmt.Errorf("old key: %w", err)
	}
	newSealer, err := crypto.NewAESSealer(newKey)
	if err != nil {
		return fmt.Errorf("new key: %w", err)
	}
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer database.Close()

	from, err := secrets.NewPostgresStore(database, oldSealer)
	if err != nil {
		return err
	}
	to, err := secrets.NewPostgresStore(database, newSealer)
	if err != nil {
		return err
	}
	names, err := listSecretNames(ctx, database, prefix)
	if err != nil {
		return err
	}
	_, err = rekey(ctx, names, from, to, dryRun)
	return err
}

// listSecretNames returns the secret names matching prefix in name order.
func listSecretNames(ctx context.Context, database *sql.DB, prefix string) ([]string, error) {
	rows, err := database.QueryContext(ctx,
		`SELECT name FROM secrets WHERE starts_with(name, $1) ORDER BY name`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query secrets: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan secret row: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating secret rows: %w", err)
	}
	return names, nil
}

// rekey copies the latest version of each secret from one store to the
// other and returns how many were (or, in a dry run, would be) written.
// A secret that fails is logged and counted; the rest still proceed.
func rekey(ctx context.Context, names []string, from, to secrets.Store, dryRun bool) (int, error) {
	if len(names) == 0 {
		slog.Info("no secrets found to re-seal")
		return 0, nil
	}
	slog.Info("found secrets to re-seal", slog.Int("count", len(names)), slog.Bool("dry_run", dryRun))

	done, failed := 0, 0
	for i, name := range names {
		logger := slog.With(slog.String("secret", name), slog.Int("index", i+1), slog.Int("total", len(names)))
		payload, err := from.ReadLatest(ctx, name)
		if err != nil {
			logger.Error("failed to open latest version", slog.Any("error", err))
			failed++
			continue
		}
		if dryRun {
			logger.Info("would re-seal secret (dry-run)")
			done++
			continue
		}
		version, err := secrets.CreateAndWrite(ctx, to, name, payload)
		if err != nil {
			logger.Error("failed to write re-sealed version", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("re-sealed secret", slog.String("version", version))
		done++
	}

	slog.Info("rekey summary",
		slog.Int("total", len(names)),
		slog.Int("resealed", done),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return done, fmt.Errorf("rekey completed with %d errors", failed)
	}
	return done, nil
}
