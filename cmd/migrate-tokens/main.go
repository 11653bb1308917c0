// Command migrate-tokens seals plaintext OAuth tokens (encryption_version=0)
// in the oauth_tokens table with the configured AES-256-GCM key.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--account ACCOUNT]
//
// DB_DSN and ENCRYPTION_KEY must be set.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/live-tender/db"
)

// tokenRow is a plaintext row waiting to be sealed.
type tokenRow struct {
	Account      string
	AccessToken  sql.NullString
	RefreshToken sql.NullString
}

func newRootCmd() *cobra.Command {
	var (
		dryRun  bool
		account string
		keyID   string
	)
	cmd := &cobra.Command{
		Use:          "migrate-tokens",
		Short:        "Encrypt plaintext OAuth tokens in the database",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("DB_DSN")
			if dsn == "" {
				return fmt.Errorf("DB_DSN environment variable is required")
			}
			cipher, err := db.NewCipher(os.Getenv("ENCRYPTION_KEY"), keyID)
			if err != nil {
				return fmt.Errorf("ENCRYPTION_KEY: %w", err)
			}
			ctx := cmd.Context()
			database, err := db.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := migrateTokens(ctx, database, cipher, dryRun, account); err != nil {
				return err
			}
			return reportStatus(ctx, database)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be migrated without making changes")
	cmd.Flags().StringVar(&account, "account", "", "migrate only this account (default: all accounts)")
	cmd.Flags().StringVar(&keyID, "key-id", "v1", "identifier recorded with every sealed row")
	return cmd
}

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// migrateTokens seals every plaintext row, or only account's when set.
func migrateTokens(ctx context.Context, database *sql.DB, c *db.Cipher, dryRun bool, account string) error {
	query := `SELECT account, access_token, refresh_token FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0`
	var args []any
	if account != "" {
		query += ` AND account = $1`
		args = append(args, account)
	}
	query += ` ORDER BY account`

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query plaintext tokens: %w", err)
	}
	var tokens []tokenRow
	for rows.Next() {
		var tr tokenRow
		if err := rows.Scan(&tr.Account, &tr.AccessToken, &tr.RefreshToken); err != nil {
			rows.Close()
			return fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, tr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate token rows: %w", err)
	}

	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(tokens)), slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, tr := range tokens {
		logger := slog.With(slog.String("account", tr.Account), slog.Int("index", i+1), slog.Int("total", len(tokens)))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := sealToken(ctx, database, c, tr); err != nil {
			logger.Error("failed to migrate token", slog.Any("err", err))
			failed++
			continue
		}
		logger.Info("migrated token")
		migrated++
	}
	slog.Info("migration summary",
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

// sealToken rewrites one row. The version guard makes a concurrent write
// by the daemon show up as zero affected rows.
func sealToken(ctx context.Context, database *sql.DB, c *db.Cipher, tr tokenRow) error {
	seal := func(v sql.NullString) (sql.NullString, error) {
		if !v.Valid || v.String == "" {
			return v, nil
		}
		s, err := c.Seal(v.String)
		return sql.NullString{String: s, Valid: true}, err
	}
	access, err := seal(tr.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := seal(tr.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.ExecContext(ctx, `
		UPDATE oauth_tokens
		SET access_token = $1, refresh_token = $2, encryption_version = 1, encryption_key_id = $3, updated_at = NOW()
		WHERE account = $4 AND COALESCE(encryption_version, 0) = 0`,
		access, refresh, c.KeyID, tr.Account)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token modified concurrently?)", n)
	}
	return tx.Commit()
}

// reportStatus logs how many rows sit at each encryption version.
func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx,
		`SELECT COALESCE(encryption_version, 0), COUNT(*) FROM oauth_tokens GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return fmt.Errorf("scan status row: %w", err)
		}
		desc := "plaintext"
		if version == 1 {
			desc = "encrypted (AES-256-GCM)"
		}
		slog.Info("token encryption status", slog.Int("version", version), slog.String("kind", desc), slog.Int("count", count))
	}
	return rows.Err()
}
