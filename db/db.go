// Package db provides the Postgres connection, schema migration, encrypted
// account token storage and the session stage ledger.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens and pings a Postgres connection.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is empty")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pctx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return dbx, nil
}

// Migrate applies the schema with idempotent statements. It is the fallback
// when versioned migrations cannot run.
func Migrate(ctx context.Context, dbx *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			account TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT 'youtube',
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS session_stages (
			id BIGSERIAL PRIMARY KEY,
			room_id TEXT NOT NULL,
			session TEXT NOT NULL,
			stage TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			published TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_stages_room_finished ON session_stages(room_id, finished_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_session_stages_session ON session_stages(session)`,
	}
	for i, s := range stmts {
		if _, err := dbx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// Token is one account's OAuth token row.
type Token struct {
	Account      string
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// UpsertToken stores tok. With a non-nil cipher the token columns are sealed
// and encryption_version is 1; otherwise they are stored as-is (version 0).
func UpsertToken(ctx context.Context, dbx *sql.DB, c *Cipher, tok Token) error {
	version, keyID := 0, ""
	access, refresh := tok.AccessToken, tok.RefreshToken
	if c != nil {
		var err error
		if access, err = c.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = c.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version, keyID = 1, c.KeyID
	}
	provider := tok.Provider
	if provider == "" {
		provider = "youtube"
	}
	q := `INSERT INTO oauth_tokens(account, provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		  ON CONFLICT(account) DO UPDATE SET
		    provider=EXCLUDED.provider,
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err := dbx.ExecContext(ctx, q, tok.Account, provider, access, refresh, tok.Expiry, tok.Scope, version, keyID)
	return err
}

// ErrNoToken is returned by GetToken when the account has no row.
var ErrNoToken = errors.New("no stored token")

// GetToken reads an account's token, opening sealed columns with c.
// Plaintext rows (version 0) are returned as stored.
func GetToken(ctx context.Context, dbx *sql.DB, c *Cipher, account string) (Token, error) {
	tok := Token{Account: account}
	var (
		version int
		scope   sql.NullString
		access  sql.NullString
		refresh sql.NullString
		expiry  sql.NullTime
	)
	row := dbx.QueryRowContext(ctx,
		`SELECT provider, access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE account = $1`, account)
	err := row.Scan(&tok.Provider, &access, &refresh, &expiry, &scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNoToken
	}
	if err != nil {
		return Token{}, err
	}
	tok.AccessToken, tok.RefreshToken = access.String, refresh.String
	tok.Expiry, tok.Scope = expiry.Time, scope.String
	if version == 1 {
		if c == nil {
			return Token{}, fmt.Errorf("token for %s is encrypted but no encryption key is configured", account)
		}
		if tok.AccessToken, err = c.Open(tok.AccessToken); err != nil {
			return Token{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = c.Open(tok.RefreshToken); err != nil {
			return Token{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return tok, nil
}

// ListAccounts returns the accounts that have a stored refresh token.
func ListAccounts(ctx context.Context, dbx *sql.DB) ([]string, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT account FROM oauth_tokens WHERE COALESCE(refresh_token, '') <> '' ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
