// Package credentials resolves publishing accounts to their current secrets.
// Values are read at the moment of use and never cached, so a token
// refreshed out of band is picked up by the next upload attempt.
package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/pipeline"
)

// Credentials are the secrets of one account. OAuth providers use the token
// fields, the s3 archive uses the key pair.
type Credentials struct {
	Account      string
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	AccessKey    string
	SecretKey    string
}

// ErrUnknownAccount is returned when no store knows the account.
var ErrUnknownAccount = errors.New("unknown account")

// Store reads credentials.
type Store interface {
	Get(ctx context.Context, account string) (Credentials, error)
}

// Writer persists refreshed credentials.
type Writer interface {
	Put(ctx context.Context, c Credentials) error
}

// FileStore serves the accounts declared in the config. An account with a
// credentials_file has that JSON re-read on every Get, overlaying the
// inline values.
type FileStore struct {
	Accounts map[string]config.AccountConfig
}

type fileCredentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	AccessKey    string    `json:"access_key"`
	SecretKey    string    `json:"secret_key"`
}

func (s *FileStore) Get(_ context.Context, account string) (Credentials, error) {
	ac, ok := s.Accounts[account]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	c := Credentials{
		Account:      account,
		Provider:     ac.Provider,
		AccessToken:  ac.AccessToken,
		RefreshToken: ac.RefreshToken,
		Expiry:       ac.Expiry,
		AccessKey:    ac.AccessKey,
		SecretKey:    ac.SecretKey,
	}
	if ac.CredentialsFile == "" {
		return c, nil
	}
	b, err := os.ReadFile(ac.CredentialsFile)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: read credentials for %s: %v", pipeline.ErrAuth, account, err)
	}
	var fc fileCredentials
	if err := json.Unmarshal(b, &fc); err != nil {
		return Credentials{}, fmt.Errorf("%w: parse credentials for %s: %v", pipeline.ErrAuth, account, err)
	}
	overlay(&c.AccessToken, fc.AccessToken)
	overlay(&c.RefreshToken, fc.RefreshToken)
	overlay(&c.AccessKey, fc.AccessKey)
	overlay(&c.SecretKey, fc.SecretKey)
	if !fc.Expiry.IsZero() {
		c.Expiry = fc.Expiry
	}
	return c, nil
}

// Put rewrites the account's credentials_file. Accounts without one are
// not writable here.
func (s *FileStore) Put(_ context.Context, c Credentials) error {
	ac, ok := s.Accounts[c.Account]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, c.Account)
	}
	if ac.CredentialsFile == "" {
		return fmt.Errorf("account %s has no credentials_file", c.Account)
	}
	b, err := json.MarshalIndent(fileCredentials{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
		AccessKey:    c.AccessKey,
		SecretKey:    c.SecretKey,
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := ac.CredentialsFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, ac.CredentialsFile)
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// DBStore keeps OAuth tokens in Postgres, sealed with Cipher when set.
type DBStore struct {
	DB     *sql.DB
	Cipher *db.Cipher
}

func (s *DBStore) Get(ctx context.Context, account string) (Credentials, error) {
	tok, err := db.GetToken(ctx, s.DB, s.Cipher, account)
	if errors.Is(err, db.ErrNoToken) {
		return Credentials{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		Account:      account,
		Provider:     tok.Provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

func (s *DBStore) Put(ctx context.Context, c Credentials) error {
	return db.UpsertToken(ctx, s.DB, s.Cipher, db.Token{
		Account:      c.Account,
		Provider:     c.Provider,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	})
}

// Chain asks each store in order and returns the first that knows the account.
type Chain []Store

func (c Chain) Get(ctx context.Context, account string) (Credentials, error) {
	for _, s := range c {
		cred, err := s.Get(ctx, account)
		if errors.Is(err, ErrUnknownAccount) {
			continue
		}
		return cred, err
	}
	return Credentials{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
}

// Put writes to a writable store that already knows the account. When none
// accepts the write, the first writable store gets it, which for a DB-first
// chain means the database becomes the account's source from then on.
func (c Chain) Put(ctx context.Context, cred Credentials) error {
	var first Writer
	for _, s := range c {
		w, ok := s.(Writer)
		if !ok {
			continue
		}
		if first == nil {
			first = w
		}
		if _, err := s.Get(ctx, cred.Account); err != nil {
			continue
		}
		if err := w.Put(ctx, cred); err == nil {
			return nil
		}
	}
	if first == nil {
		return errors.New("no writable credential store")
	}
	return first.Put(ctx, cred)
}
