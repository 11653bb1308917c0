package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/testutil"
)

func testCipher(t *testing.T) *db.Cipher {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	c, err := db.NewCipher(base64.StdEncoding.EncodeToString(key), "test")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMigrateTokens(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	_, _ = database.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE account LIKE 'test-migrate-%'`)
	t.Cleanup(func() {
		_, _ = database.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE account LIKE 'test-migrate-%'`)
	})

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	for _, account := range []string{"test-migrate-a", "test-migrate-b"} {
		tok := db.Token{Account: account, AccessToken: "access-" + account, RefreshToken: "refresh", Expiry: exp}
		if err := db.UpsertToken(ctx, database, nil, tok); err != nil {
			t.Fatalf("insert %s: %v", account, err)
		}
	}
	c := testCipher(t)

	// Dry run leaves rows untouched.
	if err := migrateTokens(ctx, database, c, true, "test-migrate-a"); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	var stored string
	_ = database.QueryRowContext(ctx, `SELECT access_token FROM oauth_tokens WHERE account = 'test-migrate-a'`).Scan(&stored)
	if stored != "access-test-migrate-a" {
		t.Errorf("dry run changed the row: %q", stored)
	}

	// A filtered run seals only that account.
	if err := migrateTokens(ctx, database, c, false, "test-migrate-a"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	got, err := db.GetToken(ctx, database, c, "test-migrate-a")
	if err != nil {
		t.Fatalf("get sealed: %v", err)
	}
	if got.AccessToken != "access-test-migrate-a" || got.RefreshToken != "refresh" {
		t.Errorf("sealed token opened to %+v", got)
	}
	if _, err := db.GetToken(ctx, database, nil, "test-migrate-a"); err == nil {
		t.Error("sealed row readable without a key")
	}
	if got, err := db.GetToken(ctx, database, nil, "test-migrate-b"); err != nil || got.AccessToken != "access-test-migrate-b" {
		t.Errorf("unfiltered account changed: %+v, %v", got, err)
	}

	// Sealed rows are not picked up again.
	if err := migrateTokens(ctx, database, c, false, "test-migrate-a"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if err := reportStatus(ctx, database); err != nil {
		t.Fatalf("status: %v", err)
	}
}
