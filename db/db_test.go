package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { dbx.Close() })
	if err := Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, _ = dbx.Exec(`DELETE FROM oauth_tokens WHERE account LIKE 'test-%'`)
	_, _ = dbx.Exec(`DELETE FROM session_stages WHERE room_id LIKE 'test-%'`)
	return dbx
}

func TestMigrateIdempotent(t *testing.T) {
	dbx := openTestDB(t)
	if err := Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	tests := []struct {
		name   string
		cipher *Cipher
	}{
		{"plaintext", nil},
		{"encrypted", func() *Cipher { c, _ := NewCipher(testKey(t), "k1"); return c }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := "test-" + tt.name
			in := Token{Account: account, AccessToken: "access", RefreshToken: "refresh", Expiry: exp, Scope: "upload"}
			if err := UpsertToken(ctx, dbx, tt.cipher, in); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			var stored string
			_ = dbx.QueryRow(`SELECT access_token FROM oauth_tokens WHERE account=$1`, account).Scan(&stored)
			if (tt.cipher != nil) == (stored == "access") {
				t.Errorf("stored access token %q (encrypted=%v)", stored, tt.cipher != nil)
			}
			got, err := GetToken(ctx, dbx, tt.cipher, account)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.AccessToken != "access" || got.RefreshToken != "refresh" || !got.Expiry.Equal(exp) || got.Provider != "youtube" {
				t.Errorf("got %+v", got)
			}
		})
	}

	if _, err := GetToken(ctx, dbx, nil, "test-encrypted"); err == nil {
		t.Error("reading an encrypted row without a key should fail")
	}
	if _, err := GetToken(ctx, dbx, nil, "test-missing"); !errors.Is(err, ErrNoToken) {
		t.Errorf("missing account err = %v", err)
	}
}

func TestLedger(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	l := &Ledger{DB: dbx}
	base := time.Now().Add(-time.Hour)
	for i, stage := range []string{"merge", "split", "upload"} {
		rec := StageRecord{RoomID: "test-room", Session: "test-room_2024-01-01_00-00-00", Stage: stage, Outcome: "success",
			Started: base.Add(time.Duration(i) * time.Minute), Finished: base.Add(time.Duration(i+1) * time.Minute)}
		if stage == "upload" {
			rec.Published = []string{"a", "b"}
		}
		if err := l.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := l.Recent(ctx, "test-room", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Stage != "upload" || recs[1].Stage != "split" {
		t.Fatalf("recent = %+v", recs)
	}
	if len(recs[0].Published) != 2 || recs[1].Published != nil {
		t.Errorf("published = %v / %v", recs[0].Published, recs[1].Published)
	}
}
