package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/live-tender/archive"
	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/cleanup"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/credentials"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/notify"
	"github.com/onnwee/live-tender/oauth"
	"github.com/onnwee/live-tender/overlay"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/process"
	"github.com/onnwee/live-tender/runner"
	"github.com/onnwee/live-tender/twitchapi"
	"github.com/onnwee/live-tender/upload"
	"github.com/onnwee/live-tender/youtubeapi"
)

// env is the wired object graph shared by the daemon and the stage commands.
type env struct {
	cfg     *config.Config
	deps    runner.Deps
	db      *sql.DB     // nil without database.dsn
	ledger  *db.Ledger  // nil without database.dsn
	tokens  oauth.TokenStore
	youtube *youtubeapi.Publisher
}

// build connects the optional database and wires every collaborator from cfg.
// Resources are released through a.onClose.
func build(ctx context.Context, a *app) (*env, error) {
	cfg := a.cfg
	logger := slog.Default()
	e := &env{cfg: cfg}

	files := &credentials.FileStore{Accounts: cfg.Root.Accounts}
	chain := credentials.Chain{files}

	if dsn := cfg.Root.Database.DSN; dsn != "" {
		database, err := db.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: open database: %v", pipeline.ErrStartFailed, err)
		}
		a.onClose(func() {
			if err := database.Close(); err != nil {
				logger.Error("failed to close database", slog.Any("err", err))
			}
		})
		if err := migrate(ctx, database, logger); err != nil {
			return nil, fmt.Errorf("%w: %v", pipeline.ErrStartFailed, err)
		}
		var cipher *db.Cipher
		if key := cfg.Root.Database.EncryptionKey; key != "" {
			cipher, err = db.NewCipher(key, "v1")
			if err != nil {
				return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
			}
		} else {
			logger.Warn("ENCRYPTION_KEY not set, OAuth tokens are stored in plaintext")
		}
		e.db = database
		e.ledger = &db.Ledger{DB: database}
		chain = credentials.Chain{&credentials.DBStore{DB: database, Cipher: cipher}, files}
	}
	e.tokens = chain

	e.youtube = youtubeapi.New(cfg.Root.YouTube, chain, logger)
	agent := upload.NewAgent(cfg.Root.Upload, chain, map[string]upload.Publisher{
		"youtube": e.youtube,
		"s3":      archive.New(cfg.Root.Archive, logger),
	}, logger)

	tw := cfg.Root.Twitch
	e.deps = runner.Deps{
		Live:      twitchapi.NewLiveSource(tw.ClientID, tw.ClientSecret),
		Capture:   capture.NewExecEngine(cfg.Root.Capture.Tool, cfg.Root.Capture.Bin, cfg.Root.Capture.Quality),
		Feed:      &overlay.TwitchFeed{Username: tw.BotUsername, OAuthToken: tw.OAuthToken},
		Processor: process.New(cfg.Root.FFmpeg, cfg.Root.DanmuAss, logger),
		Publisher: agent,
		Notifier:  notifier(a, cfg.Root.Notify),
	}
	if e.ledger != nil {
		e.deps.Ledger = e.ledger
	}
	return e, nil
}

// migrate runs the versioned migrations and falls back to the embedded
// idempotent schema when they cannot run.
func migrate(ctx context.Context, database *sql.DB, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "db_migrate"))
	logger.Info("running database migrations")
	if err := db.RunMigrations(database); err != nil {
		logger.Warn("versioned migrations failed, falling back to embedded schema", slog.Any("err", err))
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("embedded schema applied")
		return nil
	}
	logger.Info("versioned migrations completed")
	return nil
}

func notifier(a *app, cfg config.NotifyConfig) notify.Notifier {
	var out notify.Multi
	if cfg.SlackWebhook != "" {
		out = append(out, &notify.Slack{WebhookURL: cfg.SlackWebhook})
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		k := notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.onClose(func() { _ = k.Close() })
		out = append(out, k)
	}
	if len(out) == 0 {
		return notify.Nop{}
	}
	return out
}

// refresher keeps database-held YouTube tokens fresh. Accounts only declared
// in the config file are refreshed lazily by the publisher.
func (e *env) refresher() *oauth.Refresher {
	if e.db == nil || e.cfg.Root.YouTube.ClientID == "" {
		return nil
	}
	database := e.db
	return &oauth.Refresher{
		Store:    e.tokens,
		Accounts: func(ctx context.Context) ([]string, error) { return db.ListAccounts(ctx, database) },
		Refresh:  e.youtube.Refresh,
		Window:   e.cfg.Root.Database.RefreshWindow,
		Logger:   slog.Default(),
	}
}

// sweeper builds the cleanup sweeper. active may be nil outside the daemon.
func sweeper(cfg *config.Config, retention time.Duration, active func() []string) *cleanup.Sweeper {
	return &cleanup.Sweeper{
		Root:      cfg.DataRoot(),
		LogDir:    cfg.Root.Logger.Path,
		Retention: retention,
		DryRun:    cfg.Root.Cleanup.DryRun,
		Active:    active,
		Logger:    slog.Default(),
	}
}
