// Package config loads the YAML configuration file, applies defaults and
// environment overrides, and validates it before anything touches disk.
//
// Secrets and deployment knobs can be supplied through the environment
// (optionally from a .env file) so the YAML can be committed without them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config/config.yaml"

// ErrInvalid wraps every validation failure so callers can map it to an operator error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the top-level configuration.
type Config struct {
	Root  RootConfig   `yaml:"root"`
	Rooms []RoomConfig `yaml:"rooms"`

	// Path is the file the config was read from; BaseDir is what relative paths resolve against.
	Path    string `yaml:"-"`
	BaseDir string `yaml:"-"`
}

// RootConfig holds daemon-wide settings.
type RootConfig struct {
	CheckInterval int    `yaml:"check_interval"` // seconds between liveness polls
	PrintInterval int    `yaml:"print_interval"` // seconds between status tables
	DataPath      string `yaml:"data_path"`
	HTTPAddr      string `yaml:"http_addr"`

	Logger   LoggerConfig             `yaml:"logger"`
	Twitch   TwitchConfig             `yaml:"twitch"`
	Capture  CaptureConfig            `yaml:"capture"`
	FFmpeg   FFmpegConfig             `yaml:"ffmpeg"`
	DanmuAss DanmuAssConfig           `yaml:"danmu_ass"`
	Overlay  OverlayConfig            `yaml:"overlay"`
	Upload   UploadConfig             `yaml:"upload"`
	Cleanup  CleanupConfig            `yaml:"cleanup"`
	Accounts map[string]AccountConfig `yaml:"accounts"`
	YouTube  YouTubeConfig            `yaml:"youtube"`
	Database DatabaseConfig           `yaml:"database"`
	Archive  ArchiveConfig            `yaml:"archive"`
	Notify   NotifyConfig             `yaml:"notify"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
	Path   string `yaml:"path"`   // directory for recorder_<ts>.log files; empty disables file logging
}

type TwitchConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BotUsername  string `yaml:"bot_username"`
	OAuthToken   string `yaml:"oauth_token"`
}

type CaptureConfig struct {
	Tool         string        `yaml:"tool"` // streamlink | yt-dlp
	Bin          string        `yaml:"bin"`
	Quality      string        `yaml:"quality"`
	StopGrace    time.Duration `yaml:"stop_grace"`
	RestartDelay time.Duration `yaml:"restart_delay"`
	MaxRestarts  int           `yaml:"max_restarts"` // consecutive failed starts before giving up
}

type FFmpegConfig struct {
	Bin             string  `yaml:"bin"`
	ProbeBin        string  `yaml:"probe_bin"`
	MinSegmentBytes int64   `yaml:"min_segment_bytes"`
	MinTailSeconds  float64 `yaml:"min_tail_seconds"`
	Encoder         string  `yaml:"encoder"`
	Preset          string  `yaml:"preset"`
	CRF             int     `yaml:"crf"`
}

// DanmuAssConfig controls how the overlay log is rendered into scrolling subtitles.
type DanmuAssConfig struct {
	PlayResX   int     `yaml:"play_res_x"`
	PlayResY   int     `yaml:"play_res_y"`
	Font       string  `yaml:"font"`
	FontSize   int     `yaml:"font_size"`
	Duration   float64 `yaml:"duration"`
	RowCount   int     `yaml:"row_count"`
	LineHeight int     `yaml:"line_height"`
	MarginTop  int     `yaml:"margin_top"`
	ScrollEnd  int     `yaml:"scroll_end"`
}

type OverlayConfig struct {
	MaxFailures    int           `yaml:"max_failures"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Buffer         int           `yaml:"buffer"`
}

type UploadConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxElapsed     time.Duration `yaml:"max_elapsed"`
	MinFileBytes   int64         `yaml:"min_file_bytes"`
}

type CleanupConfig struct {
	IntervalHours int  `yaml:"interval_hours"`
	RetentionDays int  `yaml:"retention_days"`
	DryRun        bool `yaml:"dry_run"`
}

// AccountConfig names a set of publishing credentials. When CredentialsFile is
// set its JSON content is re-read at every use, so out-of-band refreshes apply
// without a restart.
type AccountConfig struct {
	Provider        string    `yaml:"provider"` // youtube | s3
	AccessToken     string    `yaml:"access_token"`
	RefreshToken    string    `yaml:"refresh_token"`
	Expiry          time.Time `yaml:"expiry"`
	AccessKey       string    `yaml:"access_key"`
	SecretKey       string    `yaml:"secret_key"`
	CredentialsFile string    `yaml:"credentials_file"`
}

type YouTubeConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	Scopes       string `yaml:"scopes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	EncryptionKey   string        `yaml:"encryption_key"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshWindow   time.Duration `yaml:"refresh_window"`
}

type ArchiveConfig struct {
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	UseSSL   bool   `yaml:"use_ssl"`
	Region   string `yaml:"region"`
}

type NotifyConfig struct {
	SlackWebhook string   `yaml:"slack_webhook"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// RoomConfig configures one watched channel.
type RoomConfig struct {
	RoomID   string         `yaml:"room_id"`
	Recorder RecorderConfig `yaml:"recorder"`
	Uploader UploaderConfig `yaml:"uploader"`
}

type RecorderConfig struct {
	KeepRawRecord *bool `yaml:"keep_raw_record"`
	EnableDanmu   bool  `yaml:"enable_danmu"`
}

// KeepRaw reports whether raw segments survive a successful split (default true).
func (r RecorderConfig) KeepRaw() bool { return r.KeepRawRecord == nil || *r.KeepRawRecord }

type UploaderConfig struct {
	Account string             `yaml:"account"`
	Backend string             `yaml:"backend"` // youtube | s3
	Record  RecordUploadConfig `yaml:"record"`
}

type RecordUploadConfig struct {
	UploadRecord          bool     `yaml:"upload_record"`
	KeepRecordAfterUpload *bool    `yaml:"keep_record_after_upload"`
	SplitInterval         *int     `yaml:"split_interval"` // seconds; <=0 uploads the merged file whole
	Title                 string   `yaml:"title"`
	CategoryID            string   `yaml:"category_id"`
	Tags                  []string `yaml:"tags"`
	Desc                  string   `yaml:"desc"`
	Cover                 string   `yaml:"cover"`
	Privacy               string   `yaml:"privacy"`
}

// KeepAfterUpload reports whether split files survive a successful upload (default true).
func (r RecordUploadConfig) KeepAfterUpload() bool {
	return r.KeepRecordAfterUpload == nil || *r.KeepRecordAfterUpload
}

// Interval returns the split interval in seconds (default 3600).
func (r RecordUploadConfig) Interval() int {
	if r.SplitInterval == nil {
		return 3600
	}
	return *r.SplitInterval
}

// Load reads a YAML config file from path, applies env overrides and returns a validated Config.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return parse(data, abs)
}

// Parse unmarshals YAML bytes into a validated Config. Relative paths resolve
// against the working directory.
func Parse(data []byte) (*Config, error) {
	wd, _ := os.Getwd()
	return parse(data, filepath.Join(wd, "config.yaml"))
}

func parse(data []byte, path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalid, err)
	}
	cfg.Path = path
	cfg.BaseDir = baseDir(path)
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// baseDir is the directory relative paths resolve against: the config file's
// directory, or its parent when that directory is named "config".
func baseDir(path string) string {
	dir := filepath.Dir(path)
	if strings.EqualFold(filepath.Base(dir), "config") {
		return filepath.Dir(dir)
	}
	return dir
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	r := &c.Root
	setStr(&r.Twitch.ClientID, "TWITCH_CLIENT_ID")
	setStr(&r.Twitch.ClientSecret, "TWITCH_CLIENT_SECRET")
	setStr(&r.Twitch.BotUsername, "TWITCH_BOT_USERNAME")
	setStr(&r.Twitch.OAuthToken, "TWITCH_OAUTH_TOKEN")
	setStr(&r.YouTube.ClientID, "YT_CLIENT_ID")
	setStr(&r.YouTube.ClientSecret, "YT_CLIENT_SECRET")
	setStr(&r.YouTube.RedirectURI, "YT_REDIRECT_URI")
	setStr(&r.Database.DSN, "DB_DSN")
	setStr(&r.Database.EncryptionKey, "ENCRYPTION_KEY")
	setStr(&r.DataPath, "DATA_DIR")
	setStr(&r.HTTPAddr, "HTTP_ADDR")
	setStr(&r.Logger.Level, "LOG_LEVEL")
	setStr(&r.Logger.Format, "LOG_FORMAT")
	setStr(&r.Notify.SlackWebhook, "SLACK_WEBHOOK_URL")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		r.Notify.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CHECK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			r.CheckInterval = n
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	r := &c.Root
	if r.CheckInterval == 0 {
		r.CheckInterval = 60
	}
	if r.PrintInterval == 0 {
		r.PrintInterval = 60
	}
	if r.DataPath == "" {
		r.DataPath = "./"
	}
	r.DataPath = c.resolve(r.DataPath)
	if r.Logger.Level == "" {
		r.Logger.Level = "info"
	}
	if r.Logger.Format == "" {
		r.Logger.Format = "text"
	}
	if r.Logger.Path != "" {
		r.Logger.Path = c.resolve(r.Logger.Path)
	}
	if r.Capture.Tool == "" {
		r.Capture.Tool = "streamlink"
	}
	if r.Capture.Bin == "" {
		r.Capture.Bin = r.Capture.Tool
	}
	if r.Capture.Quality == "" {
		r.Capture.Quality = "best"
	}
	if r.Capture.StopGrace == 0 {
		r.Capture.StopGrace = 10 * time.Second
	}
	if r.Capture.RestartDelay == 0 {
		r.Capture.RestartDelay = 5 * time.Second
	}
	if r.Capture.MaxRestarts == 0 {
		r.Capture.MaxRestarts = 3
	}
	if r.FFmpeg.Bin == "" {
		r.FFmpeg.Bin = "ffmpeg"
	}
	if r.FFmpeg.ProbeBin == "" {
		r.FFmpeg.ProbeBin = "ffprobe"
	}
	if r.FFmpeg.MinSegmentBytes == 0 {
		r.FFmpeg.MinSegmentBytes = 1 << 20
	}
	if r.FFmpeg.MinTailSeconds == 0 {
		r.FFmpeg.MinTailSeconds = 1
	}
	if r.FFmpeg.Encoder == "" {
		r.FFmpeg.Encoder = "libx264"
	}
	if r.FFmpeg.Preset == "" {
		r.FFmpeg.Preset = "veryfast"
	}
	if r.FFmpeg.CRF == 0 {
		r.FFmpeg.CRF = 23
	}
	d := &r.DanmuAss
	if d.PlayResX == 0 {
		d.PlayResX = 1920
	}
	if d.PlayResY == 0 {
		d.PlayResY = 1080
	}
	if d.Font == "" {
		d.Font = "Microsoft YaHei"
	}
	if d.FontSize == 0 {
		d.FontSize = 45
	}
	if d.Duration == 0 {
		d.Duration = 6.0
	}
	if d.RowCount == 0 {
		d.RowCount = 12
	}
	if d.LineHeight == 0 {
		d.LineHeight = 40
	}
	if d.MarginTop == 0 {
		d.MarginTop = 60
	}
	if d.ScrollEnd == 0 {
		d.ScrollEnd = -200
	}
	if r.Overlay.MaxFailures == 0 {
		r.Overlay.MaxFailures = 10
	}
	if r.Overlay.InitialBackoff == 0 {
		r.Overlay.InitialBackoff = 5 * time.Second
	}
	if r.Overlay.MaxBackoff == 0 {
		r.Overlay.MaxBackoff = 2 * time.Minute
	}
	if r.Overlay.Buffer == 0 {
		r.Overlay.Buffer = 1024
	}
	if r.Upload.MaxAttempts == 0 {
		r.Upload.MaxAttempts = 5
	}
	if r.Upload.InitialBackoff == 0 {
		r.Upload.InitialBackoff = 10 * time.Second
	}
	if r.Upload.MaxBackoff == 0 {
		r.Upload.MaxBackoff = 5 * time.Minute
	}
	if r.Upload.MaxElapsed == 0 {
		r.Upload.MaxElapsed = 6 * time.Hour
	}
	if r.Upload.MinFileBytes == 0 {
		r.Upload.MinFileBytes = 1 << 20
	}
	if r.Cleanup.IntervalHours == 0 {
		r.Cleanup.IntervalHours = 24
	}
	if r.Cleanup.RetentionDays == 0 {
		r.Cleanup.RetentionDays = 7
	}
	if r.YouTube.Scopes == "" {
		r.YouTube.Scopes = "https://www.googleapis.com/auth/youtube.upload"
	}
	if r.Database.RefreshInterval == 0 {
		r.Database.RefreshInterval = 10 * time.Minute
	}
	if r.Database.RefreshWindow == 0 {
		r.Database.RefreshWindow = 20 * time.Minute
	}
	if r.Notify.KafkaTopic == "" {
		r.Notify.KafkaTopic = "live-tender.events"
	}
	for name, acc := range r.Accounts {
		if acc.Provider == "" {
			acc.Provider = "youtube"
		}
		acc.CredentialsFile = c.resolve(acc.CredentialsFile)
		r.Accounts[name] = acc
	}
	for i := range c.Rooms {
		u := &c.Rooms[i].Uploader
		if u.Account == "" {
			u.Account = "default"
		}
		if u.Backend == "" {
			u.Backend = "youtube"
			if acc, ok := r.Accounts[u.Account]; ok && acc.Provider != "" {
				u.Backend = acc.Provider
			}
		}
		rec := &u.Record
		if rec.CategoryID == "" {
			rec.CategoryID = "20"
		}
		if rec.Privacy == "" {
			rec.Privacy = "private"
		}
		rec.Cover = c.resolve(rec.Cover)
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	r := c.Root
	if r.CheckInterval < 0 {
		errs = append(errs, "root.check_interval must be positive")
	}
	if r.PrintInterval < 0 {
		errs = append(errs, "root.print_interval must be positive")
	}
	switch strings.ToLower(r.Logger.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("root.logger.format %q must be text or json", r.Logger.Format))
	}
	switch r.Capture.Tool {
	case "streamlink", "yt-dlp":
	default:
		errs = append(errs, fmt.Sprintf("root.capture.tool %q must be streamlink or yt-dlp", r.Capture.Tool))
	}
	if r.Cleanup.RetentionDays < 0 {
		errs = append(errs, "root.cleanup.retention_days must not be negative")
	}
	if r.Upload.MaxAttempts < 1 {
		errs = append(errs, "root.upload.max_attempts must be at least 1")
	}
	seen := make(map[string]bool)
	for i, room := range c.Rooms {
		if room.RoomID == "" {
			errs = append(errs, fmt.Sprintf("rooms[%d].room_id is required", i))
			continue
		}
		if seen[room.RoomID] {
			errs = append(errs, fmt.Sprintf("rooms[%d].room_id %q is duplicated", i, room.RoomID))
		}
		seen[room.RoomID] = true
		u := room.Uploader
		switch u.Backend {
		case "youtube", "s3":
		default:
			errs = append(errs, fmt.Sprintf("rooms[%d].uploader.backend %q must be youtube or s3", i, u.Backend))
		}
		if u.Record.UploadRecord {
			if _, ok := r.Accounts[u.Account]; !ok {
				errs = append(errs, fmt.Sprintf("rooms[%d].uploader.account %q is not defined in root.accounts", i, u.Account))
			}
			if u.Backend == "s3" && r.Archive.Bucket == "" {
				errs = append(errs, fmt.Sprintf("rooms[%d] uploads to s3 but root.archive.bucket is empty", i))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Room returns the configuration for roomID.
func (c *Config) Room(roomID string) (RoomConfig, bool) {
	for _, r := range c.Rooms {
		if r.RoomID == roomID {
			return r, true
		}
	}
	return RoomConfig{}, false
}

// DataRoot is the directory holding every session artifact.
func (c *Config) DataRoot() string { return filepath.Join(c.Root.DataPath, "data") }

// CheckEvery returns the liveness poll interval.
func (c *Config) CheckEvery() time.Duration {
	return time.Duration(c.Root.CheckInterval) * time.Second
}

// PrintEvery returns the status table interval.
func (c *Config) PrintEvery() time.Duration {
	return time.Duration(c.Root.PrintInterval) * time.Second
}
