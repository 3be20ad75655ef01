// Package config loads clipforge settings from an optional YAML file
// (CONFIG_FILE) overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Renderer RendererConfig `yaml:"renderer"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Storage  StorageConfig  `yaml:"storage"`
	Poller   PollerConfig   `yaml:"poller"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Audit    AuditConfig    `yaml:"audit"`
}

type HTTPConfig struct {
	Port           string        `yaml:"port"`
	PublicBaseURL  string        `yaml:"public_base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver      string `yaml:"driver"`
	URL         string `yaml:"url"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type RedisConfig struct {
	// Addr empty disables the audit queue and the reaper lock.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RendererConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// CallbackURL is where the rendering service posts status pushes.
	// Defaults to PublicBaseURL + "/webhooks/render".
	CallbackURL string `yaml:"callback_url"`
	// SourceURLTTL bounds the signed source URL handed to the service.
	SourceURLTTL time.Duration `yaml:"source_url_ttl"`
}

type WebhookConfig struct {
	Secret           string        `yaml:"secret"`
	RequireSignature bool          `yaml:"require_signature"`
	Tolerance        time.Duration `yaml:"tolerance"`
}

type StorageConfig struct {
	// Provider is "localfs", "gdrive" or "s3".
	Provider string       `yaml:"provider"`
	Local    LocalStorage `yaml:"local"`
	GDrive   GDriveConfig `yaml:"gdrive"`
	S3       S3Config     `yaml:"s3"`
	// MaxUploadBytes bounds POST /sources.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type LocalStorage struct {
	Root string `yaml:"root"`
	// SigningKey signs the /sources/content URLs localfs hands out.
	SigningKey string `yaml:"signing_key"`
}

type GDriveConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	FolderID     string `yaml:"folder_id"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

type ReaperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type AuditConfig struct {
	QueueName string `yaml:"queue_name"`
}

// Defaults returns the configuration used when neither file nor env say otherwise.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           "8080",
			PublicBaseURL:  "http://localhost:8080",
			RequestTimeout: 30 * time.Second,
			CORSOrigins:    []string{"http://localhost:5173"},
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Driver: "postgres", AutoMigrate: true},
		Renderer: RendererConfig{
			Timeout:      30 * time.Second,
			SourceURLTTL: 6 * time.Hour,
		},
		Webhook: WebhookConfig{Tolerance: 5 * time.Minute},
		Storage: StorageConfig{
			Provider:       "localfs",
			Local:          LocalStorage{Root: "/data"},
			S3:             S3Config{Region: "auto"},
			MaxUploadBytes: 2 << 30,
		},
		Poller: PollerConfig{Interval: 2 * time.Second},
		Reaper: ReaperConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
			MaxAge:   6 * time.Hour,
		},
		Audit: AuditConfig{QueueName: "clipforge:render_history"},
	}
}

// Load reads CONFIG_FILE when set, then applies environment overrides and
// validates the result.
func Load() (Config, error) {
	cfg := Defaults()

	if path := Env("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv()

	if cfg.Renderer.CallbackURL == "" {
		cfg.Renderer.CallbackURL = strings.TrimRight(cfg.HTTP.PublicBaseURL, "/") + "/webhooks/render"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = Env("HTTP_PORT", c.HTTP.Port)
	c.HTTP.PublicBaseURL = Env("PUBLIC_BASE_URL", c.HTTP.PublicBaseURL)
	c.HTTP.RequestTimeout = DurationEnv("HTTP_REQUEST_TIMEOUT", c.HTTP.RequestTimeout)
	c.HTTP.CORSOrigins = ListEnv("CORS_ALLOWED_ORIGINS", c.HTTP.CORSOrigins)

	c.Log.Level = Env("LOG_LEVEL", c.Log.Level)
	c.Log.Format = Env("LOG_FORMAT", c.Log.Format)
	c.Log.Source = BoolEnv("LOG_SOURCE", c.Log.Source)

	c.Database.Driver = Env("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = Env("DATABASE_URL", c.Database.URL)
	c.Database.AutoMigrate = BoolEnv("DATABASE_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.Redis.Addr = Env("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = Env("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = IntEnv("REDIS_DB", c.Redis.DB)

	c.Renderer.BaseURL = Env("RENDERER_HTTP_BASEURL", c.Renderer.BaseURL)
	c.Renderer.APIKey = Env("RENDERER_API_KEY", c.Renderer.APIKey)
	c.Renderer.Timeout = DurationEnv("RENDERER_TIMEOUT", c.Renderer.Timeout)
	c.Renderer.CallbackURL = Env("RENDERER_CALLBACK_URL", c.Renderer.CallbackURL)
	c.Renderer.SourceURLTTL = DurationEnv("RENDERER_SOURCE_URL_TTL", c.Renderer.SourceURLTTL)

	c.Webhook.Secret = Env("WEBHOOK_SECRET", c.Webhook.Secret)
	c.Webhook.RequireSignature = BoolEnv("WEBHOOK_REQUIRE_SIGNATURE", c.Webhook.RequireSignature)
	c.Webhook.Tolerance = DurationEnv("WEBHOOK_TOLERANCE", c.Webhook.Tolerance)

	c.Storage.Provider = Env("STORAGE_PROVIDER", c.Storage.Provider)
	c.Storage.Local.Root = Env("STORAGE_LOCAL_ROOT", c.Storage.Local.Root)
	c.Storage.Local.SigningKey = Env("STORAGE_LOCAL_SIGNING_KEY", c.Storage.Local.SigningKey)
	c.Storage.GDrive.ClientID = Env("GDRIVE_CLIENT_ID", c.Storage.GDrive.ClientID)
	c.Storage.GDrive.ClientSecret = Env("GDRIVE_CLIENT_SECRET", c.Storage.GDrive.ClientSecret)
	c.Storage.GDrive.RefreshToken = Env("GDRIVE_REFRESH_TOKEN", c.Storage.GDrive.RefreshToken)
	c.Storage.GDrive.FolderID = Env("GDRIVE_FOLDER_ID", c.Storage.GDrive.FolderID)
	c.Storage.S3.Bucket = Env("S3_BUCKET", c.Storage.S3.Bucket)
	c.Storage.S3.Region = Env("S3_REGION", c.Storage.S3.Region)
	c.Storage.S3.Endpoint = Env("S3_ENDPOINT", c.Storage.S3.Endpoint)
	c.Storage.S3.AccessKeyID = Env("S3_ACCESS_KEY_ID", c.Storage.S3.AccessKeyID)
	c.Storage.S3.SecretAccessKey = Env("S3_SECRET_ACCESS_KEY", c.Storage.S3.SecretAccessKey)
	c.Storage.S3.UsePathStyle = BoolEnv("S3_USE_PATH_STYLE", c.Storage.S3.UsePathStyle)
	c.Storage.MaxUploadBytes = int64(IntEnv("STORAGE_MAX_UPLOAD_BYTES", int(c.Storage.MaxUploadBytes)))

	c.Poller.Interval = DurationEnv("POLL_INTERVAL", c.Poller.Interval)
	c.Poller.MaxWait = DurationEnv("POLL_MAX_WAIT", c.Poller.MaxWait)

	c.Reaper.Enabled = BoolEnv("REAPER_ENABLED", c.Reaper.Enabled)
	c.Reaper.Interval = DurationEnv("REAPER_INTERVAL", c.Reaper.Interval)
	c.Reaper.MaxAge = DurationEnv("REAPER_MAX_AGE", c.Reaper.MaxAge)

	c.Audit.QueueName = Env("AUDIT_QUEUE_NAME", c.Audit.QueueName)
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("missing env: DATABASE_URL")
	}
	if c.Webhook.RequireSignature && c.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_REQUIRE_SIGNATURE needs WEBHOOK_SECRET")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Poller.Interval)
	}
	if c.Reaper.Enabled && (c.Reaper.Interval <= 0 || c.Reaper.MaxAge <= 0) {
		return fmt.Errorf("reaper interval and max age must be positive")
	}

	switch c.Storage.Provider {
	case "localfs":
		if c.Storage.Local.Root == "" {
			return fmt.Errorf("missing env: STORAGE_LOCAL_ROOT")
		}
	case "gdrive":
		g := c.Storage.GDrive
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			return fmt.Errorf("gdrive storage needs GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("missing env: S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	return nil
}
