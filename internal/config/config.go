// Package config loads the upscaler configuration from defaults, an optional
// YAML file and the environment, in that order of precedence.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"upscaler/internal/pkg/retry"
)

// Config is the root configuration shared by every binary.
type Config struct {
	Log       LogConfig
	Comfy     ComfyConfig
	Templates TemplatesConfig
	Media     MediaConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	HTTP      HTTPConfig
	Tracing   TracingConfig

	// WorkDir holds per-task scratch directories for acquired inputs.
	WorkDir string
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// ComfyConfig addresses the backend and bounds every wait on it.
type ComfyConfig struct {
	Host string
	Port int
	// InputDir is the backend's input directory when it shares a filesystem
	// with this process. Empty means inputs are uploaded over HTTP.
	InputDir string

	Probe             retry.Policy
	Connect           retry.Policy
	Download          retry.Policy
	CompletionTimeout time.Duration
	RequestTimeout    time.Duration
}

// BaseURL returns the backend's HTTP root.
func (c ComfyConfig) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type TemplatesConfig struct {
	// Dir overrides the embedded templates when set.
	Dir string
}

type MediaConfig struct {
	FFprobePath string
}

type StorageConfig struct {
	// Provider selects the reference-mode destination: localfs or gdrive.
	Provider  string
	LocalRoot string
	GDrive    GDriveConfig
}

type GDriveConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	FolderID     string
}

type RedisConfig struct {
	// Enabled turns on the async /run endpoint of the API. The queue worker
	// always connects.
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	Queue     string
	ResultTTL time.Duration
}

type DatabaseConfig struct {
	// URL is a Postgres connection string. Empty disables job persistence.
	URL string
}

type HTTPConfig struct {
	Port            int
	RequestTimeout  time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
	// CORSOrigins enables CORS for browser callers. Empty disables it.
	CORSOrigins []string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("comfy.host", "127.0.0.1")
	v.SetDefault("comfy.port", 8188)
	v.SetDefault("comfy.probe.max_attempts", 180)
	v.SetDefault("comfy.probe.interval", "1s")
	v.SetDefault("comfy.probe.attempt_timeout", "5s")
	v.SetDefault("comfy.connect.max_attempts", 36)
	v.SetDefault("comfy.connect.interval", "5s")
	v.SetDefault("comfy.connect.attempt_timeout", "5s")
	v.SetDefault("comfy.download.max_attempts", 3)
	v.SetDefault("comfy.download.interval", "2s")
	v.SetDefault("comfy.download.attempt_timeout", "10m")
	v.SetDefault("comfy.completion_timeout", "60m")
	v.SetDefault("comfy.request_timeout", "30s")

	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("work_dir", "/tmp/upscaler")

	v.SetDefault("storage.provider", "localfs")
	v.SetDefault("storage.local_root", "/runpod-volume")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.queue", "upscale:jobs")
	v.SetDefault("redis.result_ttl", "24h")

	v.SetDefault("http.port", 8000)
	v.SetDefault("http.request_timeout", "65m")
	v.SetDefault("http.rate_limit_rps", 5.0)
	v.SetDefault("http.rate_limit_burst", 10)
	v.SetDefault("http.shutdown_timeout", "30s")

	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "upscaler")
}

// New returns a viper instance with defaults and environment binding set up.
// Nested keys map to upper-case variables with "." replaced by "_", so
// comfy.completion_timeout reads COMFY_COMPLETION_TIMEOUT.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// SERVER_ADDRESS predates COMFY_HOST.
	_ = v.BindEnv("comfy.host", "COMFY_HOST", "SERVER_ADDRESS")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("storage.gdrive.client_id", "GDRIVE_CLIENT_ID")
	_ = v.BindEnv("storage.gdrive.client_secret", "GDRIVE_CLIENT_SECRET")
	_ = v.BindEnv("storage.gdrive.refresh_token", "GDRIVE_REFRESH_TOKEN")
	_ = v.BindEnv("storage.gdrive.folder_id", "GDRIVE_FOLDER_ID")
	_ = v.BindEnv("http.port", "PORT", "HTTP_PORT")
	_ = v.BindEnv("http.cors_origins", "CORS_ALLOWED_ORIGINS")
	return v
}

// Load builds a Config. file may be empty.
func Load(file string) (*Config, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
		},
		Comfy: ComfyConfig{
			Host:              v.GetString("comfy.host"),
			Port:              v.GetInt("comfy.port"),
			InputDir:          v.GetString("comfy.input_dir"),
			Probe:             policy(v, "comfy.probe"),
			Connect:           policy(v, "comfy.connect"),
			Download:          policy(v, "comfy.download"),
			CompletionTimeout: v.GetDuration("comfy.completion_timeout"),
			RequestTimeout:    v.GetDuration("comfy.request_timeout"),
		},
		Templates: TemplatesConfig{Dir: v.GetString("templates.dir")},
		Media:     MediaConfig{FFprobePath: v.GetString("media.ffprobe_path")},
		Storage: StorageConfig{
			Provider:  v.GetString("storage.provider"),
			LocalRoot: v.GetString("storage.local_root"),
			GDrive: GDriveConfig{
				ClientID:     v.GetString("storage.gdrive.client_id"),
				ClientSecret: v.GetString("storage.gdrive.client_secret"),
				RefreshToken: v.GetString("storage.gdrive.refresh_token"),
				FolderID:     v.GetString("storage.gdrive.folder_id"),
			},
		},
		Redis: RedisConfig{
			Enabled:   v.GetBool("redis.enabled"),
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			Queue:     v.GetString("redis.queue"),
			ResultTTL: v.GetDuration("redis.result_ttl"),
		},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		HTTP: HTTPConfig{
			Port:            v.GetInt("http.port"),
			RequestTimeout:  v.GetDuration("http.request_timeout"),
			RateLimitRPS:    v.GetFloat64("http.rate_limit_rps"),
			RateLimitBurst:  v.GetInt("http.rate_limit_burst"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
			CORSOrigins:     v.GetStringSlice("http.cors_origins"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			Endpoint:    v.GetString("tracing.endpoint"),
			ServiceName: v.GetString("tracing.service_name"),
		},
		WorkDir: v.GetString("work_dir"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make a wait unbounded or an
// address unusable.
func (c *Config) Validate() error {
	if c.Comfy.Host == "" {
		return fmt.Errorf("comfy.host is required")
	}
	if c.Comfy.Port <= 0 || c.Comfy.Port > 65535 {
		return fmt.Errorf("comfy.port %d out of range", c.Comfy.Port)
	}
	for name, p := range map[string]retry.Policy{
		"comfy.probe":    c.Comfy.Probe,
		"comfy.connect":  c.Comfy.Connect,
		"comfy.download": c.Comfy.Download,
	} {
		if p.MaxAttempts <= 0 {
			return fmt.Errorf("%s.max_attempts must be positive", name)
		}
	}
	if c.Comfy.CompletionTimeout <= 0 {
		return fmt.Errorf("comfy.completion_timeout must be positive")
	}
	switch c.Storage.Provider {
	case "localfs", "gdrive":
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	return nil
}

func policy(v *viper.Viper, prefix string) retry.Policy {
	return retry.Policy{
		MaxAttempts:    v.GetInt(prefix + ".max_attempts"),
		Interval:       v.GetDuration(prefix + ".interval"),
		AttemptTimeout: v.GetDuration(prefix + ".attempt_timeout"),
	}
}
