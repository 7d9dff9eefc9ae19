package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Render      RenderConfig      `yaml:"render"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Publish     PublishConfig     `yaml:"publish"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Assets      AssetsConfig      `yaml:"assets"`
	Paths       PathsConfig       `yaml:"paths"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

type RenderConfig struct {
	Backend       string            `yaml:"backend"` // ffmpeg | remote
	FFmpegBinary  string            `yaml:"ffmpeg_binary"`
	Endpoint      string            `yaml:"endpoint"`
	Resolution    string            `yaml:"resolution"`
	FPS           int               `yaml:"fps"`
	DefaultParams map[string]string `yaml:"default_params"`
	Timeout       time.Duration     `yaml:"timeout"`

	// AttemptTimeout bounds one backend call; only an attempt that hits it is retried.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
}

type MetadataConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	TitleMaxChars int           `yaml:"title_max_chars"`
	Timeout       time.Duration `yaml:"timeout"`
	Retry         RetryConfig   `yaml:"retry"`
}

type PublishConfig struct {
	CategoryID        string        `yaml:"category_id"`
	DefaultVisibility string        `yaml:"default_visibility"`
	MadeForKids       bool          `yaml:"made_for_kids"`
	DefaultLanguage   string        `yaml:"default_language"`
	OAuthClientID     string        `yaml:"oauth_client_id"`
	OAuthClientSecret string        `yaml:"oauth_client_secret"`
	Timeout           time.Duration `yaml:"timeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	Burst       int           `yaml:"burst"`
}

type CredentialsConfig struct {
	SecretsFile   string        `yaml:"secrets_file"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisHashKey  string        `yaml:"redis_hash_key"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

type AssetsConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

type PathsConfig struct {
	Work   string `yaml:"work"`
	Output string `yaml:"output"`
	Logs   string `yaml:"logs"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when no config.yaml is present
func Default() *Config {
	return &Config{
		Render: RenderConfig{
			Backend:        "ffmpeg",
			FFmpegBinary:   "ffmpeg",
			Resolution:     "1280x720",
			FPS:            30,
			Timeout:        10 * time.Minute,
			AttemptTimeout: 3 * time.Minute,
			Retry:          RetryConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second},
		},
		Metadata: MetadataConfig{
			BaseURL:       "https://api.openai.com/v1",
			Model:         "gpt-3.5-turbo",
			Temperature:   0.7,
			MaxTokens:     500,
			TitleMaxChars: 100,
			Timeout:       30 * time.Second,
			Retry:         RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, RatePerSec: 1, Burst: 2},
		},
		Publish: PublishConfig{
			CategoryID:        "22", // People & Blogs
			DefaultVisibility: "private",
			DefaultLanguage:   "en",
			Timeout:           15 * time.Minute,
			Retry:             RetryConfig{MaxAttempts: 2, BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second},
		},
		Credentials: CredentialsConfig{
			SecretsFile:   "secrets.yaml",
			RedisHashKey:  "pipeline:secrets",
			LookupTimeout: 3 * time.Second,
		},
		Assets: AssetsConfig{MaxBytes: 200 << 20},
		Paths: PathsConfig{
			Work:   "work",
			Output: "output",
			Logs:   "logs",
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  2 * time.Minute,
			WriteTimeout: 20 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads config.yaml over the defaults, then applies env overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Log.File, "LOG_FILE")
	setString(&c.Server.Addr, "PIPELINE_ADDR")
	setString(&c.Render.Backend, "RENDER_BACKEND")
	setString(&c.Render.Endpoint, "RENDER_ENDPOINT")
	setString(&c.Credentials.RedisAddr, "REDIS_ADDR")
	setString(&c.Publish.OAuthClientID, "YOUTUBE_CLIENT_ID")
	setString(&c.Publish.OAuthClientSecret, "YOUTUBE_CLIENT_SECRET")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
