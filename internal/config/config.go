// Package config loads and validates the sitelog configuration from a YAML
// file, SITELOG_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SITELOG_DATABASE_PATH.
const EnvPrefix = "SITELOG"

// ErrConfiguration wraps every load or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config is the complete application configuration.
type Config struct {
	Environment   string              `mapstructure:"environment"   validate:"required,oneof=development staging production"`
	Logger        LoggerConfig        `mapstructure:"logger"`
	Database      DatabaseConfig      `mapstructure:"database"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	WhatsApp      WhatsAppConfig      `mapstructure:"whatsapp"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Gemini        GeminiConfig        `mapstructure:"gemini"`
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Lock          LockConfig          `mapstructure:"lock"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Events        EventsConfig        `mapstructure:"events"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
}

// IsDevelopment reports whether the service runs in the development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"          validate:"required"`
	CronSecret   string        `mapstructure:"cron_secret"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"  validate:"min=1s,max=5m"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=1s,max=10m"`
}

// WhatsAppConfig holds the Cloud API credentials used for webhook handling and media download.
type WhatsAppConfig struct {
	Token            string        `mapstructure:"token"`
	PhoneNumberID    string        `mapstructure:"phone_number_id"`
	GraphBaseURL     string        `mapstructure:"graph_base_url"     validate:"required,url"`
	APIVersion       string        `mapstructure:"api_version"        validate:"required"`
	VerifyToken      string        `mapstructure:"verify_token"`
	AppSecret        string        `mapstructure:"app_secret"`
	MaxDownloadBytes int64         `mapstructure:"max_download_bytes" validate:"gt=0"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"   validate:"min=1s,max=5m"`
}

type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

type LLMConfig struct {
	Provider string `mapstructure:"provider" validate:"required,oneof=gemini openai"`
}

type GeminiConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	ModelName         string  `mapstructure:"model_name"          validate:"required"`
	Temperature       float32 `mapstructure:"temperature"         validate:"min=0,max=2"`
	MaxRetries        int     `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"min=0,max=60"`
}

type OpenAIConfig struct {
	APIKey             string  `mapstructure:"api_key"`
	BaseURL            string  `mapstructure:"base_url"            validate:"required,url"`
	Model              string  `mapstructure:"model"               validate:"required"`
	TranscriptionModel string  `mapstructure:"transcription_model" validate:"required"`
	Temperature        float32 `mapstructure:"temperature"         validate:"min=0,max=2"`
}

// StorageConfig points at an S3-compatible object store.
type StorageConfig struct {
	Endpoint      string `mapstructure:"endpoint"        validate:"required"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	Region        string `mapstructure:"region"`
	PublicBaseURL string `mapstructure:"public_base_url" validate:"omitempty,url"`
	ImageBucket   string `mapstructure:"image_bucket"    validate:"required"`
	AudioBucket   string `mapstructure:"audio_bucket"    validate:"required"`
	VideoBucket   string `mapstructure:"video_bucket"    validate:"required"`
}

// LockConfig selects the backend that keeps consolidation runs mutually exclusive.
type LockConfig struct {
	Backend       string        `mapstructure:"backend"        validate:"required,oneof=memory redis postgres none"`
	Key           string        `mapstructure:"key"            validate:"required"`
	AdvisoryKey   int64         `mapstructure:"advisory_key"`
	TTL           time.Duration `mapstructure:"ttl"            validate:"min=10s,max=1h"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"       validate:"min=0"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
}

type ConsolidationConfig struct {
	QuietPeriod       time.Duration `mapstructure:"quiet_period"       validate:"min=1m,max=3h"`
	TimeZone          string        `mapstructure:"time_zone"          validate:"required"`
	Concurrency       int           `mapstructure:"concurrency"        validate:"min=1,max=32"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"        validate:"min=10s,max=1h"`
	ExtractionTimeout time.Duration `mapstructure:"extraction_timeout" validate:"min=1s,max=10m"`
	MediaTimeout      time.Duration `mapstructure:"media_timeout"      validate:"min=1s,max=10m"`
}

// Location resolves TimeZone. Validate guarantees it loads.
func (c ConsolidationConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type RetentionConfig struct {
	MaxAge time.Duration `mapstructure:"max_age" validate:"min=24h"`
}

// EventsConfig enables report events on an AMQP exchange. An empty URL disables publishing.
type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange" validate:"required"`
}

type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig schedules one registered task with a six-field cron expression.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

// LoadConfig reads the configuration at path over the defaults, applies
// environment overrides and validates the result. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfiguration, err)
		}
		slog.Info("Configuration file not found, using defaults and environment", "path", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %w", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return cfg, nil
}

// Validate checks struct constraints and the cross-section requirements that
// depend on which features are enabled.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if _, err := time.LoadLocation(c.Consolidation.TimeZone); err != nil {
		return fmt.Errorf("invalid consolidation.time_zone %q: %w", c.Consolidation.TimeZone, err)
	}

	switch c.LLM.Provider {
	case "gemini":
		if c.Gemini.APIKey == "" {
			return errors.New("gemini.api_key is required when llm.provider is gemini")
		}
	case "openai":
		if c.OpenAI.APIKey == "" {
			return errors.New("openai.api_key is required when llm.provider is openai")
		}
	}

	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return errors.New("telegram.token is required when telegram is enabled")
	}

	switch c.Lock.Backend {
	case "redis":
		if c.Lock.RedisAddr == "" {
			return errors.New("lock.redis_addr is required for the redis lock backend")
		}
	case "postgres":
		if c.Lock.PostgresDSN == "" {
			return errors.New("lock.postgres_dsn is required for the postgres lock backend")
		}
	case "none":
		if !c.IsDevelopment() {
			return errors.New("lock.backend none is only allowed in development")
		}
	}

	return nil
}
