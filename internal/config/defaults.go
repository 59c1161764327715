package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultEnvironment = "production"

	DefaultLogLevel = "info"
	DefaultLogJSON  = true

	DefaultDBPath = "sitelog.db"

	DefaultHTTPAddr         = ":8080"
	DefaultHTTPReadTimeout  = 15 * time.Second
	DefaultHTTPWriteTimeout = 5 * time.Minute

	DefaultWhatsAppGraphBaseURL     = "https://graph.facebook.com"
	DefaultWhatsAppAPIVersion       = "v22.0"
	DefaultWhatsAppMaxDownloadBytes = 64 << 20
	DefaultWhatsAppDownloadTimeout  = 60 * time.Second

	DefaultLLMProvider = "gemini"

	DefaultGeminiModel             = "gemini-2.0-flash"
	DefaultGeminiTemperature       = 0.2
	DefaultGeminiMaxRetries        = 2
	DefaultGeminiRetryDelaySeconds = 2

	DefaultOpenAIBaseURL            = "https://api.openai.com/v1"
	DefaultOpenAIModel              = "gpt-4o-mini"
	DefaultOpenAITranscriptionModel = "whisper-1"
	DefaultOpenAITemperature        = 0.2

	DefaultStorageEndpoint    = "localhost:9000"
	DefaultStorageImageBucket = "report-images"
	DefaultStorageAudioBucket = "report-audio"
	DefaultStorageVideoBucket = "report-videos"

	DefaultLockBackend     = "memory"
	DefaultLockKey         = "sitelog:consolidation"
	DefaultLockAdvisoryKey = 20260001
	DefaultLockTTL         = 10 * time.Minute

	DefaultQuietPeriod       = 30 * time.Minute
	DefaultTimeZone          = "Asia/Kolkata"
	DefaultConcurrency       = 4
	DefaultRunTimeout        = 5 * time.Minute
	DefaultExtractionTimeout = 90 * time.Second
	DefaultMediaTimeout      = 60 * time.Second

	DefaultRetentionMaxAge = 90 * 24 * time.Hour

	DefaultEventsExchange = "sitelog.events"
)

// Default task schedules, six-field cron expressions (seconds first).
var defaultTasks = map[string]TaskConfig{
	"consolidate":     {Enabled: true, Schedule: "0 * * * * *"},
	"retention_sweep": {Enabled: true, Schedule: "0 30 3 * * *"},
	"sql_maintenance": {Enabled: true, Schedule: "0 0 4 * * 0"},
}

// setDefaults registers every key with viper so environment overrides apply
// even when the config file does not mention the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", DefaultEnvironment)

	v.SetDefault("logger.level", DefaultLogLevel)
	v.SetDefault("logger.json", DefaultLogJSON)

	v.SetDefault("database.path", DefaultDBPath)

	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("http.cron_secret", "")
	v.SetDefault("http.read_timeout", DefaultHTTPReadTimeout)
	v.SetDefault("http.write_timeout", DefaultHTTPWriteTimeout)

	v.SetDefault("whatsapp.token", "")
	v.SetDefault("whatsapp.phone_number_id", "")
	v.SetDefault("whatsapp.graph_base_url", DefaultWhatsAppGraphBaseURL)
	v.SetDefault("whatsapp.api_version", DefaultWhatsAppAPIVersion)
	v.SetDefault("whatsapp.verify_token", "")
	v.SetDefault("whatsapp.app_secret", "")
	v.SetDefault("whatsapp.max_download_bytes", DefaultWhatsAppMaxDownloadBytes)
	v.SetDefault("whatsapp.download_timeout", DefaultWhatsAppDownloadTimeout)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.token", "")

	v.SetDefault("llm.provider", DefaultLLMProvider)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", DefaultGeminiModel)
	v.SetDefault("gemini.temperature", DefaultGeminiTemperature)
	v.SetDefault("gemini.max_retries", DefaultGeminiMaxRetries)
	v.SetDefault("gemini.retry_delay_seconds", DefaultGeminiRetryDelaySeconds)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", DefaultOpenAIBaseURL)
	v.SetDefault("openai.model", DefaultOpenAIModel)
	v.SetDefault("openai.transcription_model", DefaultOpenAITranscriptionModel)
	v.SetDefault("openai.temperature", DefaultOpenAITemperature)

	v.SetDefault("storage.endpoint", DefaultStorageEndpoint)
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.image_bucket", DefaultStorageImageBucket)
	v.SetDefault("storage.audio_bucket", DefaultStorageAudioBucket)
	v.SetDefault("storage.video_bucket", DefaultStorageVideoBucket)

	v.SetDefault("lock.backend", DefaultLockBackend)
	v.SetDefault("lock.key", DefaultLockKey)
	v.SetDefault("lock.advisory_key", DefaultLockAdvisoryKey)
	v.SetDefault("lock.ttl", DefaultLockTTL)
	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.postgres_dsn", "")

	v.SetDefault("consolidation.quiet_period", DefaultQuietPeriod)
	v.SetDefault("consolidation.time_zone", DefaultTimeZone)
	v.SetDefault("consolidation.concurrency", DefaultConcurrency)
	v.SetDefault("consolidation.run_timeout", DefaultRunTimeout)
	v.SetDefault("consolidation.extraction_timeout", DefaultExtractionTimeout)
	v.SetDefault("consolidation.media_timeout", DefaultMediaTimeout)

	v.SetDefault("retention.max_age", DefaultRetentionMaxAge)

	v.SetDefault("events.amqp_url", "")
	v.SetDefault("events.exchange", DefaultEventsExchange)

	for name, task := range defaultTasks {
		v.SetDefault("scheduler.tasks."+name+".enabled", task.Enabled)
		v.SetDefault("scheduler.tasks."+name+".schedule", task.Schedule)
	}
}
