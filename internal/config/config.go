// Package config provides environment configuration for the relay server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/line-relay/internal/dify"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration

	// LINE settings
	LineChannelSecret      string
	LineChannelAccessToken string
	LineMaxContentBytes    int64
	LineTimeout            time.Duration

	// Dify settings
	DifyAPIKey  string
	DifyBaseURL string
	DifyUser    string
	DifyType    string
	DifyTimeout time.Duration
	DifyUserKey string

	// Session settings
	SessionDBURL   string
	SessionTimeout time.Duration

	// Pipeline settings
	ErrorResponse       string
	EmptyResponse       string
	SerializePerUser    bool
	MaxConcurrentEvents int
	WebhookAsync        bool
	DedupeTTL           time.Duration

	// NATS settings. An empty URL disables event publishing.
	NATSURL         string
	NATSCAFile      string
	NATSCertFile    string
	NATSKeyFile     string
	NATSToken       string
	NATSEventMaxAge time.Duration

	// Admin API settings
	JWTSecret   string
	CORSOrigins []string

	// Rate limiting
	RateLimitRequests        int
	RateLimitWindow          time.Duration
	WebhookRateLimitRequests int

	// Moderation. An empty key disables it.
	OpenAIAPIKey    string
	ModerationReply string

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Tracing
	TracingEndpoint    string
	TracingEnabled     bool
	TracingInsecure    bool
	TracingSampleRatio float64

	// Secret sources
	ConfigFile         string
	SSMParameterPrefix string
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[key]
}

// Load reads configuration from environment variables and the optional
// YAML file named by CONFIG_FILE. Environment variables win over the file.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return load(src), nil
}

func load(s source) *Config {
	return &Config{
		// Server
		ServerPort:         s.getEnv("PORT", "8080"),
		ServerReadTimeout:  s.getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: s.getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		ShutdownTimeout:    s.getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		// LINE
		LineChannelSecret:      s.getEnv("LINE_CHANNEL_SECRET", ""),
		LineChannelAccessToken: s.getEnv("LINE_CHANNEL_ACCESS_TOKEN", ""),
		LineMaxContentBytes:    int64(s.getIntEnv("LINE_MAX_CONTENT_BYTES", 50<<20)),
		LineTimeout:            s.getDurationEnv("LINE_TIMEOUT", 30*time.Second),

		// Dify
		DifyAPIKey:  s.getEnv("DIFY_API_KEY", ""),
		DifyBaseURL: s.getEnv("DIFY_BASE_URL", dify.DefaultBaseURL),
		DifyUser:    s.getEnv("DIFY_USER", ""),
		DifyType:    s.getEnv("DIFY_TYPE", string(dify.ModeAgent)),
		DifyTimeout: s.getDurationEnv("DIFY_TIMEOUT", 2*time.Minute),
		DifyUserKey: s.getEnv("DIFY_USER_INPUT_KEY", ""),

		// Sessions
		SessionDBURL:   s.getEnv("SESSION_DB_URL", "sqlite://sessions.db"),
		SessionTimeout: s.getDurationEnv("SESSION_TIMEOUT", time.Hour),

		// Pipeline
		ErrorResponse:       s.getEnv("ERROR_RESPONSE", "Error 🥲"),
		EmptyResponse:       s.getEnv("EMPTY_RESPONSE", ""),
		SerializePerUser:    s.getBoolEnv("SERIALIZE_PER_USER", true),
		MaxConcurrentEvents: s.getIntEnv("MAX_CONCURRENT_EVENTS", 10),
		WebhookAsync:        s.getBoolEnv("WEBHOOK_ASYNC", false),
		DedupeTTL:           s.getDurationEnv("DEDUPE_TTL", 10*time.Minute),

		// NATS
		NATSURL:         s.getEnv("NATS_URL", ""),
		NATSCAFile:      s.getEnv("NATS_CA_FILE", ""),
		NATSCertFile:    s.getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:     s.getEnv("NATS_KEY_FILE", ""),
		NATSToken:       s.getEnv("NATS_TOKEN", ""),
		NATSEventMaxAge: s.getDurationEnv("NATS_EVENT_MAX_AGE", 30*24*time.Hour),

		// Admin API
		JWTSecret:   s.getEnv("JWT_SECRET", ""),
		CORSOrigins: s.getListEnv("CORS_ORIGINS", nil),

		// Rate limiting
		RateLimitRequests:        s.getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:          s.getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		WebhookRateLimitRequests: s.getIntEnv("RATE_LIMIT_WEBHOOK_REQUESTS", 600),

		// Moderation
		OpenAIAPIKey:    s.getEnv("OPENAI_API_KEY", ""),
		ModerationReply: s.getEnv("MODERATION_REPLY", "Sorry, I can't respond to that message."),

		// Logging
		LogLevel:      s.getEnv("LOG_LEVEL", "info"),
		LogFile:       s.getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  s.getIntEnv("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups: s.getIntEnv("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: s.getIntEnv("LOG_MAX_AGE_DAYS", 30),

		// Tracing
		TracingEndpoint:    s.getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:     s.getBoolEnv("TRACING_ENABLED", false),
		TracingInsecure:    s.getBoolEnv("TRACING_INSECURE", true),
		TracingSampleRatio: s.getFloatEnv("TRACING_SAMPLE_RATIO", 1),

		// Secret sources
		ConfigFile:         os.Getenv("CONFIG_FILE"),
		SSMParameterPrefix: s.getEnv("SSM_PARAMETER_PREFIX", ""),
	}
}

// Validate reports configuration that would prevent the relay from serving.
func (c *Config) Validate() error {
	var errs []error

	if c.LineChannelSecret == "" {
		errs = append(errs, errors.New("LINE_CHANNEL_SECRET is required"))
	}
	if c.LineChannelAccessToken == "" {
		errs = append(errs, errors.New("LINE_CHANNEL_ACCESS_TOKEN is required"))
	}
	if c.DifyAPIKey == "" {
		errs = append(errs, errors.New("DIFY_API_KEY is required"))
	}
	if _, err := dify.ParseMode(c.DifyType); err != nil {
		errs = append(errs, fmt.Errorf("DIFY_TYPE: %w", err))
	}
	if c.MaxConcurrentEvents < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_EVENTS must be positive, got %d", c.MaxConcurrentEvents))
	}
	if c.SessionTimeout < 0 {
		errs = append(errs, errors.New("SESSION_TIMEOUT must not be negative"))
	}
	if c.LineTimeout <= 0 {
		errs = append(errs, errors.New("LINE_TIMEOUT must be positive"))
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		errs = append(errs, errors.New("TRACING_SAMPLE_RATIO must be within [0, 1]"))
	}

	return errors.Join(errs...)
}

// AdminEnabled reports whether the admin API is served.
func (c *Config) AdminEnabled() bool {
	return c.JWTSecret != ""
}

func (s source) getEnv(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) getIntEnv(key string, defaultValue int) int {
	if value := s.lookup(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func (s source) getFloatEnv(key string, defaultValue float64) float64 {
	if value := s.lookup(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func (s source) getBoolEnv(key string, defaultValue bool) bool {
	if value := s.lookup(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func (s source) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := s.lookup(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func (s source) getListEnv(key string, defaultValue []string) []string {
	value := s.lookup(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
