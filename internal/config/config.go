// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the notification hub configuration.
type Config struct {
	Port          string        `validate:"required,numeric"`
	GRPCPort      string        `validate:"omitempty,numeric"`
	FrontendURL   string        `validate:"omitempty,url"`
	DBPath        string        `validate:"required"`
	JournalTTL    time.Duration `validate:"gt=0"`
	PublishRate   float64       `validate:"gt=0"`
	PublishBurst  int           `validate:"gt=0"`
	SendQueueSize int           `validate:"gt=0"`
}

// ClientConfig holds the tracker client configuration.
type ClientConfig struct {
	HubURL              string        `validate:"required,url"`
	BackendURL          string        `validate:"required,url"`
	UploadPath          string        `validate:"required,startswith=/"`
	UploadTimeout       time.Duration `validate:"gt=0"`
	MaxFileSize         int64         `validate:"gt=0"`
	HandshakeTimeout    time.Duration `validate:"gt=0"`
	InvokeTimeout       time.Duration `validate:"gt=0"`
	KeepaliveInterval   time.Duration `validate:"gte=0"`
	ReconnectInitial    time.Duration `validate:"gt=0"`
	ReconnectMax        time.Duration `validate:"gtfield=ReconnectInitial"`
	ReconnectMaxElapsed time.Duration `validate:"gte=0"`
	HubHealthAddr       string
}

var validate = validator.New()

// Load reads hub configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		GRPCPort:      getEnv("GRPC_PORT", "9090"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/journal.db"),
		JournalTTL:    getEnvDuration("JOURNAL_TTL", 7*24*time.Hour),
		PublishRate:   getEnvFloat("PUBLISH_RATE", 20),
		PublishBurst:  getEnvInt("PUBLISH_BURST", 40),
		SendQueueSize: getEnvInt("SEND_QUEUE_SIZE", 256),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	return describe(validate.Struct(c))
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// LoadClient reads tracker configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		HubURL:              getEnv("HUB_URL", "ws://localhost:8080/hubs/processing"),
		BackendURL:          getEnv("BACKEND_URL", "http://localhost:5000/"),
		UploadPath:          getEnv("UPLOAD_PATH", "/api/DocumentUpload/upload2"),
		UploadTimeout:       getEnvDuration("UPLOAD_TIMEOUT", 30*time.Minute),
		MaxFileSize:         int64(getEnvInt("MAX_FILE_SIZE", 100<<20)),
		HandshakeTimeout:    getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		InvokeTimeout:       getEnvDuration("INVOKE_TIMEOUT", 15*time.Second),
		KeepaliveInterval:   getEnvDuration("KEEPALIVE_INTERVAL", 15*time.Second),
		ReconnectInitial:    getEnvDuration("RECONNECT_INITIAL", 500*time.Millisecond),
		ReconnectMax:        getEnvDuration("RECONNECT_MAX", 30*time.Second),
		ReconnectMaxElapsed: getEnvDuration("RECONNECT_MAX_ELAPSED", 0),
		HubHealthAddr:       getEnv("HUB_HEALTH_ADDR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	return describe(validate.Struct(c))
}

// describe turns validator output into one readable error.
func describe(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
