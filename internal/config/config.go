package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	JWTSecret           string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	SMTPAddr            string
	SMTPDomain          string
	ServerURL           string
	GoogleClientID      string
	GoogleClientSecret  string
	MSClientID          string
	MSClientSecret      string
	RateLimitMax        int
	RateLimitWindow     time.Duration
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILPULSE_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILPULSE_ENCRYPTION_KEY_BASE64"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		DBHost:              getEnvOrDefault("MAILPULSE_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILPULSE_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILPULSE_DB_USER", "mailpulse"),
		DBPassword:          os.Getenv("MAILPULSE_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILPULSE_DB_NAME", "mailpulse"),
		DBSSLMode:           getEnvOrDefault("MAILPULSE_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		SMTPAddr:            getEnvOrDefault("SMTP_ADDR", ":2525"),
		SMTPDomain:          getEnvOrDefault("SMTP_DOMAIN", "mailpulse.net"),
		ServerURL:           getEnvOrDefault("SERVER_URL", "http://localhost:8080"),
		GoogleClientID:      os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:  os.Getenv("GOOGLE_CLIENT_SECRET"),
		MSClientID:          os.Getenv("MICROSOFT_CLIENT_ID"),
		MSClientSecret:      os.Getenv("MICROSOFT_CLIENT_SECRET"),
		RateLimitMax:        getEnvIntOrDefault("RATE_LIMIT_MAX", 100),
		RateLimitWindow:     getEnvDurationOrDefault("RATE_LIMIT_WINDOW", 10*time.Minute),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILPULSE_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILPULSE_DB_PASSWORD is required")
	}

	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
