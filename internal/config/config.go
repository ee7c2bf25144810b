package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	Port       string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	ReadyTimeout time.Duration
	SettleDelay  time.Duration
	StatusDelay  time.Duration
	Countdown    time.Duration
	QuestionTime time.Duration
	IdleTimeout  time.Duration
}

// Load reads the configuration from environment variables or uses defaults.
// An empty DB_HOST means no database: the server runs on the in-memory store.
func Load() *Config {
	return &Config{
		Port:       getEnv("PORT", "8080"),
		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "partyquiz"),

		ReadyTimeout: getDuration("READY_TIMEOUT", 2*time.Second),
		SettleDelay:  getDuration("SETTLE_DELAY", 500*time.Millisecond),
		StatusDelay:  getDuration("STATUS_DELAY", 200*time.Millisecond),
		Countdown:    getDuration("COUNTDOWN", 3*time.Second),
		QuestionTime: getDuration("QUESTION_TIME", 30*time.Second),
		IdleTimeout:  getDuration("IDLE_TIMEOUT", 10*time.Minute),
	}
}

// DSN returns the postgres connection string, or "" when no database is
// configured.
func (c *Config) DSN() string {
	if c.DBHost == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
