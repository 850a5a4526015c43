package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Addr is the listen address for the HTTP/WebSocket server.
	Addr string
	// HistoryPath is the directory backing the message log. Empty means
	// the log lives purely in memory and vanishes on restart.
	HistoryPath string
	// PageSize is the number of messages returned per history page.
	PageSize int
	// SendQueueSize is the outbound buffer per connection. A connection
	// that falls this far behind is dropped as a slow consumer.
	SendQueueSize int
	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
}

// New loads configuration from environment variables.
func New() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Addr:          envOr("RELAY_ADDR", ":5000"),
		HistoryPath:   os.Getenv("RELAY_HISTORY_PATH"),
		PageSize:      envIntOr("RELAY_PAGE_SIZE", 20),
		SendQueueSize: envIntOr("RELAY_SEND_QUEUE", 256),
		WriteTimeout:  envDurationOr("RELAY_WRITE_TIMEOUT", 10*time.Second),
	}

	if cfg.PageSize <= 0 || cfg.SendQueueSize <= 0 {
		log.Fatal("RELAY_PAGE_SIZE and RELAY_SEND_QUEUE must be positive")
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid value for %s: %q", key, v)
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid value for %s: %q", key, v)
	}
	return d
}
