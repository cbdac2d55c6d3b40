package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// HTTP Server Configuration
	HTTPPort int

	// Database Configuration
	DatabaseURL string

	// Authentication Configuration
	AdminUsername  string
	AdminPassword  string
	JWTSecret      string
	JWTExpiryHours int

	// Scheduler Configuration
	SchedulerWorkers      int
	SchedulerPollInterval time.Duration

	// Seed fixture file (YAML) applied on boot when the database is empty
	SeedFile string

	// Notification backend configuration
	DefaultBackend   string
	SlackBotToken    string
	TelegramBotToken string
	SMTPHost         string
	SMTPPort         int
	SMTPFrom         string
	SMTPUsername     string
	SMTPPassword     string

	// Data directory for generated secrets
	DataDir string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPPort = getEnvAsIntOrDefault("HTTP_PORT", 3000)

	// DATABASE_URL accepts a postgres DSN or a sqlite file path
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", "escalor.db")

	cfg.AdminUsername = getEnvOrDefault("ADMIN_USERNAME", "admin")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD") // No default - must be set
	cfg.JWTExpiryHours = getEnvAsIntOrDefault("JWT_EXPIRY_HOURS", 24)

	cfg.SchedulerWorkers = getEnvAsIntOrDefault("SCHEDULER_WORKERS", 4)
	cfg.SchedulerPollInterval = time.Duration(getEnvAsIntOrDefault("SCHEDULER_POLL_INTERVAL_MS", 500)) * time.Millisecond

	cfg.SeedFile = getEnvOrDefault("SEED_FILE", "")

	cfg.DefaultBackend = getEnvOrDefault("DEFAULT_NOTIFICATION_BACKEND", "email")
	cfg.SlackBotToken = os.Getenv("SLACK_BOT_TOKEN")
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.SMTPHost = getEnvOrDefault("SMTP_HOST", "localhost")
	cfg.SMTPPort = getEnvAsIntOrDefault("SMTP_PORT", 25)
	cfg.SMTPFrom = getEnvOrDefault("SMTP_FROM", "escalor@localhost")
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")

	cfg.DataDir = getEnvOrDefault("DATA_DIR", ".")

	// JWT Secret: auto-generate and persist if not provided via env var
	cfg.JWTSecret = loadOrGenerateJWTSecret(filepath.Join(cfg.DataDir, ".jwt_secret"))

	return cfg, nil
}

// loadOrGenerateJWTSecret resolves the JWT signing secret. Precedence:
// JWT_SECRET env var, then the persisted secret file, then a freshly
// generated secret which is written back so tokens survive restarts.
func loadOrGenerateJWTSecret(secretPath string) string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	if data, err := os.ReadFile(secretPath); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	secret := newRandomSecret()
	if err := os.MkdirAll(filepath.Dir(secretPath), 0o755); err != nil {
		log.Printf("Config: cannot create %s, JWT secret will not persist: %v", filepath.Dir(secretPath), err)
		return secret
	}
	if err := os.WriteFile(secretPath, []byte(secret), 0o600); err != nil {
		log.Printf("Config: cannot persist JWT secret to %s: %v", secretPath, err)
	} else {
		log.Printf("Config: generated JWT secret at %s", secretPath)
	}
	return secret
}

// newRandomSecret returns 256 bits of randomness as hex
func newRandomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform is broken; refuse to start
		// with a predictable secret
		log.Fatalf("Config: failed to read random bytes for JWT secret: %v", err)
	}
	return hex.EncodeToString(b)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Config: %s=%q is not an integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}
