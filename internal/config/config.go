package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings, populated from environment variables.
type Config struct {
	TelegramBotToken string

	GigaChatAuthKey     string // base64("client_id:client_secret"), sent as Basic auth
	GigaChatScope       string
	GigaChatInsecureTLS bool // the GigaChat endpoints sit behind a Russian CA chain

	STTAPIKey   string
	STTFolderID string

	GoogleCredentialsFile string
	GoogleCalendarID      string

	Timezone             string
	ReminderLead         time.Duration
	ReminderInterval     time.Duration
	DatabaseFile         string
	MaxConcurrentUpdates int
	LogLevel             string
}

// Load reads configuration from the environment, loading a .env file first
// if one is present. It fails if any required credential is missing, which
// prevents startup entirely.
func Load() (*Config, error) {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	cfg := &Config{
		TelegramBotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		GigaChatAuthKey:       os.Getenv("GIGACHAT_AUTH_KEY"),
		GigaChatScope:         envOr("GIGACHAT_SCOPE", "GIGACHAT_API_PERS"),
		GigaChatInsecureTLS:   os.Getenv("GIGACHAT_INSECURE_TLS") == "true",
		STTAPIKey:             os.Getenv("STT_API_KEY"),
		STTFolderID:           os.Getenv("STT_FOLDER_ID"),
		GoogleCredentialsFile: os.Getenv("GOOGLE_CREDENTIALS_FILE"),
		GoogleCalendarID:      envOr("GOOGLE_CALENDAR_ID", "primary"),
		Timezone:              envOr("TIMEZONE", "Europe/Moscow"),
		DatabaseFile:          envOr("DATABASE_FILE", "events.db"),
		LogLevel:              envOr("LOG_LEVEL", "info"),
	}

	var missing []string
	for _, v := range []struct{ name, value string }{
		{"TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken},
		{"GIGACHAT_AUTH_KEY", cfg.GigaChatAuthKey},
		{"GOOGLE_CREDENTIALS_FILE", cfg.GoogleCredentialsFile},
	} {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	leadMinutes, err := envIntOr("REMINDER_MINUTES_BEFORE", 15)
	if err != nil {
		return nil, err
	}
	cfg.ReminderLead = time.Duration(leadMinutes) * time.Minute

	intervalSeconds, err := envIntOr("REMINDER_CHECK_INTERVAL", 60)
	if err != nil {
		return nil, err
	}
	cfg.ReminderInterval = time.Duration(intervalSeconds) * time.Second

	cfg.MaxConcurrentUpdates, err = envIntOr("MAX_CONCURRENT_UPDATES", 8)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Location resolves the configured reference timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}
	return loc, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return n, nil
}
