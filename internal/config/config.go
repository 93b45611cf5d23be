package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	InboxDir      string
	OutboxDir     string
	QuarantineDir string
	StoreDir      string
	SubsDBPath    string
	RedisURL      string
	CORSOrigin    string

	TrackedHost   string
	ConfirmPrefix string

	FetchTimeout  time.Duration
	FetchMaxBytes int64
	DiffMaxBytes  int
	PollInterval  time.Duration
}

// Load reads the configuration from the environment. The inbox, outbox
// and store directories have no sensible default and their absence is a
// startup error.
func Load() (Config, error) {
	cfg := Config{
		Addr:          getenv("GOVWATCH_ADDR", ":8484"),
		InboxDir:      os.Getenv("GOVWATCH_INBOX_DIR"),
		OutboxDir:     os.Getenv("GOVWATCH_OUTBOX_DIR"),
		QuarantineDir: getenv("GOVWATCH_QUARANTINE_DIR", ""),
		StoreDir:      os.Getenv("GOVWATCH_STORE_DIR"),
		SubsDBPath:    getenv("GOVWATCH_SUBS_DB", ""),
		RedisURL:      getenv("GOVWATCH_REDIS_URL", "redis://localhost:6379/0"),
		CORSOrigin:    getenv("GOVWATCH_CORS_ORIGIN", "*"),
		TrackedHost:   getenv("GOVWATCH_TRACKED_HOST", "www.gov.uk"),
		ConfirmPrefix: getenv("GOVWATCH_CONFIRM_PREFIX", "https://www.gov.uk/email/subscriptions/confirm"),
		FetchTimeout:  time.Duration(getenvInt("GOVWATCH_FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
		FetchMaxBytes: int64(getenvInt("GOVWATCH_FETCH_MAX_BYTES", 64<<20)),
		DiffMaxBytes:  getenvInt("GOVWATCH_DIFF_MAX_BYTES", 128<<20),
		PollInterval:  time.Duration(getenvInt("GOVWATCH_POLL_INTERVAL_SECONDS", 5)) * time.Second,
	}

	for _, required := range []struct {
		name  string
		value string
	}{
		{"GOVWATCH_INBOX_DIR", cfg.InboxDir},
		{"GOVWATCH_OUTBOX_DIR", cfg.OutboxDir},
		{"GOVWATCH_STORE_DIR", cfg.StoreDir},
	} {
		if required.value == "" {
			return Config{}, fmt.Errorf("missing required environment variable %s", required.name)
		}
	}

	if cfg.QuarantineDir == "" {
		cfg.QuarantineDir = filepath.Join(filepath.Dir(cfg.OutboxDir), "quarantine")
	}
	if cfg.SubsDBPath == "" {
		cfg.SubsDBPath = filepath.Join(cfg.StoreDir, "subscriptions.db")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
