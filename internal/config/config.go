// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64

	// Pipeline tuning.
	UpdateInterval          time.Duration
	MaxConcurrentPolls      int
	MaxConcurrentDeliveries int
	ItemHistoryWindow       time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/vahtibot.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var allowedUsers []int64
	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			allowedUsers = append(allowedUsers, uid)
		}
	}

	interval, err := secondsEnv("UPDATE_INTERVAL", 120)
	if err != nil {
		return nil, err
	}
	window, err := secondsEnv("ITEM_HISTORY_WINDOW", 1000)
	if err != nil {
		return nil, err
	}
	maxPolls, err := intEnv("MAX_CONCURRENT_POLLS", 5)
	if err != nil {
		return nil, err
	}
	maxDeliveries, err := intEnv("MAX_CONCURRENT_DELIVERIES", 4)
	if err != nil {
		return nil, err
	}

	return &Config{
		TelegramBotToken:        token,
		DatabasePath:            dbPath,
		LogLevel:                logLevel,
		AllowedUsers:            allowedUsers,
		UpdateInterval:          interval,
		MaxConcurrentPolls:      maxPolls,
		MaxConcurrentDeliveries: maxDeliveries,
		ItemHistoryWindow:       window,
	}, nil
}

func secondsEnv(name string, def int) (time.Duration, error) {
	n, err := intEnv(name, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", name, raw)
	}
	return n, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
