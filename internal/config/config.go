package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	// TCP listen address for the client protocol
	ListenAddr string

	// ClickHouse configuration
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseUseTLS   bool

	UseMockDB bool

	// Overdue notifier (optional; disabled when the token is empty)
	TelegramToken  string
	NotifyChatIDs  []int64
	NotifyInterval time.Duration
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{}

	config.ListenAddr = os.Getenv("LISTEN_ADDR")
	if config.ListenAddr == "" {
		config.ListenAddr = ":33333" // Default protocol port
	}

	// Use Mock DB (default: false)
	config.UseMockDB = os.Getenv("USE_MOCK_DB") == "true"

	// ClickHouse configuration (required if not using mock)
	if !config.UseMockDB {
		config.ClickHouseHost = os.Getenv("CLICKHOUSE_HOST")
		if config.ClickHouseHost == "" {
			return nil, fmt.Errorf("CLICKHOUSE_HOST is required when USE_MOCK_DB is not set")
		}

		portStr := os.Getenv("CLICKHOUSE_PORT")
		if portStr == "" {
			config.ClickHousePort = 9000 // Default ClickHouse native port
		} else {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid CLICKHOUSE_PORT: %w", err)
			}
			config.ClickHousePort = port
		}

		config.ClickHouseDatabase = os.Getenv("CLICKHOUSE_DATABASE")
		if config.ClickHouseDatabase == "" {
			config.ClickHouseDatabase = "default"
		}

		config.ClickHouseUser = os.Getenv("CLICKHOUSE_USER")
		if config.ClickHouseUser == "" {
			config.ClickHouseUser = "default"
		}

		config.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
		// Password is optional, can be empty

		config.ClickHouseUseTLS = os.Getenv("CLICKHOUSE_USE_TLS") == "true"
	}

	// Telegram notifier configuration (whole block optional)
	config.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if config.TelegramToken != "" {
		chatIDsStr := os.Getenv("NOTIFY_CHAT_IDS")
		if chatIDsStr == "" {
			return nil, fmt.Errorf("NOTIFY_CHAT_IDS is required when TELEGRAM_BOT_TOKEN is set (comma-separated list of chat IDs)")
		}
		for _, idStr := range strings.Split(chatIDsStr, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid chat ID in NOTIFY_CHAT_IDS: %s", idStr)
			}
			config.NotifyChatIDs = append(config.NotifyChatIDs, id)
		}

		intervalStr := os.Getenv("NOTIFY_INTERVAL_MINUTES")
		if intervalStr == "" {
			config.NotifyInterval = 60 * time.Minute
		} else {
			minutes, err := strconv.Atoi(intervalStr)
			if err != nil || minutes <= 0 {
				return nil, fmt.Errorf("invalid NOTIFY_INTERVAL_MINUTES: %s", intervalStr)
			}
			config.NotifyInterval = time.Duration(minutes) * time.Minute
		}
	}

	return config, nil
}
