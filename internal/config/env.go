package config

import (
	"os"
	"strings"
)

const (
	EnvTelegramToken = "RELEASEBOT_TELEGRAM_TOKEN"
	EnvStorageDSN    = "RELEASEBOT_STORAGE_DSN"
	// EnvLegacyToken is the variable older deployments used for the bot token.
	EnvLegacyToken = "apiKey"
)

// applyEnv fills secrets from the environment. Environment values win over
// the file so tokens can stay out of it.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(cfg.Telegram.APIKey); v != "" && strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = v
	}
	cfg.Telegram.APIKey = ""

	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	} else if v := strings.TrimSpace(getenv(EnvLegacyToken)); v != "" && cfg.Telegram.Token == "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
}
