package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort      int
	DBPath        string
	AuthSecret    string
	BlobDir       string
	PublicBaseURL string
	SessionTTL    time.Duration
}

func Load() Config {
	port := getEnvInt("HTTP_PORT", 3080)
	return Config{
		HTTPPort:      port,
		DBPath:        getEnvString("DB_PATH", ""),
		AuthSecret:    getEnvString("AUTH_SECRET", ""),
		BlobDir:       getEnvString("BLOB_DIR", "data/avatars"),
		PublicBaseURL: getEnvString("PUBLIC_BASE_URL", "http://localhost:"+strconv.Itoa(port)),
		SessionTTL:    time.Duration(getEnvInt("SESSION_TTL_HOURS", 720)) * time.Hour,
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
