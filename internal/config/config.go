package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	RedisURL      string
	CapacityBytes int64
	DatabaseURL   string
	Debounce      time.Duration
	MaintainEvery time.Duration
	// Search - empty URL disables the Meilisearch backend
	MeiliURL       string
	MeiliMasterKey string
	// Archive export - empty endpoint disables export
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func Load() Config {
	return Config{
		RedisURL:       getenv("REDIS_URL", "redis://localhost:6379/0"),
		CapacityBytes:  int64(getenvInt("BINDERKEEP_CAPACITY_BYTES", 5*1024*1024)),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		Debounce:       time.Duration(getenvInt("BINDERKEEP_DEBOUNCE_MS", 500)) * time.Millisecond,
		MaintainEvery:  time.Duration(getenvInt("BINDERKEEP_MAINTAIN_SECONDS", 300)) * time.Second,
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "binderkeep-archives"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
	}
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

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
