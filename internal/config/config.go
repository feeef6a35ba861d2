package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	ForecastURL             string
	ForecastTimeoutMS       int
	ForecastCacheTTLSeconds int
	BarcodeCacheTTLSeconds  int
	StoreTimeoutMS          int
	MaxBatchItems           int
	WriteRatePerMinute      int
	AuthSecret              string
	AuthIssuer              string
	AppEnv                  string
	LogLevel                string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		ForecastURL:             strings.TrimSpace(os.Getenv("FORECAST_URL")),
		ForecastTimeoutMS:       getPositiveInt("FORECAST_TIMEOUT_MS", 2000),
		ForecastCacheTTLSeconds: getNonNegativeInt("FORECAST_CACHE_TTL_SECONDS", 300),
		BarcodeCacheTTLSeconds:  getPositiveInt("BARCODE_CACHE_TTL_SECONDS", 3600),
		StoreTimeoutMS:          getPositiveInt("STORE_TIMEOUT_MS", 5000),
		MaxBatchItems:           getPositiveInt("MAX_BATCH_ITEMS", 500),
		WriteRatePerMinute:      getPositiveInt("WRITE_RATE_PER_MINUTE", 30),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AuthIssuer:              strings.TrimSpace(os.Getenv("AUTH_ISSUER")),
		AppEnv:                  getEnv("APP_ENV", "development"),
		LogLevel:                os.Getenv("LOG_LEVEL"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) ForecastTimeout() time.Duration {
	return time.Duration(c.ForecastTimeoutMS) * time.Millisecond
}

func (c Config) ForecastCacheTTL() time.Duration {
	return time.Duration(c.ForecastCacheTTLSeconds) * time.Second
}

func (c Config) BarcodeCacheTTL() time.Duration {
	return time.Duration(c.BarcodeCacheTTLSeconds) * time.Second
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

// getNonNegativeInt allows 0, which disables the feature behind key.
func getNonNegativeInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 0 {
		return fallback
	}
	return val
}
