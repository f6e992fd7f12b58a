package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv overlays values from the process environment. A .env file in the
// working directory is loaded first; a missing file is fine.
//
// Recognized variables:
//
//	WL_DATABASE_DSN, WL_REDIS_ADDR, WL_REDIS_PASSWORD, WL_REDIS_DB,
//	WL_SECRET_KEY, WL_SESSION_VALIDITY (Go duration, e.g. "24h"),
//	WL_KEYS_DIR, WL_S3_ROOT_USER, WL_S3_ROOT_PASSWORD, WL_S3_BUCKET,
//	WL_S3_REGION, WL_S3_BASE_ENDPOINT, WL_S3_PUBLIC_BASE_URL
func parseEnv(config *Config) {
	_ = godotenv.Load()

	setString(&config.DatabaseDSN, os.Getenv("WL_DATABASE_DSN"))
	setString(&config.RedisAddr, os.Getenv("WL_REDIS_ADDR"))
	setString(&config.RedisPassword, os.Getenv("WL_REDIS_PASSWORD"))
	if v := os.Getenv("WL_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			config.RedisDB = db
		}
	}
	setString(&config.SecretKey, os.Getenv("WL_SECRET_KEY"))
	if v := os.Getenv("WL_SESSION_VALIDITY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.SessionValidity = d
		}
	}
	setString(&config.KeysDir, os.Getenv("WL_KEYS_DIR"))
	setString(&config.S3RootUser, os.Getenv("WL_S3_ROOT_USER"))
	setString(&config.S3RootPassword, os.Getenv("WL_S3_ROOT_PASSWORD"))
	setString(&config.S3Bucket, os.Getenv("WL_S3_BUCKET"))
	setString(&config.S3Region, os.Getenv("WL_S3_REGION"))
	setString(&config.S3BaseEndpoint, os.Getenv("WL_S3_BASE_ENDPOINT"))
	setString(&config.S3PublicBaseURL, os.Getenv("WL_S3_PUBLIC_BASE_URL"))
}
