package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "DETECT_"

func applyEnv(cfg *Config) {
	cfg.Debug = getEnvAsBool("DEBUG", cfg.Debug)

	cfg.Server.Addr = getEnv("ADDR", cfg.Server.Addr)
	cfg.Server.AllowedOrigins = getEnvAsList("ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)

	cfg.Detection.ConfThreshold = getEnvAsFloat("CONF_THRESHOLD", cfg.Detection.ConfThreshold)
	cfg.Detection.IouThreshold = getEnvAsFloat("IOU_THRESHOLD", cfg.Detection.IouThreshold)
	cfg.Detection.MinArea = getEnvAsInt("MIN_AREA", cfg.Detection.MinArea)
	cfg.Detection.Enhance = getEnvAsBool("ENHANCE", cfg.Detection.Enhance)

	cfg.Pipeline.QueueCapacity = getEnvAsInt("QUEUE_CAPACITY", cfg.Pipeline.QueueCapacity)
	cfg.Pipeline.WorkerPoolSize = getEnvAsInt("WORKER_POOL_SIZE", cfg.Pipeline.WorkerPoolSize)
	cfg.Pipeline.FreshnessWindow = getEnvAsDuration("FRESHNESS_WINDOW", cfg.Pipeline.FreshnessWindow)
	cfg.Pipeline.SyncTimeout = getEnvAsDuration("SYNC_TIMEOUT", cfg.Pipeline.SyncTimeout)

	cfg.Models.LibraryPath = getEnv("ONNXRUNTIME_LIB", cfg.Models.LibraryPath)
	cfg.Models.Threads = getEnvAsInt("MODEL_THREADS", cfg.Models.Threads)

	cfg.Announce.Enabled = getEnvAsBool("ANNOUNCE", cfg.Announce.Enabled)
	cfg.History.Path = getEnv("HISTORY_PATH", cfg.History.Path)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Dir = getEnv("LOG_DIR", cfg.Log.Dir)
}

// lookup reads DETECT_<key>. DEBUG is also honoured without the prefix.
func lookup(key string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	if key == "DEBUG" {
		return os.Getenv(key)
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value := lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := lookup(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := lookup(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := lookup(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := lookup(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := lookup(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
