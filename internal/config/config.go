package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env               string
	HTTPPort          string
	WorkerMetricsPort string
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	JWTIssuer         string
	JWTSigningKey     string
	AccessTTL         time.Duration
	AdminAPIKey       string
	ChatGatewayURL    string
	ChatGatewayToken  string
	ChatSkip          bool
	QueueBackend      string
	LockBackend       string
	RateLimitPerMin   int
	CORSOrigins       []string
	TickInterval      time.Duration
	SchedulerEnabled  bool
	ExternalTimeout   time.Duration
	SideEffectDelay   time.Duration
	DefaultUTCOffset  int // minutes east of UTC
	LogLevel          string
	LogPretty         bool
}

// Load returns application config populated from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
func Load() App {
	_ = godotenv.Load()

	return App{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPPort:          getEnv("HTTP_PORT", "8081"),
		WorkerMetricsPort: getEnv("WORKER_METRICS_PORT", "9091"),
		DatabaseURL:       getEnv("DATABASE_URL", "sqlite://data/registrar.db"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           intEnv("REDIS_DB", 0),
		JWTIssuer:         getEnv("JWT_ISSUER", "registrar"),
		JWTSigningKey:     getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		AccessTTL:         durationEnv("ACCESS_TTL", 12*time.Hour),
		AdminAPIKey:       getEnv("ADMIN_API_KEY", ""),
		ChatGatewayURL:    getEnv("CHAT_GATEWAY_URL", "http://localhost:8000"),
		ChatGatewayToken:  getEnv("CHAT_GATEWAY_TOKEN", ""),
		ChatSkip:          boolEnv("CHAT_SKIP", true),
		QueueBackend:      getEnv("QUEUE_BACKEND", "memory"),
		LockBackend:       getEnv("LOCK_BACKEND", "memory"),
		RateLimitPerMin:   intEnv("RATE_LIMIT_PER_MIN", 120),
		CORSOrigins:       listEnv("CORS_ORIGINS"),
		TickInterval:      durationEnv("TICK_INTERVAL", time.Minute),
		SchedulerEnabled:  boolEnv("SCHEDULER_ENABLED", true),
		ExternalTimeout:   durationEnv("EXTERNAL_TIMEOUT", 10*time.Second),
		SideEffectDelay:   durationEnv("SIDE_EFFECT_DELAY", 300*time.Millisecond),
		DefaultUTCOffset:  offsetEnv("DEFAULT_UTC_OFFSET", 8*60),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         boolEnv("LOG_PRETTY", false),
	}
}

// Production reports whether the app runs with production settings.
func (a App) Production() bool {
	return a.Env == "production" || a.Env == "prod"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// listEnv splits a comma-separated value, dropping blanks.
func listEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}

// offsetEnv reads a fixed UTC offset such as "+08:00", "-0530" or "8".
func offsetEnv(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	minutes, err := ParseUTCOffset(val)
	if err != nil {
		log.Printf("invalid utc offset for %s: %v, using fallback %d minutes", key, err, fallback)
		return fallback
	}
	return minutes
}

// ParseUTCOffset converts "+08:00", "-0530", "+8" or "8" into minutes east of UTC.
func ParseUTCOffset(val string) (int, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.ToUpper(val), "UTC"))
	if s == "" {
		return 0, nil
	}
	sign := 1
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = -1
		s = s[1:]
	}
	s = strings.ReplaceAll(s, ":", "")

	var hours, mins int
	switch len(s) {
	case 1, 2:
		if _, err := fmt.Sscanf(s, "%d", &hours); err != nil {
			return 0, fmt.Errorf("parse offset %q: %w", val, err)
		}
	case 3, 4:
		if _, err := fmt.Sscanf(s[:len(s)-2], "%d", &hours); err != nil {
			return 0, fmt.Errorf("parse offset %q: %w", val, err)
		}
		if _, err := fmt.Sscanf(s[len(s)-2:], "%d", &mins); err != nil {
			return 0, fmt.Errorf("parse offset %q: %w", val, err)
		}
	default:
		return 0, fmt.Errorf("parse offset %q: unexpected length", val)
	}
	if hours > 14 || mins > 59 {
		return 0, fmt.Errorf("parse offset %q: out of range", val)
	}
	return sign * (hours*60 + mins), nil
}
